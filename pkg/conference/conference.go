package conference

import (
	"context"
	"errors"
	"sync"

	"github.com/Math49/chat-client/pkg/channel"
	"github.com/Math49/chat-client/pkg/media"
	"github.com/Math49/chat-client/pkg/peer"
	"github.com/Math49/chat-client/pkg/session"
	"github.com/Math49/chat-client/pkg/signal"
	"github.com/Math49/chat-client/pkg/telemetry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrConferenceInProgress = errors.New("conference already in progress")
	ErrNoConference         = errors.New("no active conference")
	ErrConferenceCancelled  = errors.New("conference was cancelled")
)

// Phase of the conference session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitiating
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitiating:
		return "initiating"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// EmitFunc hands an outbound signaling payload addressed to one participant
// to the application layer for transmission.
type EmitFunc func(toID string, payload signal.Payload)

// One remote participant and the link to them. Every participant has an
// independent lifecycle: their link connecting, failing or closing never
// affects the conference as a whole.
type participant struct {
	displayName string
	link        session.Link
}

// Session is the multi-party generalization of the two-party call: many
// concurrent links keyed by participant id under one conference identifier.
// The conference itself is active as soon as local media is captured, with
// zero or more participants coming and going afterwards.
type Session struct {
	selfID string
	media  *media.Manager
	links  session.LinkFactory
	logger *logrus.Entry

	peerEvents chan channel.Message[string, peer.EventContent]
	done       chan struct{}
	closeOnce  sync.Once
	notifier   *notifier

	mutex        sync.Mutex
	phase        Phase
	id           string
	emit         EmitFunc
	participants map[string]*participant
	pending      map[string]pendingPeer
	buffer       *signal.Buffer
	trace        *telemetry.Telemetry
	generation   uint64
}

// A peer whose signals arrived while media acquisition was still in flight.
// Their link is created as soon as the conference becomes active.
type pendingPeer struct {
	displayName string
	isInitiator bool
}

// New creates an idle conference session. The self identifier must be the id
// under which the relay addresses this client; it is required explicitly so
// that signals echoed back by the relay can be told apart from real
// participants.
func New(selfID string, mediaManager *media.Manager, links session.LinkFactory, logger *logrus.Entry) *Session {
	s := &Session{
		selfID:       selfID,
		media:        mediaManager,
		links:        links,
		logger:       logger,
		peerEvents:   make(chan channel.Message[string, peer.EventContent], 100),
		done:         make(chan struct{}),
		notifier:     newNotifier(),
		participants: map[string]*participant{},
		pending:      map[string]pendingPeer{},
		buffer:       signal.NewBuffer(),
		phase:        PhaseIdle,
	}

	go s.processEvents()
	return s
}

// Subscribe returns a channel of participant updates and a cancel function.
func (s *Session) Subscribe() (<-chan Update, func()) {
	return s.notifier.subscribe()
}

// Phase returns the current conference phase.
func (s *Session) Phase() Phase {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.phase
}

// ID returns the identifier of the current conference, or the empty string
// when no conference is active.
func (s *Session) ID() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.id
}

// Participants returns the ids of the participants a link currently exists
// for.
func (s *Session) Participants() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	return ids
}

// StartConference creates a new conference with a fresh identifier and zero
// participants. Fails with ErrConferenceInProgress unless the session is
// idle. Returns the conference identifier for the application to advertise.
func (s *Session) StartConference(ctx context.Context, emit EmitFunc) (string, error) {
	return s.begin(ctx, uuid.NewString(), emit)
}

// JoinConference enters an existing conference. Links to the members that are
// already present are created as the relay reports them via AddParticipant or
// as their signals arrive.
func (s *Session) JoinConference(ctx context.Context, conferenceID string, emit EmitFunc) error {
	_, err := s.begin(ctx, conferenceID, emit)
	return err
}

func (s *Session) begin(ctx context.Context, conferenceID string, emit EmitFunc) (string, error) {
	s.mutex.Lock()
	if s.phase != PhaseIdle {
		s.mutex.Unlock()
		return "", ErrConferenceInProgress
	}
	s.phase = PhaseInitiating
	s.id = conferenceID
	s.emit = emit
	s.trace = telemetry.NewTelemetry(ctx, "conference", attribute.String("conference_id", conferenceID))
	generation := s.generation
	s.mutex.Unlock()

	s.logger.WithField("conference_id", conferenceID).Info("entering conference")

	// Conferences always capture video.
	if _, err := s.media.Acquire(ctx, true); err != nil {
		s.abortSetup(generation, err)
		return "", err
	}

	s.mutex.Lock()
	if s.generation != generation || s.phase != PhaseInitiating {
		s.mutex.Unlock()
		return "", ErrConferenceCancelled
	}
	s.phase = PhaseActive

	// Peers whose signals raced the media acquisition get their links now.
	for id, p := range s.pending {
		s.createLinkLocked(id, p.displayName, p.isInitiator)
	}
	s.pending = map[string]pendingPeer{}
	s.mutex.Unlock()

	return conferenceID, nil
}

// HandleIncomingSignal routes a payload from one participant. Signals for a
// participant without a link create one; the initiator flag tells whether
// this client is expected to send the offer on that new link.
func (s *Session) HandleIncomingSignal(fromID, displayName string, payload signal.Payload, isInitiator bool) {
	if fromID == s.selfID {
		return
	}
	if signal.Control(payload) {
		s.dropParticipant(fromID)
		return
	}

	s.mutex.Lock()
	if s.phase == PhaseIdle {
		s.mutex.Unlock()
		return
	}
	if s.phase == PhaseInitiating {
		// Media is still being acquired; buffer and create the link once the
		// conference becomes active.
		s.buffer.Enqueue(fromID, payload)
		if _, known := s.pending[fromID]; !known {
			s.pending[fromID] = pendingPeer{displayName: displayName, isInitiator: isInitiator}
		}
		s.mutex.Unlock()
		return
	}

	if existing := s.participants[fromID]; existing != nil {
		link := existing.link
		s.mutex.Unlock()
		s.injectOrDrop(fromID, link, payload)
		return
	}

	s.buffer.Enqueue(fromID, payload)
	s.createLinkLocked(fromID, displayName, isInitiator)
	s.mutex.Unlock()
}

// AddParticipant creates a link to a participant reported by the relay's
// membership events. Used when joining a conference that already has members:
// this client initiates towards each of them. Duplicate adds are no-ops.
func (s *Session) AddParticipant(id, displayName string) {
	if id == s.selfID {
		return
	}

	s.mutex.Lock()
	if s.phase != PhaseActive || s.participants[id] != nil {
		s.mutex.Unlock()
		return
	}
	s.createLinkLocked(id, displayName, true)
	s.mutex.Unlock()
}

// RemoveParticipant destroys the link to a participant that left, along with
// anything buffered for them. The conference stays active.
func (s *Session) RemoveParticipant(id string) {
	s.dropParticipant(id)
}

// LeaveConference destroys every link, discards all buffered signals and
// releases the shared local media. Calling it when no conference is active
// is a no-op.
func (s *Session) LeaveConference() {
	s.mutex.Lock()
	if s.phase == PhaseIdle {
		s.mutex.Unlock()
		return
	}

	s.logger.WithField("conference_id", s.id).Info("leaving conference")
	left := make([]Update, 0, len(s.participants))
	for id, member := range s.participants {
		member.link.Destroy()
		left = append(left, Update{PeerID: id, DisplayName: member.displayName, Kind: ParticipantLeft})
	}
	s.participants = map[string]*participant{}
	s.pending = map[string]pendingPeer{}
	s.buffer.Clear()
	s.media.Release()
	if s.trace != nil {
		s.trace.End()
		s.trace = nil
	}
	s.generation++
	s.phase = PhaseIdle
	s.id = ""
	s.emit = nil
	s.mutex.Unlock()

	for _, update := range left {
		s.notifier.publish(update)
	}
}

// Close leaves any live conference and stops the event loop. The session must
// not be used afterwards.
func (s *Session) Close() {
	s.LeaveConference()
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.notifier.close()
}

// Creates the link for one participant and flushes their buffered signals
// into it. The caller holds the mutex.
func (s *Session) createLinkLocked(id, displayName string, isInitiator bool) {
	stream, err := s.media.Acquire(context.Background(), true)
	if err != nil {
		// Should not happen while active, the shared stream is held.
		s.logger.WithError(err).WithField("peer_id", id).Error("no local stream for new participant")
		s.buffer.Drop(id)
		return
	}

	events := channel.NewSink[string, peer.EventContent](id, s.peerEvents)
	link, err := s.links.CreateLink(session.LinkParams{
		RemoteID:    id,
		DisplayName: displayName,
		Initiator:   isInitiator,
		LocalStream: stream,
	}, events)
	if err != nil {
		s.logger.WithError(err).WithField("peer_id", id).Error("failed to create participant link")
		s.buffer.Drop(id)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"peer_id":   id,
		"initiator": isInitiator,
	}).Info("participant link created")
	s.participants[id] = &participant{displayName: displayName, link: link}
	if s.trace != nil {
		s.trace.AddEvent("participant joined", attribute.String("peer_id", id))
	}

	s.buffer.Flush(id, func(p signal.Payload) {
		if err := link.InjectSignal(p); err != nil {
			s.logger.WithError(err).WithField("peer_id", id).Error("failed to replay buffered signal")
		}
	})

	s.notifier.publish(Update{PeerID: id, DisplayName: displayName, Kind: ParticipantJoined})
}

// Destroys one participant's link and buffered signals, leaving the rest of
// the conference untouched.
func (s *Session) dropParticipant(id string) {
	s.mutex.Lock()
	s.buffer.Drop(id)
	delete(s.pending, id)
	member := s.participants[id]
	if member == nil {
		s.mutex.Unlock()
		return
	}
	delete(s.participants, id)
	s.mutex.Unlock()

	s.logger.WithField("peer_id", id).Info("participant left")
	member.link.Destroy()
	s.notifier.publish(Update{PeerID: id, DisplayName: member.displayName, Kind: ParticipantLeft})
}

func (s *Session) injectOrDrop(fromID string, link session.Link, payload signal.Payload) {
	if err := link.InjectSignal(payload); err != nil {
		s.logger.WithError(err).WithField("peer_id", fromID).Error("failed to inject signal")
		s.dropParticipant(fromID)
	}
}

func (s *Session) abortSetup(generation uint64, err error) {
	s.mutex.Lock()
	if s.generation != generation {
		s.mutex.Unlock()
		return
	}

	s.logger.WithError(err).Error("conference setup failed")
	if s.trace != nil {
		s.trace.Fail(err)
		s.trace.End()
		s.trace = nil
	}
	s.pending = map[string]pendingPeer{}
	s.buffer.Clear()
	s.generation++
	s.phase = PhaseIdle
	s.id = ""
	s.emit = nil
	s.mutex.Unlock()
}

func (s *Session) processEvents() {
	for {
		select {
		case <-s.done:
			return
		case message := <-s.peerEvents:
			s.handlePeerEvent(message.Sender, message.Content)
		}
	}
}

func (s *Session) handlePeerEvent(from string, content peer.EventContent) {
	s.mutex.Lock()
	member := s.participants[from]
	if member == nil {
		s.mutex.Unlock()
		return
	}

	switch event := content.(type) {
	case peer.OutboundSignal:
		emit := s.emit
		s.mutex.Unlock()
		if emit != nil {
			emit(from, event.Payload)
		}

	case peer.RemoteStreamReady:
		displayName := member.displayName
		s.mutex.Unlock()
		s.logger.WithField("peer_id", from).Info("participant stream ready")
		s.notifier.publish(Update{PeerID: from, DisplayName: displayName, Kind: ParticipantStreaming})

	case peer.Closed:
		s.mutex.Unlock()
		s.logger.WithField("peer_id", from).Info("participant connection closed")
		s.dropParticipant(from)

	case peer.Failed:
		s.mutex.Unlock()
		s.logger.WithError(event.Err).WithField("peer_id", from).Error("participant connection failed")
		s.dropParticipant(from)

	default:
		s.mutex.Unlock()
	}
}
