package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Math49/chat-client/pkg/channel"
	"github.com/Math49/chat-client/pkg/media"
	"github.com/Math49/chat-client/pkg/peer"
	"github.com/Math49/chat-client/pkg/signal"
	"github.com/Math49/chat-client/pkg/telemetry"
	"github.com/Math49/chat-client/pkg/worker"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrCallCancelled  = errors.New("call was cancelled")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrDialTimeout    = errors.New("call was not answered")
)

// Phase of the two-party call session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseIncoming
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseIncoming:
		return "incoming"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Peer describes the remote party of a call.
type Peer struct {
	ID           string
	DisplayName  string
	VideoEnabled bool
}

// EmitFunc hands an outbound signaling payload to the application layer for
// transmission over whatever relay it uses. Call-and-forget: the session does
// not retry failed emission.
type EmitFunc func(payload signal.Payload)

// Configuration for call sessions.
type Config struct {
	// Seconds before an unanswered dial is cancelled. Defaults to 30.
	DialTimeout int `yaml:"dialTimeout"`
}

const DefaultDialTimeout = 30

// Session is the single source of truth for a two-party call: it tracks the
// call phase, enforces the single-active-call invariant, owns the link to the
// remote party and buffers signals that arrive before the link exists.
//
// A session is an explicit object owned by whoever manages the user's current
// screen; there is deliberately no package-level singleton, so tests (and
// future multi-account clients) can run several sessions independently.
type Session struct {
	config Config
	media  *media.Manager
	links  LinkFactory
	logger *logrus.Entry

	peerEvents chan channel.Message[string, peer.EventContent]
	done       chan struct{}
	closeOnce  sync.Once
	notifier   *notifier

	mutex      sync.Mutex
	phase      Phase
	remote     *Peer
	startedAt  time.Time
	link       Link
	emit       EmitFunc
	buffer     *signal.Buffer
	watchdog   *worker.Watchdog
	trace      *telemetry.Telemetry
	generation uint64
}

func New(config Config, mediaManager *media.Manager, links LinkFactory, logger *logrus.Entry) *Session {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	s := &Session{
		config:     config,
		media:      mediaManager,
		links:      links,
		logger:     logger,
		peerEvents: make(chan channel.Message[string, peer.EventContent], 100),
		done:       make(chan struct{}),
		notifier:   newNotifier(),
		buffer:     signal.NewBuffer(),
		phase:      PhaseIdle,
	}

	go s.processEvents()
	return s
}

// Subscribe returns a channel of state changes and a cancel function.
func (s *Session) Subscribe() (<-chan StateChange, func()) {
	return s.notifier.subscribe()
}

// Phase returns the current call phase.
func (s *Session) Phase() Phase {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.phase
}

// Remote returns a copy of the current remote party descriptor, or nil when
// the session is idle.
func (s *Session) Remote() *Peer {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.remote == nil {
		return nil
	}
	remote := *s.remote
	return &remote
}

// StartedAt returns when the current dial started; the zero time unless the
// session is dialing.
func (s *Session) StartedAt() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.startedAt
}

// StartCall dials the given target. Fails immediately with ErrCallInProgress
// unless the session is idle. Media acquisition failures revert the session
// to idle and are propagated to the caller. A dial that receives no remote
// stream within the configured timeout cancels itself.
func (s *Session) StartCall(ctx context.Context, targetID, displayName string, emit EmitFunc, withVideo bool) error {
	s.mutex.Lock()
	if s.phase != PhaseIdle {
		s.mutex.Unlock()
		return ErrCallInProgress
	}

	s.phase = PhaseDialing
	s.remote = &Peer{ID: targetID, DisplayName: displayName, VideoEnabled: withVideo}
	s.startedAt = time.Now()
	s.emit = emit
	s.trace = telemetry.NewTelemetry(ctx, "call",
		attribute.String("peer_id", targetID),
		attribute.Bool("video", withVideo),
	)
	generation := s.generation
	remote := *s.remote
	s.mutex.Unlock()

	s.logger.WithField("peer_id", targetID).Info("dialing")
	s.notifier.publish(StateChange{Phase: PhaseDialing, Peer: &remote})

	stream, err := s.media.Acquire(ctx, withVideo)
	if err != nil {
		s.abortSetup(generation, err)
		return err
	}

	s.mutex.Lock()
	if s.generation != generation || s.phase != PhaseDialing {
		// The user hung up while the media prompt was open. The teardown ran
		// against an empty manager, so the capture that just resolved must be
		// stopped here, unless a newer call already claimed it.
		if s.phase == PhaseIdle {
			s.media.Release()
		}
		s.mutex.Unlock()
		return ErrCallCancelled
	}

	events := channel.NewSink[string, peer.EventContent](targetID, s.peerEvents)
	link, err := s.links.CreateLink(LinkParams{
		RemoteID:    targetID,
		DisplayName: displayName,
		Initiator:   true,
		LocalStream: stream,
	}, events)
	if err != nil {
		s.teardownLocked()
		s.mutex.Unlock()
		s.notifier.publish(StateChange{Phase: PhaseIdle, Err: err})
		return err
	}

	s.link = link
	s.watchdog = worker.NewWatchdog(time.Duration(s.config.DialTimeout)*time.Second, func() {
		s.dialTimedOut(generation)
	})
	s.watchdog.Start()
	s.mutex.Unlock()

	return nil
}

// AcceptCall answers an incoming call from the given peer: acquires media,
// creates the link as non-initiator and flushes every buffered signal into
// it, in arrival order. A duplicate accept for the same peer is a silent
// no-op since it is expected to race with duplicate signal delivery.
func (s *Session) AcceptCall(ctx context.Context, fromID, displayName string, emit EmitFunc, withVideo bool) error {
	s.mutex.Lock()
	if s.phase == PhaseDialing || s.phase == PhaseActive {
		s.mutex.Unlock()
		return ErrCallInProgress
	}
	if s.phase == PhaseIncoming && s.remote != nil && s.remote.ID != fromID {
		s.mutex.Unlock()
		return ErrCallInProgress
	}
	if s.link != nil {
		s.mutex.Unlock()
		return nil
	}

	s.phase = PhaseIncoming
	s.remote = &Peer{ID: fromID, DisplayName: displayName, VideoEnabled: withVideo}
	s.emit = emit
	if s.trace == nil {
		s.trace = telemetry.NewTelemetry(ctx, "call",
			attribute.String("peer_id", fromID),
			attribute.Bool("video", withVideo),
		)
	}
	generation := s.generation
	s.mutex.Unlock()

	s.logger.WithField("peer_id", fromID).Info("accepting call")

	stream, err := s.media.Acquire(ctx, withVideo)
	if err != nil {
		s.abortSetup(generation, err)
		return err
	}

	s.mutex.Lock()
	if s.generation != generation {
		// Torn down while acquiring media; stop the capture that resolved
		// too late, unless a newer call already claimed it.
		if s.phase == PhaseIdle {
			s.media.Release()
		}
		s.mutex.Unlock()
		return ErrCallCancelled
	}
	if s.link != nil {
		// A concurrent accept won the race while we were acquiring media.
		s.mutex.Unlock()
		return nil
	}

	events := channel.NewSink[string, peer.EventContent](fromID, s.peerEvents)
	link, err := s.links.CreateLink(LinkParams{
		RemoteID:    fromID,
		DisplayName: displayName,
		Initiator:   false,
		LocalStream: stream,
	}, events)
	if err != nil {
		s.teardownLocked()
		s.mutex.Unlock()
		s.notifier.publish(StateChange{Phase: PhaseIdle, Err: err})
		return err
	}
	s.link = link

	// Flushed while still holding the mutex: a signal arriving concurrently
	// takes the direct-forward path the moment the link is visible, so the
	// flush must complete before that path can run or the per-peer ordering
	// is lost.
	var flushErr error
	s.buffer.Flush(fromID, func(p signal.Payload) {
		if err := link.InjectSignal(p); err != nil && flushErr == nil {
			flushErr = err
		}
	})
	s.mutex.Unlock()

	if flushErr != nil {
		s.fail(flushErr)
	}

	return nil
}

// RejectCall declines the incoming call and discards its buffered signals.
// Returns the rejected peer so that the caller can address the reject control
// payload; transmitting it is the caller's responsibility, not this
// component's.
func (s *Session) RejectCall() (Peer, error) {
	s.mutex.Lock()
	if s.phase != PhaseIncoming || s.remote == nil {
		s.mutex.Unlock()
		return Peer{}, ErrNoIncomingCall
	}

	rejected := *s.remote
	s.logger.WithField("peer_id", rejected.ID).Info("rejecting call")
	s.teardownLocked()
	s.mutex.Unlock()

	s.notifier.publish(StateChange{Phase: PhaseIdle})
	return rejected, nil
}

// Hangup ends the current call attempt, whatever stage it is in. Calling it
// when the session is already idle is a no-op. Emitting the hangup control
// payload to the remote party is the caller's responsibility.
func (s *Session) Hangup() {
	s.mutex.Lock()
	if s.phase == PhaseIdle {
		s.mutex.Unlock()
		return
	}

	s.logger.Info("hanging up")
	s.teardownLocked()
	s.mutex.Unlock()

	s.notifier.publish(StateChange{Phase: PhaseIdle})
}

// HandleIncomingSignal is the dispatch routine for payloads received from the
// relay. It never fails: malformed or unexpected payloads are logged and the
// resulting link errors, if any, tear the session down through the regular
// failure path.
func (s *Session) HandleIncomingSignal(fromID, displayName string, payload signal.Payload, withVideo bool) {
	if signal.Control(payload) {
		s.handleControl(fromID, payload)
		return
	}

	s.mutex.Lock()
	switch {
	case s.remote != nil && s.remote.ID == fromID && s.link != nil:
		// Established link: forward directly.
		link := s.link
		s.mutex.Unlock()
		if err := link.InjectSignal(payload); err != nil {
			s.fail(err)
		}

	case s.phase == PhaseIdle:
		// First signal of an incoming call: buffer it and surface the call
		// to the application, which decides to accept or reject.
		s.buffer.Enqueue(fromID, payload)
		s.phase = PhaseIncoming
		s.remote = &Peer{ID: fromID, DisplayName: displayName, VideoEnabled: withVideo}
		remote := *s.remote
		s.mutex.Unlock()
		s.logger.WithField("peer_id", fromID).Info("incoming call")
		s.notifier.publish(StateChange{Phase: PhaseIncoming, Peer: &remote})

	case s.phase == PhaseIncoming && s.remote != nil && s.remote.ID == fromID:
		// No link yet, keep buffering until the call is accepted.
		s.buffer.Enqueue(fromID, payload)
		s.mutex.Unlock()

	default:
		// Mid-dial signal from a different party. The two-party model does
		// not surface a second incoming call; call-waiting would need the
		// conference machinery.
		s.logger.WithField("peer_id", fromID).Debug("ignoring signal from unrelated peer")
		s.mutex.Unlock()
	}
}

// A reject/hangup control payload takes precedence over anything buffered or
// in flight for that peer and immediately reverts the session to idle.
func (s *Session) handleControl(fromID string, payload signal.Payload) {
	s.mutex.Lock()
	s.buffer.Drop(fromID)

	if s.phase == PhaseIdle || s.remote == nil || s.remote.ID != fromID {
		s.mutex.Unlock()
		return
	}

	s.logger.WithFields(logrus.Fields{
		"peer_id": fromID,
		"payload": payloadName(payload),
	}).Info("remote party ended the call")
	s.teardownLocked()
	s.mutex.Unlock()

	s.notifier.publish(StateChange{Phase: PhaseIdle})
}

// Close tears down any live call and stops the event loop. The session must
// not be used afterwards.
func (s *Session) Close() {
	s.Hangup()
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.notifier.close()
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
	if s.remote == nil || s.remote.ID != from || s.link == nil {
		// Event from a link that was already torn down.
		s.mutex.Unlock()
		return
	}

	switch event := content.(type) {
	case peer.OutboundSignal:
		emit := s.emit
		s.mutex.Unlock()
		if emit != nil {
			emit(event.Payload)
		}

	case peer.RemoteStreamReady:
		if s.phase == PhaseActive {
			s.mutex.Unlock()
			return
		}
		s.phase = PhaseActive
		if s.watchdog != nil {
			s.watchdog.Close()
			s.watchdog = nil
		}
		if s.trace != nil {
			s.trace.AddEvent("remote stream ready")
		}
		remote := *s.remote
		s.mutex.Unlock()
		s.logger.WithField("peer_id", from).Info("call is active")
		s.notifier.publish(StateChange{Phase: PhaseActive, Peer: &remote})

	case peer.Closed:
		s.logger.WithField("peer_id", from).Info("connection closed by remote party")
		s.teardownLocked()
		s.mutex.Unlock()
		s.notifier.publish(StateChange{Phase: PhaseIdle})

	case peer.Failed:
		s.logger.WithError(event.Err).Error("connection failed")
		if s.trace != nil {
			s.trace.Fail(event.Err)
		}
		s.teardownLocked()
		s.mutex.Unlock()
		s.notifier.publish(StateChange{Phase: PhaseIdle, Err: event.Err})

	default:
		s.mutex.Unlock()
	}
}

// Reverts the session to idle after a setup failure, unless a concurrent
// teardown already did.
func (s *Session) abortSetup(generation uint64, err error) {
	s.mutex.Lock()
	if s.generation != generation {
		s.mutex.Unlock()
		return
	}

	s.logger.WithError(err).Error("call setup failed")
	if s.trace != nil {
		s.trace.Fail(err)
	}
	s.teardownLocked()
	s.mutex.Unlock()

	s.notifier.publish(StateChange{Phase: PhaseIdle, Err: err})
}

// Tears down a live call from the regular failure path (a link that errored
// after setup).
func (s *Session) fail(err error) {
	s.mutex.Lock()
	if s.phase == PhaseIdle {
		s.mutex.Unlock()
		return
	}

	s.logger.WithError(err).Error("call failed")
	if s.trace != nil {
		s.trace.Fail(err)
	}
	s.teardownLocked()
	s.mutex.Unlock()

	s.notifier.publish(StateChange{Phase: PhaseIdle, Err: err})
}

func (s *Session) dialTimedOut(generation uint64) {
	s.mutex.Lock()
	if s.generation != generation || s.phase != PhaseDialing {
		s.mutex.Unlock()
		return
	}

	s.logger.Warn("dial timed out")
	if s.trace != nil {
		s.trace.Fail(ErrDialTimeout)
	}
	s.teardownLocked()
	s.mutex.Unlock()

	s.notifier.publish(StateChange{Phase: PhaseIdle, Err: ErrDialTimeout})
}

// Destroys every resource of the current call attempt and resets the session
// to idle. Unconditionally idempotent: every step tolerates being run against
// an already torn down resource.
func (s *Session) teardownLocked() {
	s.generation++

	if s.watchdog != nil {
		s.watchdog.Close()
		s.watchdog = nil
	}
	if s.link != nil {
		s.link.Destroy()
		s.link = nil
	}
	if s.trace != nil {
		s.trace.End()
		s.trace = nil
	}

	s.buffer.Clear()
	s.media.Release()

	s.phase = PhaseIdle
	s.remote = nil
	s.emit = nil
	s.startedAt = time.Time{}
}

func payloadName(p signal.Payload) string {
	switch p.(type) {
	case signal.Reject:
		return "reject"
	case signal.Hangup:
		return "hangup"
	default:
		return "unknown"
	}
}
