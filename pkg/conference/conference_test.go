package conference_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Math49/chat-client/pkg/channel"
	"github.com/Math49/chat-client/pkg/conference"
	"github.com/Math49/chat-client/pkg/media"
	"github.com/Math49/chat-client/pkg/peer"
	"github.com/Math49/chat-client/pkg/session"
	"github.com/Math49/chat-client/pkg/signal"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----------------------------------------------------------------

type fakeTrack struct {
	stopped atomic.Int32
}

func (t *fakeTrack) ID() string       { return "local" }
func (t *fakeTrack) Kind() media.Kind { return media.KindVideo }
func (t *fakeTrack) Stop()            { t.stopped.Add(1) }

type fakeStream struct {
	track *fakeTrack
}

func (s *fakeStream) Tracks() []media.Track { return []media.Track{s.track} }

type fakeProvider struct {
	mutex sync.Mutex
	err   error
	block chan struct{}
	last  *fakeStream
}

func (p *fakeProvider) GetStream(ctx context.Context, c media.Constraints) (media.Stream, error) {
	p.mutex.Lock()
	block := p.block
	err := p.err
	p.mutex.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	stream := &fakeStream{track: &fakeTrack{}}
	p.mutex.Lock()
	p.last = stream
	p.mutex.Unlock()
	return stream, nil
}

type fakeLink struct {
	params session.LinkParams
	events *channel.MessageSink[string, peer.EventContent]

	mutex     sync.Mutex
	injected  []signal.Payload
	destroyed int
}

func (l *fakeLink) InjectSignal(p signal.Payload) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.injected = append(l.injected, p)
	return nil
}

func (l *fakeLink) Destroy() {
	l.mutex.Lock()
	l.destroyed++
	l.mutex.Unlock()
	l.events.Seal()
}

func (l *fakeLink) destroyCount() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.destroyed
}

func (l *fakeLink) injectedPayloads() []signal.Payload {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]signal.Payload(nil), l.injected...)
}

type fakeFactory struct {
	mutex sync.Mutex
	links map[string]*fakeLink
}

func (f *fakeFactory) CreateLink(
	params session.LinkParams,
	events *channel.MessageSink[string, peer.EventContent],
) (session.Link, error) {
	link := &fakeLink{params: params, events: events}
	f.mutex.Lock()
	f.links[params.RemoteID] = link
	f.mutex.Unlock()
	return link, nil
}

func (f *fakeFactory) link(id string) *fakeLink {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.links[id]
}

func (f *fakeFactory) linkCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.links)
}

// ---- helpers --------------------------------------------------------------

const selfID = "self"

type fixture struct {
	conference *conference.Session
	factory    *fakeFactory
	provider   *fakeProvider
}

func setup(t *testing.T) *fixture {
	t.Helper()

	provider := &fakeProvider{}
	factory := &fakeFactory{links: map[string]*fakeLink{}}
	manager := media.NewManager(provider, logrus.WithField("test", t.Name()))
	s := conference.New(selfID, manager, factory, logrus.WithField("test", t.Name()))
	t.Cleanup(s.Close)

	return &fixture{conference: s, factory: factory, provider: provider}
}

func discardSignals(string, signal.Payload) {}

func offerPayload() signal.Payload {
	return signal.SDP{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}}
}

func candidatePayload(c string) signal.Payload {
	return signal.Candidate{Candidate: webrtc.ICECandidateInit{Candidate: c}}
}

func start(t *testing.T, f *fixture) string {
	t.Helper()
	id, err := f.conference.StartConference(context.Background(), discardSignals)
	require.NoError(t, err)
	require.Equal(t, conference.PhaseActive, f.conference.Phase())
	return id
}

// ---- tests ----------------------------------------------------------------

func TestStartConference(t *testing.T) {
	f := setup(t)

	id := start(t, f)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, f.conference.ID())
	assert.Empty(t, f.conference.Participants())

	// Single conference per client.
	_, err := f.conference.StartConference(context.Background(), discardSignals)
	assert.ErrorIs(t, err, conference.ErrConferenceInProgress)
	err = f.conference.JoinConference(context.Background(), "other", discardSignals)
	assert.ErrorIs(t, err, conference.ErrConferenceInProgress)
	assert.Equal(t, id, f.conference.ID())
}

func TestJoinConference(t *testing.T) {
	f := setup(t)

	require.NoError(t, f.conference.JoinConference(context.Background(), "room-1", discardSignals))
	assert.Equal(t, conference.PhaseActive, f.conference.Phase())
	assert.Equal(t, "room-1", f.conference.ID())
}

func TestStartConference_MediaFailure(t *testing.T) {
	f := setup(t)
	f.provider.err = media.ErrPermissionDenied

	_, err := f.conference.StartConference(context.Background(), discardSignals)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, conference.PhaseIdle, f.conference.Phase())
	assert.Empty(t, f.conference.ID())
}

func TestHandleIncomingSignal_CreatesLinkPerPeer(t *testing.T) {
	f := setup(t)
	start(t, f)

	f.conference.HandleIncomingSignal("alice", "Alice", offerPayload(), false)
	f.conference.HandleIncomingSignal("alice", "Alice", candidatePayload("a1"), false)
	f.conference.HandleIncomingSignal("bob", "Bob", offerPayload(), false)

	require.Equal(t, 2, f.factory.linkCount())
	alice := f.factory.link("alice")
	require.NotNil(t, alice)
	assert.False(t, alice.params.Initiator)
	assert.Equal(t,
		[]signal.Payload{offerPayload(), candidatePayload("a1")},
		alice.injectedPayloads())
	assert.Len(t, f.factory.link("bob").injectedPayloads(), 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.conference.Participants())
}

func TestHandleIncomingSignal_SelfEchoIgnored(t *testing.T) {
	f := setup(t)
	start(t, f)

	f.conference.HandleIncomingSignal(selfID, "Self", offerPayload(), false)
	assert.Equal(t, 0, f.factory.linkCount())
}

func TestHandleIncomingSignal_ControlDropsOnlyThatPeer(t *testing.T) {
	f := setup(t)
	start(t, f)

	f.conference.HandleIncomingSignal("alice", "Alice", offerPayload(), false)
	f.conference.HandleIncomingSignal("bob", "Bob", offerPayload(), false)

	f.conference.HandleIncomingSignal("alice", "Alice", signal.Hangup{}, false)

	assert.Equal(t, 1, f.factory.link("alice").destroyCount())
	assert.Equal(t, 0, f.factory.link("bob").destroyCount())
	assert.Equal(t, conference.PhaseActive, f.conference.Phase())
	assert.ElementsMatch(t, []string{"bob"}, f.conference.Participants())
}

func TestHandleIncomingSignal_WhileInitiatingBuffersUntilActive(t *testing.T) {
	f := setup(t)
	f.provider.block = make(chan struct{})

	started := make(chan string, 1)
	go func() {
		id, err := f.conference.StartConference(context.Background(), discardSignals)
		if err == nil {
			started <- id
		}
	}()
	require.Eventually(t, func() bool {
		return f.conference.Phase() == conference.PhaseInitiating
	}, time.Second, time.Millisecond)

	// Signals racing the media acquisition.
	f.conference.HandleIncomingSignal("alice", "Alice", offerPayload(), false)
	f.conference.HandleIncomingSignal("alice", "Alice", candidatePayload("a1"), false)
	assert.Equal(t, 0, f.factory.linkCount())

	close(f.provider.block)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("conference did not start")
	}

	alice := f.factory.link("alice")
	require.NotNil(t, alice)
	assert.Equal(t,
		[]signal.Payload{offerPayload(), candidatePayload("a1")},
		alice.injectedPayloads())
}

func TestAddParticipant(t *testing.T) {
	f := setup(t)
	start(t, f)

	f.conference.AddParticipant("alice", "Alice")
	link := f.factory.link("alice")
	require.NotNil(t, link)
	assert.True(t, link.params.Initiator, "this client dials members that are already present")

	// Duplicates and self are no-ops.
	f.conference.AddParticipant("alice", "Alice")
	f.conference.AddParticipant(selfID, "Self")
	assert.Equal(t, 1, f.factory.linkCount())
}

func TestRemoveParticipant(t *testing.T) {
	f := setup(t)
	start(t, f)

	f.conference.AddParticipant("alice", "Alice")
	f.conference.RemoveParticipant("alice")

	assert.Equal(t, 1, f.factory.link("alice").destroyCount())
	assert.Empty(t, f.conference.Participants())

	// Removing an unknown participant is a no-op.
	f.conference.RemoveParticipant("nobody")
}

func TestParticipantFailureIsIsolated(t *testing.T) {
	f := setup(t)
	start(t, f)

	f.conference.AddParticipant("alice", "Alice")
	f.conference.AddParticipant("bob", "Bob")

	updates, cancel := f.conference.Subscribe()
	defer cancel()

	f.factory.link("alice").events.Send(peer.Failed{Err: assert.AnError})

	select {
	case update := <-updates:
		assert.Equal(t, "alice", update.PeerID)
		assert.Equal(t, conference.ParticipantLeft, update.Kind)
	case <-time.After(time.Second):
		t.Fatal("no update for the failed participant")
	}

	assert.Equal(t, 1, f.factory.link("alice").destroyCount())
	assert.Equal(t, 0, f.factory.link("bob").destroyCount())
	assert.Equal(t, conference.PhaseActive, f.conference.Phase())
}

func TestLeaveConference(t *testing.T) {
	f := setup(t)
	start(t, f)

	f.conference.AddParticipant("alice", "Alice")
	f.conference.AddParticipant("bob", "Bob")

	f.conference.LeaveConference()

	assert.Equal(t, conference.PhaseIdle, f.conference.Phase())
	assert.Empty(t, f.conference.ID())
	assert.Equal(t, 1, f.factory.link("alice").destroyCount())
	assert.Equal(t, 1, f.factory.link("bob").destroyCount())
	assert.Equal(t, int32(1), f.provider.last.track.stopped.Load(), "shared media released exactly once")

	// Leaving again is a no-op.
	f.conference.LeaveConference()
	assert.Equal(t, int32(1), f.provider.last.track.stopped.Load())
}

func TestStreamReadyUpdate(t *testing.T) {
	f := setup(t)
	start(t, f)

	f.conference.AddParticipant("alice", "Alice")
	updates, cancel := f.conference.Subscribe()
	defer cancel()

	f.factory.link("alice").events.Send(peer.RemoteStreamReady{StreamID: "remote"})

	select {
	case update := <-updates:
		assert.Equal(t, "alice", update.PeerID)
		assert.Equal(t, conference.ParticipantStreaming, update.Kind)
	case <-time.After(time.Second):
		t.Fatal("no streaming update")
	}
}
