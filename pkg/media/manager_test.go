package media_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Math49/chat-client/pkg/media"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id      string
	kind    media.Kind
	stopped atomic.Int32
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) Kind() media.Kind { return t.kind }
func (t *fakeTrack) Stop()            { t.stopped.Add(1) }

type fakeStream struct {
	tracks []media.Track
}

func (s *fakeStream) Tracks() []media.Track { return s.tracks }

type fakeProvider struct {
	mutex   sync.Mutex
	calls   int
	err     error
	block   chan struct{} // when set, GetStream waits until closed
	streams []*fakeStream
}

func (p *fakeProvider) GetStream(ctx context.Context, c media.Constraints) (media.Stream, error) {
	p.mutex.Lock()
	p.calls++
	block := p.block
	p.mutex.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if p.err != nil {
		return nil, p.err
	}

	stream := &fakeStream{tracks: []media.Track{&fakeTrack{id: "audio", kind: media.KindAudio}}}
	if c.Video {
		stream.tracks = append(stream.tracks, &fakeTrack{id: "video", kind: media.KindVideo})
	}

	p.mutex.Lock()
	p.streams = append(p.streams, stream)
	p.mutex.Unlock()
	return stream, nil
}

func (p *fakeProvider) callCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls
}

func newManager(p media.Provider) *media.Manager {
	return media.NewManager(p, logrus.WithField("test", "media"))
}

func TestManager_CachesStreamAcrossAcquires(t *testing.T) {
	provider := &fakeProvider{}
	manager := newManager(provider)

	first, err := manager.Acquire(context.Background(), false)
	require.NoError(t, err)
	second, err := manager.Acquire(context.Background(), false)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, provider.callCount())
}

func TestManager_VideoStreamSatisfiesAudioRequest(t *testing.T) {
	provider := &fakeProvider{}
	manager := newManager(provider)

	withVideo, err := manager.Acquire(context.Background(), true)
	require.NoError(t, err)
	audioOnly, err := manager.Acquire(context.Background(), false)
	require.NoError(t, err)

	assert.Same(t, withVideo, audioOnly)
	assert.Equal(t, 1, provider.callCount())
}

func TestManager_AudioStreamUpgradedForVideoRequest(t *testing.T) {
	provider := &fakeProvider{}
	manager := newManager(provider)

	audioOnly, err := manager.Acquire(context.Background(), false)
	require.NoError(t, err)
	withVideo, err := manager.Acquire(context.Background(), true)
	require.NoError(t, err)

	assert.NotSame(t, audioOnly, withVideo)
	assert.Equal(t, 2, provider.callCount())
	// The superseded capture must have been stopped.
	old := provider.streams[0].tracks[0].(*fakeTrack)
	assert.Equal(t, int32(1), old.stopped.Load())
}

func TestManager_DeduplicatesInFlightRequests(t *testing.T) {
	provider := &fakeProvider{block: make(chan struct{})}
	manager := newManager(provider)

	var wg sync.WaitGroup
	results := make([]media.Stream, 3)
	acquire := func(i int) {
		defer wg.Done()
		stream, err := manager.Acquire(context.Background(), false)
		require.NoError(t, err)
		results[i] = stream
	}

	// The first caller reaches the provider and blocks there; the others must
	// then await the same in-flight acquisition instead of issuing their own.
	wg.Add(1)
	go acquire(0)
	require.Eventually(t, func() bool { return provider.callCount() == 1 }, time.Second, time.Millisecond)

	wg.Add(2)
	go acquire(1)
	go acquire(2)
	time.Sleep(10 * time.Millisecond)
	close(provider.block)
	wg.Wait()

	assert.Equal(t, 1, provider.callCount())
	assert.Same(t, results[0], results[1])
	assert.Same(t, results[1], results[2])
}

func TestManager_SurfacesDistinguishedErrors(t *testing.T) {
	provider := &fakeProvider{err: media.ErrPermissionDenied}
	manager := newManager(provider)

	_, err := manager.Acquire(context.Background(), false)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)

	// A failed acquisition leaves nothing cached.
	provider.err = nil
	_, err = manager.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.callCount())
}

func TestManager_ReleaseStopsEveryTrackOnce(t *testing.T) {
	provider := &fakeProvider{}
	manager := newManager(provider)

	stream, err := manager.Acquire(context.Background(), true)
	require.NoError(t, err)

	manager.Release()
	manager.Release() // no-op, not an error

	for _, track := range stream.Tracks() {
		assert.Equal(t, int32(1), track.(*fakeTrack).stopped.Load())
	}
}

func TestManager_ReleaseWithoutAcquireIsNoOp(t *testing.T) {
	manager := newManager(&fakeProvider{})
	manager.Release()
}
