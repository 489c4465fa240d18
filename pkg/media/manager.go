package media

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager owns the single local capture of the client process. It caches the
// stream across calls that can share it, de-duplicates concurrent acquisition
// requests and releases every track exactly once.
type Manager struct {
	provider Provider
	logger   *logrus.Entry

	mutex    sync.Mutex
	stream   Stream
	hasVideo bool
	inflight *acquisition
}

// A provider call that is currently in progress. Callers that request a
// compatible capture while it is pending await the same result instead of
// issuing a duplicate provider call.
type acquisition struct {
	withVideo bool
	done      chan struct{}
	stream    Stream
	err       error
}

func NewManager(provider Provider, logger *logrus.Entry) *Manager {
	return &Manager{
		provider: provider,
		logger:   logger,
	}
}

// Acquire returns a local capture stream that satisfies the request.
// A cached video-capable stream satisfies an audio-only request; a cached
// audio-only stream does not satisfy a video request and is replaced.
func (m *Manager) Acquire(ctx context.Context, withVideo bool) (Stream, error) {
	m.mutex.Lock()

	if m.stream != nil && (m.hasVideo || !withVideo) {
		stream := m.stream
		m.mutex.Unlock()
		return stream, nil
	}

	if pending := m.inflight; pending != nil && (pending.withVideo || !withVideo) {
		m.mutex.Unlock()
		select {
		case <-pending.done:
			return pending.stream, pending.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	pending := &acquisition{withVideo: withVideo, done: make(chan struct{})}
	m.inflight = pending
	m.mutex.Unlock()

	m.logger.WithField("video", withVideo).Debug("requesting local media")
	stream, err := m.provider.GetStream(ctx, Constraints{Audio: true, Video: withVideo})

	m.mutex.Lock()
	pending.stream, pending.err = stream, err
	close(pending.done)
	if m.inflight == pending {
		m.inflight = nil
	}

	if err == nil {
		// An audio-only capture being upgraded to video: stop the old tracks
		// first, there is at most one live capture per client process.
		if m.stream != nil && m.stream != stream {
			m.stopTracksLocked()
		}
		m.stream = stream
		m.hasVideo = withVideo
	} else {
		m.logger.WithError(err).Warn("local media acquisition failed")
	}
	m.mutex.Unlock()

	return stream, err
}

// Release stops every track of the cached stream and clears the cache.
// Calling it when nothing is held is a no-op.
func (m *Manager) Release() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.stream == nil {
		return
	}

	m.logger.Debug("releasing local media")
	m.stopTracksLocked()
	m.stream = nil
	m.hasVideo = false
}

func (m *Manager) stopTracksLocked() {
	for _, track := range m.stream.Tracks() {
		track.Stop()
	}
}
