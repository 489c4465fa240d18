package signal

import (
	"sync"
)

// Buffer holds signaling payloads that arrived before a peer connection
// existed to consume them, keyed by the identifier of the sending peer.
// Payloads are kept in arrival order and are delivered at most once: a queue
// is either flushed into a freshly created peer link or dropped when the call
// is rejected or torn down before a link existed.
type Buffer struct {
	mutex  sync.Mutex
	queues map[string][]Payload
}

func NewBuffer() *Buffer {
	return &Buffer{queues: make(map[string][]Payload)}
}

// Enqueue appends a payload to the queue of the given peer, creating the
// queue if needed. ICE candidates can arrive in rapid bursts, so this must
// never fail; growth is bounded by the lifetime of one call attempt.
func (b *Buffer) Enqueue(peerID string, p Payload) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.queues[peerID] = append(b.queues[peerID], p)
}

// Flush removes the queue of the given peer and delivers every queued
// payload, in arrival order, to the sink. Returns the number of payloads
// delivered. The queue entry is removed before delivery starts, so a sink
// that re-enters the buffer cannot observe or duplicate the flushed items.
func (b *Buffer) Flush(peerID string, sink func(Payload)) int {
	b.mutex.Lock()
	queued := b.queues[peerID]
	delete(b.queues, peerID)
	b.mutex.Unlock()

	for _, p := range queued {
		sink(p)
	}
	return len(queued)
}

// Drop discards the queue of the given peer without delivering anything.
func (b *Buffer) Drop(peerID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.queues, peerID)
}

// Clear discards all queues. Called on session teardown so that no payload
// leaks into a future call.
func (b *Buffer) Clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.queues = make(map[string][]Payload)
}

// Size returns the number of payloads queued for the given peer.
func (b *Buffer) Size(peerID string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.queues[peerID])
}
