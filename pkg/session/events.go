package session

import (
	"sync"
)

// StateChange is a typed notification about a phase transition of the
// session. Err is set when the transition was caused by a failure (media
// denial, connection failure, dial timeout).
type StateChange struct {
	Phase Phase
	Peer  *Peer
	Err   error
}

const subscriberBufferSize = 16

// Fan-out of state changes to an arbitrary number of subscribers. Delivery
// to one subscriber never depends on another: a stalled subscriber simply
// misses updates instead of holding everyone else up.
type notifier struct {
	mutex       sync.Mutex
	subscribers map[int]chan StateChange
	nextID      int
	closed      bool
}

func newNotifier() *notifier {
	return &notifier{subscribers: make(map[int]chan StateChange)}
}

func (n *notifier) subscribe() (<-chan StateChange, func()) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	updates := make(chan StateChange, subscriberBufferSize)
	if n.closed {
		close(updates)
		return updates, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subscribers[id] = updates

	return updates, func() {
		n.mutex.Lock()
		defer n.mutex.Unlock()
		if subscription, ok := n.subscribers[id]; ok {
			delete(n.subscribers, id)
			close(subscription)
		}
	}
}

func (n *notifier) publish(change StateChange) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	for _, subscription := range n.subscribers {
		select {
		case subscription <- change:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for id, subscription := range n.subscribers {
		delete(n.subscribers, id)
		close(subscription)
	}
}
