package conference

import "sync"

// UpdateKind classifies participant lifecycle updates.
type UpdateKind int

const (
	// A link to the participant was created.
	ParticipantJoined UpdateKind = iota
	// The participant's remote stream is flowing.
	ParticipantStreaming
	// The link to the participant was destroyed.
	ParticipantLeft
)

// Update notifies subscribers about one participant's lifecycle.
type Update struct {
	PeerID      string
	DisplayName string
	Kind        UpdateKind
}

const subscriberBufferSize = 16

// Fan-out of participant updates. Delivery is best-effort: a subscriber that
// stops reading loses updates instead of blocking the conference or the other
// subscribers.
type notifier struct {
	mutex       sync.Mutex
	subscribers map[int]chan Update
	nextID      int
	closed      bool
}

func newNotifier() *notifier {
	return &notifier{subscribers: map[int]chan Update{}}
}

func (n *notifier) subscribe() (<-chan Update, func()) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	id := n.nextID
	n.nextID++
	updates := make(chan Update, subscriberBufferSize)
	if n.closed {
		close(updates)
		return updates, func() {}
	}
	n.subscribers[id] = updates

	return updates, func() {
		n.mutex.Lock()
		defer n.mutex.Unlock()
		if subscriber, ok := n.subscribers[id]; ok {
			delete(n.subscribers, id)
			close(subscriber)
		}
	}
}

func (n *notifier) publish(update Update) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	for _, subscriber := range n.subscribers {
		select {
		case subscriber <- update:
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
	for id, subscriber := range n.subscribers {
		delete(n.subscribers, id)
		close(subscriber)
	}
}
