package channel

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("the sink is sealed")

// MessageSink lets a single producer post messages to a shared channel while
// stamping every message with the producer's identity. The identity is fixed
// at construction time, so a producer cannot impersonate another one, and the
// consumer can always tell who sent what in a multiple-producer scenario.
type MessageSink[SenderType comparable, MessageType any] struct {
	// The identity stamped on every message sent through this sink.
	sender SenderType
	// The shared channel that the consumer reads from.
	messageSink chan<- Message[SenderType, MessageType]
	// Closed once the sink is sealed. We can't close the underlying channel
	// since it is shared with other producers, so sealing only disallows
	// sending through this particular sink.
	sealed chan struct{}
	// Guards the act of closing `sealed`.
	alreadySealed atomic.Bool
}

// Creates a new sink for the given sender. The sink does not own the channel
// and is not responsible for closing it.
func NewSink[S comparable, M any](sender S, messageSink chan<- Message[S, M]) *MessageSink[S, M] {
	return &MessageSink[S, M]{
		sender:      sender,
		messageSink: messageSink,
		sealed:      make(chan struct{}),
	}
}

// Sends a message to the sink. Blocks if the consumer is not keeping up.
// Returns ErrSinkSealed once the sink has been sealed.
func (s *MessageSink[S, M]) Send(message M) error {
	if s.alreadySealed.Load() {
		return ErrSinkSealed
	}

	stamped := Message[S, M]{
		Sender:  s.sender,
		Content: message,
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.messageSink <- stamped:
		return nil
	}
}

// Seals the sink: any subsequent Send returns an error. A sender that is
// already blocked inside Send will either unblock with ErrSinkSealed or
// complete the send, depending on whether the consumer reads first.
func (s *MessageSink[S, M]) Seal() {
	if !s.alreadySealed.CompareAndSwap(false, true) {
		return
	}

	close(s.sealed)
}

// A message stamped with the identity of its producer.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}
