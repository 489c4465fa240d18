package worker

import (
	"errors"
	"sync"
	"time"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type Config[T any] struct {
	// The size of the bounded task channel.
	ChannelSize int
	// Timeout after which `OnTimeout` is called if no tasks arrived.
	Timeout time.Duration
	// A closure that is called once `Timeout` is reached.
	OnTimeout func()
	// A closure that is executed upon reception of a task.
	OnTask func(T)
}

// Worker executes tasks serially on its own goroutine. The relay client uses
// it to funnel all writes to the websocket through a single writer and to send
// keep-alive pings when the connection is idle.
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	closed  bool
}

// Stops the worker unless already stopped.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Sends a task to the worker without blocking. Returns an error if the worker
// is stopped or its queue is full.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Starts a worker that executes incoming tasks one by one and calls
// `c.OnTimeout` whenever no task has been received for `c.Timeout`.
// The worker runs until `Stop` is called.
func Start[T any](c Config[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)

	go func() {
		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-time.After(c.Timeout):
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{channel: incoming}
}
