package worker

import (
	"sync"
	"time"
)

// Size of the buffered notification channel. Large enough that notifying the
// watchdog practically never blocks.
const notificationChannelSize = 128

// Watchdog invokes a callback when no activity has been reported for a given
// amount of time. The call session uses it to cancel dials that were never
// answered.
type Watchdog struct {
	timeout   time.Duration
	onTimeout func()

	incoming chan struct{}
	mutex    sync.Mutex
	closed   bool
}

func NewWatchdog(timeout time.Duration, onTimeout func()) *Watchdog {
	return &Watchdog{
		timeout:   timeout,
		onTimeout: onTimeout,
		incoming:  make(chan struct{}, notificationChannelSize),
	}
}

// Starts the watchdog loop. The returned channel is closed once the loop
// terminates, i.e. once the watchdog is closed.
func (w *Watchdog) Start() chan struct{} {
	terminated := make(chan struct{})

	go func() {
		defer close(terminated)
		for {
			select {
			case _, ok := <-w.incoming:
				if !ok {
					return
				}
			case <-time.After(w.timeout):
				w.onTimeout()
			}
		}
	}()

	return terminated
}

// Reports activity to the watchdog, postponing the timeout. Returns `false`
// if the watchdog is already closed.
func (w *Watchdog) Notify() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return false
	}

	w.incoming <- struct{}{}
	return true
}

// Stops the watchdog unless already stopped. Safe to call multiple times.
func (w *Watchdog) Close() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.incoming)
		w.closed = true
	}
}
