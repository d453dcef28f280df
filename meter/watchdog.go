package meter

import (
	"sync"
	"time"
)

// Watchdog forces termination once the experiment's stop deadline
// elapses. It runs in its own goroutine and communicates with the main
// loop only through the Term flag.
type Watchdog struct {
	done   chan struct{}
	cancel chan struct{}
	once   sync.Once
}

// StartWatchdog arms a watchdog that calls term.RequestStop at stopAt.
// The caller must Join it after the main loop has exited and the socket
// is closed.
func StartWatchdog(clock Clock, term *Term, stopAt time.Time) *Watchdog {
	w := &Watchdog{
		done:   make(chan struct{}),
		cancel: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		if d := stopAt.Sub(clock.Now()); d > 0 {
			select {
			case <-clock.After(d):
			case <-w.cancel:
				return
			}
		}
		term.RequestStop()
	}()
	return w
}

// Cancel releases the watchdog early, so a run stopped by an interrupt
// does not hold Join for the residual experiment duration. Idempotent.
func (w *Watchdog) Cancel() {
	w.once.Do(func() { close(w.cancel) })
}

// Join blocks until the watchdog goroutine has finished.
func (w *Watchdog) Join() { <-w.done }
