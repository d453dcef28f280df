package meter

import (
	"os"
	"os/signal"
	"sync/atomic"
)

// Term is the process-wide termination flag. It transitions to true at
// most once per run, either from the OS signal handler or from the
// watchdog, and is polled by the measurement loop once per iteration.
type Term struct {
	stop atomic.Bool
}

// RequestStop sets the flag. Idempotent, does not allocate and does not
// block, so it is safe to call from a signal-delivery goroutine.
func (t *Term) RequestStop() { t.stop.Store(true) }

// ShouldStop reports whether a stop has been requested.
func (t *Term) ShouldStop() bool { return t.stop.Load() }

// StopOnSignal requests a stop when any of the given signals is
// delivered. Repeated signals have no additional effect. The returned
// function unregisters the handler.
func (t *Term) StopOnSignal(sigs ...os.Signal) (cancel func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		for range ch {
			t.RequestStop()
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
