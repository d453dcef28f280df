package meter

import "time"

const (
	// ReportInterval is the cadence at which both harnesses emit one
	// throughput sample and reset the interval counter.
	ReportInterval = 10 * time.Second

	// RecvDuration is the hard experiment duration of the receive
	// harness.
	RecvDuration = 10 * time.Minute

	// SendDuration is the hard experiment duration of the transmit
	// harness. One second longer than RecvDuration so the watchdog
	// never races the last report tick.
	SendDuration = 10*time.Minute + time.Second
)

// Clock abstracts wall time so the loops and the watchdog can be driven
// by a stub in tests.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the Clock used by the harnesses.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
