// Package ratelimit paces batched packet transmission to a target
// packets-per-second rate.
package ratelimit

import "time"

// Limiter limits transmission to an average rate. It is designed for
// batch-oriented senders: the caller reports whole batches and the
// limiter sleeps when the sender runs ahead of schedule. A sender that
// falls behind catches up naturally by not sleeping; missed budget is
// not redistributed.
//
// Not safe for concurrent use.
type Limiter struct {
	nsPerPacket int64
	sent        uint64
	start       time.Time
}

// New creates a limiter for pps packets per second.
// If pps == 0 it returns nil, which disables pacing.
func New(pps uint64) *Limiter {
	if pps == 0 {
		return nil
	}
	return &Limiter{
		nsPerPacket: int64(time.Second) / int64(pps),
		start:       time.Now(),
	}
}

// Pace accounts for n just-sent packets and blocks until their
// transmission fits the target rate. Checking the clock once per batch
// is cheap enough because batch sizes are bounded by the send loop.
// Safe to call on a nil limiter.
func (l *Limiter) Pace(n uint64) {
	if l == nil || n == 0 {
		return
	}
	l.sent += n

	due := l.start.Add(time.Duration(int64(l.sent) * l.nsPerPacket))
	if now := time.Now(); now.Before(due) {
		time.Sleep(due.Sub(now))
	}
}
