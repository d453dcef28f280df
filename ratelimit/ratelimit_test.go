package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewUnlimited(t *testing.T) {
	l := New(0)
	require.Nil(t, l)
	require.NotPanics(t, func() { l.Pace(1000) })
}

func TestPaceSleepsWhenAhead(t *testing.T) {
	l := New(1000) // 1ms per packet

	start := time.Now()
	l.Pace(50)
	elapsed := time.Since(start)

	// 50 packets at 1000 pps is 50ms of budget; leave slack for timer
	// coarseness.
	require.GreaterOrEqual(t, elapsed, 35*time.Millisecond)
}

func TestPaceDoesNotSleepWhenBehind(t *testing.T) {
	l := New(1_000_000)
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	l.Pace(100) // 100us of budget, long since spent
	elapsed := time.Since(start)

	require.Less(t, elapsed, 10*time.Millisecond)
}

func TestPaceAccumulates(t *testing.T) {
	l := New(10_000) // 100us per packet

	start := time.Now()
	for i := 0; i < 10; i++ {
		l.Pace(10)
	}
	elapsed := time.Since(start)

	// 100 packets at 10k pps is 10ms of budget across all batches.
	require.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}

func TestPaceZeroBatch(t *testing.T) {
	l := New(1000)
	start := time.Now()
	l.Pace(0)
	require.Less(t, time.Since(start), 10*time.Millisecond)
}
