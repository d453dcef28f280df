package meter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchdogFires(t *testing.T) {
	var term Term
	clock := SystemClock{}

	w := StartWatchdog(clock, &term, clock.Now().Add(10*time.Millisecond))
	w.Join()

	require.True(t, term.ShouldStop())
}

func TestWatchdogPastDeadlineFiresImmediately(t *testing.T) {
	var term Term
	clock := SystemClock{}

	w := StartWatchdog(clock, &term, clock.Now().Add(-time.Second))
	w.Join()

	require.True(t, term.ShouldStop())
}

func TestWatchdogCancel(t *testing.T) {
	var term Term
	clock := SystemClock{}

	w := StartWatchdog(clock, &term, clock.Now().Add(time.Hour))
	w.Cancel()
	w.Cancel() // idempotent
	w.Join()

	require.False(t, term.ShouldStop())
}
