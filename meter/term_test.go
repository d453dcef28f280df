package meter

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTermRequestStop(t *testing.T) {
	var term Term
	require.False(t, term.ShouldStop())

	term.RequestStop()
	require.True(t, term.ShouldStop())

	// Idempotent.
	term.RequestStop()
	require.True(t, term.ShouldStop())
}

func TestTermStopOnSignal(t *testing.T) {
	var term Term
	cancel := term.StopOnSignal(syscall.SIGUSR1)
	defer cancel()

	p, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, p.Signal(syscall.SIGUSR1))

	require.Eventually(t, term.ShouldStop, time.Second, time.Millisecond)
}

func TestTermStopOnSignalCancel(t *testing.T) {
	var term Term
	cancel := term.StopOnSignal(syscall.SIGUSR2)
	cancel()
	require.False(t, term.ShouldStop())
}
