package meter

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Every received packet advances the stub clock by one second, so 25
// packets cover two and a half reporting intervals. Exactly two counter
// lines appear and the counter resets after each.
func TestRecvReportsAtCadence(t *testing.T) {
	sock := newStubSocket(4)
	sock.pending = makePackets(25)
	clock := newStubClock()

	var term Term
	sock.onRecv = func() { clock.Advance(time.Second) }
	sock.onRecvEmpty = func() { term.RequestStop() }

	var out bytes.Buffer
	total, err := RunRecv(sock, &term, clock, &out, RecvConfig{})
	require.NoError(t, err)

	require.Equal(t, uint64(25), total)
	require.Equal(t, []string{"10", "10"}, strings.Fields(out.String()))
}

// Each frame must go back to the provider exactly once, or ring
// capacity leaks and reception stalls.
func TestRecvReleasesEveryPacketOnce(t *testing.T) {
	sock := newStubSocket(4)
	sock.pending = makePackets(64)

	var term Term
	sock.onRecvEmpty = func() { term.RequestStop() }

	total, err := RunRecv(sock, &term, newStubClock(), &bytes.Buffer{}, RecvConfig{})
	require.NoError(t, err)
	require.Equal(t, uint64(64), total)

	require.Len(t, sock.released, 64)
	for id, n := range sock.released {
		require.Equal(t, 1, n, "packet %d released %d times", id, n)
	}
}

// An empty poll is not an error; the loop spins until packets arrive or
// a stop is requested.
func TestRecvBusyPollsOnEmpty(t *testing.T) {
	sock := newStubSocket(4)

	var term Term
	polls := 0
	sock.onRecvEmpty = func() {
		polls++
		if polls == 100 {
			term.RequestStop()
		}
	}

	total, err := RunRecv(sock, &term, newStubClock(), &bytes.Buffer{}, RecvConfig{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Equal(t, 100, polls)
}

func TestRecvErrorIsFatal(t *testing.T) {
	sock := newStubSocket(4)
	sock.recvErr = errors.New("device gone")

	var term Term
	total, err := RunRecv(sock, &term, newStubClock(), &bytes.Buffer{}, RecvConfig{})
	require.ErrorIs(t, err, sock.recvErr)
	require.Zero(t, total)
	require.Zero(t, sock.closes, "closing is the caller's job")
}

func TestRecvReleaseErrorIsFatal(t *testing.T) {
	sock := newStubSocket(4)
	sock.pending = makePackets(3)
	sock.releaseErr = errors.New("bad packet id")

	var term Term
	total, err := RunRecv(sock, &term, newStubClock(), &bytes.Buffer{}, RecvConfig{})
	require.ErrorIs(t, err, sock.releaseErr)
	require.Equal(t, uint64(1), total, "the packet was received before the release failed")
}

func TestRecvStoppedBeforeStart(t *testing.T) {
	sock := newStubSocket(4)
	sock.pending = makePackets(8)

	var term Term
	term.RequestStop()

	total, err := RunRecv(sock, &term, newStubClock(), &bytes.Buffer{}, RecvConfig{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Zero(t, sock.ops)
}
