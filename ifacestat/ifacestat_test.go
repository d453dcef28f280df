package ifacestat

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, vals map[string]Values) string {
	t.Helper()
	root := t.TempDir()
	for iface, v := range vals {
		dir := filepath.Join(root, iface, "statistics")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for ctr, n := range v {
			path := filepath.Join(dir, string(ctr))
			data := []byte(strconv.FormatUint(n, 10) + "\n")
			require.NoError(t, os.WriteFile(path, data, 0o644))
		}
	}
	return root
}

func TestSnapshot(t *testing.T) {
	root := writeTree(t, map[string]Values{
		"veth0": {RxPackets: 100, RxBytes: 6400, TxPackets: 7, TxBytes: 448},
	})

	s, err := Snapshot(root, []string{"veth0"},
		RxPackets, RxBytes, TxPackets, TxBytes)
	require.NoError(t, err)

	require.Equal(t, Stats{
		"veth0": {RxPackets: 100, RxBytes: 6400, TxPackets: 7, TxBytes: 448},
	}, s)
}

func TestSnapshotMissingInterface(t *testing.T) {
	root := t.TempDir()
	_, err := Snapshot(root, []string{"nope0"}, RxPackets)
	require.Error(t, err)
	require.ErrorContains(t, err, "nope0")
}

func TestSnapshotGarbageCounter(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "veth0", "statistics")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rx_packets"), []byte("banana\n"), 0o644))

	_, err := Snapshot(root, []string{"veth0"}, RxPackets)
	require.Error(t, err)
}

func TestSince(t *testing.T) {
	before := Stats{"veth0": {RxPackets: 100, TxPackets: 10}}
	after := Stats{"veth0": {RxPackets: 150, TxPackets: 10}}

	require.Equal(t,
		Stats{"veth0": {RxPackets: 50, TxPackets: 0}},
		after.Since(before),
	)
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, Stats{
		"veth1": {RxPackets: 1, RxBytes: 64, TxPackets: 2, TxBytes: 128},
		"veth0": {RxPackets: 3, RxBytes: 192, TxPackets: 4, TxBytes: 256},
	})

	out := buf.String()
	require.Contains(t, out, "veth0:")
	require.Contains(t, out, "veth1:")
	require.Less(t,
		bytes.Index(buf.Bytes(), []byte("veth0:")),
		bytes.Index(buf.Bytes(), []byte("veth1:")),
		"interfaces must print in sorted order",
	)
}
