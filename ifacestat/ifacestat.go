// Package ifacestat reads per-interface packet and byte counters from
// the kernel's sysfs statistics files. The harnesses snapshot them
// around a run and print the delta, which is useful to cross-check the
// measured rates against what the NIC actually saw.
package ifacestat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultRoot is where Linux exposes network device statistics.
const DefaultRoot = "/sys/class/net"

// Counter names a sysfs statistics file.
type Counter string

const (
	RxPackets Counter = "rx_packets"
	RxBytes   Counter = "rx_bytes"
	TxPackets Counter = "tx_packets"
	TxBytes   Counter = "tx_bytes"
)

// Values holds counter readings for one interface.
type Values map[Counter]uint64

// Stats holds readings for multiple interfaces.
type Stats map[string]Values

// Snapshot reads the given counters for each interface under root.
// An empty root falls back to DefaultRoot.
func Snapshot(root string, ifaces []string, counters ...Counter) (Stats, error) {
	if root == "" {
		root = DefaultRoot
	}
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		vals := make(Values, len(counters))
		for _, ctr := range counters {
			v, err := readCounter(root, iface, ctr)
			if err != nil {
				return nil, fmt.Errorf("reading %s of %s: %w", ctr, iface, err)
			}
			vals[ctr] = v
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s - old per interface and counter.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for iface, now := range s {
		prev := old[iface]
		diff := make(Values, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[iface] = diff
	}
	return out
}

func readCounter(root, iface string, ctr Counter) (uint64, error) {
	path := filepath.Join(root, iface, "statistics", string(ctr))
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", path, err)
	}
	return v, nil
}

// Print writes one block per interface, sorted by name.
func Print(w io.Writer, s Stats) {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		vals := s[iface]
		fmt.Fprintf(w, "%s:\n", iface)
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			vals[TxPackets],
			humanize.Bytes(vals[TxBytes]),
			humanize.Comma(int64(vals[TxBytes])),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			vals[RxPackets],
			humanize.Bytes(vals[RxBytes]),
			humanize.Comma(int64(vals[RxBytes])),
		)
	}
}
