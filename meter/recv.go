package meter

import (
	"fmt"
	"io"
	"time"
)

// RecvConfig parameterizes the receive loop. Zero values fall back to
// the harness defaults.
type RecvConfig struct {
	ReportInterval time.Duration
}

// RunRecv busy-polls the socket until a stop is requested, printing the
// number of packets received during each reporting interval as a single
// integer line on out. Every received frame is released back to the
// provider immediately; failing to do so would leak ring capacity and
// eventually stall reception.
//
// It returns the grand total of received packets. A provider error is
// fatal and ends the run; closing the socket is left to the caller so
// the handle is released exactly once on every exit path.
func RunRecv(sock Socket, term *Term, clock Clock, out io.Writer, conf RecvConfig) (uint64, error) {
	if conf.ReportInterval <= 0 {
		conf.ReportInterval = ReportInterval
	}

	var total, grand uint64
	reportAt := clock.Now().Add(conf.ReportInterval)

	for !term.ShouldStop() {
		if !clock.Now().Before(reportAt) {
			fmt.Fprintln(out, total)
			total = 0
			reportAt = clock.Now().Add(conf.ReportInterval)
		}

		pkt, ok, err := sock.Recv()
		if err != nil {
			return grand, fmt.Errorf("receiving packet: %w", err)
		}
		if !ok {
			continue // Nothing pending; busy-poll.
		}

		total++
		grand++
		if err := sock.Release(pkt.ID); err != nil {
			return grand, fmt.Errorf("releasing packet %d: %w", pkt.ID, err)
		}
	}

	return grand, nil
}
