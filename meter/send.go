package meter

import (
	"fmt"
	"io"
	"time"

	"github.com/pcerutti/pktmeter/ratelimit"
)

// SendConfig parameterizes the transmit loop.
type SendConfig struct {
	// BatchSize is the number of send attempts per loop iteration,
	// followed by exactly one flush. Defaults to 1.
	BatchSize int

	// ZeroCopy selects the slot-based send path. The transmit ring is
	// pre-populated with Payload once before the loop, so steady-state
	// sends reuse staged slot contents instead of copying per packet.
	ZeroCopy bool

	// Payload is the template frame. Defaults to TemplatePayload.
	Payload []byte

	ReportInterval time.Duration

	// Limiter optionally paces transmission. Nil means unlimited.
	Limiter *ratelimit.Limiter
}

// RunSend transmits batches of the template payload until a stop is
// requested, printing the number of packets sent during each reporting
// interval as a single integer line on out. It returns the grand total
// of submitted packets.
//
// A failed submission within a batch means the ring is full; the rest
// of the batch is skipped since retrying cannot make progress until a
// flush has freed capacity. The flush after each batch is unconditional.
func RunSend(sock Socket, term *Term, clock Clock, out io.Writer, conf SendConfig) (uint64, error) {
	if conf.BatchSize <= 0 {
		conf.BatchSize = 1
	}
	if conf.Payload == nil {
		conf.Payload = TemplatePayload
	}
	if conf.ReportInterval <= 0 {
		conf.ReportInterval = ReportInterval
	}

	// Slot index of the next packet to submit, wrapping modulo the ring
	// capacity on the provider side. Advanced only on confirmed
	// submission.
	var cursor uint64

	if conf.ZeroCopy {
		if err := fillTxRing(sock, conf.Payload); err != nil {
			return 0, err
		}
	}

	var total, grand uint64
	reportAt := clock.Now().Add(conf.ReportInterval)

	for !term.ShouldStop() {
		if !clock.Now().Before(reportAt) {
			fmt.Fprintln(out, total)
			total = 0
			reportAt = clock.Now().Add(conf.ReportInterval)
		}

		var sent uint64
		for i := 0; i < conf.BatchSize; i++ {
			var ok bool
			var err error
			if conf.ZeroCopy {
				ok, err = sock.SendSlot(cursor, len(conf.Payload))
			} else {
				ok, err = sock.Send(conf.Payload)
			}
			if err != nil {
				return grand, fmt.Errorf("submitting packet: %w", err)
			}
			if !ok {
				break // Ring full; defer to the next iteration.
			}
			if conf.ZeroCopy {
				cursor++
			}
			sent++
		}
		total += sent
		grand += sent

		if err := sock.Flush(); err != nil {
			return grand, fmt.Errorf("flushing batch: %w", err)
		}

		conf.Limiter.Pace(sent)
	}

	return grand, nil
}

// fillTxRing stages the template payload in every transmit ring slot.
func fillTxRing(sock Socket, payload []byte) error {
	size, err := sock.TxRingSize()
	if err != nil {
		return fmt.Errorf("querying tx ring size: %w", err)
	}
	for j := 0; j < size; j++ {
		buf, err := sock.BufferAddr(uint64(j))
		if err != nil {
			return fmt.Errorf("addressing tx slot %d: %w", j, err)
		}
		copy(buf, payload)
	}
	return nil
}
