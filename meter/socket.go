// Package meter implements the measurement core shared by the two
// throughput harnesses: timed sampling with a fixed reporting cadence,
// batch-oriented transmit and busy-poll receive loops, and a
// termination flag coordinated between the main loop, the OS signal
// handler and a background watchdog.
//
// The packet I/O substrate is abstracted behind the Socket interface so
// the loops can be driven by the AF_XDP implementation in production
// and by in-memory stubs in tests.
package meter

import "time"

// Pkthdr describes one received frame.
type Pkthdr struct {
	// Timestamp is the reception time as observed by the provider.
	Timestamp time.Time
	// Caplen is the number of bytes captured into Payload.
	Caplen uint32
	// Len is the original on-wire length of the frame.
	Len uint32
}

// Packet is a received frame borrowed from the provider's ring.
// Payload points into provider-owned memory and must not be accessed
// after the packet has been released.
type Packet struct {
	// ID identifies the ring slot holding the frame. Always non-zero
	// for a valid packet; pass it back via Socket.Release.
	ID      uint64
	Hdr     Pkthdr
	Payload []byte
}

// Socket is a bound packet socket as consumed by the measurement loops.
//
// Implementations are not required to be safe for concurrent use; the
// loops drive a socket from a single goroutine.
type Socket interface {
	// Recv returns the next available frame. ok is false when no frame
	// is currently available (not an error; callers busy-poll).
	Recv() (pkt Packet, ok bool, err error)

	// Release returns a received frame's ring slot to the provider.
	// Every received packet must be released exactly once.
	Release(id uint64) error

	// Send copies payload into the next free transmit slot and enqueues
	// it. ok is false when the transmit ring is full.
	Send(payload []byte) (ok bool, err error)

	// SendSlot enqueues n bytes already staged in the given transmit
	// slot. The slot index is cumulative; the provider wraps it modulo
	// the ring capacity. ok is false when the slot is still in flight.
	SendSlot(slot uint64, n int) (ok bool, err error)

	// BufferAddr returns the writable memory backing a transmit slot.
	BufferAddr(slot uint64) ([]byte, error)

	// TxRingSize returns the transmit ring capacity in slots.
	TxRingSize() (int, error)

	// Flush hands all enqueued slots to the provider for transmission.
	Flush() error

	// Close releases the socket and its rings. Safe to call once.
	Close() error
}
