package meter

import "time"

// stubClock is a manually advanced clock for driving the loops
// deterministically.
type stubClock struct {
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *stubClock) Now() time.Time { return c.now }

func (c *stubClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

func (c *stubClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// stubSocket is an in-memory Socket with a fixed-capacity transmit ring
// whose slots are freed by Flush, mirroring the provider contract.
type stubSocket struct {
	ringSize int
	inflight []bool

	pending  []Packet
	released map[uint64]int

	zcSubmits []uint64 // successful SendSlot cursor values, in order
	copies    uint64   // successful Send calls
	flushes   int
	closes    int
	ops       int // send/recv calls, to observe post-stop activity

	staged map[uint64][]byte

	full       bool // when set, every submission reports a full ring
	recvErr    error
	releaseErr error
	sendErr    error
	flushErr   error
	txSizeErr  error

	onFlush     func()
	onRecv      func()
	onRecvEmpty func()
}

func newStubSocket(ringSize int) *stubSocket {
	return &stubSocket{
		ringSize: ringSize,
		inflight: make([]bool, ringSize),
		released: make(map[uint64]int),
		staged:   make(map[uint64][]byte),
	}
}

func (s *stubSocket) Recv() (Packet, bool, error) {
	s.ops++
	if s.recvErr != nil {
		return Packet{}, false, s.recvErr
	}
	if len(s.pending) == 0 {
		if s.onRecvEmpty != nil {
			s.onRecvEmpty()
		}
		return Packet{}, false, nil
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	if s.onRecv != nil {
		s.onRecv()
	}
	return p, true, nil
}

func (s *stubSocket) Release(id uint64) error {
	if s.releaseErr != nil {
		return s.releaseErr
	}
	s.released[id]++
	return nil
}

func (s *stubSocket) Send(payload []byte) (bool, error) {
	s.ops++
	if s.sendErr != nil {
		return false, s.sendErr
	}
	if s.full {
		return false, nil
	}
	slot := s.copies % uint64(len(s.inflight))
	if s.inflight[slot] {
		return false, nil
	}
	s.inflight[slot] = true
	s.copies++
	return true, nil
}

func (s *stubSocket) SendSlot(slot uint64, n int) (bool, error) {
	s.ops++
	if s.sendErr != nil {
		return false, s.sendErr
	}
	if s.full {
		return false, nil
	}
	idx := slot % uint64(len(s.inflight))
	if s.inflight[idx] {
		return false, nil
	}
	s.inflight[idx] = true
	s.zcSubmits = append(s.zcSubmits, slot)
	return true, nil
}

func (s *stubSocket) BufferAddr(slot uint64) ([]byte, error) {
	idx := slot % uint64(s.ringSize)
	buf, ok := s.staged[idx]
	if !ok {
		buf = make([]byte, 2048)
		s.staged[idx] = buf
	}
	return buf, nil
}

func (s *stubSocket) TxRingSize() (int, error) {
	if s.txSizeErr != nil {
		return 0, s.txSizeErr
	}
	return s.ringSize, nil
}

func (s *stubSocket) Flush() error {
	s.flushes++
	if s.flushErr != nil {
		return s.flushErr
	}
	for i := range s.inflight {
		s.inflight[i] = false
	}
	if s.onFlush != nil {
		s.onFlush()
	}
	return nil
}

func (s *stubSocket) Close() error {
	s.closes++
	return nil
}

func makePackets(n int) []Packet {
	pkts := make([]Packet, n)
	for i := range pkts {
		pkts[i] = Packet{
			ID:      uint64(i + 1),
			Hdr:     Pkthdr{Caplen: 34, Len: 34},
			Payload: TemplatePayload,
		}
	}
	return pkts
}
