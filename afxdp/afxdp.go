//go:build linux

// Package afxdp implements the packet I/O substrate of the harnesses on
// AF_XDP sockets.
//
// A Socket owns a UMEM region split into a receive half and a transmit
// half. The transmit half is addressed by slot: slot j is permanently
// backed by UMEM frame txBase+j, which is what makes the slot-based
// zero-copy send path possible. Payloads staged once in a slot are
// resubmitted without copying.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pcerutti/pktmeter/meter"
)

/*---- Kernel structs ----*/

// sockaddrXDP is sockaddr_xdp from linux/if_xdp.h.
type sockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdpRingOffset is xdp_ring_offset from linux/if_xdp.h.
type xdpRingOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdpMmapOffsets is xdp_mmap_offsets from linux/if_xdp.h.
type xdpMmapOffsets struct {
	Rx xdpRingOffset
	Tx xdpRingOffset
	Fr xdpRingOffset
	Cr xdpRingOffset
}

// xdpUmemReg is xdp_umem_reg from linux/if_xdp.h.
type xdpUmemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdpDesc is xdp_desc from linux/if_xdp.h.
type xdpDesc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

/*---- Syscall helpers ----*/

func rawBind(fd int, sa *sockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// mmapRing maps one of the RX/TX/FQ/CQ rings of an AF_XDP socket.
func mmapRing(fd int, length uintptr, offset uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
		uintptr(fd),
		offset,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length)), nil
}

// mmapUmem maps an anonymous, page-backed region for the UMEM.
func mmapUmem(length uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length)), nil
}

/*---- Ring wrappers ----*/

var (
	errRingRegionEmpty = errors.New("ring region is empty")
)

// descRing is a descriptor ring (RX or TX) backed by kernel-shared
// memory. Cached producer/consumer indices reduce atomic traffic.
type descRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	descs      []xdpDesc
}

func newDescRing(region []byte, off xdpRingOffset, size uint32, isTx bool) (*descRing, error) {
	if len(region) == 0 {
		return nil, errRingRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	cachedCons := uint32(0)
	if isTx {
		cachedCons = size
	}

	return &descRing{
		mask:       size - 1,
		size:       size,
		prod:       (*uint32)(unsafe.Add(base, off.Producer)),
		cons:       (*uint32)(unsafe.Add(base, off.Consumer)),
		descs:      unsafe.Slice((*xdpDesc)(unsafe.Add(base, off.Desc)), size),
		cachedCons: cachedCons,
	}, nil
}

// available returns the number of descriptors ready to consume.
func (q *descRing) available() uint32 {
	if avail := q.cachedProd - q.cachedCons; avail > 0 {
		return avail
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	return q.cachedProd - q.cachedCons
}

// reserve claims n producer descriptors. Returns 0 if the ring is full.
func (q *descRing) reserve(n uint32, idx *uint32) int {
	if q.cachedCons-q.cachedProd < n {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		if q.cachedCons-q.cachedProd < n {
			return 0
		}
	}
	*idx = q.cachedProd
	q.cachedProd += n
	return int(n)
}

// publishProducer makes all reserved descriptors visible to the kernel.
func (q *descRing) publishProducer() {
	atomic.StoreUint32(q.prod, q.cachedProd)
}

// publishConsumer returns all consumed descriptors to the kernel.
func (q *descRing) publishConsumer() {
	atomic.StoreUint32(q.cons, q.cachedCons)
}

// addrRing is a UMEM address ring (FQ or CQ).
type addrRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	addrs      []uint64
}

func newAddrRing(region []byte, off xdpRingOffset, size uint32) (*addrRing, error) {
	if len(region) == 0 {
		return nil, errRingRegionEmpty
	}
	base := unsafe.Pointer(&region[0])
	return &addrRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

// push hands one UMEM address to the kernel (FQ producer side).
// Single producer: for every packet received exactly one address is
// returned, which keeps ring occupancy bounded.
func (q *addrRing) push(addr uint64) {
	prod := atomic.LoadUint32(q.prod)
	q.addrs[prod&q.mask] = addr
	atomic.StoreUint32(q.prod, prod+1)
}

// consume copies up to len(dst) completed addresses out of the ring
// (CQ consumer side) and returns how many were taken.
func (q *addrRing) consume(dst []uint64) uint32 {
	entries := q.cachedProd - q.cachedCons
	if entries == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		entries = q.cachedProd - q.cachedCons
	}
	if entries > uint32(len(dst)) {
		entries = uint32(len(dst))
	}
	for i := uint32(0); i < entries; i++ {
		dst[i] = q.addrs[q.cachedCons&q.mask]
		q.cachedCons++
	}
	if entries > 0 {
		atomic.StoreUint32(q.cons, q.cachedCons)
	}
	return entries
}

/*---- Socket ----*/

// Socket is an AF_XDP packet socket implementing meter.Socket.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	opts     Options
	zerocopy bool
	bound    bool
	fd       int

	ifName  string
	ifIndex int
	queueID uint32

	umem     []byte
	rx, tx   *descRing
	fq, cq   *addrRing
	rxRegion []byte
	txRegion []byte
	fqRegion []byte
	cqRegion []byte

	rxSlots uint32
	txSlots uint32
	// txBase is the index of the first UMEM frame backing the transmit
	// half; transmit slot j maps to frame txBase+j.
	txBase uint32

	// inflight marks transmit slots handed to the kernel and not yet
	// completed. Such a slot must not be written or resubmitted.
	inflight   []bool
	copyCursor uint64
	compBuf    []uint64

	prog       *xdpProgram
	promiscSet bool
}

// Open creates an unbound socket: the UMEM is allocated and all rings
// are mapped, but no interface is attached yet. Call Bind next.
func Open(opts Options) (*Socket, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	s := &Socket{
		opts:    opts,
		fd:      -1,
		rxSlots: opts.rxSlots(),
		txSlots: opts.txSlots(),
	}
	s.txBase = s.rxSlots

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s.fd = fd

	if err := s.setup(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// setup registers the UMEM and maps all rings on the raw socket.
func (s *Socket) setup() error {
	frameSize := s.opts.PacketSize
	numFrames := s.rxSlots + s.txSlots

	umem, err := mmapUmem(uintptr(numFrames) * uintptr(frameSize))
	if err != nil {
		return fmt.Errorf("mmap UMEM: %w", err)
	}
	s.umem = umem

	reg := xdpUmemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:       uint64(len(umem)),
		ChunkSize: frameSize,
	}
	if err := setsockopt(
		s.fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	// Ring sizes. The kernel requires a fill ring for sockets with an
	// RX ring and a completion ring for sockets with a TX ring.
	type ringOpt struct {
		name int
		size uint32
	}
	var ringOpts []ringOpt
	if s.rxSlots > 0 {
		ringOpts = append(ringOpts,
			ringOpt{unix.XDP_RX_RING, s.rxSlots},
			ringOpt{unix.XDP_UMEM_FILL_RING, s.rxSlots},
		)
	}
	if s.txSlots > 0 {
		ringOpts = append(ringOpts,
			ringOpt{unix.XDP_TX_RING, s.txSlots},
			ringOpt{unix.XDP_UMEM_COMPLETION_RING, s.txSlots},
		)
	}
	for _, r := range ringOpts {
		size := r.size
		if err := setsockopt(
			s.fd, unix.SOL_XDP, r.name,
			unsafe.Pointer(&size), unsafe.Sizeof(size),
		); err != nil {
			return fmt.Errorf("setsockopt ring %d: %w", r.name, err)
		}
	}

	var offs xdpMmapOffsets
	if err := getsockopt(
		s.fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	if s.rxSlots > 0 {
		rxLen := uintptr(offs.Rx.Desc) + uintptr(s.rxSlots)*unsafe.Sizeof(xdpDesc{})
		if s.rxRegion, err = mmapRing(s.fd, rxLen, unix.XDP_PGOFF_RX_RING); err != nil {
			return fmt.Errorf("mmap RX ring: %w", err)
		}
		if s.rx, err = newDescRing(s.rxRegion, offs.Rx, s.rxSlots, false); err != nil {
			return fmt.Errorf("making RX ring: %w", err)
		}

		fqLen := uintptr(offs.Fr.Desc) + uintptr(s.rxSlots)*unsafe.Sizeof(uint64(0))
		if s.fqRegion, err = mmapRing(s.fd, fqLen, unix.XDP_UMEM_PGOFF_FILL_RING); err != nil {
			return fmt.Errorf("mmap FQ ring: %w", err)
		}
		if s.fq, err = newAddrRing(s.fqRegion, offs.Fr, s.rxSlots); err != nil {
			return fmt.Errorf("making FQ ring: %w", err)
		}

		// Hand the whole receive half of the UMEM to the kernel.
		for i := uint32(0); i < s.rxSlots; i++ {
			s.fq.push(uint64(i) * uint64(frameSize))
		}
	}

	if s.txSlots > 0 {
		txLen := uintptr(offs.Tx.Desc) + uintptr(s.txSlots)*unsafe.Sizeof(xdpDesc{})
		if s.txRegion, err = mmapRing(s.fd, txLen, unix.XDP_PGOFF_TX_RING); err != nil {
			return fmt.Errorf("mmap TX ring: %w", err)
		}
		if s.tx, err = newDescRing(s.txRegion, offs.Tx, s.txSlots, true); err != nil {
			return fmt.Errorf("making TX ring: %w", err)
		}

		cqLen := uintptr(offs.Cr.Desc) + uintptr(s.txSlots)*unsafe.Sizeof(uint64(0))
		if s.cqRegion, err = mmapRing(s.fd, cqLen, unix.XDP_UMEM_PGOFF_COMPLETION_RING); err != nil {
			return fmt.Errorf("mmap CQ ring: %w", err)
		}
		if s.cq, err = newAddrRing(s.cqRegion, offs.Cr, s.txSlots); err != nil {
			return fmt.Errorf("making CQ ring: %w", err)
		}

		s.inflight = make([]bool, s.txSlots)
		s.compBuf = make([]uint64, s.txSlots)
	}

	return nil
}

// Bind attaches the XDP redirect program to the interface, registers
// this socket in the XSK map and binds it to the given queue.
// With CaptureZeroCopy the bind falls back to copy mode automatically
// when the driver does not support XDP_ZEROCOPY for the queue.
func (s *Socket) Bind(ifname string, queue Queue) error {
	if s.bound {
		return ErrAlreadyBound
	}

	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return fmt.Errorf("getting interface: %w", err)
	}
	s.ifName = ifname
	s.ifIndex = iface.Index

	if s.opts.Promisc {
		if err := setPromisc(ifname, true); err != nil {
			return fmt.Errorf("enabling promiscuous mode: %w", err)
		}
		s.promiscSet = true
	}

	zerocopy := s.opts.Capture == CaptureZeroCopy
	prog, err := attachProgram(&s.opts, s.ifIndex, zerocopy)
	if err != nil {
		return fmt.Errorf("attaching XDP program: %w", err)
	}
	s.prog = prog

	s.queueID = 0
	if queue != QueueAny {
		s.queueID = uint32(queue)
	}

	sa := &sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(s.ifIndex),
		QueueID: s.queueID,
	}
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(s.fd, sa)
	if err != nil && zerocopy {
		var errno unix.Errno
		if errors.As(err, &errno) && errno == unix.EPROTONOSUPPORT {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(s.fd, sa)
		}
	}
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	s.zerocopy = zerocopy

	if err := s.prog.registerXSK(s.fd, s.queueID); err != nil {
		return fmt.Errorf("registering XSK: %w", err)
	}

	s.bound = true
	return nil
}

// IsZerocopy reports whether the socket bound in zero-copy mode. May be
// false even when CaptureZeroCopy was requested, because the queue may
// not support it and the bind falls back to copy mode.
func (s *Socket) IsZerocopy() bool { return s.zerocopy }

// Recv returns the next frame from the RX ring, if any.
func (s *Socket) Recv() (meter.Packet, bool, error) {
	if s.rx == nil {
		return meter.Packet{}, false, ErrNotInRxMode
	}
	if !s.bound {
		return meter.Packet{}, false, ErrNotBound
	}

	if s.rx.available() == 0 {
		return meter.Packet{}, false, nil
	}

	d := s.rx.descs[s.rx.cachedCons&s.rx.mask]
	s.rx.cachedCons++
	s.rx.publishConsumer()

	frame := d.Addr / uint64(s.opts.PacketSize)
	return meter.Packet{
		ID: frame + 1, // ids are 1-based; 0 never names a packet
		Hdr: meter.Pkthdr{
			Timestamp: time.Now(),
			Caplen:    d.Len,
			Len:       d.Len,
		},
		Payload: s.umem[d.Addr : d.Addr+uint64(d.Len)],
	}, true, nil
}

// Release returns a received frame to the fill ring for reuse.
func (s *Socket) Release(id uint64) error {
	if s.fq == nil {
		return ErrNotInRxMode
	}
	if id == 0 || id > uint64(s.rxSlots) {
		return ErrBadPacketID
	}
	s.fq.push((id - 1) * uint64(s.opts.PacketSize))
	return nil
}

// Send copies payload into the next free transmit slot and enqueues it.
func (s *Socket) Send(payload []byte) (bool, error) {
	if s.tx == nil {
		return false, ErrNotInTxMode
	}
	if len(payload) > int(s.opts.PacketSize) {
		return false, ErrFrameExceeded
	}

	// The slot must be free before it may be written.
	slot := uint32(s.copyCursor % uint64(s.txSlots))
	if s.inflight[slot] {
		s.reapCompletions()
		if s.inflight[slot] {
			return false, nil
		}
	}

	buf, err := s.BufferAddr(s.copyCursor)
	if err != nil {
		return false, err
	}
	copy(buf, payload)

	ok, err := s.SendSlot(s.copyCursor, len(payload))
	if err != nil || !ok {
		return ok, err
	}
	s.copyCursor++
	return true, nil
}

// SendSlot enqueues n bytes staged in the given transmit slot. The slot
// index wraps modulo the ring capacity. Returns ok=false while the slot
// is still in flight or the TX ring is full.
func (s *Socket) SendSlot(slot uint64, n int) (bool, error) {
	if s.tx == nil {
		return false, ErrNotInTxMode
	}
	if !s.bound {
		return false, ErrNotBound
	}
	if n > int(s.opts.PacketSize) {
		return false, ErrFrameExceeded
	}

	sl := uint32(slot % uint64(s.txSlots))
	if s.inflight[sl] {
		s.reapCompletions()
		if s.inflight[sl] {
			return false, nil
		}
	}

	var idx uint32
	if s.tx.reserve(1, &idx) == 0 {
		s.reapCompletions()
		if s.tx.reserve(1, &idx) == 0 {
			return false, nil
		}
	}

	d := &s.tx.descs[idx&s.tx.mask]
	d.Addr = uint64(s.txBase+sl) * uint64(s.opts.PacketSize)
	d.Len = uint32(n)
	d.Opts = 0

	s.inflight[sl] = true
	return true, nil
}

// BufferAddr returns the writable UMEM memory backing a transmit slot.
// The slot index wraps modulo the ring capacity. The caller must not
// write to a slot that is currently in flight.
func (s *Socket) BufferAddr(slot uint64) ([]byte, error) {
	if s.tx == nil {
		return nil, ErrNotInTxMode
	}
	frameSize := uint64(s.opts.PacketSize)
	start := uint64(s.txBase)*frameSize + (slot%uint64(s.txSlots))*frameSize
	return s.umem[start : start+frameSize], nil
}

// TxRingSize returns the transmit ring capacity in slots.
func (s *Socket) TxRingSize() (int, error) {
	if s.tx == nil {
		return 0, ErrNotInTxMode
	}
	return int(s.txSlots), nil
}

// Flush publishes all enqueued descriptors, rings the kernel doorbell
// and reaps any completions that already came back.
func (s *Socket) Flush() error {
	if s.tx == nil {
		return ErrNotInTxMode
	}
	s.tx.publishProducer()
	if err := s.kick(); err != nil {
		return fmt.Errorf("waking tx queue: %w", err)
	}
	s.reapCompletions()
	return nil
}

// kick notifies the kernel that new TX descriptors are ready. AF_XDP
// interprets a zero-length sendto as a doorbell; required with
// XDP_USE_NEED_WAKEUP.
func (s *Socket) kick() error {
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		// Non-fatal backpressure.
		return nil
	}
	return err
}

// reapCompletions drains the completion ring and frees the
// corresponding transmit slots.
func (s *Socket) reapCompletions() {
	n := s.cq.consume(s.compBuf)
	for _, addr := range s.compBuf[:n] {
		frame := uint32(addr / uint64(s.opts.PacketSize))
		if frame >= s.txBase {
			s.inflight[frame-s.txBase] = false
		}
	}
}

// Close releases the socket, rings, UMEM and XDP program. Safe to call
// more than once; only the first call does work per resource.
func (s *Socket) Close() error {
	var errs []error

	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}

	for _, region := range []*[]byte{
		&s.rxRegion, &s.txRegion, &s.fqRegion, &s.cqRegion, &s.umem,
	} {
		if *region != nil {
			if err := unix.Munmap(*region); err != nil {
				errs = append(errs, err)
			}
			*region = nil
		}
	}
	s.rx, s.tx, s.fq, s.cq = nil, nil, nil, nil

	if s.prog != nil {
		if err := s.prog.Close(); err != nil {
			errs = append(errs, err)
		}
		s.prog = nil
	}

	if s.promiscSet {
		if err := setPromisc(s.ifName, false); err != nil {
			errs = append(errs, fmt.Errorf("disabling promiscuous mode: %w", err))
		}
		s.promiscSet = false
	}

	s.bound = false
	return errors.Join(errs...)
}

// setPromisc toggles IFF_PROMISC on the interface.
func setPromisc(ifname string, on bool) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(ifname)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	flags := ifr.Uint16()
	if on {
		flags |= unix.IFF_PROMISC
	} else {
		flags &^= unix.IFF_PROMISC
	}
	ifr.SetUint16(flags)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
}
