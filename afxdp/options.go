//go:build linux

package afxdp

import "errors"

var (
	ErrRingNotPow2    = errors.New("NumPackets must be a power of two")
	ErrFrameNotPow2   = errors.New("PacketSize must be a power of two")
	ErrFrameTooSmall  = errors.New("PacketSize must be at least 64 bytes")
	ErrBlocksNotPow2  = errors.New("NumBlocks must be a power of two")
	ErrNotBound       = errors.New("socket is not bound")
	ErrAlreadyBound   = errors.New("socket is already bound")
	ErrNotInRxMode    = errors.New("socket not in rx mode")
	ErrNotInTxMode    = errors.New("socket not in tx mode")
	ErrBadPacketID    = errors.New("packet id out of range")
	ErrFrameExceeded  = errors.New("length exceeds frame size")
	ErrNoXDPProgFound = errors.New("no XDP program found in object file")
	ErrXSKMapNotFound = errors.New("xsks map not found in object file")
)

// Dir selects the capture direction.
type Dir int

const (
	DirInOut Dir = iota
	DirIn
	DirOut
)

// CaptureMode selects between copy-based and zero-copy kernel paths.
type CaptureMode int

const (
	CaptureDefault CaptureMode = iota
	CaptureZeroCopy
)

// SocketMode selects which rings the socket allocates.
type SocketMode int

const (
	ModeRxTx SocketMode = iota
	ModeRxOnly
	ModeTxOnly
)

// Queue identifies a NIC queue to bind to.
type Queue int32

// QueueAny binds to the first available queue.
const QueueAny Queue = -1

const (
	DefaultNumPackets = 2048
	DefaultPacketSize = 2048
)

// Options is the configuration surface accepted by Open. It mirrors the
// classic packet-capture option set and maps onto AF_XDP geometry:
// NumPackets is the number of descriptors per ring and PacketSize the
// UMEM frame size.
type Options struct {
	// NumBlocks scales the UMEM allocation. The UMEM holds
	// NumBlocks*NumPackets frames per direction.
	NumBlocks uint32
	// NumPackets is the number of slots per ring. Must be a power of two.
	NumPackets uint32
	// PacketSize is the frame size in bytes. Must be a power of two.
	PacketSize uint32
	// TimeoutMS is accepted for interface compatibility; the AF_XDP
	// receive path is non-blocking and ignores it.
	TimeoutMS uint32

	Dir     Dir
	Capture CaptureMode
	Mode    SocketMode

	// Promisc puts the interface into promiscuous mode for the lifetime
	// of the socket.
	Promisc bool
	// RxHash requests per-packet hash metadata. Accepted for interface
	// compatibility; AF_XDP delivers no hash, so it is ignored.
	RxHash bool
	// TxQdiscBypass is implied by AF_XDP (transmission never traverses
	// the qdisc layer) and accepted for interface compatibility.
	TxQdiscBypass bool

	// XDPProg optionally names an ELF object with a custom redirect
	// program. When empty a minimal built-in program is used.
	XDPProg string
	// XDPProgSec selects the program inside XDPProg by section name.
	// Empty means the first XDP program in the object.
	XDPProgSec string
	// XSKMapName is the name of the XSK map the program redirects into.
	// Defaults to "xsks_map".
	XSKMapName string
	// ReuseMaps reuses maps pinned under PinDir instead of creating
	// fresh ones. Only meaningful together with XDPProg and PinDir.
	ReuseMaps bool
	// PinDir is the bpffs directory for map pinning.
	PinDir string
}

// ValidateAndSetDefaults normalizes o in place.
func (o *Options) ValidateAndSetDefaults() error {
	if o.NumBlocks == 0 {
		o.NumBlocks = 1
	}
	if o.NumPackets == 0 {
		o.NumPackets = DefaultNumPackets
	}
	if o.PacketSize == 0 {
		o.PacketSize = DefaultPacketSize
	}
	if o.XSKMapName == "" {
		o.XSKMapName = "xsks_map"
	}
	if o.NumBlocks&(o.NumBlocks-1) != 0 {
		return ErrBlocksNotPow2
	}
	if o.NumPackets&(o.NumPackets-1) != 0 {
		return ErrRingNotPow2
	}
	if o.PacketSize&(o.PacketSize-1) != 0 {
		return ErrFrameNotPow2
	}
	if o.PacketSize < 64 {
		return ErrFrameTooSmall
	}
	return nil
}

// rxSlots returns the number of receive ring slots implied by o.
func (o *Options) rxSlots() uint32 {
	if o.Mode == ModeTxOnly {
		return 0
	}
	return o.NumBlocks * o.NumPackets
}

// txSlots returns the number of transmit ring slots implied by o.
func (o *Options) txSlots() uint32 {
	if o.Mode == ModeRxOnly {
		return 0
	}
	return o.NumBlocks * o.NumPackets
}
