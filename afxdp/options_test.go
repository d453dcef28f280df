//go:build linux

package afxdp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsDefaults(t *testing.T) {
	var o Options
	require.NoError(t, o.ValidateAndSetDefaults())

	require.Equal(t, uint32(1), o.NumBlocks)
	require.Equal(t, uint32(DefaultNumPackets), o.NumPackets)
	require.Equal(t, uint32(DefaultPacketSize), o.PacketSize)
	require.Equal(t, "xsks_map", o.XSKMapName)
}

func TestOptionsValidation(t *testing.T) {
	for _, tt := range []struct {
		name string
		opts Options
		err  error
	}{
		{"blocks not pow2", Options{NumBlocks: 3}, ErrBlocksNotPow2},
		{"ring not pow2", Options{NumPackets: 1000}, ErrRingNotPow2},
		{"frame not pow2", Options{PacketSize: 1500}, ErrFrameNotPow2},
		{"frame too small", Options{PacketSize: 32}, ErrFrameTooSmall},
		{"minimal valid frame", Options{PacketSize: 64}, nil},
		{"explicit valid", Options{NumBlocks: 4, NumPackets: 4096, PacketSize: 2048}, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.ValidateAndSetDefaults()
			if tt.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestOptionsSlotsByMode(t *testing.T) {
	base := Options{NumBlocks: 2, NumPackets: 1024}

	rxtx := base
	rxtx.Mode = ModeRxTx
	require.Equal(t, uint32(2048), rxtx.rxSlots())
	require.Equal(t, uint32(2048), rxtx.txSlots())

	rx := base
	rx.Mode = ModeRxOnly
	require.Equal(t, uint32(2048), rx.rxSlots())
	require.Zero(t, rx.txSlots())

	tx := base
	tx.Mode = ModeTxOnly
	require.Zero(t, tx.rxSlots())
	require.Equal(t, uint32(2048), tx.txSlots())
}
