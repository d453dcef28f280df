//go:build linux

package afxdp

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
)

// xdpProgram is the XDP redirect program attached to the interface for
// the lifetime of a Socket, together with the XSK map the program
// redirects into.
type xdpProgram struct {
	col  *ebpf.Collection // non-nil when loaded from a user ELF
	prog *ebpf.Program    // owned only for the built-in program
	xsks *ebpf.Map
	link link.Link
}

// attachProgram loads the redirect program (a user-supplied ELF object
// when opts.XDPProg is set, the built-in one otherwise) and attaches it
// to the interface. Zero-copy requests driver-mode XDP.
func attachProgram(opts *Options, ifIndex int, zerocopy bool) (*xdpProgram, error) {
	var p *xdpProgram
	var err error
	if opts.XDPProg != "" {
		p, err = loadUserProgram(opts)
	} else {
		p, err = buildDefaultProgram()
	}
	if err != nil {
		return nil, err
	}

	attachOpts := link.XDPOptions{
		Program:   p.program(),
		Interface: ifIndex,
	}
	if zerocopy {
		// Driver-mode XDP is required for AF_XDP zero-copy.
		attachOpts.Flags = link.XDPDriverMode
	}

	l, err := link.AttachXDP(attachOpts)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}
	p.link = l
	return p, nil
}

func (p *xdpProgram) program() *ebpf.Program {
	if p.prog != nil {
		return p.prog
	}
	for _, prog := range p.col.Programs {
		if prog.Type() == ebpf.XDP {
			return prog
		}
	}
	return nil
}

// registerXSK registers the socket FD in the XSK map for the given
// queue, so the program redirects that queue's packets to the socket.
func (p *xdpProgram) registerXSK(fd int, queue uint32) error {
	if p.xsks == nil {
		return ErrXSKMapNotFound
	}
	return p.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (p *xdpProgram) Close() error {
	var errs []error
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		p.link = nil
	}
	if p.col != nil {
		// The collection owns its programs and maps.
		p.col.Close()
		p.col = nil
		p.prog = nil
		p.xsks = nil
	}
	if p.prog != nil {
		if err := p.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		p.prog = nil
	}
	if p.xsks != nil {
		if err := p.xsks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XSK map: %w", err))
		}
		p.xsks = nil
	}
	return errors.Join(errs...)
}

// loadUserProgram loads opts.XDPProg and picks the redirect program and
// XSK map out of it. With ReuseMaps and PinDir set, maps pinned under
// PinDir are reused across processes instead of recreated.
func loadUserProgram(opts *Options) (*xdpProgram, error) {
	spec, err := ebpf.LoadCollectionSpec(opts.XDPProg)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", opts.XDPProg, err)
	}

	var colOpts ebpf.CollectionOptions
	if opts.PinDir != "" {
		colOpts.Maps.PinPath = opts.PinDir
		if opts.ReuseMaps {
			for _, m := range spec.Maps {
				m.Pinning = ebpf.PinByName
			}
		}
	}

	col, err := ebpf.NewCollectionWithOptions(spec, colOpts)
	if err != nil {
		return nil, fmt.Errorf("loading collection: %w", err)
	}

	p := &xdpProgram{col: col}

	if opts.XDPProgSec != "" {
		var found *ebpf.Program
		for name, progSpec := range spec.Programs {
			if progSpec.SectionName == opts.XDPProgSec {
				found = col.Programs[name]
				break
			}
		}
		if found == nil {
			col.Close()
			return nil, fmt.Errorf("%w: section %q", ErrNoXDPProgFound, opts.XDPProgSec)
		}
		p.prog = found
	} else if p.program() == nil {
		col.Close()
		return nil, ErrNoXDPProgFound
	}

	xsks, ok := col.Maps[opts.XSKMapName]
	if !ok {
		col.Close()
		return nil, fmt.Errorf("%w: %q", ErrXSKMapNotFound, opts.XSKMapName)
	}
	p.xsks = xsks

	return p, nil
}

// buildDefaultProgram assembles the minimal redirect program in
// process, avoiding any dependency on a compiled object file:
//
//	int xdp_sock_prog(struct xdp_md *ctx) {
//	    return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
//	}
func buildDefaultProgram() (*xdpProgram, error) {
	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating XSK map: %w", err)
	}

	const xdpPass = 2

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xdp_sock_prog",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			// R2 = ctx->rx_queue_index
			asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
			// R1 = &xsks_map
			asm.LoadMapPtr(asm.R1, xsks.FD()),
			// R3 = XDP_PASS (returned when the map has no entry)
			asm.Mov.Imm(asm.R3, xdpPass),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
		License: "LGPL-2.1 OR BSD-2-Clause",
	})
	if err != nil {
		xsks.Close()
		return nil, fmt.Errorf("loading built-in program: %w", err)
	}

	return &xdpProgram{prog: prog, xsks: xsks}, nil
}
