//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pcerutti/pktmeter/afxdp"
	"github.com/pcerutti/pktmeter/ifacestat"
	"github.com/pcerutti/pktmeter/meter"
	"github.com/pcerutti/pktmeter/ratelimit"
)

var flags struct {
	iface          string
	batchSize      int
	sockets        int
	multithreading bool
	zerocopy       bool
	ratePPS        uint64
	ringConfig     string
	nicStats       bool
	logLevel       string
}

var rootCmd = &cobra.Command{
	Use:   "send -i <ifname> [flags]",
	Short: "Measure sustained packet transmit rate on a network interface",
	Long: `send transmits a fixed template frame in batches over an AF_XDP socket
and prints the number of packets sent during each 10s interval as a
single integer line on stdout. The run stops after the experiment
duration elapses or on interrupt.`,
	Args: cobra.NoArgs,
	RunE: run,
}

func init() {
	fl := rootCmd.Flags()
	fl.StringVarP(&flags.iface, "interface", "i", "", "network interface to transmit on")
	fl.IntVarP(&flags.batchSize, "batch_size", "b", 1, "packets per batch")
	fl.IntVarP(&flags.sockets, "sockets", "n", 1, "number of sockets (reserved)")
	fl.BoolVarP(&flags.multithreading, "multithreading", "m", false, "enable multithreading (reserved)")
	fl.BoolVarP(&flags.zerocopy, "zerocopy", "z", false, "enable send zero-copy")
	fl.Uint64VarP(&flags.ratePPS, "rate", "r", 0, "limit transmission to this rate in pps (0 = unlimited)")
	fl.StringVar(&flags.ringConfig, "ring-config", "", "YAML file overriding ring geometry and XDP program")
	fl.BoolVar(&flags.nicStats, "nic-stats", false, "print NIC counter deltas at exit")
	fl.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	_ = rootCmd.MarkFlagRequired("interface")
}

// ringConfig optionally overrides the fixed socket geometry.
type ringConfig struct {
	NumPackets uint32 `yaml:"num-packets"`
	PacketSize uint32 `yaml:"packet-size"`
	Promisc    bool   `yaml:"promisc"`
	XDPProg    string `yaml:"xdp-prog"`
	XDPProgSec string `yaml:"xdp-prog-sec"`
	XSKMapName string `yaml:"xsk-map-name"`
	ReuseMaps  bool   `yaml:"reuse-maps"`
	PinDir     string `yaml:"pin-dir"`
}

func applyRingConfig(path string, opts *afxdp.Options) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading ring config: %w", err)
	}
	var conf ringConfig
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return fmt.Errorf("parsing ring config: %w", err)
	}
	if conf.NumPackets != 0 {
		opts.NumPackets = conf.NumPackets
	}
	if conf.PacketSize != 0 {
		opts.PacketSize = conf.PacketSize
	}
	opts.Promisc = opts.Promisc || conf.Promisc
	if conf.XDPProg != "" {
		opts.XDPProg = conf.XDPProg
		opts.XDPProgSec = conf.XDPProgSec
		opts.XSKMapName = conf.XSKMapName
		opts.ReuseMaps = conf.ReuseMaps
		opts.PinDir = conf.PinDir
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	// Past flag parsing; runtime failures should not dump usage text.
	cmd.SilenceUsage = true

	lvl, err := log.ParseLevel(flags.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)

	if flags.batchSize < 1 {
		cmd.SilenceUsage = false
		return errors.New("batch_size must be positive")
	}
	if flags.sockets != 1 {
		log.Warnf("--sockets is reserved and has no effect (got %d)", flags.sockets)
	}
	if flags.multithreading {
		log.Warn("--multithreading is reserved and has no effect")
	}

	opts := afxdp.Options{
		NumBlocks:     1,
		NumPackets:    2048,
		PacketSize:    2048,
		Dir:           afxdp.DirInOut,
		Capture:       afxdp.CaptureZeroCopy,
		Mode:          afxdp.ModeRxTx,
		TxQdiscBypass: true,
	}
	if flags.ringConfig != "" {
		if err := applyRingConfig(flags.ringConfig, &opts); err != nil {
			return err
		}
	}

	log.Infof("Test %s started with parameters:", os.Args[0])
	log.Infof("* interface: %s", flags.iface)
	log.Infof("* batch_size: %d", flags.batchSize)
	log.Infof("* zero-copy: %t", flags.zerocopy)
	if flags.ratePPS > 0 {
		log.Infof("* rate: %d pps", flags.ratePPS)
	}

	counters := []ifacestat.Counter{
		ifacestat.TxPackets, ifacestat.TxBytes,
		ifacestat.RxPackets, ifacestat.RxBytes,
	}
	var statsBefore ifacestat.Stats
	if flags.nicStats {
		statsBefore, err = ifacestat.Snapshot("", []string{flags.iface}, counters...)
		if err != nil {
			return fmt.Errorf("taking interface stats: %w", err)
		}
	}

	sock, err := afxdp.Open(opts)
	if err != nil {
		return fmt.Errorf("opening socket: %w", err)
	}
	if err := sock.Bind(flags.iface, afxdp.QueueAny); err != nil {
		err = fmt.Errorf("binding to %s: %w", flags.iface, err)
		if closeErr := sock.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return err
	}
	log.Infof("bound to %s (zerocopy=%t)", flags.iface, sock.IsZerocopy())

	var term meter.Term
	unregister := term.StopOnSignal(os.Interrupt)
	defer unregister()

	clock := meter.SystemClock{}
	start := clock.Now()
	watchdog := meter.StartWatchdog(clock, &term, start.Add(meter.SendDuration))

	total, runErr := meter.RunSend(sock, &term, clock, os.Stdout, meter.SendConfig{
		BatchSize: flags.batchSize,
		ZeroCopy:  flags.zerocopy,
		Limiter:   ratelimit.New(flags.ratePPS),
	})

	// Shutdown order: loop exited -> close the socket -> join the
	// watchdog -> exit.
	closeErr := sock.Close()
	watchdog.Cancel()
	watchdog.Join()

	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing socket: %w", closeErr)
	}

	elapsed := clock.Now().Sub(start)
	pps := int64(float64(total) / elapsed.Seconds())
	fmt.Fprintf(os.Stderr, "finished: sent=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(total)),
		elapsed.Round(time.Millisecond),
		humanize.Comma(pps),
	)

	if flags.nicStats {
		statsAfter, err := ifacestat.Snapshot("", []string{flags.iface}, counters...)
		if err != nil {
			return fmt.Errorf("taking interface stats: %w", err)
		}
		fmt.Fprintf(os.Stderr, "\nINTERFACE COUNTERS:\n")
		ifacestat.Print(os.Stderr, statsAfter.Since(statsBefore))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
