//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/pcerutti/pktmeter/afxdp"
	"github.com/pcerutti/pktmeter/ifacestat"
	"github.com/pcerutti/pktmeter/meter"
)

var flags struct {
	ringConfig string
	nicStats   bool
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "recv <interface>",
	Short: "Measure sustained packet receive rate on a network interface",
	Long: `recv busy-polls an AF_XDP socket bound to the given interface and
prints the number of packets received during each 10s interval as a
single integer line on stdout. The run stops after the experiment
duration elapses or on interrupt.`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	fl := rootCmd.Flags()
	fl.StringVar(&flags.ringConfig, "ring-config", "", "YAML file overriding ring geometry and XDP program")
	fl.BoolVar(&flags.nicStats, "nic-stats", false, "print NIC counter deltas at exit")
	fl.StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
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

func run(cmd *cobra.Command, args []string) error {
	// Past flag parsing; runtime failures should not dump usage text.
	cmd.SilenceUsage = true

	iface := args[0]

	lvl, err := log.ParseLevel(flags.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)

	opts := afxdp.Options{
		NumBlocks:     1,
		NumPackets:    4096,
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

	counters := []ifacestat.Counter{
		ifacestat.TxPackets, ifacestat.TxBytes,
		ifacestat.RxPackets, ifacestat.RxBytes,
	}
	var statsBefore ifacestat.Stats
	if flags.nicStats {
		statsBefore, err = ifacestat.Snapshot("", []string{iface}, counters...)
		if err != nil {
			return fmt.Errorf("taking interface stats: %w", err)
		}
	}

	sock, err := afxdp.Open(opts)
	if err != nil {
		return fmt.Errorf("opening socket: %w", err)
	}
	if err := sock.Bind(iface, afxdp.QueueAny); err != nil {
		err = fmt.Errorf("binding to %s: %w", iface, err)
		if closeErr := sock.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return err
	}
	log.Infof("receiving on %s (zerocopy=%t)", iface, sock.IsZerocopy())

	var term meter.Term
	unregister := term.StopOnSignal(os.Interrupt)
	defer unregister()

	clock := meter.SystemClock{}
	start := clock.Now()
	watchdog := meter.StartWatchdog(clock, &term, start.Add(meter.RecvDuration))

	total, runErr := meter.RunRecv(sock, &term, clock, os.Stdout, meter.RecvConfig{})

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
	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stderr, "finished: received %d packets in %v (%d pps avg)\n",
		total,
		elapsed.Round(time.Millisecond),
		int64(float64(total)/elapsed.Seconds()),
	)

	if flags.nicStats {
		statsAfter, err := ifacestat.Snapshot("", []string{iface}, counters...)
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
