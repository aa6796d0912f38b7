package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	ecat "github.com/w-utter/ecat"
	"github.com/w-utter/ecat/internal/logging"
	"github.com/w-utter/ecat/internal/telemetry"
)

func main() {
	var (
		iface       = flag.String("iface", "", "Ethernet interface bound to the EtherCAT segment (required)")
		retries     = flag.Int("retries", 0, "PDU retransmission attempts before a transaction times out (0: use default)")
		timeoutStr  = flag.String("timeout", "", "Per-PDU relative timeout, e.g. 2ms (empty: use default)")
		affinityStr = flag.String("cpu", "", "Comma-separated CPU list; the completion pump is pinned to the first entry, e.g. 2,3")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *iface == "" {
		log.Fatal("missing required -iface flag")
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	opts := ecat.DefaultOptions()
	opts.InterfaceName = *iface
	if *retries > 0 {
		opts.Retries = *retries
	}
	if *timeoutStr != "" {
		d, err := time.ParseDuration(*timeoutStr)
		if err != nil {
			log.Fatalf("invalid -timeout %q: %v", *timeoutStr, err)
		}
		opts.TimeoutDuration = d
	}
	if *affinityStr != "" {
		cpus, err := parseCPUList(*affinityStr)
		if err != nil {
			log.Fatalf("invalid -cpu %q: %v", *affinityStr, err)
		}
		opts.CPUAffinity = cpus
	}

	metrics := telemetry.NewMetrics()
	driver, err := ecat.NewDriver(opts, nil, nil, metrics)
	if err != nil {
		logger.Error("failed to create driver", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	logger.Info("starting segment bring-up", "iface", opts.InterfaceName, "retries", opts.Retries, "timeout", opts.TimeoutDuration)

	if err := driver.Start(); err != nil {
		logger.Error("failed to start bring-up", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reportDiagnostics(ctx, driver, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- driver.Run(ctx) }()

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error("completion pump exited", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("segment stopped", "final_state", driver.Ladder().String())
}

// reportDiagnostics periodically logs the ladder state and per-device AL
// states until ctx is cancelled, giving an operator a heartbeat without
// needing to attach a debugger to the single completion-pump thread.
func reportDiagnostics(ctx context.Context, d *ecat.Driver, logger *logging.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices, inFlight := d.Diagnostics()
			logger.Info("diagnostics", "ladder", d.Ladder().String(), "devices", len(devices), "in_flight", inFlight)
			for _, dev := range devices {
				logger.Debug("device state", "topology_idx", dev.TopologyIdx, "address", dev.ConfiguredAddress, "state", dev.State, "errored", dev.Errored)
			}
		}
	}
}

func parseCPUList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	cpus := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", p)
		}
		cpus = append(cpus, n)
	}
	return cpus, nil
}
