// ABOUTME: Standalone simulated rendering target for trying the bridge without hardware
// ABOUTME: Serves the target protocol, advertises itself over mDNS and logs what it receives
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/cometdom/Squeeze2Diretta/internal/targetsim"
	"github.com/cometdom/Squeeze2Diretta/pkg/discovery"
	"github.com/cometdom/Squeeze2Diretta/pkg/protocol"
)

var (
	port      = flag.IntP("port", "p", 19640, "listen port")
	name      = flag.StringP("name", "n", "", "target name (default: hostname-target-sim)")
	mtu       = flag.Int("mtu", 9000, "largest MTU the target accepts")
	maxRate   = flag.Uint32("max-rate", 0, "reject PCM above this sample rate (0 accepts all)")
	noDSD     = flag.Bool("no-dsd", false, "reject DSD streams")
	openDelay = flag.Duration("open-delay", 0, "delay before accepting a stream")
	noMDNS    = flag.Bool("no-mdns", false, "disable mDNS advertisement")
	verbose   = flag.BoolP("verbose", "v", false, "debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	targetName := *name
	if targetName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		targetName = fmt.Sprintf("%s-target-sim", hostname)
	}

	sim := targetsim.New(targetsim.Config{
		Name:      targetName,
		Output:    "simulated",
		MTU:       *mtu,
		Accept:    acceptPolicy(*maxRate, *noDSD),
		OpenDelay: *openDelay,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*noMDNS {
		adv, err := discovery.Advertise(discovery.AdvertiseConfig{
			Instance: targetName,
			Port:     *port,
			Info:     []string{"output=simulated", fmt.Sprintf("mtu=%d", *mtu)},
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("mDNS advertisement failed, use --target-addr on the bridge", slog.Any("error", err))
		} else {
			defer adv.Shutdown()
		}
	}

	go reportLoop(ctx, sim, logger)

	if err := sim.ListenAndServe(ctx, fmt.Sprintf(":%d", *port)); err != nil {
		logger.Error("Target failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Target stopped", slog.Int64("bytes", sim.TotalBytes()))
}

func acceptPolicy(maxRate uint32, noDSD bool) func(protocol.StreamOpen) (protocol.StreamFormat, error) {
	if maxRate == 0 && !noDSD {
		return nil
	}
	return func(req protocol.StreamOpen) (protocol.StreamFormat, error) {
		f := req.Format
		if f.Encoding == "dsd" {
			if noDSD {
				return protocol.StreamFormat{}, errors.New("DSD not supported")
			}
			return f, nil
		}
		if maxRate > 0 && f.SampleRate > maxRate {
			return protocol.StreamFormat{}, fmt.Errorf("sample rate %d above %d", f.SampleRate, maxRate)
		}
		return f, nil
	}
}

// reportLoop logs throughput every few seconds while audio flows
func reportLoop(ctx context.Context, sim *targetsim.Server, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := sim.TotalBytes()
			if total == last {
				continue
			}
			logger.Info("Receiving",
				slog.Int64("bytes", total),
				slog.Int64("rate_bps", (total-last)/5),
				slog.Bool("paused", sim.Paused()))
			last = total
		}
	}
}
