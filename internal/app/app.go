// ABOUTME: Application orchestration for the squeezelite to rendering-target bridge
// ABOUTME: Builds the sink, selects a target, starts the decoder and runs the bridge
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/cometdom/Squeeze2Diretta/internal/bridge"
	"github.com/cometdom/Squeeze2Diretta/internal/config"
	"github.com/cometdom/Squeeze2Diretta/internal/metrics"
	"github.com/cometdom/Squeeze2Diretta/internal/supervisor"
	"github.com/cometdom/Squeeze2Diretta/internal/ui"
	"github.com/cometdom/Squeeze2Diretta/internal/version"
	"github.com/cometdom/Squeeze2Diretta/pkg/discovery"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
)

// ErrTargetSelection is returned when the configured target cannot be selected
var ErrTargetSelection = errors.New("failed to select rendering target")

// DecoderFunc starts the decoder process
type DecoderFunc func(ctx context.Context) (bridge.Stream, error)

// Option customizes an App
type Option func(*App)

// WithSink replaces the network sink
func WithSink(s sink.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithDecoder replaces the squeezelite supervisor
func WithDecoder(fn DecoderFunc) Option {
	return func(a *App) { a.startDecoder = fn }
}

// WithOutput sets where user-facing messages go (default stdout)
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics records bridge metrics into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// App wires the configured components together
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	sink         sink.Sink
	network      *sink.Network
	startDecoder DecoderFunc
	metrics      *metrics.Metrics
	bridge       *bridge.Bridge
}

// New creates the application. Unless overridden by options the sink is a
// network sink found over mDNS (or at --target-addr) and the decoder is squeezelite.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, out: os.Stdout}
	for _, opt := range opts {
		opt(a)
	}

	if a.metrics == nil && cfg.Metrics.Addr != "" {
		a.metrics = metrics.New()
	}

	if a.sink == nil {
		s, err := a.networkSink()
		if err != nil {
			return nil, err
		}
		a.sink = s
	}

	if cfg.Capture != "" {
		c, err := sink.NewCapture(a.sink, cfg.Capture, logger)
		if err != nil {
			return nil, err
		}
		a.sink = c
	}

	if a.startDecoder == nil {
		sup := supervisor.New(supervisor.Config{
			Path:        cfg.Decoder.Path,
			Args:        cfg.DecoderArgs(),
			GracePeriod: cfg.Decoder.GracePeriod,
		}, logger)
		a.startDecoder = func(ctx context.Context) (bridge.Stream, error) {
			return sup.Start(ctx)
		}
	}

	return a, nil
}

func (a *App) networkSink() (sink.Sink, error) {
	var browser sink.Browser
	if a.cfg.Target.Addr != "" {
		b, err := sink.StaticBrowser(a.cfg.Target.Addr)
		if err != nil {
			return nil, err
		}
		browser = b
	} else {
		browser = sink.MDNSBrowser(discovery.NewBrowser(discovery.Config{
			Service: a.cfg.Target.Service,
			Timeout: a.cfg.Target.DiscoveryTimeout,
			Logger:  a.logger,
		}))
	}

	n := sink.NewNetwork(sink.NetworkConfig{
		Name:           a.cfg.Decoder.Name,
		Software:       version.String(),
		Transfer:       a.cfg.Transfer,
		ConnectTimeout: a.cfg.Target.ConnectTimeout,
	}, browser, a.logger)
	if a.metrics != nil {
		n.OnStateChange(a.metrics.SinkStateChanged)
	}
	a.network = n
	return n, nil
}

// ListTargets prints the discovered targets with their 1-based numbers
func (a *App) ListTargets(ctx context.Context) error {
	fmt.Fprintln(a.out, "Scanning for rendering targets...")
	fmt.Fprintln(a.out)

	targets, err := a.sink.ListTargets(ctx)
	if err != nil {
		return err
	}

	if len(targets) == 0 {
		fmt.Fprintln(a.out, "No rendering targets found on the network.")
		fmt.Fprintln(a.out)
		fmt.Fprintln(a.out, "Troubleshooting:")
		fmt.Fprintln(a.out, "  1. Ensure your DAC or target is powered on")
		fmt.Fprintln(a.out, "  2. Check the network connection")
		fmt.Fprintln(a.out, "  3. Verify firewall settings (multicast DNS must be allowed)")
		return nil
	}

	fmt.Fprintf(a.out, "Found %d target(s):\n\n", len(targets))
	for i, t := range targets {
		fmt.Fprintf(a.out, "Target #%d:\n", i+1)
		fmt.Fprintf(a.out, "  Name:    %s\n", t.Name)
		fmt.Fprintf(a.out, "  Address: %s\n", t.Addr())
		for _, d := range t.Details {
			fmt.Fprintf(a.out, "  Info:    %s\n", d)
		}
		fmt.Fprintln(a.out)
	}
	fmt.Fprintln(a.out, "Usage: squeeze2diretta -t <number>")
	return nil
}

// Run selects the target, starts the decoder and streams until ctx ends,
// the decoder exits or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.sink.SelectTarget(ctx, a.cfg.TargetIndex()); err != nil {
		return fmt.Errorf("%w %d: %w", ErrTargetSelection, a.cfg.Target.Index, err)
	}
	target := a.selectedName()
	a.logger.Info("Selected rendering target",
		slog.Int("number", a.cfg.Target.Index),
		slog.String("target", target))

	var opts []bridge.Option
	if a.metrics != nil {
		opts = append(opts, bridge.WithObserver(a.metrics))
	}
	bcfg := bridge.DefaultConfig()
	bcfg.BufferSeconds = a.cfg.Bridge.BufferSeconds
	bcfg.Transition = a.cfg.Bridge.Transition
	bcfg.IdlePause = a.cfg.Bridge.IdlePause
	bcfg.MaxResync = a.cfg.Bridge.MaxResync
	a.bridge = bridge.New(bcfg, a.sink, a.logger, opts...)

	stream, err := a.startDecoder(ctx)
	if err != nil {
		a.sink.Close()
		return err
	}
	a.logger.Info("Decoder started, waiting for audio", slog.String("player", a.cfg.Decoder.Name))

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopAux := context.WithCancel(gctx)

	g.Go(func() error {
		defer stopAux()
		return a.bridge.Run(gctx, stream)
	})

	if a.metrics != nil && a.cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(a.cfg.Metrics.Addr, a.metrics, func() any { return a.bridge.Stats() }, a.logger)
		g.Go(func() error {
			return srv.Serve(runCtx)
		})
	}

	if a.cfg.TUI {
		g.Go(func() error {
			err := ui.Run(runCtx, ui.Info{Target: target, Player: a.cfg.Decoder.Name, Version: version.Version}, a.bridge)
			// Quitting the screen stops the bridge
			a.bridge.Stop()
			return err
		})
	}

	err = g.Wait()
	stopAux()
	return err
}

// Bridge returns the running bridge, nil before Run
func (a *App) Bridge() *bridge.Bridge {
	return a.bridge
}

func (a *App) selectedName() string {
	if a.network != nil {
		if t, ok := a.network.Selected(); ok {
			return t.String()
		}
	}
	return fmt.Sprintf("#%d", a.cfg.Target.Index)
}
