// ABOUTME: Sink implementation that streams to a network rendering target
// ABOUTME: Discovers targets over mDNS and negotiates streams over the protocol client
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
	"github.com/cometdom/Squeeze2Diretta/pkg/discovery"
	"github.com/cometdom/Squeeze2Diretta/pkg/protocol"
)

const (
	// DefaultConnectTimeout bounds Open and Reconfigure
	DefaultConnectTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds every audio write
	DefaultWriteTimeout = 2 * time.Second
)

// Browser lists targets reachable from this host
type Browser interface {
	Browse(ctx context.Context) ([]Target, error)
}

// BrowserFunc adapts a function to Browser
type BrowserFunc func(ctx context.Context) ([]Target, error)

func (f BrowserFunc) Browse(ctx context.Context) ([]Target, error) {
	return f(ctx)
}

// MDNSBrowser lists targets advertised over mDNS
func MDNSBrowser(b *discovery.Browser) Browser {
	return BrowserFunc(func(ctx context.Context) ([]Target, error) {
		services, err := b.Browse(ctx)
		if err != nil {
			return nil, err
		}
		targets := make([]Target, 0, len(services))
		for _, s := range services {
			targets = append(targets, Target{Name: s.Name, Host: s.Host, Port: s.Port, Details: s.Info})
		}
		return targets, nil
	})
}

// StaticBrowser always returns a single target at addr (host:port)
func StaticBrowser(addr string) (Browser, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid target port in %q", addr)
	}
	t := Target{Name: addr, Host: host, Port: port}
	return BrowserFunc(func(context.Context) ([]Target, error) {
		return []Target{t}, nil
	}), nil
}

// NetworkConfig configures a Network sink
type NetworkConfig struct {
	// Name is announced to the target
	Name           string
	ClientID       string
	Software       string
	Transfer       TransferConfig
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Network streams audio to a target over the websocket protocol
type Network struct {
	config  NetworkConfig
	browser Browser
	logger  *slog.Logger
	conn    ConnTracker

	mu       sync.Mutex
	targets  []Target
	selected int // -1 when nothing selected
	client   *protocol.Client
	format   audio.Format
	bufSecs  float64
	position uint64
	sent     uint64
}

// NewNetwork creates a network sink
func NewNetwork(config NetworkConfig, browser Browser, logger *slog.Logger) *Network {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.Transfer == (TransferConfig{}) {
		config.Transfer = DefaultTransferConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Network{
		config:   config,
		browser:  browser,
		logger:   logger.With(slog.String("component", "sink")),
		selected: -1,
	}
}

// OnStateChange registers a callback for connection state changes
func (n *Network) OnStateChange(fn func(from, to ConnState)) {
	n.conn.OnChange(fn)
}

// ListTargets browses for targets and remembers the result for SelectTarget
func (n *Network) ListTargets(ctx context.Context) ([]Target, error) {
	targets, err := n.browser.Browse(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	n.mu.Lock()
	n.targets = targets
	n.selected = -1
	n.mu.Unlock()

	out := make([]Target, len(targets))
	copy(out, targets)
	return out, nil
}

// SelectTarget picks a target by 0-based index, listing first if needed
func (n *Network) SelectTarget(ctx context.Context, index int) error {
	n.mu.Lock()
	listed := n.targets != nil
	n.mu.Unlock()

	if !listed {
		if _, err := n.ListTargets(ctx); err != nil {
			return err
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.targets) == 0 {
		return ErrNoTargets
	}
	if index < 0 || index >= len(n.targets) {
		return fmt.Errorf("%w: %d (found %d)", ErrTargetIndex, index+1, len(n.targets))
	}

	n.selected = index
	n.logger.Info("Target selected", slog.String("target", n.targets[index].String()))
	return nil
}

// Selected returns the selected target
func (n *Network) Selected() (Target, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.selected < 0 {
		return Target{}, false
	}
	return n.targets[n.selected], true
}

// Open connects to the selected target and starts a stream in format f
func (n *Network) Open(ctx context.Context, f audio.Format, bufferSeconds float64) (OpenResult, error) {
	target, ok := n.Selected()
	if !ok {
		return OpenResult{}, ErrNoTarget
	}
	if audio.LookupFormatID(f) == audio.FormatInvalid {
		return OpenResult{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}

	// A failed write leaves the connection unusable
	if n.conn.State() == Error {
		n.dropClient()
	}
	if err := n.conn.Transition(Negotiating); err != nil {
		return OpenResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.ConnectTimeout)
	defer cancel()

	client, err := n.ensureClient(ctx, target)
	if err == nil {
		var res OpenResult
		res, err = n.openStream(ctx, client, f, bufferSeconds)
		if err == nil {
			n.mu.Lock()
			n.bufSecs = bufferSeconds
			n.mu.Unlock()
			return res, nil
		}
	}

	n.dropClient()
	n.conn.Transition(Disconnected)
	if errors.Is(err, context.DeadlineExceeded) {
		return OpenResult{}, fmt.Errorf("%w: %s after %v", ErrConnectTimeout, target, n.config.ConnectTimeout)
	}
	return OpenResult{}, fmt.Errorf("open %s: %w", target, err)
}

// Reconfigure closes the current stream and opens a new one in format f on the same connection
func (n *Network) Reconfigure(ctx context.Context, f audio.Format) error {
	state := n.conn.State()
	if state != Connected && state != Paused {
		return ErrNotOpen
	}
	if audio.LookupFormatID(f) == audio.FormatInvalid {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	}

	n.mu.Lock()
	client := n.client
	bufSecs := n.bufSecs
	sent := n.sent
	n.mu.Unlock()

	if err := n.conn.Transition(Negotiating); err != nil {
		return err
	}

	if err := client.CloseStream("reconfigure", sent); err != nil {
		n.conn.Transition(Error)
		return fmt.Errorf("close stream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.ConnectTimeout)
	defer cancel()

	if _, err := n.openStream(ctx, client, f, bufSecs); err != nil {
		n.conn.Transition(Error)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: reconfigure to %s", ErrConnectTimeout, f)
		}
		return fmt.Errorf("reconfigure to %s: %w", f, err)
	}
	return nil
}

func (n *Network) ensureClient(ctx context.Context, target Target) (*protocol.Client, error) {
	n.mu.Lock()
	client := n.client
	n.mu.Unlock()

	if client != nil && client.IsConnected() {
		return client, nil
	}

	client = protocol.NewClient(protocol.Config{
		ServerAddr:   target.Addr(),
		ClientID:     n.config.ClientID,
		Name:         n.config.Name,
		Software:     n.config.Software,
		Transfer:     n.transferSettings(),
		WriteTimeout: n.config.WriteTimeout,
		Logger:       n.logger,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.client = client
	n.mu.Unlock()
	return client, nil
}

func (n *Network) transferSettings() protocol.TransferSettings {
	t := n.config.Transfer
	return protocol.TransferSettings{
		ThreadMode:  t.ThreadMode,
		CycleTimeUs: int(t.CycleTime / time.Microsecond),
		CycleMinUs:  int(t.CycleMinTime / time.Microsecond),
		InfoCycleUs: int(t.InfoCycle / time.Microsecond),
		MTU:         t.MTU,
	}
}

func (n *Network) openStream(ctx context.Context, client *protocol.Client, f audio.Format, bufferSeconds float64) (OpenResult, error) {
	id := audio.LookupFormatID(f)
	mode := TransferModeFor(f)
	frames := int(float64(f.FrameRate()) * bufferSeconds)

	acc, err := client.OpenStream(ctx, protocol.StreamOpen{
		Format:       toStreamFormat(f, id),
		BufferFrames: frames,
		TransferMode: mode.String(),
	})
	if err != nil {
		return OpenResult{}, err
	}

	accepted := fromStreamFormat(acc.Format)
	res := OpenResult{
		Requested:    f,
		Accepted:     accepted,
		RequestedID:  id,
		AcceptedID:   audio.FormatID(acc.Format.FormatID),
		Mode:         mode,
		BufferFrames: acc.BufferFrames,
	}

	if res.Mismatch() {
		n.logger.Warn("Target accepted a different format",
			slog.String("requested", res.RequestedID.String()),
			slog.String("accepted", res.AcceptedID.String()))
	}

	n.mu.Lock()
	n.format = f
	n.position = 0
	n.mu.Unlock()

	if err := n.conn.Transition(Connected); err != nil {
		return OpenResult{}, err
	}

	n.logger.Info("Stream open",
		slog.String("format", f.String()),
		slog.String("mode", mode.String()),
		slog.Int("buffer_frames", acc.BufferFrames))
	return res, nil
}

// Send writes one chunk. It returns false when the stream is not open or the write failed.
func (n *Network) Send(buf []byte, sampleCount int) bool {
	if n.conn.State() != Connected {
		return false
	}

	n.mu.Lock()
	client := n.client
	pos := n.position
	n.mu.Unlock()

	if client == nil {
		return false
	}

	if err := client.SendAudio(pos, buf); err != nil {
		n.logger.Warn("Audio write failed", slog.Any("error", err))
		n.conn.Transition(Error)
		return false
	}

	n.mu.Lock()
	n.position += uint64(sampleCount)
	n.sent += uint64(sampleCount)
	n.mu.Unlock()
	return true
}

// Pause holds playback on the target; no-op unless Connected
func (n *Network) Pause() {
	if n.conn.State() != Connected {
		return
	}
	n.mu.Lock()
	client := n.client
	n.mu.Unlock()

	if err := client.PauseStream(); err != nil {
		n.logger.Warn("Pause failed", slog.Any("error", err))
		return
	}
	n.conn.Transition(Paused)
}

// Resume continues playback; no-op unless Paused
func (n *Network) Resume() {
	if n.conn.State() != Paused {
		return
	}
	n.mu.Lock()
	client := n.client
	n.mu.Unlock()

	if err := client.ResumeStream(); err != nil {
		n.logger.Warn("Resume failed", slog.Any("error", err))
		return
	}
	n.conn.Transition(Connected)
}

// Close ends the stream and disconnects. Safe to call repeatedly.
func (n *Network) Close() error {
	n.mu.Lock()
	client := n.client
	sent := n.sent
	n.mu.Unlock()

	if client == nil {
		if n.conn.State() != Disconnected {
			n.conn.Transition(Disconnected)
		}
		return nil
	}

	var err error
	if client.IsConnected() {
		state := n.conn.State()
		if state == Connected || state == Paused {
			err = client.CloseStream("shutdown", sent)
		}
		client.SendGoodbye("shutdown")
	}
	n.dropClient()
	n.conn.Transition(Disconnected)

	n.logger.Info("Sink closed", slog.Uint64("samples_sent", sent))
	return err
}

func (n *Network) dropClient() {
	n.mu.Lock()
	client := n.client
	n.client = nil
	n.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// State returns the connection state
func (n *Network) State() ConnState {
	return n.conn.State()
}

// SamplesSent returns the total frames delivered since creation
func (n *Network) SamplesSent() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func toStreamFormat(f audio.Format, id audio.FormatID) protocol.StreamFormat {
	return protocol.StreamFormat{
		FormatID:   uint32(id),
		Encoding:   encodingName(f.Encoding),
		SampleRate: f.SampleRate,
		BitDepth:   f.BitDepth,
		Channels:   f.Channels,
	}
}

func fromStreamFormat(sf protocol.StreamFormat) audio.Format {
	if f, ok := audio.FormatID(sf.FormatID).Format(); ok {
		return f
	}
	enc := audio.EncodingPCM
	if sf.Encoding == "dsd" {
		enc = audio.EncodingDSD
	}
	return audio.Format{SampleRate: sf.SampleRate, BitDepth: sf.BitDepth, Channels: sf.Channels, Encoding: enc}
}

func encodingName(e audio.Encoding) string {
	if e == audio.EncodingDSD {
		return "dsd"
	}
	return "pcm"
}

var _ Sink = (*Network)(nil)
