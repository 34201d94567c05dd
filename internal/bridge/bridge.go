// ABOUTME: Buffer pump tying the decoder pipe, the parser, the transition controller and the sink
// ABOUTME: Runs a reader and a sender goroutine joined by a bounded queue and owns shutdown ordering
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cometdom/Squeeze2Diretta/internal/supervisor"
	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
	"github.com/cometdom/Squeeze2Diretta/pkg/framing"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
)

const (
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultReadSize     = 64 * 1024
	DefaultPollInterval = 50 * time.Millisecond
	DefaultMaxResync    = 8
	DefaultExitWait     = 5 * time.Second

	// minQueueBytes is the floor for the reader/sender queue
	minQueueBytes = 1 << 20
)

// Stream is the decoder output the bridge reads from
type Stream interface {
	// ReadTimeout returns supervisor.ErrReadTimeout when nothing arrived and io.EOF at the end
	ReadTimeout(p []byte, d time.Duration) (int, error)
	Terminate() error
	Done() <-chan struct{}
	Err() error
}

// Config configures the bridge
type Config struct {
	BufferSeconds float64
	Transition    TransitionConfig

	ReadTimeout  time.Duration
	ReadSize     int
	PollInterval time.Duration
	QueueBytes   int
	MaxResync    int

	// IdlePause pauses the target when the decoder is silent this long, 0 disables
	IdlePause time.Duration

	// ExitWait bounds the wait for the decoder to be reaped after EOF
	ExitWait time.Duration
}

// DefaultConfig returns the stock bridge settings
func DefaultConfig() Config {
	return Config{
		BufferSeconds: 2,
		Transition:    DefaultTransitionConfig(),
		ReadTimeout:   DefaultReadTimeout,
		ReadSize:      DefaultReadSize,
		PollInterval:  DefaultPollInterval,
		MaxResync:     DefaultMaxResync,
		ExitWait:      DefaultExitWait,
	}
}

// queueBytesFor sizes the queue to hold the configured buffer at the highest PCM rate
func queueBytesFor(bufferSeconds float64) int {
	worst := audio.Format{SampleRate: 192000, BitDepth: 32, Channels: 2}
	n := int(bufferSeconds * float64(worst.FrameRate()*worst.FrameSize()))
	return max(n, minQueueBytes)
}

// Option customizes a Bridge
type Option func(*Bridge)

// WithObserver reports counters to o
func WithObserver(o Observer) Option {
	return func(b *Bridge) { b.obs = o }
}

// WithSleep replaces the settle-delay wait
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Bridge) { b.sleep = fn }
}

// Stats is a snapshot of the bridge
type Stats struct {
	ControllerStats
	BytesRead        int64
	BytesDiscarded   int64
	MalformedHeaders int64
	QueueBytes       int
	SinkState        sink.ConnState
	Running          bool
}

// session holds what one Run owns
type session struct {
	stream Stream
	cancel context.CancelFunc
}

// Bridge pumps decoder output into a sink
type Bridge struct {
	config Config
	sink   sink.Sink
	logger *slog.Logger
	obs    Observer
	sleep  func(ctx context.Context, d time.Duration) error

	queue   *Queue
	ctrl    *Controller
	control chan func(*Controller)

	running   atomic.Bool
	bytesRead atomic.Int64
	discarded atomic.Int64
	malformed atomic.Int64

	mu      sync.Mutex
	session *session
}

// New creates a bridge around s
func New(config Config, s sink.Sink, logger *slog.Logger, opts ...Option) *Bridge {
	def := DefaultConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.ReadSize <= 0 {
		config.ReadSize = def.ReadSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxResync <= 0 {
		config.MaxResync = def.MaxResync
	}
	if config.ExitWait <= 0 {
		config.ExitWait = def.ExitWait
	}
	if config.QueueBytes <= 0 {
		config.QueueBytes = queueBytesFor(config.BufferSeconds)
	}
	if config.Transition == (TransitionConfig{}) {
		config.Transition = def.Transition
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		config:  config,
		sink:    s,
		logger:  logger.With(slog.String("component", "bridge")),
		obs:     nopObserver{},
		control: make(chan func(*Controller), 8),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.queue = NewQueue(config.QueueBytes)
	b.ctrl = NewController(s, ControllerConfig{
		Transition:    config.Transition,
		BufferSeconds: config.BufferSeconds,
		Source:        b.queue,
		Observer:      b.obs,
		Sleep:         b.sleep,
	}, logger)
	return b
}

// Run pumps stream into the sink until ctx is cancelled, Stop is called,
// the decoder ends its output or a fatal error occurs. A Bridge runs once.
func (b *Bridge) Run(ctx context.Context, stream Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.session != nil {
		b.mu.Unlock()
		return errors.New("bridge already ran")
	}
	b.session = &session{stream: stream, cancel: cancel}
	b.mu.Unlock()

	b.running.Store(true)
	b.logger.Info("Bridge running", slog.Float64("buffer_seconds", b.config.BufferSeconds))

	readErr := make(chan error, 1)
	go func() {
		readErr <- b.readLoop(ctx, stream)
	}()

	err := b.sendLoop(ctx)

	// Stop accepting sends, close the sink, terminate the decoder, join the reader
	b.running.Store(false)
	var rerr, childErr error
	joined := false
	if errors.Is(err, ErrQueueClosed) {
		// The reader closed the queue on its way out
		err = nil
		rerr = <-readErr
		joined = true
		if errors.Is(rerr, io.EOF) && ctx.Err() == nil {
			childErr = b.awaitExit(ctx, stream)
		}
	}
	cancel()

	if cerr := b.ctrl.Close(); cerr != nil {
		b.logger.Warn("Sink close failed", slog.Any("error", cerr))
	}
	if terr := stream.Terminate(); terr != nil {
		b.logger.Warn("Decoder terminate failed", slog.Any("error", terr))
	}
	if !joined {
		rerr = <-readErr
	}

	switch {
	case err != nil:
		return err
	case rerr != nil && !errors.Is(rerr, io.EOF):
		return rerr
	case childErr != nil:
		return childErr
	}
	b.logger.Info("Bridge stopped", slog.Int64("bytes_delivered", b.ctrl.Stats().BytesDelivered))
	return nil
}

// awaitExit waits for the decoder after its output ended and reports how it went
func (b *Bridge) awaitExit(ctx context.Context, stream Stream) error {
	select {
	case <-stream.Done():
		return stream.Err()
	case <-ctx.Done():
		return nil
	case <-time.After(b.config.ExitWait):
		return fmt.Errorf("%w: output closed but process still running", supervisor.ErrChildExitUnexpected)
	}
}

// Stop asks Run to return
func (b *Bridge) Stop() {
	b.running.Store(false)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.cancel()
	}
}

// Pause suspends delivery; audio arriving meanwhile is dropped
func (b *Bridge) Pause() {
	b.post(func(c *Controller) { c.Pause() })
}

// Resume restarts delivery
func (b *Bridge) Resume() {
	b.post(func(c *Controller) { c.Resume() })
}

// TogglePause flips between paused and playing
func (b *Bridge) TogglePause() {
	b.post(func(c *Controller) {
		if c.Stats().Paused {
			c.Resume()
		} else {
			c.Pause()
		}
	})
}

// post hands fn to the sender goroutine, the only one allowed to touch the sink
func (b *Bridge) post(fn func(*Controller)) {
	select {
	case b.control <- fn:
	default:
		b.logger.Warn("Control request dropped, sender busy")
	}
}

// Stats returns a snapshot of the bridge counters
func (b *Bridge) Stats() Stats {
	return Stats{
		ControllerStats:  b.ctrl.Stats(),
		BytesRead:        b.bytesRead.Load(),
		BytesDiscarded:   b.discarded.Load(),
		MalformedHeaders: b.malformed.Load(),
		QueueBytes:       b.queue.Bytes(),
		SinkState:        b.sink.State(),
		Running:          b.running.Load(),
	}
}

func (b *Bridge) readLoop(ctx context.Context, stream Stream) error {
	defer b.queue.Close()

	parser := framing.NewParser()
	buf := make([]byte, b.config.ReadSize)
	var batch []framing.Event
	var discarded int64
	resync := 0

	for b.running.Load() && ctx.Err() == nil {
		n, err := stream.ReadTimeout(buf, b.config.ReadTimeout)
		if n > 0 {
			b.bytesRead.Add(int64(n))
			b.obs.BytesRead(n)
			parser.Feed(buf[:n])

			batch = batch[:0]
			for ev, perr := range parser.Events() {
				if perr != nil {
					resync++
					b.malformed.Add(1)
					b.obs.MalformedHeader()
					b.logger.Warn("Malformed format header",
						slog.Any("error", perr), slog.Int("attempt", resync))
					if resync > b.config.MaxResync {
						return fmt.Errorf("%w after %d attempts: %w", ErrResyncExhausted, resync, perr)
					}
					continue
				}
				resync = 0
				batch = append(batch, ev)
			}

			if d := parser.Discarded() - discarded; d > 0 {
				discarded += d
				b.discarded.Add(d)
				b.obs.BytesDropped(DropResync, int(d))
				b.logger.Debug("Discarded bytes while hunting for a header", slog.Int64("bytes", d))
			}

			if len(batch) > 0 {
				if perr := b.queue.Push(ctx, batch...); perr != nil {
					return nil
				}
				b.obs.QueueBytes(b.queue.Bytes())
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, supervisor.ErrReadTimeout):
			select {
			case <-stream.Done():
				// Exited without closing our read end (a grandchild may hold it)
				return io.EOF
			default:
			}
		case errors.Is(err, io.EOF):
			b.logger.Info("Decoder output ended", slog.Int64("bytes_read", b.bytesRead.Load()))
			return io.EOF
		default:
			return fmt.Errorf("read decoder output: %w", err)
		}
	}
	return nil
}

func (b *Bridge) sendLoop(ctx context.Context) error {
	lastAudio := time.Now()

	for b.running.Load() {
		select {
		case fn := <-b.control:
			fn(b.ctrl)
		default:
		}

		ev, ok, err := b.queue.Pop(ctx, b.config.PollInterval)
		if errors.Is(err, ErrQueueClosed) {
			return err
		}
		if err != nil {
			return nil
		}
		if !ok {
			if b.config.IdlePause > 0 && time.Since(lastAudio) >= b.config.IdlePause {
				b.ctrl.Idle()
			}
			continue
		}
		b.obs.QueueBytes(b.queue.Bytes())

		switch ev.Kind {
		case framing.FormatChanged:
			err = b.ctrl.HandleFormat(ctx, ev.Format)
		case framing.AudioChunk:
			lastAudio = time.Now()
			err = b.ctrl.HandleAudio(ctx, ev.Data, ev.Frames())
		}

		var rerr *SinkReconfigureError
		switch {
		case err == nil:
		case errors.Is(err, ErrSinkOpen):
			return err
		case errors.As(err, &rerr):
			b.logger.Warn("Target refused format change, waiting for the next one", slog.Any("error", rerr))
		case ctx.Err() != nil:
			return nil
		default:
			b.logger.Error("Transition failed", slog.Any("error", err))
		}
	}
	return nil
}
