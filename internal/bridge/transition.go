// ABOUTME: Format transition state machine driving the sink through format changes
// ABOUTME: Pads with silence, settles, drains stale audio and reconfigures the target
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
)

// State is the controller's position in a format transition
type State int

const (
	Idle State = iota
	AwaitingSilence
	Draining
	Reconnecting
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSilence:
		return "awaiting-silence"
	case Draining:
		return "draining"
	case Reconnecting:
		return "reconnecting"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DropReason labels audio that never reached the sink
type DropReason string

const (
	DropTransition DropReason = "transition"
	DropPaused     DropReason = "paused"
	DropIdle       DropReason = "idle"
	DropSendFailed DropReason = "send_failed"
	DropResync     DropReason = "resync"
)

// TransitionKind labels a handled format change
type TransitionKind string

const (
	KindOpen           TransitionKind = "open"
	KindRateChange     TransitionKind = "rate_change"
	KindEncodingChange TransitionKind = "encoding_change"
	KindRejected       TransitionKind = "rejected"
)

// TransitionConfig holds the silence and settle tuning for format changes
type TransitionConfig struct {
	SameEncodingSilence  int           `yaml:"same_encoding_silence"`
	SameEncodingSettle   time.Duration `yaml:"same_encoding_settle"`
	CrossEncodingSilence int           `yaml:"cross_encoding_silence"`
	CrossEncodingSettle  time.Duration `yaml:"cross_encoding_settle"`

	// SilenceChunk caps the frames handed to the sink per silence send
	SilenceChunk int `yaml:"silence_chunk"`

	// DrainLimit caps the chunks discarded in one drain, 0 means all
	DrainLimit int `yaml:"drain_limit"`
}

// DefaultTransitionConfig returns the stock tuning
func DefaultTransitionConfig() TransitionConfig {
	return TransitionConfig{
		SameEncodingSilence:  4096,
		SameEncodingSettle:   50 * time.Millisecond,
		CrossEncodingSilence: 16384,
		CrossEncodingSettle:  200 * time.Millisecond,
		SilenceChunk:         8192,
	}
}

// Validate checks the tuning values
func (c TransitionConfig) Validate() error {
	if c.SameEncodingSilence < 0 || c.CrossEncodingSilence < 0 {
		return fmt.Errorf("silence frames must not be negative")
	}
	if c.SameEncodingSettle < 0 || c.CrossEncodingSettle < 0 {
		return fmt.Errorf("settle delays must not be negative")
	}
	if c.SilenceChunk <= 0 {
		return fmt.Errorf("silence chunk must be positive, got %d", c.SilenceChunk)
	}
	if c.DrainLimit < 0 {
		return fmt.Errorf("drain limit must not be negative")
	}
	return nil
}

// Plan describes how to move from one format to another
type Plan struct {
	From          audio.Format
	To            audio.Format
	SilenceFrames int
	SettleDelay   time.Duration
}

// Plan derives the transition plan from the two encodings
func (c TransitionConfig) Plan(from, to audio.Format) Plan {
	p := Plan{From: from, To: to}
	if from.Encoding != to.Encoding {
		p.SilenceFrames = c.CrossEncodingSilence
		p.SettleDelay = c.CrossEncodingSettle
	} else {
		p.SilenceFrames = c.SameEncodingSilence
		p.SettleDelay = c.SameEncodingSettle
	}
	return p
}

// Kind classifies the plan
func (p Plan) Kind() TransitionKind {
	if p.From.Encoding != p.To.Encoding {
		return KindEncodingChange
	}
	return KindRateChange
}

// Source gives the controller a view of what is still queued
type Source interface {
	NextFormat() (audio.Format, bool)
	DrainAudio(limit int) (chunks, bytes int)
}

// Observer receives counters from the bridge
type Observer interface {
	BytesRead(n int)
	BytesDelivered(n int)
	BytesDropped(reason DropReason, n int)
	SendFailed()
	FormatChanged(kind TransitionKind)
	MalformedHeader()
	QueueBytes(n int)
	StateChanged(s State)
}

type nopObserver struct{}

func (nopObserver) BytesRead(int) {}
func (nopObserver) BytesDelivered(int) {}
func (nopObserver) BytesDropped(DropReason, int) {}
func (nopObserver) SendFailed() {}
func (nopObserver) FormatChanged(TransitionKind) {}
func (nopObserver) MalformedHeader() {}
func (nopObserver) QueueBytes(int) {}
func (nopObserver) StateChanged(State) {}

// ControllerConfig configures a Controller
type ControllerConfig struct {
	Transition    TransitionConfig
	BufferSeconds float64

	// Source is consulted for pending format changes; nil disables lookahead
	Source   Source
	Observer Observer

	// Sleep waits out settle delays; nil uses a timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// ControllerStats is a snapshot of the controller counters
type ControllerStats struct {
	State          State
	Format         audio.Format
	Paused         bool
	BytesDelivered int64
	BytesDropped   int64
	SilenceFrames  int64
	Transitions    int
	SendFailures   int
	Reopens        int
}

// Controller sequences the sink through format changes.
// All methods except Stats and State must be called from one goroutine.
type Controller struct {
	sink   sink.Sink
	config ControllerConfig
	logger *slog.Logger
	obs    Observer

	opened     bool
	pending    *Plan
	autoPaused bool

	silence       []byte
	silenceFormat audio.Format

	mu    sync.Mutex
	stats ControllerStats
}

// NewController creates a controller in the Idle state
func NewController(s sink.Sink, config ControllerConfig, logger *slog.Logger) *Controller {
	if config.Sleep == nil {
		config.Sleep = sleepContext
	}
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}
	if config.Transition.SilenceChunk <= 0 {
		config.Transition.SilenceChunk = DefaultTransitionConfig().SilenceChunk
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sink:   s,
		config: config,
		logger: logger.With(slog.String("component", "transition")),
		obs:    config.Observer,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.State
}

// Stats returns a snapshot of the counters
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.stats.State != s
	c.stats.State = s
	c.mu.Unlock()
	if changed {
		c.logger.Debug("State", slog.String("state", s.String()))
		c.obs.StateChanged(s)
	}
}

func (c *Controller) current() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Format
}

func (c *Controller) paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Paused
}

func (c *Controller) drop(reason DropReason, n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.stats.BytesDropped += int64(n)
	c.mu.Unlock()
	c.obs.BytesDropped(reason, n)
}

// HandleFormat reacts to a format header from the decoder
func (c *Controller) HandleFormat(ctx context.Context, f audio.Format) error {
	switch state := c.State(); state {
	case Closed:
		return nil

	case Idle:
		if !audio.Supported(f) {
			c.logger.Warn("Rejecting format the target cannot play", slog.String("format", f.String()))
			c.obs.FormatChanged(KindRejected)
			return nil
		}
		return c.open(ctx, f)

	default:
		plan := c.pending
		c.pending = nil
		if plan == nil {
			if f == c.current() {
				return nil
			}
			// Everything queued behind this header is already in the new format
			p, err := c.begin(ctx, f, false)
			if err != nil {
				return err
			}
			plan = &p
		}
		plan.To = f
		return c.reconnect(ctx, *plan)
	}
}

// HandleAudio forwards or drops one chunk of whole frames
func (c *Controller) HandleAudio(ctx context.Context, data []byte, frames int) error {
	state := c.State()

	// A format change queued behind this chunk means it is the tail of the old format
	if state == Streaming && c.config.Source != nil && c.pending == nil {
		if next, ok := c.config.Source.NextFormat(); ok && next != c.current() {
			c.drop(DropTransition, len(data))
			p, err := c.begin(ctx, next, true)
			if err != nil {
				return err
			}
			c.pending = &p
			return nil
		}
	}

	switch {
	case state == Idle:
		c.drop(DropIdle, len(data))
		return nil
	case state != Streaming:
		c.drop(DropTransition, len(data))
		return nil
	case c.paused():
		c.drop(DropPaused, len(data))
		return nil
	}

	if c.autoPaused {
		c.autoPaused = false
		c.sink.Resume()
	}

	if c.sink.State() == sink.Error && !c.reopen(ctx) {
		c.drop(DropSendFailed, len(data))
		return nil
	}

	if !c.sink.Send(data, frames) {
		c.mu.Lock()
		c.stats.SendFailures++
		c.mu.Unlock()
		c.obs.SendFailed()
		c.drop(DropSendFailed, len(data))
		c.logger.Warn("Sink rejected audio, chunk dropped",
			slog.Int("bytes", len(data)),
			slog.Any("error", sink.ErrSendFailed))
		return nil
	}

	c.mu.Lock()
	c.stats.BytesDelivered += int64(len(data))
	c.mu.Unlock()
	c.obs.BytesDelivered(len(data))
	return nil
}

// openSink opens a stream in f, retrying once when the target is slow to answer
func (c *Controller) openSink(ctx context.Context, f audio.Format) (sink.OpenResult, error) {
	res, err := c.sink.Open(ctx, f, c.config.BufferSeconds)
	if errors.Is(err, sink.ErrConnectTimeout) {
		c.logger.Warn("Target did not answer in time, retrying once", slog.String("format", f.String()))
		res, err = c.sink.Open(ctx, f, c.config.BufferSeconds)
	}
	if err == nil && res.Mismatch() {
		c.logger.Warn("Target plays a different format than requested",
			slog.String("requested", res.Requested.String()),
			slog.String("accepted", res.Accepted.String()))
	}
	return res, err
}

func (c *Controller) open(ctx context.Context, f audio.Format) error {
	c.setState(Reconnecting)

	res, err := c.openSink(ctx, f)
	if err != nil {
		c.setState(Idle)
		if !c.opened {
			return fmt.Errorf("%w: %w", ErrSinkOpen, err)
		}
		return &SinkReconfigureError{From: c.current(), To: f, Err: err}
	}

	c.opened = true
	c.mu.Lock()
	c.stats.Format = f
	c.stats.Transitions++
	c.mu.Unlock()
	c.obs.FormatChanged(KindOpen)

	if c.paused() {
		c.sink.Pause()
	}
	c.setState(Streaming)
	c.logger.Info("Streaming", slog.String("format", f.String()), slog.String("mode", res.Mode.String()))
	return nil
}

// reopen restarts the stream in the current format after the sink dropped
// into its error state. The controller stays Streaming either way; a failed
// reopen is tried again with the next chunk.
func (c *Controller) reopen(ctx context.Context) bool {
	f := c.current()
	c.logger.Warn("Sink in error state, reopening stream", slog.String("format", f.String()))

	c.setState(Reconnecting)
	defer c.setState(Streaming)

	if _, err := c.openSink(ctx, f); err != nil {
		c.logger.Warn("Reopening stream failed",
			slog.String("format", f.String()),
			slog.Any("error", err))
		return false
	}
	c.mu.Lock()
	c.stats.Reopens++
	c.mu.Unlock()
	return true
}

// begin runs the first half of a transition: silence in the old format, settle
// and, when the change was seen ahead of time, draining the old-format tail
// still queued in front of the header.
func (c *Controller) begin(ctx context.Context, to audio.Format, drainStale bool) (Plan, error) {
	plan := c.config.Transition.Plan(c.current(), to)
	c.logger.Info("Format change",
		slog.String("from", plan.From.String()),
		slog.String("to", plan.To.String()),
		slog.Int("silence_frames", plan.SilenceFrames),
		slog.Duration("settle", plan.SettleDelay))

	if c.autoPaused {
		c.autoPaused = false
		c.sink.Resume()
	}

	c.setState(AwaitingSilence)
	if !c.paused() && c.sink.State() != sink.Error {
		c.sendSilence(plan)
	}
	if err := c.config.Sleep(ctx, plan.SettleDelay); err != nil {
		return plan, err
	}

	c.setState(Draining)
	if drainStale && c.config.Source != nil {
		chunks, bytes := c.config.Source.DrainAudio(c.config.Transition.DrainLimit)
		if chunks > 0 {
			c.drop(DropTransition, bytes)
			c.logger.Debug("Drained stale audio", slog.Int("chunks", chunks), slog.Int("bytes", bytes))
		}
	}
	return plan, nil
}

func (c *Controller) sendSilence(plan Plan) {
	remaining := plan.SilenceFrames
	chunk := c.config.Transition.SilenceChunk
	for remaining > 0 {
		n := min(remaining, chunk)
		size := n * plan.From.FrameSize()
		if c.silenceFormat != plan.From || len(c.silence) < size {
			c.silence = plan.From.Silence(min(plan.SilenceFrames, chunk))
			c.silenceFormat = plan.From
		}
		if c.sink.Send(c.silence[:size], n) {
			c.mu.Lock()
			c.stats.SilenceFrames += int64(n)
			c.mu.Unlock()
		} else {
			c.mu.Lock()
			c.stats.SendFailures++
			c.mu.Unlock()
			c.obs.SendFailed()
			c.logger.Warn("Sink rejected silence padding", slog.Int("frames", n))
		}
		remaining -= n
	}
}

// reconnect runs the second half of a transition: reconfigure the target
func (c *Controller) reconnect(ctx context.Context, plan Plan) error {
	c.setState(Reconnecting)

	var err error
	if c.sink.State() == sink.Error {
		_, err = c.openSink(ctx, plan.To)
	} else {
		err = c.sink.Reconfigure(ctx, plan.To)
	}
	if err != nil {
		c.setState(Idle)
		return &SinkReconfigureError{From: plan.From, To: plan.To, Err: err}
	}

	c.mu.Lock()
	c.stats.Format = plan.To
	c.stats.Transitions++
	c.mu.Unlock()
	c.obs.FormatChanged(plan.Kind())

	if c.paused() {
		c.sink.Pause()
	}
	c.setState(Streaming)
	c.logger.Info("Streaming", slog.String("format", plan.To.String()))
	return nil
}

// Pause stops delivery; chunks arriving while paused are dropped
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.stats.Paused {
		c.mu.Unlock()
		return
	}
	c.stats.Paused = true
	c.mu.Unlock()

	c.autoPaused = false
	c.sink.Pause()
	c.logger.Info("Paused")
}

// Resume restarts delivery
func (c *Controller) Resume() {
	c.mu.Lock()
	if !c.stats.Paused {
		c.mu.Unlock()
		return
	}
	c.stats.Paused = false
	c.mu.Unlock()

	c.sink.Resume()
	c.logger.Info("Resumed")
}

// Idle pauses the target after the decoder has gone quiet; the next chunk resumes it
func (c *Controller) Idle() {
	if c.autoPaused || c.paused() || c.State() != Streaming {
		return
	}
	c.autoPaused = true
	c.sink.Pause()
	c.logger.Debug("No audio from decoder, target paused")
}

// Close ends streaming and closes the sink
func (c *Controller) Close() error {
	c.setState(Closed)
	c.pending = nil
	return c.sink.Close()
}
