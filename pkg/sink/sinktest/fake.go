// ABOUTME: Recording in-memory Sink for tests of code that drives a sink
// ABOUTME: Scripts failures and keeps an ordered log of every call it receives
package sinktest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
)

// OpKind names a recorded sink call
type OpKind string

const (
	OpOpen        OpKind = "open"
	OpReconfigure OpKind = "reconfigure"
	OpSend        OpKind = "send"
	OpPause       OpKind = "pause"
	OpResume      OpKind = "resume"
	OpClose       OpKind = "close"
)

// Op is one recorded call. Data and Samples are set for sends only.
type Op struct {
	Kind    OpKind
	Format  audio.Format
	Data    []byte
	Samples int
}

// Fake is a Sink that records calls instead of rendering audio.
// Configure the exported fields before handing it to the code under test.
type Fake struct {
	Targets []sink.Target
	ListErr error

	// OpenTimeouts makes that many Open calls fail with ErrConnectTimeout first
	OpenTimeouts int
	OpenErr      error

	ReconfigureErr error

	// RejectSends makes Send report failure while true
	RejectSends bool

	// BreakSends makes that many sends fail and leave the sink in Error,
	// the way a failed network write does
	BreakSends int

	// Accept maps a requested format to what the target claims to play
	Accept func(audio.Format) audio.Format

	conn sink.ConnTracker

	mu       sync.Mutex
	selected int
	format   audio.Format
	ops      []Op
	rejected int
}

// New creates a fake with the given targets
func New(targets ...sink.Target) *Fake {
	return &Fake{Targets: targets, selected: -1}
}

func (f *Fake) ListTargets(ctx context.Context) ([]sink.Target, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]sink.Target, len(f.Targets))
	copy(out, f.Targets)
	return out, nil
}

func (f *Fake) SelectTarget(ctx context.Context, index int) error {
	targets, err := f.ListTargets(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return sink.ErrNoTargets
	}
	if index < 0 || index >= len(targets) {
		return fmt.Errorf("%w: %d", sink.ErrTargetIndex, index)
	}
	f.mu.Lock()
	f.selected = index
	f.mu.Unlock()
	return nil
}

// Selected returns the selected index, -1 when none
func (f *Fake) Selected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected
}

func (f *Fake) Open(ctx context.Context, format audio.Format, bufferSeconds float64) (sink.OpenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ops = append(f.ops, Op{Kind: OpOpen, Format: format})

	if f.OpenTimeouts > 0 {
		f.OpenTimeouts--
		return sink.OpenResult{}, sink.ErrConnectTimeout
	}
	if f.OpenErr != nil {
		return sink.OpenResult{}, f.OpenErr
	}
	if audio.LookupFormatID(format) == audio.FormatInvalid {
		return sink.OpenResult{}, sink.ErrUnsupportedFormat
	}

	f.conn.Transition(sink.Negotiating)
	f.conn.Transition(sink.Connected)
	f.format = format

	accepted := format
	if f.Accept != nil {
		accepted = f.Accept(format)
	}
	return sink.OpenResult{
		Requested:    format,
		Accepted:     accepted,
		RequestedID:  audio.LookupFormatID(format),
		AcceptedID:   audio.LookupFormatID(accepted),
		Mode:         sink.TransferModeFor(format),
		BufferFrames: int(float64(format.FrameRate()) * bufferSeconds),
	}, nil
}

func (f *Fake) Send(buf []byte, sampleCount int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn.State() != sink.Connected || f.RejectSends {
		f.rejected++
		return false
	}
	if f.BreakSends > 0 {
		f.BreakSends--
		f.rejected++
		f.conn.Transition(sink.Error)
		return false
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	f.ops = append(f.ops, Op{Kind: OpSend, Format: f.format, Data: data, Samples: sampleCount})
	return true
}

func (f *Fake) Reconfigure(ctx context.Context, format audio.Format) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ops = append(f.ops, Op{Kind: OpReconfigure, Format: format})

	state := f.conn.State()
	if state != sink.Connected && state != sink.Paused {
		return sink.ErrNotOpen
	}
	if f.ReconfigureErr != nil {
		f.conn.Transition(sink.Error)
		return f.ReconfigureErr
	}
	f.conn.Transition(sink.Negotiating)
	f.conn.Transition(sink.Connected)
	f.format = format
	return nil
}

func (f *Fake) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn.State() != sink.Connected {
		return
	}
	f.conn.Transition(sink.Paused)
	f.ops = append(f.ops, Op{Kind: OpPause, Format: f.format})
}

func (f *Fake) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn.State() != sink.Paused {
		return
	}
	f.conn.Transition(sink.Connected)
	f.ops = append(f.ops, Op{Kind: OpResume, Format: f.format})
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn.State() == sink.Disconnected {
		return nil
	}
	f.conn.Transition(sink.Disconnected)
	f.ops = append(f.ops, Op{Kind: OpClose, Format: f.format})
	return nil
}

func (f *Fake) State() sink.ConnState {
	return f.conn.State()
}

// Ops returns every recorded call in order
func (f *Fake) Ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Op, len(f.ops))
	copy(out, f.ops)
	return out
}

// Calls returns the recorded calls of one kind
func (f *Fake) Calls(kind OpKind) []Op {
	var out []Op
	for _, op := range f.Ops() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Delivered returns the total bytes accepted by Send
func (f *Fake) Delivered() int {
	n := 0
	for _, op := range f.Calls(OpSend) {
		n += len(op.Data)
	}
	return n
}

// Rejected returns how many sends were refused
func (f *Fake) Rejected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected
}

var _ sink.Sink = (*Fake)(nil)
