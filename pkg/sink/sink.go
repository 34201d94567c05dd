// ABOUTME: Sink contract between the streaming bridge and a rendering target
// ABOUTME: Defines targets, open results and the sentinel errors every sink reports
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
)

var (
	// ErrNoTargets is returned when discovery found nothing to select
	ErrNoTargets = errors.New("no rendering targets found")

	// ErrTargetIndex is returned when a selection is out of range
	ErrTargetIndex = errors.New("target index out of range")

	// ErrNoTarget is returned by Open when no target has been selected
	ErrNoTarget = errors.New("no target selected")

	// ErrConnectTimeout is returned when the target does not accept a stream in time
	ErrConnectTimeout = errors.New("timed out connecting to target")

	// ErrNotOpen is returned by operations that need an open stream
	ErrNotOpen = errors.New("sink not open")

	// ErrUnsupportedFormat is returned when a format has no target identifier
	ErrUnsupportedFormat = errors.New("format not supported by target")

	// ErrSendFailed marks a rejected audio send
	ErrSendFailed = errors.New("sink send failed")
)

// Target is a rendering endpoint reachable on the network
type Target struct {
	Name    string
	Host    string
	Port    int
	ID      string
	Details []string
}

// Addr returns host:port for dialing
func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t Target) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, t.Addr())
}

// OpenResult describes what the target agreed to play
type OpenResult struct {
	Requested    audio.Format
	Accepted     audio.Format
	RequestedID  audio.FormatID
	AcceptedID   audio.FormatID
	Mode         TransferMode
	BufferFrames int
}

// Mismatch reports whether the target accepted something other than what was asked
func (r OpenResult) Mismatch() bool {
	return r.RequestedID != r.AcceptedID || r.Requested != r.Accepted
}

// Sink renders raw audio on an external target.
//
// Send must only be called while State() is Connected. Pause, Resume and
// Close are idempotent and safe to call in any state.
type Sink interface {
	// ListTargets enumerates reachable targets in a stable order
	ListTargets(ctx context.Context) ([]Target, error)

	// SelectTarget picks a target by 0-based index. On error the previous
	// selection is left unchanged.
	SelectTarget(ctx context.Context, index int) error

	// Open starts a stream in format f with bufferSeconds of target-side buffering
	Open(ctx context.Context, f audio.Format, bufferSeconds float64) (OpenResult, error)

	// Send delivers sampleCount frames held in buf. False means the target rejected them.
	Send(buf []byte, sampleCount int) bool

	// Reconfigure switches the open stream to f
	Reconfigure(ctx context.Context, f audio.Format) error

	Pause()
	Resume()
	Close() error

	State() ConnState
}
