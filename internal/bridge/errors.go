// ABOUTME: Errors reported by the streaming bridge
// ABOUTME: Separates fatal failures from format changes the target refused
package bridge

import (
	"errors"
	"fmt"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
)

var (
	// ErrSinkOpen is fatal: the very first stream could not be opened
	ErrSinkOpen = errors.New("sink open failed")

	// ErrResyncExhausted is fatal: too many malformed headers in a row
	ErrResyncExhausted = errors.New("gave up resynchronizing decoder stream")

	// ErrQueueClosed is returned by Queue operations after Close
	ErrQueueClosed = errors.New("queue closed")
)

// SinkReconfigureError reports a format change the target did not take.
// The bridge stays idle until the next format change.
type SinkReconfigureError struct {
	From audio.Format
	To   audio.Format
	Err  error
}

func (e *SinkReconfigureError) Error() string {
	return fmt.Sprintf("reconfigure %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *SinkReconfigureError) Unwrap() error {
	return e.Err
}
