// ABOUTME: Byte-bounded event queue between the pipe reader and the sink sender
// ABOUTME: Supports looking ahead for a pending format change and draining stale audio
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
	"github.com/cometdom/Squeeze2Diretta/pkg/framing"
)

// Queue holds parsed events in arrival order. Its size is bounded by the
// audio bytes it holds; format changes cost nothing.
type Queue struct {
	mu      sync.Mutex
	items   []framing.Event
	bytes   int
	limit   int
	closed  bool
	changed chan struct{}
}

// NewQueue creates a queue holding at most limit audio bytes
func NewQueue(limit int) *Queue {
	return &Queue{
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// signalLocked wakes every waiter. Caller holds mu.
func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Push appends events as one batch, blocking while the queue is full.
// A batch larger than the limit is accepted into an empty queue.
func (q *Queue) Push(ctx context.Context, events ...framing.Event) error {
	size := 0
	for _, ev := range events {
		size += len(ev.Data)
	}

	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.bytes == 0 || q.bytes+size <= q.limit {
			break
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}

	q.items = append(q.items, events...)
	q.bytes += size
	q.signalLocked()
	q.mu.Unlock()
	return nil
}

// Pop removes the oldest event, waiting at most timeout.
// ok is false on timeout. Once closed and empty it returns ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (ev framing.Event, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	q.mu.Lock()
	for len(q.items) == 0 {
		if q.closed {
			q.mu.Unlock()
			return framing.Event{}, false, ErrQueueClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return framing.Event{}, false, nil
		case <-ctx.Done():
			return framing.Event{}, false, ctx.Err()
		}
		q.mu.Lock()
	}

	ev = q.items[0]
	q.items[0] = framing.Event{}
	q.items = q.items[1:]
	q.bytes -= len(ev.Data)
	q.signalLocked()
	q.mu.Unlock()
	return ev, true, nil
}

// NextFormat returns the first queued format change without removing it
func (q *Queue) NextFormat() (audio.Format, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ev := range q.items {
		if ev.Kind == framing.FormatChanged {
			return ev.Format, true
		}
	}
	return audio.Format{}, false
}

// DrainAudio discards up to limit audio chunks queued ahead of the next
// format change without waiting for more input. limit <= 0 means no limit.
func (q *Queue) DrainAudio(limit int) (chunks, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 && q.items[0].Kind == framing.AudioChunk {
		if limit > 0 && chunks >= limit {
			break
		}
		n := len(q.items[0].Data)
		q.items[0] = framing.Event{}
		q.items = q.items[1:]
		chunks++
		bytes += n
	}
	if chunks > 0 {
		q.bytes -= bytes
		q.signalLocked()
	}
	return chunks, bytes
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes returns the queued audio bytes
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Close stops further pushes. Queued events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}
