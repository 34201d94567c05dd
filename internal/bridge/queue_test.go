// ABOUTME: Tests for the bounded reader/sender queue
// ABOUTME: Covers ordering, backpressure, lookahead, draining and close
package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometdom/Squeeze2Diretta/pkg/framing"
)

func TestQueueOrder(t *testing.T) {
	q := NewQueue(1 << 10)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, formatEvent(pcm48k16), audioEvent(pcm48k16, payload(8, 1))))
	require.NoError(t, q.Push(ctx, audioEvent(pcm48k16, payload(4, 2))))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 12, q.Bytes())

	kinds := []framing.EventKind{framing.FormatChanged, framing.AudioChunk, framing.AudioChunk}
	for i, want := range kinds {
		ev, ok, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, ev.Kind, "event %d", i)
	}
	assert.Equal(t, 0, q.Bytes())
}

func TestQueuePopTimeout(t *testing.T) {
	q := NewQueue(16)
	start := time.Now()
	_, ok, err := q.Pop(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueBackpressure(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, audioEvent(pcm48k16, payload(8, 1))))

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push(ctx, audioEvent(pcm48k16, payload(8, 2)))
	}()

	select {
	case <-pushed:
		t.Fatal("push should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case err := <-pushed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not resume after pop")
	}
}

func TestQueueOversizeBatchIntoEmptyQueue(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.Push(context.Background(), audioEvent(pcm48k16, payload(64, 1))))
	assert.Equal(t, 64, q.Bytes())
}

func TestQueuePushCancelled(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.Push(context.Background(), audioEvent(pcm48k16, payload(4, 1))))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(ctx, audioEvent(pcm48k16, payload(4, 1))), context.DeadlineExceeded)
}

func TestQueueLookaheadAndDrain(t *testing.T) {
	q := NewQueue(1 << 10)
	ctx := context.Background()

	_, ok := q.NextFormat()
	assert.False(t, ok)

	require.NoError(t, q.Push(ctx,
		audioEvent(pcm48k16, payload(4, 1)),
		audioEvent(pcm48k16, payload(4, 1)),
		audioEvent(pcm48k16, payload(4, 1)),
		formatEvent(pcm96k16),
		audioEvent(pcm96k16, payload(8, 2)),
	))

	next, ok := q.NextFormat()
	require.True(t, ok)
	assert.Equal(t, pcm96k16, next)

	chunks, n := q.DrainAudio(2)
	assert.Equal(t, 2, chunks)
	assert.Equal(t, 8, n)

	chunks, n = q.DrainAudio(0)
	assert.Equal(t, 1, chunks, "drain must stop at the format change")
	assert.Equal(t, 4, n)

	chunks, _ = q.DrainAudio(0)
	assert.Equal(t, 0, chunks)

	ev, _, _ := q.Pop(ctx, time.Second)
	assert.Equal(t, framing.FormatChanged, ev.Kind)
	ev, _, _ = q.Pop(ctx, time.Second)
	assert.Equal(t, byte(2), ev.Data[0], "new-format audio must survive the drain")
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(1 << 10)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, audioEvent(pcm48k16, payload(4, 1))))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Push(ctx, audioEvent(pcm48k16, payload(4, 1))), ErrQueueClosed)

	_, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "queued events stay poppable after close")

	_, _, err = q.Pop(ctx, time.Second)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
