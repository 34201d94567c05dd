// ABOUTME: End-to-end tests for the buffer pump with a scripted decoder and a recording sink
// ABOUTME: Covers the rate-change scenario, decoder exits, fatal errors and shutdown
package bridge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometdom/Squeeze2Diretta/internal/supervisor"
	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
	"github.com/cometdom/Squeeze2Diretta/pkg/framing"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink/sinktest"
)

func newTestBridge(fake *sinktest.Fake, rec *sleepRecorder) *Bridge {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ExitWait = 2 * time.Second
	return New(cfg, fake, quietLogger(), WithSleep(rec.sleep))
}

// runAsync starts Run and returns a channel with its result
func runAsync(b *Bridge, ctx context.Context, s Stream) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, s) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not return")
		return nil
	}
}

func TestRateChangeScenario(t *testing.T) {
	tests := []struct {
		name     string
		from, to audio.Format
		size     int
	}{
		{"16-bit", pcm48k16, pcm96k16, 1000},
		// 1000 bytes is not a whole number of 24-bit stereo frames
		{"24-bit", pcm48k24, pcm96k24, 1002},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := sinktest.New()
			rec := &sleepRecorder{}
			b := newTestBridge(fake, rec)

			old := payload(tt.size, 0xAB)
			newer := payload(tt.size, 0xCD)
			stream := newScriptedStream(true, framed(tt.from, old, tt.to, newer))

			done := runAsync(b, context.Background(), stream)
			require.Eventually(t, func() bool {
				return b.Stats().BytesDelivered == int64(tt.size)
			}, 2*time.Second, 5*time.Millisecond)
			b.Stop()
			require.NoError(t, waitResult(t, done))

			opens := fake.Calls(sinktest.OpOpen)
			require.Len(t, opens, 1)
			assert.Equal(t, tt.from, opens[0].Format)

			reconf := fake.Calls(sinktest.OpReconfigure)
			require.Len(t, reconf, 1)
			assert.Equal(t, tt.to, reconf[0].Format)

			silence := 0
			var delivered []byte
			for _, op := range fake.Calls(sinktest.OpSend) {
				switch {
				case op.Format == tt.from:
					assert.Equal(t, bytes.Repeat([]byte{0}, len(op.Data)), op.Data, "only silence in the old format")
					silence += op.Samples
				case op.Format == tt.to:
					delivered = append(delivered, op.Data...)
				}
			}
			assert.Equal(t, 4096, silence)
			assert.Equal(t, newer, delivered)
			assert.Equal(t, []time.Duration{50 * time.Millisecond}, rec.Delays())

			st := b.Stats()
			assert.Equal(t, int64(tt.size), st.BytesDropped, "old tail in flight at the change is dropped")
			assert.Equal(t, int64(2*tt.size), st.BytesDropped+st.BytesDelivered)
			assert.Equal(t, int64(len(framed(tt.from, old, tt.to, newer))), st.BytesRead)
			assert.False(t, st.Running)
			assert.Len(t, fake.Calls(sinktest.OpClose), 1)
			assert.True(t, stream.terminated.Load())
		})
	}
}

func TestSplitReadsDeliverEverything(t *testing.T) {
	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})

	data := payload(4*1000, 0x11)
	raw := framed(pcm44k16, data)
	var reads [][]byte
	for i := 0; i < len(raw); i += 7 {
		reads = append(reads, raw[i:min(i+7, len(raw))])
	}
	stream := newScriptedStream(true, reads...)

	done := runAsync(b, context.Background(), stream)
	require.Eventually(t, func() bool {
		return b.Stats().BytesDelivered == int64(len(data))
	}, 2*time.Second, 5*time.Millisecond)
	b.Stop()
	require.NoError(t, waitResult(t, done))
	assert.Equal(t, len(data), fake.Delivered())
}

func TestChildExitUnexpected(t *testing.T) {
	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})

	stream := newScriptedStream(false, framed(pcm44k16, payload(400, 1)))
	stream.exitErr = &supervisor.ChildExitError{PID: 42, ExitCode: 1}

	err := waitResult(t, runAsync(b, context.Background(), stream))
	require.ErrorIs(t, err, supervisor.ErrChildExitUnexpected)
	assert.Equal(t, 400, fake.Delivered(), "audio read before the exit is still delivered")
	assert.Equal(t, sink.Disconnected, fake.State())
}

func TestDecoderExitWithPipeHeldOpen(t *testing.T) {
	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})

	stream := newScriptedStream(true)
	stream.exitErr = &supervisor.ChildExitError{PID: 7}
	close(stream.done)
	stream.once.Do(func() {})

	err := waitResult(t, runAsync(b, context.Background(), stream))
	assert.ErrorIs(t, err, supervisor.ErrChildExitUnexpected)
}

func TestCancelIsGraceful(t *testing.T) {
	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})
	stream := newScriptedStream(true, framed(pcm44k16, payload(400, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(b, ctx, stream)
	require.Eventually(t, func() bool { return fake.Delivered() == 400 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, waitResult(t, done))
	assert.True(t, stream.terminated.Load())

	ops := fake.Ops()
	assert.Equal(t, sinktest.OpClose, ops[len(ops)-1].Kind, "sink closes last")
}

func TestSinkOpenFailureIsFatal(t *testing.T) {
	fake := sinktest.New()
	fake.OpenErr = errors.New("no route to target")
	b := newTestBridge(fake, &sleepRecorder{})
	stream := newScriptedStream(true, framed(pcm44k16, payload(400, 1)))

	err := waitResult(t, runAsync(b, context.Background(), stream))
	assert.ErrorIs(t, err, ErrSinkOpen)
	assert.True(t, stream.terminated.Load())
}

func TestResyncExhausted(t *testing.T) {
	bad := framing.EncodeHeader(pcm44k16)
	bad[4], bad[5] = 0, 9

	var raw []byte
	for i := 0; i < DefaultMaxResync+1; i++ {
		raw = append(raw, bad...)
	}

	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})
	err := waitResult(t, runAsync(b, context.Background(), newScriptedStream(true, raw)))

	assert.ErrorIs(t, err, ErrResyncExhausted)
	assert.ErrorIs(t, err, framing.ErrMalformedHeader)
	assert.Equal(t, int64(DefaultMaxResync+1), b.Stats().MalformedHeaders)
	assert.Empty(t, fake.Calls(sinktest.OpOpen))
}

func TestResyncRecovers(t *testing.T) {
	bad := framing.EncodeHeader(pcm44k16)
	bad[4], bad[5] = 0, 9
	raw := append(append([]byte{}, bad...), framed(pcm44k16, payload(40, 1))...)

	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})
	done := runAsync(b, context.Background(), newScriptedStream(true, raw))

	require.Eventually(t, func() bool { return fake.Delivered() == 40 }, 2*time.Second, 5*time.Millisecond)
	b.Stop()
	require.NoError(t, waitResult(t, done))

	st := b.Stats()
	assert.Equal(t, int64(1), st.MalformedHeaders)
	assert.Equal(t, int64(framing.HeaderSize), st.BytesDiscarded)
}

func TestRefusedFormatChangeWaitsForNext(t *testing.T) {
	fake := sinktest.New()
	fake.ReconfigureErr = errors.New("rate not available")
	b := newTestBridge(fake, &sleepRecorder{})

	raw := framed(
		pcm48k16, payload(40, 0xAA),
		pcm96k16, payload(40, 0xBB),
		pcm44k16, payload(40, 0xCC),
	)
	done := runAsync(b, context.Background(), newScriptedStream(true, raw))

	require.Eventually(t, func() bool { return b.Stats().BytesDelivered == 40 }, 2*time.Second, 5*time.Millisecond)
	b.Stop()
	require.NoError(t, waitResult(t, done))

	assert.Len(t, fake.Calls(sinktest.OpOpen), 2)
	var got []byte
	for _, op := range fake.Calls(sinktest.OpSend) {
		if op.Format == pcm44k16 {
			got = append(got, op.Data...)
		}
	}
	assert.Equal(t, payload(40, 0xCC), got)
}

func TestPauseThroughBridge(t *testing.T) {
	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})
	done := runAsync(b, context.Background(), newScriptedStream(true, framed(pcm44k16, payload(40, 1))))

	require.Eventually(t, func() bool { return fake.Delivered() == 40 }, 2*time.Second, 5*time.Millisecond)

	b.TogglePause()
	require.Eventually(t, func() bool { return b.Stats().Paused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sink.Paused, fake.State())

	b.Resume()
	require.Eventually(t, func() bool { return !b.Stats().Paused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 40, fake.Delivered())

	b.Stop()
	require.NoError(t, waitResult(t, done))
}

func TestRunOnlyOnce(t *testing.T) {
	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})
	require.NoError(t, waitResult(t, runAsync(b, context.Background(), newScriptedStream(false))))
	assert.Error(t, b.Run(context.Background(), newScriptedStream(false)))
}

func TestQueueSizing(t *testing.T) {
	assert.Equal(t, minQueueBytes, queueBytesFor(0.1))
	assert.Equal(t, 2*192000*8, queueBytesFor(2))
}

func TestWithRealDecoderProcess(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	data := payload(4*4096, 0x22)
	path := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(path, framed(pcm44k16, data), 0o644))

	proc, err := supervisor.New(supervisor.Config{Path: "cat", Args: []string{path}}, quietLogger()).Start(context.Background())
	require.NoError(t, err)

	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})
	err = waitResult(t, runAsync(b, context.Background(), proc))

	assert.ErrorIs(t, err, supervisor.ErrChildExitUnexpected, "a decoder that ends on its own is unexpected")
	assert.Equal(t, len(data), fake.Delivered())
}

// pacedStream returns its first read at once and holds the rest back until ready
type pacedStream struct {
	*scriptedStream
	first []byte
	sent  bool
	ready func() bool
}

func (s *pacedStream) ReadTimeout(p []byte, d time.Duration) (int, error) {
	if !s.sent {
		s.sent = true
		return copy(p, s.first), nil
	}
	if !s.ready() {
		time.Sleep(d)
		return 0, supervisor.ErrReadTimeout
	}
	return s.scriptedStream.ReadTimeout(p, d)
}

func TestFormatChangeAfterOldAudioWasPlayed(t *testing.T) {
	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})

	old := payload(1000, 0xAA)
	newer := payload(1000, 0xBB)
	stream := &pacedStream{
		scriptedStream: newScriptedStream(true, framed(pcm96k16, newer)),
		first:          framed(pcm48k16, old),
		ready:          func() bool { return fake.Delivered() >= len(old) },
	}

	done := runAsync(b, context.Background(), stream)
	require.Eventually(t, func() bool {
		n := 0
		for _, op := range fake.Calls(sinktest.OpSend) {
			if op.Format == pcm96k16 {
				n += len(op.Data)
			}
		}
		return n == len(newer)
	}, 2*time.Second, 5*time.Millisecond)
	b.Stop()
	require.NoError(t, waitResult(t, done))

	var got48, got96 []byte
	for _, op := range fake.Calls(sinktest.OpSend) {
		if bytes.Count(op.Data, []byte{0}) == len(op.Data) {
			continue // silence padding
		}
		switch op.Format {
		case pcm48k16:
			got48 = append(got48, op.Data...)
		case pcm96k16:
			got96 = append(got96, op.Data...)
		}
	}
	assert.Equal(t, old, got48)
	assert.Equal(t, newer, got96)

	st := b.Stats()
	assert.Zero(t, st.BytesDropped, "nothing to drop when the old audio already played")
	assert.Len(t, fake.Calls(sinktest.OpReconfigure), 1)
}

func TestCoincidentalTagInAudioKeepsStreaming(t *testing.T) {
	fake := sinktest.New()
	b := newTestBridge(fake, &sleepRecorder{})

	lead := payload(40, 0x01)
	tail := payload(4000, 0x40)
	raw := framed(pcm48k16, lead, framing.Magic[:], tail)
	done := runAsync(b, context.Background(), newScriptedStream(true, raw))

	want := len(lead) + len(framing.Magic) + len(tail)
	require.Eventually(t, func() bool { return fake.Delivered() == want }, 2*time.Second, 5*time.Millisecond)
	b.Stop()
	require.NoError(t, waitResult(t, done))

	st := b.Stats()
	assert.Equal(t, int64(1), st.MalformedHeaders)
	assert.Zero(t, st.BytesDiscarded)
	assert.Zero(t, st.BytesDropped)
}
