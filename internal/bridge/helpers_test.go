// ABOUTME: Shared fixtures for bridge tests
// ABOUTME: Formats, chunk builders and a scripted decoder stream
package bridge

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cometdom/Squeeze2Diretta/internal/supervisor"
	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
	"github.com/cometdom/Squeeze2Diretta/pkg/framing"
)

var (
	pcm48k16 = audio.Format{SampleRate: 48000, BitDepth: 16, Channels: 2}
	pcm96k16 = audio.Format{SampleRate: 96000, BitDepth: 16, Channels: 2}
	pcm48k24 = audio.Format{SampleRate: 48000, BitDepth: 24, Channels: 2}
	pcm96k24 = audio.Format{SampleRate: 96000, BitDepth: 24, Channels: 2}
	pcm44k16 = audio.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	dsd64    = audio.Format{SampleRate: 2822400, BitDepth: 32, Channels: 2, Encoding: audio.EncodingDSD}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sleepRecorder records settle delays instead of waiting
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func payload(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func audioEvent(f audio.Format, data []byte) framing.Event {
	return framing.Event{Kind: framing.AudioChunk, Format: f, Data: data}
}

func formatEvent(f audio.Format) framing.Event {
	return framing.Event{Kind: framing.FormatChanged, Format: f}
}

// framed builds a decoder byte stream from formats and payloads in order
func framed(parts ...any) []byte {
	var out []byte
	for _, p := range parts {
		switch v := p.(type) {
		case audio.Format:
			out = framing.AppendHeader(out, v)
		case []byte:
			out = append(out, v...)
		}
	}
	return out
}

// scriptedStream replays reads and then either ends or idles until terminated
type scriptedStream struct {
	mu       sync.Mutex
	reads    [][]byte
	holdOpen bool
	exitErr  error

	terminated atomic.Bool
	done       chan struct{}
	once       sync.Once
}

func newScriptedStream(holdOpen bool, reads ...[]byte) *scriptedStream {
	return &scriptedStream{reads: reads, holdOpen: holdOpen, done: make(chan struct{})}
}

func (s *scriptedStream) ReadTimeout(p []byte, d time.Duration) (int, error) {
	s.mu.Lock()
	if len(s.reads) > 0 {
		n := copy(p, s.reads[0])
		if n < len(s.reads[0]) {
			s.reads[0] = s.reads[0][n:]
		} else {
			s.reads = s.reads[1:]
		}
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	if s.holdOpen && !s.terminated.Load() {
		time.Sleep(d)
		return 0, supervisor.ErrReadTimeout
	}
	s.once.Do(func() { close(s.done) })
	return 0, io.EOF
}

func (s *scriptedStream) Terminate() error {
	s.terminated.Store(true)
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *scriptedStream) Done() <-chan struct{} {
	return s.done
}

func (s *scriptedStream) Err() error {
	if s.terminated.Load() {
		return nil
	}
	return s.exitErr
}
