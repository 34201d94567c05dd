// ABOUTME: Sink decorator that tees delivered PCM audio into WAV files
// ABOUTME: Starts a new file for every format segment and skips DSD segments
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
)

// wavFormatPCM is the RIFF format tag for integer PCM
const wavFormatPCM = 1

// Capture wraps a Sink and writes every successfully delivered PCM chunk to disk.
//
// Capture failures are logged and stop capturing the current segment; they
// never affect delivery to the wrapped sink.
type Capture struct {
	Sink

	dir    string
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	segment int
	format  audio.Format
	file    *os.File
	enc     *wav.Encoder
	scratch []int
	files   []string
}

// NewCapture wraps inner, writing WAV files into dir
func NewCapture(inner Sink, dir string, logger *slog.Logger) (*Capture, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		Sink:   inner,
		dir:    dir,
		prefix: "capture",
		logger: logger.With(slog.String("component", "capture")),
	}, nil
}

// Open opens the wrapped sink and starts a capture segment
func (c *Capture) Open(ctx context.Context, f audio.Format, bufferSeconds float64) (OpenResult, error) {
	res, err := c.Sink.Open(ctx, f, bufferSeconds)
	if err != nil {
		return res, err
	}
	c.startSegment(f)
	return res, nil
}

// Reconfigure switches the wrapped sink and starts a new capture segment
func (c *Capture) Reconfigure(ctx context.Context, f audio.Format) error {
	if err := c.Sink.Reconfigure(ctx, f); err != nil {
		c.mu.Lock()
		c.finishLocked()
		c.mu.Unlock()
		return err
	}
	c.startSegment(f)
	return nil
}

// Send delivers to the wrapped sink and records the chunk when delivery succeeded
func (c *Capture) Send(buf []byte, sampleCount int) bool {
	if !c.Sink.Send(buf, sampleCount) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enc == nil {
		return true
	}

	c.scratch = audio.UnpackPCM(buf, c.format.BitDepth, c.scratch[:0])
	err := c.enc.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: int(c.format.Channels),
			SampleRate:  int(c.format.SampleRate),
		},
		Data:           c.scratch,
		SourceBitDepth: int(c.format.BitDepth),
	})
	if err != nil {
		c.logger.Warn("Capture write failed, segment abandoned", slog.Any("error", err))
		c.finishLocked()
	}
	return true
}

// Close finalizes the open capture file and closes the wrapped sink
func (c *Capture) Close() error {
	c.mu.Lock()
	c.finishLocked()
	c.mu.Unlock()
	return c.Sink.Close()
}

// Files returns the paths of every capture file written so far
func (c *Capture) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.files))
	copy(out, c.files)
	return out
}

func (c *Capture) startSegment(f audio.Format) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finishLocked()
	c.segment++
	c.format = f

	if f.IsDSD() {
		c.logger.Info("DSD segment not captured", slog.String("format", f.String()))
		return
	}

	name := fmt.Sprintf("%s-%03d-%dHz-%dbit-%dch.wav", c.prefix, c.segment, f.SampleRate, f.BitDepth, f.Channels)
	path := filepath.Join(c.dir, name)
	file, err := os.Create(path)
	if err != nil {
		c.logger.Warn("Cannot create capture file", slog.String("path", path), slog.Any("error", err))
		return
	}

	c.file = file
	c.enc = wav.NewEncoder(file, int(f.SampleRate), int(f.BitDepth), int(f.Channels), wavFormatPCM)
	c.files = append(c.files, path)
	c.logger.Debug("Capture segment started", slog.String("path", path))
}

// finishLocked writes the WAV trailer and closes the file. Caller holds mu.
func (c *Capture) finishLocked() {
	if c.enc == nil {
		return
	}
	if err := c.enc.Close(); err != nil {
		c.logger.Warn("Capture finalize failed", slog.Any("error", err))
	}
	if err := c.file.Close(); err != nil {
		c.logger.Warn("Capture close failed", slog.Any("error", err))
	}
	c.enc = nil
	c.file = nil
}

var _ Sink = (*Capture)(nil)
