// ABOUTME: Tests for application wiring
// ABOUTME: Runs the full pipeline against a fake sink and a real child process
package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometdom/Squeeze2Diretta/internal/bridge"
	"github.com/cometdom/Squeeze2Diretta/internal/config"
	"github.com/cometdom/Squeeze2Diretta/internal/metrics"
	"github.com/cometdom/Squeeze2Diretta/internal/supervisor"
	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
	"github.com/cometdom/Squeeze2Diretta/pkg/framing"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink/sinktest"
)

var cd = audio.Format{SampleRate: 44100, BitDepth: 16, Channels: 2, Encoding: audio.EncodingPCM}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	return &cfg
}

// catDecoder plays back a framed stream file through a real child process
func catDecoder(t *testing.T, data []byte) DecoderFunc {
	t.Helper()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	path := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	sup := supervisor.New(supervisor.Config{Path: "cat", Args: []string{path}}, quietLogger())
	return func(ctx context.Context) (bridge.Stream, error) {
		return sup.Start(ctx)
	}
}

func TestListTargets(t *testing.T) {
	fake := sinktest.New(
		sink.Target{Name: "Living Room", Host: "10.0.0.2", Port: 9000, Details: []string{"output=usb"}},
		sink.Target{Name: "Office", Host: "10.0.0.3", Port: 9000},
	)
	var out bytes.Buffer
	a, err := New(testConfig(t), quietLogger(), WithSink(fake), WithOutput(&out))
	require.NoError(t, err)

	require.NoError(t, a.ListTargets(context.Background()))
	s := out.String()
	assert.Contains(t, s, "Found 2 target(s)")
	assert.Contains(t, s, "Target #1:")
	assert.Contains(t, s, "Living Room")
	assert.Contains(t, s, "10.0.0.3:9000")
	assert.Contains(t, s, "output=usb")
	assert.Contains(t, s, "-t <number>")
}

func TestListTargetsNoneFound(t *testing.T) {
	var out bytes.Buffer
	a, err := New(testConfig(t), quietLogger(), WithSink(sinktest.New()), WithOutput(&out))
	require.NoError(t, err)

	require.NoError(t, a.ListTargets(context.Background()))
	assert.Contains(t, out.String(), "No rendering targets found")
	assert.Contains(t, out.String(), "Troubleshooting:")
}

func TestListTargetsError(t *testing.T) {
	fake := sinktest.New()
	fake.ListErr = errors.New("no multicast route")
	a, err := New(testConfig(t), quietLogger(), WithSink(fake), WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.ErrorIs(t, a.ListTargets(context.Background()), fake.ListErr)
}

func TestRunTargetOutOfRange(t *testing.T) {
	cfg := testConfig(t)
	cfg.Target.Index = 3
	started := false
	a, err := New(cfg, quietLogger(),
		WithSink(sinktest.New(sink.Target{Name: "only", Host: "h", Port: 1})),
		WithDecoder(func(context.Context) (bridge.Stream, error) {
			started = true
			return nil, errors.New("unreachable")
		}))
	require.NoError(t, err)

	err = a.Run(context.Background())
	assert.ErrorIs(t, err, ErrTargetSelection)
	assert.ErrorIs(t, err, sink.ErrTargetIndex)
	assert.False(t, started, "decoder must not start without a target")
}

func TestRunDecoderSpawnFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Decoder.Path = "/nonexistent/squeezelite"
	fake := sinktest.New(sink.Target{Name: "dac", Host: "h", Port: 1})
	a, err := New(cfg, quietLogger(), WithSink(fake))
	require.NoError(t, err)

	err = a.Run(context.Background())
	var spawn *supervisor.SpawnError
	assert.ErrorAs(t, err, &spawn)
	assert.Empty(t, fake.Calls(sinktest.OpOpen))
}

func TestRunStreamsToSink(t *testing.T) {
	data := make([]byte, 4*2048)
	for i := range data {
		data[i] = byte(i)
	}
	stream := framing.AppendHeader(nil, cd)
	stream = append(stream, data...)

	fake := sinktest.New(sink.Target{Name: "dac", Host: "h", Port: 1})
	m := metrics.New()
	a, err := New(testConfig(t), quietLogger(), WithSink(fake), WithDecoder(catDecoder(t, stream)), WithMetrics(m))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = a.Run(ctx)

	assert.ErrorIs(t, err, supervisor.ErrChildExitUnexpected)
	assert.Equal(t, 0, fake.Selected())
	assert.Equal(t, len(data), fake.Delivered())

	opens := fake.Calls(sinktest.OpOpen)
	require.Len(t, opens, 1)
	assert.Equal(t, cd, opens[0].Format)
	assert.Equal(t, sink.Disconnected, fake.State(), "sink must be closed on exit")

	stats := a.Bridge().Stats()
	assert.Equal(t, int64(len(data)), stats.BytesDelivered)
	assert.False(t, stats.Running)
}

func TestRunCapturesToWAV(t *testing.T) {
	stream := framing.AppendHeader(nil, cd)
	stream = append(stream, make([]byte, 4*1000)...)

	cfg := testConfig(t)
	cfg.Capture = t.TempDir()
	fake := sinktest.New(sink.Target{Name: "dac", Host: "h", Port: 1})
	a, err := New(cfg, quietLogger(), WithSink(fake), WithDecoder(catDecoder(t, stream)))
	require.NoError(t, err)

	_ = a.Run(context.Background())

	files, err := filepath.Glob(filepath.Join(cfg.Capture, "*.wav"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	sup := supervisor.New(supervisor.Config{Path: "sleep", Args: []string{"30"}, GracePeriod: time.Second}, quietLogger())
	fake := sinktest.New(sink.Target{Name: "dac", Host: "h", Port: 1})
	a, err := New(testConfig(t), quietLogger(), WithSink(fake), WithDecoder(func(ctx context.Context) (bridge.Stream, error) {
		return sup.Start(ctx)
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewStaticTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Target.Addr = "not-an-address"
	_, err := New(cfg, quietLogger())
	assert.Error(t, err)

	cfg.Target.Addr = "127.0.0.1:9"
	a, err := New(cfg, quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, a.network)
	assert.Equal(t, "#1", a.selectedName())
}
