// ABOUTME: Tests for the simulated rendering target
// ABOUTME: Drives it with the real protocol client over httptest
package targetsim

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cometdom/Squeeze2Diretta/pkg/protocol"
)

func connect(t *testing.T, srv *Server) *protocol.Client {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := protocol.NewClient(protocol.Config{
		ServerAddr: strings.TrimPrefix(ts.URL, "http://"),
		ClientID:   "client-1",
		Name:       "bridge",
		Transfer:   protocol.TransferSettings{MTU: 1500},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Close)
	return c
}

func TestServerRecordsStream(t *testing.T) {
	srv := New(Config{Name: "Sim"})
	c := connect(t, srv)

	assert.Equal(t, "Sim", c.Target().Name)
	assert.Equal(t, 1500, c.Target().MTU, "target should clamp to the client MTU")

	ctx := context.Background()
	format := protocol.StreamFormat{FormatID: 1, Encoding: "pcm", SampleRate: 48000, BitDepth: 16, Channels: 2}
	_, err := c.OpenStream(ctx, protocol.StreamOpen{Format: format, BufferFrames: 4800, TransferMode: "low-bitrate"})
	require.NoError(t, err)

	require.NoError(t, c.SendAudio(0, make([]byte, 400)))
	require.NoError(t, c.SendAudio(100, make([]byte, 400)))
	require.NoError(t, c.PauseStream())
	require.NoError(t, c.ResumeStream())
	require.NoError(t, c.CloseStream("done", 200))

	require.Eventually(t, func() bool {
		st := srv.Streams()
		return len(st) == 1 && st[0].Closed
	}, 2*time.Second, 10*time.Millisecond)

	st := srv.Streams()[0]
	assert.Equal(t, format, st.Accepted)
	assert.Equal(t, int64(800), st.Bytes)
	assert.Equal(t, 2, st.Chunks)
	assert.Equal(t, uint64(100), st.LastPosition)
	assert.Equal(t, 1, st.Pauses)
	assert.Equal(t, 1, st.Resumes)
	assert.Equal(t, "done", st.CloseReason)
	assert.Equal(t, uint64(200), st.SamplesSent)
	assert.Equal(t, "low-bitrate", st.TransferMode)

	hellos := srv.Hellos()
	require.Len(t, hellos, 1)
	assert.Equal(t, "client-1", hellos[0].ClientID)
}

func TestServerAcceptOverride(t *testing.T) {
	srv := New(Config{Accept: func(req protocol.StreamOpen) (protocol.StreamFormat, error) {
		if req.Format.Encoding == "dsd" {
			return protocol.StreamFormat{}, errors.New("dsd not supported")
		}
		f := req.Format
		f.BitDepth = 24
		return f, nil
	}})
	c := connect(t, srv)
	ctx := context.Background()

	acc, err := c.OpenStream(ctx, protocol.StreamOpen{Format: protocol.StreamFormat{Encoding: "pcm", SampleRate: 44100, BitDepth: 16, Channels: 2}})
	require.NoError(t, err)
	assert.Equal(t, uint8(24), acc.Format.BitDepth)

	_, err = c.OpenStream(ctx, protocol.StreamOpen{Format: protocol.StreamFormat{Encoding: "dsd", SampleRate: 2822400, BitDepth: 32, Channels: 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsd not supported")
}

func TestServerAudioWithoutStreamIgnored(t *testing.T) {
	srv := New(Config{})
	c := connect(t, srv)

	require.NoError(t, c.SendAudio(0, make([]byte, 64)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), srv.TotalBytes())
}

func TestServerDropConnections(t *testing.T) {
	srv := New(Config{})
	c := connect(t, srv)

	srv.DropConnections()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe the dropped connection")
	}
}
