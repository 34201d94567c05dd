// ABOUTME: WebSocket client for the rendering-target control and audio channel
// ABOUTME: Handles connection, handshake, stream negotiation and audio frames
package protocol

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// ProtocolVersion is the version of the target protocol we implement
	ProtocolVersion = 1

	// StreamPath is the websocket endpoint served by targets
	StreamPath = "/stream"

	// BinaryMessageHeaderSize is the size of binary message header (type byte + position)
	BinaryMessageHeaderSize = 1 + 8

	// AudioChunkMessageType is the binary message type ID for audio chunks
	AudioChunkMessageType = 4

	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 2 * time.Second
)

// ErrNotConnected is returned when writing on a closed client
var ErrNotConnected = errors.New("not connected")

// Config holds client configuration
type Config struct {
	ServerAddr       string
	ClientID         string
	Name             string
	Version          int
	Software         string
	Transfer         TransferSettings
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
}

// Client is a connection to one rendering target
type Client struct {
	config Config
	logger *slog.Logger
	conn   *websocket.Conn
	mu     sync.RWMutex

	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex

	// Message channels
	Accepted chan StreamAccepted
	Errors   chan TargetError

	// State
	target    TargetHello
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new WebSocket client
func NewClient(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.Version == 0 {
		config.Version = ProtocolVersion
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:   config,
		logger:   logger.With(slog.String("component", "protocol"), slog.String("target", config.ServerAddr)),
		Accepted: make(chan StreamAccepted, 1),
		Errors:   make(chan TargetError, 4),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect establishes WebSocket connection and performs handshake
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: StreamPath}
	c.logger.Debug("Connecting", slog.String("url", u.String()))

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()

	return nil
}

// handshake sends client/hello and waits for target/hello
func (c *Client) handshake(ctx context.Context) error {
	hello := ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  c.config.Version,
		Software: c.config.Software,
		Transfer: c.config.Transfer,
	}

	if err := c.sendJSON(Message{Type: TypeClientHello, Payload: hello}); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	deadline := time.Now().Add(c.config.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read target/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse target/hello: %w", err)
	}

	switch msg.Type {
	case TypeTargetHello:
	case TypeTargetError:
		var terr TargetError
		_ = DecodePayload(msg.Payload, &terr)
		return fmt.Errorf("target refused connection: %s", terr.Message)
	default:
		return fmt.Errorf("expected target/hello, got %s", msg.Type)
	}

	var target TargetHello
	if err := DecodePayload(msg.Payload, &target); err != nil {
		return fmt.Errorf("failed to parse target/hello: %w", err)
	}

	c.mu.Lock()
	c.target = target
	c.mu.Unlock()

	c.logger.Info("Handshake complete",
		slog.String("target_name", target.Name),
		slog.String("target_id", target.TargetID),
		slog.Int("mtu", target.MTU))

	return nil
}

// Target returns the hello received from the target
func (c *Client) Target() TargetHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

// OpenStream requests a stream and waits for the target to accept or refuse it
func (c *Client) OpenStream(ctx context.Context, req StreamOpen) (StreamAccepted, error) {
	// Drop a stale acceptance left over from an abandoned request
	select {
	case <-c.Accepted:
	default:
	}

	if err := c.sendJSON(Message{Type: TypeStreamOpen, Payload: req}); err != nil {
		return StreamAccepted{}, fmt.Errorf("failed to send stream/open: %w", err)
	}

	select {
	case acc := <-c.Accepted:
		return acc, nil
	case terr := <-c.Errors:
		return StreamAccepted{}, fmt.Errorf("target rejected %s: %s", terr.Request, terr.Message)
	case <-c.ctx.Done():
		return StreamAccepted{}, ErrNotConnected
	case <-ctx.Done():
		return StreamAccepted{}, ctx.Err()
	}
}

// SendAudio writes one binary audio frame tagged with the stream position in samples
func (c *Client) SendAudio(position uint64, data []byte) error {
	return c.write(websocket.BinaryMessage, CreateAudioFrame(position, data))
}

// PauseStream asks the target to hold playback
func (c *Client) PauseStream() error {
	return c.sendJSON(Message{Type: TypeStreamPause, Payload: struct{}{}})
}

// ResumeStream asks the target to continue playback
func (c *Client) ResumeStream() error {
	return c.sendJSON(Message{Type: TypeStreamResume, Payload: struct{}{}})
}

// CloseStream ends the current stream but keeps the connection
func (c *Client) CloseStream(reason string, samplesSent uint64) error {
	return c.sendJSON(Message{Type: TypeStreamClose, Payload: StreamClose{Reason: reason, SamplesSent: samplesSent}})
}

// SendGoodbye sends a client/goodbye message before disconnecting
func (c *Client) SendGoodbye(reason string) error {
	return c.sendJSON(Message{Type: TypeClientGoodbye, Payload: ClientGoodbye{Reason: reason}})
}

// sendJSON sends a JSON message
func (c *Client) sendJSON(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Read error", slog.Any("error", err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text message", slog.Int("type", messageType))
			continue
		}
		c.handleJSONMessage(data)
	}
}

// handleJSONMessage routes control messages to their channels
func (c *Client) handleJSONMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Failed to parse message", slog.Any("error", err))
		return
	}

	switch msg.Type {
	case TypeStreamAccepted:
		var acc StreamAccepted
		if err := DecodePayload(msg.Payload, &acc); err != nil {
			c.logger.Warn("Failed to parse stream/accepted", slog.Any("error", err))
			return
		}
		select {
		case c.Accepted <- acc:
		default:
			c.logger.Warn("Unsolicited stream/accepted dropped")
		}

	case TypeTargetError:
		var terr TargetError
		if err := DecodePayload(msg.Payload, &terr); err != nil {
			c.logger.Warn("Failed to parse target/error", slog.Any("error", err))
			return
		}
		c.logger.Warn("Target error", slog.String("request", terr.Request), slog.String("message", terr.Message))
		select {
		case c.Errors <- terr:
		default:
		}

	default:
		c.logger.Debug("Unknown message type", slog.String("type", msg.Type))
	}
}

// DecodePayload converts a generically decoded payload into a typed struct
func DecodePayload(payload interface{}, v interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		c.logger.Debug("Connection closed")
	}
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// CreateAudioFrame builds a binary audio message
func CreateAudioFrame(position uint64, audioData []byte) []byte {
	frame := make([]byte, BinaryMessageHeaderSize+len(audioData))
	frame[0] = AudioChunkMessageType
	binary.BigEndian.PutUint64(frame[1:BinaryMessageHeaderSize], position)
	copy(frame[BinaryMessageHeaderSize:], audioData)
	return frame
}

// ParseAudioFrame splits a binary audio message into position and payload
func ParseAudioFrame(data []byte) (uint64, []byte, error) {
	if len(data) < BinaryMessageHeaderSize {
		return 0, nil, fmt.Errorf("binary message too short: %d bytes", len(data))
	}
	if data[0] != AudioChunkMessageType {
		return 0, nil, fmt.Errorf("unknown binary message type %d", data[0])
	}
	return binary.BigEndian.Uint64(data[1:BinaryMessageHeaderSize]), data[BinaryMessageHeaderSize:], nil
}
