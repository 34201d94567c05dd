// ABOUTME: In-process rendering target speaking the bridge protocol
// ABOUTME: Accepts streams, records what it receives and serves it over HTTP/WebSocket
package targetsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cometdom/Squeeze2Diretta/pkg/protocol"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Config configures a simulated target
type Config struct {
	Name   string
	Output string
	MTU    int

	// Accept decides what to answer to a stream/open. nil accepts as requested.
	Accept func(req protocol.StreamOpen) (protocol.StreamFormat, error)

	// OpenDelay holds every stream/open before answering
	OpenDelay time.Duration

	Logger *slog.Logger
}

// Stream records one stream opened by a client
type Stream struct {
	Requested    protocol.StreamFormat
	Accepted     protocol.StreamFormat
	BufferFrames int
	TransferMode string
	Bytes        int64
	Chunks       int
	LastPosition uint64
	Pauses       int
	Resumes      int
	Closed       bool
	CloseReason  string
	SamplesSent  uint64
}

// Server is a simulated rendering target
type Server struct {
	config   Config
	targetID string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	hellos  []protocol.ClientHello
	streams []Stream
	current int // index into streams, -1 when none open
	paused  bool
	active  map[*websocket.Conn]bool

	wg sync.WaitGroup
}

// New creates a simulated target
func New(config Config) *Server {
	if config.Name == "" {
		config.Name = "Simulated Target"
	}
	if config.MTU == 0 {
		config.MTU = 16128
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:   config,
		targetID: uuid.New().String(),
		logger:   logger.With(slog.String("component", "targetsim")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		current: -1,
		active:  make(map[*websocket.Conn]bool),
	}
}

// Handler returns the HTTP handler serving the protocol endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.StreamPath, s.handleWebSocket)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.Handler()}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	s.logger.Info("Target listening", slog.String("addr", addr), slog.String("name", s.config.Name))

	select {
	case <-ctx.Done():
	case err, ok := <-errChan:
		if ok {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.closeConnections()
	s.wg.Wait()
	return err
}

// Streams returns a snapshot of every stream opened so far
func (s *Server) Streams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

// Hellos returns every client/hello received
func (s *Server) Hellos() []protocol.ClientHello {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ClientHello, len(s.hellos))
	copy(out, s.hellos)
	return out
}

// TotalBytes returns the audio bytes received across all streams
func (s *Server) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, st := range s.streams {
		n += st.Bytes
	}
	return n
}

// Paused reports whether the open stream is paused
func (s *Server) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// DropConnections closes every client connection, simulating a target going away
func (s *Server) DropConnections() {
	s.closeConnections()
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.active {
		c.Close()
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", slog.Any("error", err))
		return
	}

	s.logger.Debug("New connection", slog.String("remote", r.RemoteAddr))
	s.handleConnection(conn)
}

// handleConnection manages a client connection
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.mu.Lock()
	s.active[conn] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
	}()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.TypeClientHello {
		s.logger.Warn("Expected client/hello")
		return
	}

	var hello protocol.ClientHello
	if err := protocol.DecodePayload(msg.Payload, &hello); err != nil {
		return
	}
	if hello.ClientID == "" || hello.Name == "" {
		s.logger.Warn("Client hello missing required fields")
		return
	}

	s.mu.Lock()
	s.hellos = append(s.hellos, hello)
	s.mu.Unlock()

	s.logger.Info("Client hello",
		slog.String("name", hello.Name),
		slog.String("client_id", hello.ClientID),
		slog.Int("mtu", hello.Transfer.MTU))

	sendChan := make(chan interface{}, 16)
	done := make(chan struct{})
	defer close(done)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		clientWriter(conn, sendChan, done)
	}()

	mtu := s.config.MTU
	if hello.Transfer.MTU > 0 && hello.Transfer.MTU < mtu {
		mtu = hello.Transfer.MTU
	}
	send(sendChan, protocol.Message{
		Type: protocol.TypeTargetHello,
		Payload: protocol.TargetHello{
			TargetID: s.targetID,
			Name:     s.config.Name,
			Version:  protocol.ProtocolVersion,
			Output:   s.config.Output,
			MTU:      mtu,
		},
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket error", slog.Any("error", err))
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			if goodbye := s.handleClientMessage(sendChan, data); goodbye {
				return
			}
		}
	}
}

// clientWriter sends queued messages with a write deadline and keeps the connection alive
func clientWriter(conn *websocket.Conn, sendChan <-chan interface{}, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sendChan:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func send(sendChan chan<- interface{}, msg protocol.Message) {
	select {
	case sendChan <- msg:
	default:
	}
}

func (s *Server) handleAudio(data []byte) {
	pos, payload, err := protocol.ParseAudioFrame(data)
	if err != nil {
		s.logger.Warn("Bad audio frame", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < 0 {
		s.logger.Warn("Audio received with no open stream", slog.Int("bytes", len(payload)))
		return
	}
	st := &s.streams[s.current]
	st.Bytes += int64(len(payload))
	st.Chunks++
	st.LastPosition = pos
}

// handleClientMessage processes control messages; it reports true on client/goodbye
func (s *Server) handleClientMessage(sendChan chan<- interface{}, data []byte) bool {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Error unmarshaling message", slog.Any("error", err))
		return false
	}

	switch msg.Type {
	case protocol.TypeStreamOpen:
		var req protocol.StreamOpen
		if err := protocol.DecodePayload(msg.Payload, &req); err != nil {
			return false
		}
		s.handleOpen(sendChan, req)

	case protocol.TypeStreamPause:
		s.mu.Lock()
		if s.current >= 0 {
			s.streams[s.current].Pauses++
			s.paused = true
		}
		s.mu.Unlock()

	case protocol.TypeStreamResume:
		s.mu.Lock()
		if s.current >= 0 {
			s.streams[s.current].Resumes++
			s.paused = false
		}
		s.mu.Unlock()

	case protocol.TypeStreamClose:
		var cl protocol.StreamClose
		protocol.DecodePayload(msg.Payload, &cl)
		s.mu.Lock()
		if s.current >= 0 {
			st := &s.streams[s.current]
			st.Closed = true
			st.CloseReason = cl.Reason
			st.SamplesSent = cl.SamplesSent
			s.current = -1
			s.paused = false
		}
		s.mu.Unlock()

	case protocol.TypeClientGoodbye:
		var bye protocol.ClientGoodbye
		protocol.DecodePayload(msg.Payload, &bye)
		s.logger.Info("Client goodbye", slog.String("reason", bye.Reason))
		return true

	default:
		s.logger.Debug("Unknown message type", slog.String("type", msg.Type))
	}
	return false
}

func (s *Server) handleOpen(sendChan chan<- interface{}, req protocol.StreamOpen) {
	if s.config.OpenDelay > 0 {
		time.Sleep(s.config.OpenDelay)
	}

	accepted := req.Format
	if s.config.Accept != nil {
		f, err := s.config.Accept(req)
		if err != nil {
			send(sendChan, protocol.Message{
				Type:    protocol.TypeTargetError,
				Payload: protocol.TargetError{Request: protocol.TypeStreamOpen, Message: err.Error()},
			})
			return
		}
		accepted = f
	}

	s.mu.Lock()
	s.streams = append(s.streams, Stream{
		Requested:    req.Format,
		Accepted:     accepted,
		BufferFrames: req.BufferFrames,
		TransferMode: req.TransferMode,
	})
	s.current = len(s.streams) - 1
	s.paused = false
	s.mu.Unlock()

	s.logger.Info("Stream opened",
		slog.String("encoding", accepted.Encoding),
		slog.Uint64("sample_rate", uint64(accepted.SampleRate)),
		slog.Int("bit_depth", int(accepted.BitDepth)),
		slog.String("transfer_mode", req.TransferMode))

	send(sendChan, protocol.Message{
		Type:    protocol.TypeStreamAccepted,
		Payload: protocol.StreamAccepted{Format: accepted, BufferFrames: req.BufferFrames},
	})
}

// String describes the target for logs
func (s *Server) String() string {
	return fmt.Sprintf("%s (%s)", s.config.Name, s.targetID)
}
