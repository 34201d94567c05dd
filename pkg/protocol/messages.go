// ABOUTME: Rendering-target control message definitions
// ABOUTME: JSON structs for the handshake, stream negotiation and stream control
package protocol

// Message types exchanged over the control channel
const (
	TypeClientHello    = "client/hello"
	TypeClientGoodbye  = "client/goodbye"
	TypeTargetHello    = "target/hello"
	TypeTargetError    = "target/error"
	TypeStreamOpen     = "stream/open"
	TypeStreamAccepted = "stream/accepted"
	TypeStreamPause    = "stream/pause"
	TypeStreamResume   = "stream/resume"
	TypeStreamClose    = "stream/close"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientHello is sent by the bridge to initiate the handshake
type ClientHello struct {
	ClientID string           `json:"client_id"`
	Name     string           `json:"name"`
	Version  int              `json:"version"`
	Software string           `json:"software,omitempty"`
	Transfer TransferSettings `json:"transfer"`
}

// TransferSettings carries link tuning. Times are in microseconds.
type TransferSettings struct {
	ThreadMode  int `json:"thread_mode"`
	CycleTimeUs int `json:"cycle_time_us"`
	CycleMinUs  int `json:"cycle_min_time_us"`
	InfoCycleUs int `json:"info_cycle_us"`
	MTU         int `json:"mtu"`
}

// TargetHello is the target's response to client/hello
type TargetHello struct {
	TargetID string `json:"target_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Output   string `json:"output,omitempty"`
	MTU      int    `json:"mtu"`
}

// StreamFormat describes the sample layout of a stream
type StreamFormat struct {
	FormatID   uint32 `json:"format_id"`
	Encoding   string `json:"encoding"` // "pcm" or "dsd"
	SampleRate uint32 `json:"sample_rate"`
	BitDepth   uint8  `json:"bit_depth"`
	Channels   uint8  `json:"channels"`
}

// StreamOpen asks the target to start a stream
type StreamOpen struct {
	Format       StreamFormat `json:"format"`
	BufferFrames int          `json:"buffer_frames"`
	TransferMode string       `json:"transfer_mode"` // "low-bitrate" or "var-max"
}

// StreamAccepted confirms a stream; Format may differ from the request
type StreamAccepted struct {
	Format       StreamFormat `json:"format"`
	BufferFrames int          `json:"buffer_frames"`
}

// StreamClose ends the current stream
type StreamClose struct {
	Reason      string `json:"reason,omitempty"`
	SamplesSent uint64 `json:"samples_sent"`
}

// TargetError reports a rejected request
type TargetError struct {
	Request string `json:"request"`
	Message string `json:"message"`
}

// ClientGoodbye is sent before graceful disconnect
type ClientGoodbye struct {
	Reason string `json:"reason"` // "shutdown", "restart", "user_request"
}
