// ABOUTME: Tests for target protocol message types
// ABOUTME: Verifies wire field names and audio frame encoding
package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestClientHelloFieldNames(t *testing.T) {
	hello := ClientHello{
		ClientID: "test-id",
		Name:     "Test Bridge",
		Version:  1,
		Transfer: TransferSettings{
			ThreadMode:  1,
			CycleTimeUs: 10000,
			CycleMinUs:  333,
			InfoCycleUs: 5000,
			MTU:         16128,
		},
	}

	data, err := json.Marshal(Message{Type: TypeClientHello, Payload: hello})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	for _, field := range []string{`"type":"client/hello"`, `"client_id":"test-id"`, `"cycle_min_time_us":333`, `"mtu":16128`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("expected %s in %s", field, data)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	raw := []byte(`{"type":"stream/accepted","payload":{"format":{"format_id":17301506,"encoding":"pcm","sample_rate":48000,"bit_depth":16,"channels":2},"buffer_frames":96000}}`)

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	var acc StreamAccepted
	if err := DecodePayload(msg.Payload, &acc); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if acc.Format.SampleRate != 48000 || acc.Format.FormatID != 17301506 {
		t.Errorf("unexpected format %+v", acc.Format)
	}
	if acc.BufferFrames != 96000 {
		t.Errorf("expected 96000 buffer frames, got %d", acc.BufferFrames)
	}
}

func TestAudioFrame(t *testing.T) {
	frame := CreateAudioFrame(123456789, []byte{1, 2, 3})
	if len(frame) != BinaryMessageHeaderSize+3 {
		t.Fatalf("expected %d bytes, got %d", BinaryMessageHeaderSize+3, len(frame))
	}
	if frame[0] != AudioChunkMessageType {
		t.Errorf("expected type %d, got %d", AudioChunkMessageType, frame[0])
	}

	pos, payload, err := ParseAudioFrame(frame)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pos != 123456789 {
		t.Errorf("expected position 123456789, got %d", pos)
	}
	if string(payload) != "\x01\x02\x03" {
		t.Errorf("unexpected payload %v", payload)
	}

	if _, _, err := ParseAudioFrame([]byte{4, 0, 0}); err == nil {
		t.Error("expected error for short frame")
	}
	frame[0] = 9
	if _, _, err := ParseAudioFrame(frame); err == nil {
		t.Error("expected error for unknown type")
	}
}
