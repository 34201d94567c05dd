// ABOUTME: Tests for the sink connection state machine and transfer tuning
// ABOUTME: Checks legal transitions, observers and the low-bitrate threshold
package sink

import (
	"testing"
	"time"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
)

func TestConnTrackerTransitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []ConnState
		valid bool
	}{
		{"open and close", []ConnState{Negotiating, Connected, Disconnected}, true},
		{"pause cycle", []ConnState{Negotiating, Connected, Paused, Connected, Paused, Disconnected}, true},
		{"reconfigure", []ConnState{Negotiating, Connected, Negotiating, Connected}, true},
		{"error from anywhere", []ConnState{Negotiating, Error, Negotiating, Connected, Error, Disconnected}, true},
		{"skip negotiation", []ConnState{Connected}, false},
		{"pause before open", []ConnState{Paused}, false},
		{"pause while negotiating", []ConnState{Negotiating, Paused}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tr ConnTracker
			var err error
			for _, s := range tt.path {
				if err = tr.Transition(s); err != nil {
					break
				}
			}
			if (err == nil) != tt.valid {
				t.Errorf("expected valid=%v, got err=%v", tt.valid, err)
			}
		})
	}
}

func TestConnTrackerObserver(t *testing.T) {
	var tr ConnTracker
	var seen []string
	tr.OnChange(func(from, to ConnState) {
		seen = append(seen, from.String()+">"+to.String())
	})

	tr.Transition(Negotiating)
	tr.Transition(Negotiating) // same state, not reported
	tr.Transition(Connected)

	want := []string{"disconnected>negotiating", "negotiating>connected"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("change %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestTransferModeFor(t *testing.T) {
	tests := []struct {
		format   audio.Format
		expected TransferMode
	}{
		{audio.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}, LowBitrate},
		{audio.Format{SampleRate: 48000, BitDepth: 16, Channels: 2}, LowBitrate},
		{audio.Format{SampleRate: 88200, BitDepth: 16, Channels: 2}, VarMax},
		{audio.Format{SampleRate: 44100, BitDepth: 24, Channels: 2}, VarMax},
		{audio.Format{SampleRate: 2822400, BitDepth: 32, Channels: 2, Encoding: audio.EncodingDSD}, VarMax},
	}

	for _, tt := range tests {
		if got := TransferModeFor(tt.format); got != tt.expected {
			t.Errorf("%s: expected %s, got %s", tt.format, tt.expected, got)
		}
	}
}

func TestTransferConfigValidate(t *testing.T) {
	if err := DefaultTransferConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	bad := DefaultTransferConfig()
	bad.CycleMinTime = 20 * time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Error("expected error when min cycle exceeds cycle time")
	}

	bad = DefaultTransferConfig()
	bad.MTU = 100
	if err := bad.Validate(); err == nil {
		t.Error("expected error for tiny MTU")
	}
}
