// ABOUTME: Transfer tuning for the rendering target link
// ABOUTME: Selects the bitrate mode per format and holds cycle/MTU defaults
package sink

import (
	"fmt"
	"time"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
)

// TransferMode selects how the target paces packets
type TransferMode int

const (
	// VarMax sends variable-size packets up to the MTU (jumbo frames for hi-res)
	VarMax TransferMode = iota
	// LowBitrate paces small packets for CD-class streams
	LowBitrate
)

func (m TransferMode) String() string {
	if m == LowBitrate {
		return "low-bitrate"
	}
	return "var-max"
}

// LowBitrateMaxDepth and LowBitrateMaxRate bound the low-bitrate mode
const (
	LowBitrateMaxDepth = 16
	LowBitrateMaxRate  = 48000
)

// TransferModeFor picks LowBitrate for PCM at or below 16-bit/48kHz, VarMax otherwise
func TransferModeFor(f audio.Format) TransferMode {
	if !f.IsDSD() && f.BitDepth <= LowBitrateMaxDepth && f.SampleRate <= LowBitrateMaxRate {
		return LowBitrate
	}
	return VarMax
}

// TransferConfig holds link tuning sent to the target at handshake
type TransferConfig struct {
	ThreadMode   int           `yaml:"thread_mode"`
	CycleTime    time.Duration `yaml:"cycle_time"`
	CycleMinTime time.Duration `yaml:"cycle_min_time"`
	InfoCycle    time.Duration `yaml:"info_cycle"`
	MTU          int           `yaml:"mtu"`
}

// DefaultTransferConfig returns the tuning used when nothing is overridden
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		ThreadMode:   1,
		CycleTime:    10000 * time.Microsecond,
		CycleMinTime: 333 * time.Microsecond,
		InfoCycle:    5000 * time.Microsecond,
		MTU:          16128,
	}
}

// Validate checks the tuning is usable
func (c TransferConfig) Validate() error {
	if c.ThreadMode < 0 {
		return fmt.Errorf("thread_mode must not be negative, got %d", c.ThreadMode)
	}
	if c.CycleTime <= 0 {
		return fmt.Errorf("cycle_time must be positive, got %v", c.CycleTime)
	}
	if c.CycleMinTime <= 0 || c.CycleMinTime > c.CycleTime {
		return fmt.Errorf("cycle_min_time must be in (0, cycle_time], got %v", c.CycleMinTime)
	}
	if c.InfoCycle <= 0 {
		return fmt.Errorf("info_cycle must be positive, got %v", c.InfoCycle)
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("mtu must be between 576 and 65535, got %d", c.MTU)
	}
	return nil
}
