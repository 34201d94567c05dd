// ABOUTME: Audio type definitions
// ABOUTME: Defines the stream format, encodings, silence patterns and sample unpacking
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Encoding identifies how samples in a frame are represented
type Encoding uint8

const (
	EncodingPCM Encoding = 0
	EncodingDSD Encoding = 1
)

const (
	// DSDSilenceByte is the DSD idle pattern (alternating 0/1 density)
	DSDSilenceByte = 0x69

	// DSD64Rate is the 1-bit rate of DSD64 (64 x 44.1kHz)
	DSD64Rate = 2822400

	MinPCMRate = 8000
	MaxPCMRate = 768000
	MaxDSDRate = 1024 * 44100 // DSD1024

	MaxChannels = 8
)

func (e Encoding) String() string {
	switch e {
	case EncodingPCM:
		return "PCM"
	case EncodingDSD:
		return "DSD"
	default:
		return fmt.Sprintf("Encoding(%d)", uint8(e))
	}
}

// Format describes audio stream format.
//
// For DSD, SampleRate is the 1-bit rate (2822400 for DSD64) and BitDepth is
// the container width the decoder packs bits into.
type Format struct {
	SampleRate uint32
	BitDepth   uint8
	Channels   uint8
	Encoding   Encoding
}

// IsDSD reports whether the format carries 1-bit DSD data
func (f Format) IsDSD() bool {
	return f.Encoding == EncodingDSD
}

// FrameSize returns the byte size of one frame (one sample for every channel)
func (f Format) FrameSize() int {
	return int(f.Channels) * int(f.BitDepth/8)
}

// DSDMultiple returns 64 for DSD64, 128 for DSD128, and so on. Zero for PCM.
func (f Format) DSDMultiple() int {
	if !f.IsDSD() {
		return 0
	}
	return int(f.SampleRate / 44100)
}

// FrameRate returns frames per second as carried on the wire
func (f Format) FrameRate() int {
	if f.IsDSD() {
		// Each container holds BitDepth one-bit samples per channel
		return int(f.SampleRate) / int(f.BitDepth)
	}
	return int(f.SampleRate)
}

// Duration returns the playback time of n bytes in this format
func (f Format) Duration(n int) time.Duration {
	fs := f.FrameSize()
	rate := f.FrameRate()
	if fs == 0 || rate == 0 {
		return 0
	}
	frames := int64(n / fs)
	return time.Duration(frames * int64(time.Second) / int64(rate))
}

// SilenceByte returns the byte pattern that renders as silence
func (f Format) SilenceByte() byte {
	if f.IsDSD() {
		return DSDSilenceByte
	}
	return 0
}

// Silence returns frames worth of silence in this format
func (f Format) Silence(frames int) []byte {
	buf := make([]byte, frames*f.FrameSize())
	if b := f.SilenceByte(); b != 0 {
		for i := range buf {
			buf[i] = b
		}
	}
	return buf
}

// Validate checks that the field combination describes a stream we can carry
func (f Format) Validate() error {
	switch f.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}

	if f.Channels == 0 || f.Channels > MaxChannels {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}

	switch f.Encoding {
	case EncodingPCM:
		if f.SampleRate < MinPCMRate || f.SampleRate > MaxPCMRate {
			return fmt.Errorf("unsupported PCM sample rate %d", f.SampleRate)
		}
	case EncodingDSD:
		if f.SampleRate < DSD64Rate || f.SampleRate > MaxDSDRate || f.SampleRate%DSD64Rate != 0 {
			return fmt.Errorf("unsupported DSD rate %d", f.SampleRate)
		}
		if f.BitDepth != 32 {
			return fmt.Errorf("DSD requires 32-bit containers, got %d", f.BitDepth)
		}
	default:
		return fmt.Errorf("unknown encoding %d", uint8(f.Encoding))
	}

	return nil
}

func (f Format) String() string {
	if f.IsDSD() {
		return fmt.Sprintf("DSD%d %dHz %dch", f.DSDMultiple(), f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("PCM %dHz %d-bit %dch", f.SampleRate, f.BitDepth, f.Channels)
}

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return val
}

// UnpackPCM decodes interleaved little-endian PCM into one int per sample.
// Trailing bytes that do not form a whole sample are ignored.
func UnpackPCM(data []byte, bitDepth uint8, dst []int) []int {
	width := int(bitDepth / 8)
	if width == 0 {
		return dst
	}
	n := len(data) / width
	for i := 0; i < n; i++ {
		b := data[i*width:]
		switch bitDepth {
		case 16:
			dst = append(dst, int(int16(binary.LittleEndian.Uint16(b))))
		case 24:
			dst = append(dst, int(SampleFrom24Bit([3]byte{b[0], b[1], b[2]})))
		case 32:
			dst = append(dst, int(int32(binary.LittleEndian.Uint32(b))))
		}
	}
	return dst
}
