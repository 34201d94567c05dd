// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, Encoding, FormatID and the silence patterns
// Package audio provides the stream format model shared by the framing
// parser, the transition controller and every sink.
//
// This package defines:
//   - Format: sample rate, bit depth, channel count and encoding (PCM or DSD)
//   - FormatID: the identifier a rendering target uses for a format, looked up
//     from one explicit table (stereo PCM 16/24/32-bit at 44.1k-768k, DSD64-DSD1024)
//
// Example:
//
//	format := audio.Format{
//	    SampleRate: 96000,
//	    BitDepth:   24,
//	    Channels:   2,
//	    Encoding:   audio.EncodingPCM,
//	}
//
//	id := audio.LookupFormatID(format)
//	if id == audio.FormatInvalid {
//	    // the target cannot render this format
//	}
//
//	silence := format.Silence(4096) // 4096 frames of zeroed samples
package audio
