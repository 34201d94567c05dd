// ABOUTME: Mapping between stream formats and rendering-target format identifiers
// ABOUTME: One explicit lookup table for stereo PCM and DSD, with reverse lookup
package audio

import "fmt"

// FormatID is the identifier a rendering target uses to select a stream format
type FormatID uint32

// FormatInvalid is returned for every format the target cannot render
const FormatInvalid FormatID = 0

type formatKey struct {
	encoding Encoding
	bitDepth uint8
	rate     uint32
}

type formatEntry struct {
	encoding Encoding
	bitDepth uint8
	rate     uint32
	id       FormatID
}

// Stereo only. PCM ids are 0x01<depth>00<rate index>, DSD ids are 0x02000000|multiple.
var formatTable = []formatEntry{
	{EncodingPCM, 16, 44100, 0x01100001},
	{EncodingPCM, 16, 48000, 0x01100002},
	{EncodingPCM, 16, 88200, 0x01100003},
	{EncodingPCM, 16, 96000, 0x01100004},
	{EncodingPCM, 16, 176400, 0x01100005},
	{EncodingPCM, 16, 192000, 0x01100006},
	{EncodingPCM, 16, 352800, 0x01100007},
	{EncodingPCM, 16, 384000, 0x01100008},
	{EncodingPCM, 16, 705600, 0x01100009},
	{EncodingPCM, 16, 768000, 0x0110000a},
	{EncodingPCM, 24, 44100, 0x01180001},
	{EncodingPCM, 24, 48000, 0x01180002},
	{EncodingPCM, 24, 88200, 0x01180003},
	{EncodingPCM, 24, 96000, 0x01180004},
	{EncodingPCM, 24, 176400, 0x01180005},
	{EncodingPCM, 24, 192000, 0x01180006},
	{EncodingPCM, 24, 352800, 0x01180007},
	{EncodingPCM, 24, 384000, 0x01180008},
	{EncodingPCM, 24, 705600, 0x01180009},
	{EncodingPCM, 24, 768000, 0x0118000a},
	{EncodingPCM, 32, 44100, 0x01200001},
	{EncodingPCM, 32, 48000, 0x01200002},
	{EncodingPCM, 32, 88200, 0x01200003},
	{EncodingPCM, 32, 96000, 0x01200004},
	{EncodingPCM, 32, 176400, 0x01200005},
	{EncodingPCM, 32, 192000, 0x01200006},
	{EncodingPCM, 32, 352800, 0x01200007},
	{EncodingPCM, 32, 384000, 0x01200008},
	{EncodingPCM, 32, 705600, 0x01200009},
	{EncodingPCM, 32, 768000, 0x0120000a},
	{EncodingDSD, 32, 2822400, 0x02000040},  // DSD64
	{EncodingDSD, 32, 5644800, 0x02000080},  // DSD128
	{EncodingDSD, 32, 11289600, 0x02000100}, // DSD256
	{EncodingDSD, 32, 22579200, 0x02000200}, // DSD512
	{EncodingDSD, 32, 45158400, 0x02000400}, // DSD1024
}

var (
	formatByKey = make(map[formatKey]FormatID, len(formatTable))
	formatByID  = make(map[FormatID]Format, len(formatTable))
)

func init() {
	for _, e := range formatTable {
		formatByKey[formatKey{e.encoding, e.bitDepth, e.rate}] = e.id
		formatByID[e.id] = Format{
			SampleRate: e.rate,
			BitDepth:   e.bitDepth,
			Channels:   2,
			Encoding:   e.encoding,
		}
	}
}

// LookupFormatID returns the target identifier for f, or FormatInvalid when
// the combination is not supported. It never panics.
func LookupFormatID(f Format) FormatID {
	if f.Channels != 2 {
		return FormatInvalid
	}
	id, ok := formatByKey[formatKey{f.Encoding, f.BitDepth, f.SampleRate}]
	if !ok {
		return FormatInvalid
	}
	return id
}

// Supported reports whether f maps to a target format identifier
func Supported(f Format) bool {
	return LookupFormatID(f) != FormatInvalid
}

// Format returns the stream format an identifier stands for
func (id FormatID) Format() (Format, bool) {
	f, ok := formatByID[id]
	return f, ok
}

func (id FormatID) String() string {
	if f, ok := formatByID[id]; ok {
		return fmt.Sprintf("%#08x(%s)", uint32(id), f)
	}
	return fmt.Sprintf("%#08x(invalid)", uint32(id))
}
