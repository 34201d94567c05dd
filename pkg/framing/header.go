// ABOUTME: Fixed 16-byte format header that announces a new stream format in-band
// ABOUTME: Big-endian encode/decode with field validation
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
)

const (
	// HeaderSize is the encoded size of a format header
	HeaderSize = 16

	// Version is the only header version this package reads and writes
	Version = 1

	magicSize = 4
)

// Magic tags a format header on the stream
var Magic = [magicSize]byte{'S', '2', 'D', 'F'}

var (
	// ErrMalformedHeader is matched by every MalformedHeaderError
	ErrMalformedHeader = errors.New("malformed format header")

	errShortHeader = errors.New("short header")
	errBadMagic    = errors.New("magic mismatch")
)

// MalformedHeaderError reports a magic tag at a sync point followed by an
// invalid field combination
type MalformedHeaderError struct {
	Offset int64 // stream offset of the magic tag
	Reason string
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("malformed format header at offset %d: %s", e.Offset, e.Reason)
}

func (e *MalformedHeaderError) Unwrap() error {
	return ErrMalformedHeader
}

// Header is the decoded form of a format header
type Header struct {
	Version uint16
	Format  audio.Format
}

// AppendHeader appends the encoded header for f to dst.
// Layout: magic(4) version(2) sampleRate(4) bitDepth(1) channels(1) encoding(1) reserved(3).
func AppendHeader(dst []byte, f audio.Format) []byte {
	var b [HeaderSize]byte
	copy(b[0:4], Magic[:])
	binary.BigEndian.PutUint16(b[4:6], Version)
	binary.BigEndian.PutUint32(b[6:10], f.SampleRate)
	b[10] = f.BitDepth
	b[11] = f.Channels
	b[12] = byte(f.Encoding)
	return append(dst, b[:]...)
}

// EncodeHeader returns the encoded header for f
func EncodeHeader(f audio.Format) []byte {
	return AppendHeader(make([]byte, 0, HeaderSize), f)
}

// DecodeHeader parses and validates a header from the first HeaderSize bytes of b.
// Reserved bytes are ignored.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", errShortHeader, len(b))
	}
	if !hasMagic(b) {
		return Header{}, errBadMagic
	}

	h := Header{
		Version: binary.BigEndian.Uint16(b[4:6]),
		Format: audio.Format{
			SampleRate: binary.BigEndian.Uint32(b[6:10]),
			BitDepth:   b[10],
			Channels:   b[11],
			Encoding:   audio.Encoding(b[12]),
		},
	}

	if h.Version != Version {
		return Header{}, fmt.Errorf("unsupported version %d", h.Version)
	}
	if err := h.Format.Validate(); err != nil {
		return Header{}, err
	}

	return h, nil
}

func hasMagic(b []byte) bool {
	return len(b) >= magicSize && bytes.Equal(b[:magicSize], Magic[:])
}

// magicPrefix reports whether b (shorter than the magic) could be the start of one
func magicPrefix(b []byte) bool {
	return bytes.HasPrefix(Magic[:], b)
}
