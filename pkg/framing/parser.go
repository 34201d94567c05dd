// ABOUTME: Incremental parser turning the decoder byte stream into format and audio events
// ABOUTME: Headers are only recognised at sync points; partial frames carry across reads
package framing

import (
	"fmt"
	"iter"

	"github.com/cometdom/Squeeze2Diretta/pkg/audio"
)

// DefaultMaxChunk bounds the payload of a single AudioChunk event
const DefaultMaxChunk = 64 * 1024

// EventKind distinguishes parser events
type EventKind int

const (
	AudioChunk EventKind = iota
	FormatChanged
)

func (k EventKind) String() string {
	switch k {
	case AudioChunk:
		return "AudioChunk"
	case FormatChanged:
		return "FormatChanged"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one unit of parser output.
//
// For FormatChanged, Format is the newly announced format and Data is nil.
// For AudioChunk, Data holds whole frames owned by the receiver and Format is
// the format they are encoded in.
type Event struct {
	Kind   EventKind
	Format audio.Format
	Data   []byte
}

// Frames returns the number of whole frames carried by an AudioChunk
func (e Event) Frames() int {
	fs := e.Format.FrameSize()
	if fs == 0 {
		return 0
	}
	return len(e.Data) / fs
}

// Parser splits a byte stream into events.
//
// A sync point is offset 0 and every whole-frame offset counted from the end
// of the most recent header. The magic tag is only tested at sync points, so
// magic bytes inside audio are payload. Until the first header the parser
// hunts: it tests every byte offset and discards bytes that cannot start a
// valid header. Once a format is active, a tag at a sync point that does not
// decode is reported and then passed through as audio, keeping frame alignment.
//
// Parser is not safe for concurrent use.
type Parser struct {
	buf []byte
	r   int // read position in buf; buf[r:] always starts at a sync point while synced

	format    audio.Format
	synced    bool
	tagAudio  bool // the tag at buf[r] failed to decode and is payload
	maxChunk  int
	offset    int64 // stream offset of buf[r]
	discarded int64
}

// ParserOption configures a Parser
type ParserOption func(*Parser)

// WithMaxChunk caps the bytes carried by one AudioChunk (rounded down to whole frames)
func WithMaxChunk(n int) ParserOption {
	return func(p *Parser) {
		if n > 0 {
			p.maxChunk = n
		}
	}
}

// NewParser creates a parser in hunting mode
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{maxChunk: DefaultMaxChunk}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed appends raw bytes read from the stream
func (p *Parser) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	// Compact once the consumed prefix dominates the buffer
	if p.r > 0 && p.r >= len(p.buf)/2 {
		n := copy(p.buf, p.buf[p.r:])
		p.buf = p.buf[:n]
		p.r = 0
	}
	p.buf = append(p.buf, data...)
}

// Format returns the active format and whether one has been announced
func (p *Parser) Format() (audio.Format, bool) {
	return p.format, p.synced
}

// Buffered returns the number of fed bytes not yet turned into events
func (p *Parser) Buffered() int {
	return len(p.buf) - p.r
}

// Offset returns the stream offset of the first unconsumed byte
func (p *Parser) Offset() int64 {
	return p.offset
}

// Discarded returns the number of bytes dropped while hunting for a header
func (p *Parser) Discarded() int64 {
	return p.discarded
}

// Next returns the next event derivable from the bytes fed so far.
// ok is false when more input is needed. A *MalformedHeaderError is returned
// when a magic tag at a sync point is followed by invalid fields. Next may be
// called again: before the first header the tag is skipped and hunting
// resumes, afterwards the tag is delivered as audio in the active format.
func (p *Parser) Next() (ev Event, ok bool, err error) {
	if !p.synced {
		return p.hunt()
	}
	return p.scan()
}

// Events yields every event available from the bytes fed so far
func (p *Parser) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, ok, err := p.Next()
			if err != nil {
				if !yield(Event{}, err) {
					return
				}
				continue
			}
			if !ok {
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (p *Parser) consume(n int) {
	p.r += n
	p.offset += int64(n)
	if p.r == len(p.buf) {
		p.buf = p.buf[:0]
		p.r = 0
	}
}

func (p *Parser) discard(n int) {
	p.discarded += int64(n)
	p.consume(n)
}

// hunt searches byte by byte for a valid header
func (p *Parser) hunt() (Event, bool, error) {
	data := p.buf[p.r:]

	for i := 0; i+magicSize <= len(data); i++ {
		if !hasMagic(data[i:]) {
			continue
		}
		if i > 0 {
			p.discard(i)
			data = p.buf[p.r:]
		}
		if len(data) < HeaderSize {
			return Event{}, false, nil
		}
		return p.takeHeader(data)
	}

	// Keep a tail that might be the start of a magic tag
	keep := magicSize - 1
	if keep > len(data) {
		keep = len(data)
	}
	for keep > 0 && !magicPrefix(data[len(data)-keep:]) {
		keep--
	}
	if drop := len(data) - keep; drop > 0 {
		p.discard(drop)
	}
	return Event{}, false, nil
}

// takeHeader decodes the header at the start of data, which holds at least HeaderSize bytes
func (p *Parser) takeHeader(data []byte) (Event, bool, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		herr := &MalformedHeaderError{Offset: p.offset, Reason: err.Error()}
		if p.synced {
			p.tagAudio = true
			return Event{}, false, herr
		}
		// Skip the tag and keep hunting
		p.discard(magicSize)
		return Event{}, false, herr
	}

	p.consume(HeaderSize)
	p.format = h.Format
	p.synced = true
	return Event{Kind: FormatChanged, Format: h.Format}, true, nil
}

// scan walks sync points in the active format collecting audio frames until
// it reaches a header, the chunk limit or the end of buffered data
func (p *Parser) scan() (Event, bool, error) {
	data := p.buf[p.r:]
	fs := p.format.FrameSize()

	limit := p.maxChunk - p.maxChunk%fs
	if limit < fs {
		limit = fs
	}

	pos := 0
	for pos < len(data) && pos < limit {
		rest := data[pos:]

		if len(rest) < magicSize {
			if magicPrefix(rest) {
				// Cannot decide between header and audio yet
				break
			}
		} else if hasMagic(rest) && (pos > 0 || !p.tagAudio) {
			if pos > 0 {
				break
			}
			if len(rest) < HeaderSize {
				return Event{}, false, nil
			}
			return p.takeHeader(rest)
		}

		if len(rest) < fs {
			break
		}
		pos += fs
	}

	if pos == 0 {
		return Event{}, false, nil
	}

	chunk := make([]byte, pos)
	copy(chunk, data[:pos])
	p.consume(pos)
	p.tagAudio = false
	return Event{Kind: AudioChunk, Format: p.format, Data: chunk}, true, nil
}
