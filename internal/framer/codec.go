package framer

import (
	"encoding/binary"
	"fmt"

	"github.com/chronologos/telem/internal/telem"
)

// Frame codec wire format.
//
//	byte 0      version
//	byte 1      flags
//	[presence]  bitmap over schema order, LSB first  (!flagAllPresent)
//	[alignment] u64                                  (flagEqualAlignments && !flagZeroAlignments)
//	[timerange] i64 start, i64 end                   (flagEqualTimeRanges && !flagZeroTimeRanges)
//	[length]    u32 data length                      (flagEqualLengths)
//	per present channel:
//	  [count]   uvarint series count                 (!flagSingleSeries)
//	  per series:
//	    [length]    u32                              (!flagEqualLengths)
//	    data
//	    [timerange] i64, i64                         (!flagEqualTimeRanges)
//	    [alignment] u64                              (!flagEqualAlignments)
//
// Header fields are big-endian. Sample bytes are copied verbatim.
const codecVersion = 1

const (
	flagAllPresent      byte = 0x01
	flagEqualAlignments byte = 0x02
	flagZeroAlignments  byte = 0x04
	flagEqualTimeRanges byte = 0x08
	flagZeroTimeRanges  byte = 0x10
	flagSingleSeries    byte = 0x20
	flagEqualLengths    byte = 0x40

	knownFlags = flagAllPresent | flagEqualAlignments | flagZeroAlignments |
		flagEqualTimeRanges | flagZeroTimeRanges | flagSingleSeries | flagEqualLengths
)

const (
	timeRangeSize = 16
	alignmentSize = 8
	lengthSize    = 4

	// Upper bound on series per channel when a series may occupy zero bytes.
	maxSeriesPerChannel = 1 << 16
)

// Codec encodes frames against a fixed schema. It is safe for concurrent
// use.
type Codec struct {
	schema *Schema
}

// NewCodec creates a frame codec for schema.
func NewCodec(schema *Schema) *Codec {
	return &Codec{schema: schema}
}

// Schema returns the codec's schema.
func (c *Codec) Schema() *Schema { return c.schema }

// Encode encodes f.
func (c *Codec) Encode(f telem.Frame) ([]byte, error) {
	return c.AppendEncode(nil, f)
}

type header struct {
	flags     byte
	alignment telem.Alignment
	timeRange telem.TimeRange
	length    uint32
}

// AppendEncode appends the encoding of f to dst.
func (c *Codec) AppendEncode(dst []byte, f telem.Frame) ([]byte, error) {
	if len(f.Keys) != len(f.Series) {
		return dst, fmt.Errorf("%w: frame has %d keys but %d series", ErrInvalidSeries, len(f.Keys), len(f.Series))
	}
	n := c.schema.Len()
	groups := make([][]telem.Series, n)
	present := make([]bool, n)
	for i, key := range f.Keys {
		idx, ok := c.schema.index[key]
		if !ok {
			return dst, fmt.Errorf("%w: channel %d is not in schema", ErrSchemaMismatch, key)
		}
		s := f.Series[i]
		dt := c.schema.channels[idx].DataType
		if s.DataType != dt {
			return dst, fmt.Errorf("%w: channel %d expects %s, got %s", ErrSchemaMismatch, key, dt, s.DataType)
		}
		if d := dt.Density(); d > 0 && len(s.Data)%d != 0 {
			return dst, fmt.Errorf("%w: channel %d has %d bytes, not a multiple of %d", ErrInvalidSeries, key, len(s.Data), d)
		}
		present[idx] = true
		groups[idx] = append(groups[idx], s)
	}

	h := c.header(f, present, groups)

	dst = append(dst, codecVersion, h.flags)
	if h.flags&flagAllPresent == 0 {
		bitmap := make([]byte, (n+7)/8)
		for i, p := range present {
			if p {
				bitmap[i/8] |= 1 << (i % 8)
			}
		}
		dst = append(dst, bitmap...)
	}
	if h.flags&flagEqualAlignments != 0 && h.flags&flagZeroAlignments == 0 {
		dst = binary.BigEndian.AppendUint64(dst, uint64(h.alignment))
	}
	if h.flags&flagEqualTimeRanges != 0 && h.flags&flagZeroTimeRanges == 0 {
		dst = appendTimeRange(dst, h.timeRange)
	}
	if h.flags&flagEqualLengths != 0 {
		dst = binary.BigEndian.AppendUint32(dst, h.length)
	}

	for idx := range n {
		if !present[idx] {
			continue
		}
		if h.flags&flagSingleSeries == 0 {
			dst = binary.AppendUvarint(dst, uint64(len(groups[idx])))
		}
		for _, s := range groups[idx] {
			if h.flags&flagEqualLengths == 0 {
				dst = binary.BigEndian.AppendUint32(dst, uint32(len(s.Data)))
			}
			dst = append(dst, s.Data...)
			if h.flags&flagEqualTimeRanges == 0 {
				dst = appendTimeRange(dst, s.TimeRange)
			}
			if h.flags&flagEqualAlignments == 0 {
				dst = binary.BigEndian.AppendUint64(dst, uint64(s.Alignment))
			}
		}
	}
	return dst, nil
}

// header picks the flags that let shared metadata be written once.
func (c *Codec) header(f telem.Frame, present []bool, groups [][]telem.Series) header {
	h := header{flags: flagAllPresent | flagEqualAlignments | flagEqualTimeRanges | flagSingleSeries | flagEqualLengths}
	for _, p := range present {
		if !p {
			h.flags &^= flagAllPresent
			break
		}
	}
	for _, g := range groups {
		if len(g) > 1 {
			h.flags &^= flagSingleSeries
			break
		}
	}
	for i, s := range f.Series {
		if i == 0 {
			h.alignment, h.timeRange, h.length = s.Alignment, s.TimeRange, uint32(len(s.Data))
			continue
		}
		if s.Alignment != h.alignment {
			h.flags &^= flagEqualAlignments
		}
		if s.TimeRange != h.timeRange {
			h.flags &^= flagEqualTimeRanges
		}
		if uint32(len(s.Data)) != h.length {
			h.flags &^= flagEqualLengths
		}
	}
	if h.flags&flagEqualAlignments != 0 && h.alignment == 0 {
		h.flags |= flagZeroAlignments
	}
	if h.flags&flagEqualTimeRanges != 0 && h.timeRange.IsZero() {
		h.flags |= flagZeroTimeRanges
	}
	return h
}

func appendTimeRange(dst []byte, tr telem.TimeRange) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(tr.Start))
	return binary.BigEndian.AppendUint64(dst, uint64(tr.End))
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int { return len(r.data) - r.off }

func (r *reader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: truncated reading %s at offset %d", ErrMalformedFrame, what, r.off)
	}
	b := r.data[r.off : r.off+n : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint32(what string) (uint32, error) {
	b, err := r.take(lengthSize, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64(what string) (uint64, error) {
	b, err := r.take(alignmentSize, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) timeRange() (telem.TimeRange, error) {
	b, err := r.take(timeRangeSize, "time range")
	if err != nil {
		return telem.TimeRange{}, err
	}
	return telem.TimeRange{
		Start: telem.TimeStamp(binary.BigEndian.Uint64(b[:8])),
		End:   telem.TimeStamp(binary.BigEndian.Uint64(b[8:])),
	}, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad series count at offset %d", ErrMalformedFrame, r.off)
	}
	r.off += n
	return v, nil
}

// Decode decodes a frame produced by Encode with the same schema. Decoded
// series data aliases data; callers must not modify data afterwards.
func (c *Codec) Decode(data []byte) (telem.Frame, error) {
	var f telem.Frame
	r := &reader{data: data}
	hdr, err := r.take(2, "header")
	if err != nil {
		return f, err
	}
	if hdr[0] != codecVersion {
		return f, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, hdr[0])
	}
	flags := hdr[1]
	if flags&^knownFlags != 0 {
		return f, fmt.Errorf("%w: unknown flags %#x", ErrMalformedFrame, flags)
	}

	n := c.schema.Len()
	present := make([]bool, n)
	if flags&flagAllPresent != 0 {
		for i := range present {
			present[i] = true
		}
	} else {
		bitmap, err := r.take((n+7)/8, "presence bitmap")
		if err != nil {
			return f, err
		}
		for i := range n {
			present[i] = bitmap[i/8]&(1<<(i%8)) != 0
		}
		if n%8 != 0 && bitmap[len(bitmap)-1]>>(n%8) != 0 {
			return f, fmt.Errorf("%w: presence bits set beyond schema", ErrMalformedFrame)
		}
	}

	var h header
	if flags&flagEqualAlignments != 0 && flags&flagZeroAlignments == 0 {
		v, err := r.uint64("alignment")
		if err != nil {
			return f, err
		}
		h.alignment = telem.Alignment(v)
	}
	if flags&flagEqualTimeRanges != 0 && flags&flagZeroTimeRanges == 0 {
		if h.timeRange, err = r.timeRange(); err != nil {
			return f, err
		}
	}
	if flags&flagEqualLengths != 0 {
		if h.length, err = r.uint32("length"); err != nil {
			return f, err
		}
	}

	minSeries := 0
	if flags&flagEqualLengths == 0 {
		minSeries += lengthSize
	} else {
		minSeries += int(h.length)
	}
	if flags&flagEqualTimeRanges == 0 {
		minSeries += timeRangeSize
	}
	if flags&flagEqualAlignments == 0 {
		minSeries += alignmentSize
	}

	for idx := range n {
		if !present[idx] {
			continue
		}
		ch := c.schema.channels[idx]
		count := uint64(1)
		if flags&flagSingleSeries == 0 {
			if count, err = r.uvarint(); err != nil {
				return f, err
			}
			limit := uint64(maxSeriesPerChannel)
			if minSeries > 0 {
				limit = uint64(r.remaining() / minSeries)
			}
			if count > limit {
				return f, fmt.Errorf("%w: channel %d claims %d series", ErrMalformedFrame, ch.Key, count)
			}
		}
		for range count {
			s := telem.Series{DataType: ch.DataType, TimeRange: h.timeRange, Alignment: h.alignment}
			length := h.length
			if flags&flagEqualLengths == 0 {
				if length, err = r.uint32("length"); err != nil {
					return f, err
				}
			}
			if d := ch.DataType.Density(); d > 0 && int(length)%d != 0 {
				return f, fmt.Errorf("%w: channel %d has %d bytes, not a multiple of %d", ErrMalformedFrame, ch.Key, length, d)
			}
			if s.Data, err = r.take(int(length), "series data"); err != nil {
				return f, err
			}
			if flags&flagEqualTimeRanges == 0 {
				if s.TimeRange, err = r.timeRange(); err != nil {
					return f, err
				}
			}
			if flags&flagEqualAlignments == 0 {
				v, err := r.uint64("alignment")
				if err != nil {
					return f, err
				}
				s.Alignment = telem.Alignment(v)
			}
			f.Append(ch.Key, s)
		}
	}
	if r.remaining() != 0 {
		return f, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, r.remaining())
	}
	return f, nil
}
