// Package telem defines the telemetry data model shared by the codecs and
// streams: channel keys, data types, time ranges, alignments, series and
// frames.
package telem

import (
	"fmt"
	"time"
)

// ChannelKey identifies a channel.
type ChannelKey uint32

// DataType names the sample type of a series.
type DataType string

const (
	UnknownT   DataType = ""
	Int8T      DataType = "int8"
	Int16T     DataType = "int16"
	Int32T     DataType = "int32"
	Int64T     DataType = "int64"
	Uint8T     DataType = "uint8"
	Uint16T    DataType = "uint16"
	Uint32T    DataType = "uint32"
	Uint64T    DataType = "uint64"
	Float32T   DataType = "float32"
	Float64T   DataType = "float64"
	TimeStampT DataType = "timestamp"
	StringT    DataType = "string"
	JSONT      DataType = "json"
	BytesT     DataType = "bytes"
)

// Density returns the width of a single sample in bytes, or 0 for
// variable-width types.
func (dt DataType) Density() int {
	switch dt {
	case Int8T, Uint8T:
		return 1
	case Int16T, Uint16T:
		return 2
	case Int32T, Uint32T, Float32T:
		return 4
	case Int64T, Uint64T, Float64T, TimeStampT:
		return 8
	default:
		return 0
	}
}

// IsVariable reports whether samples of dt have no fixed width.
func (dt DataType) IsVariable() bool {
	return dt == StringT || dt == JSONT || dt == BytesT
}

// Valid reports whether dt is a known data type.
func (dt DataType) Valid() bool {
	return dt.Density() > 0 || dt.IsVariable()
}

// ParseDataType parses a data type name.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(s)
	if !dt.Valid() {
		return UnknownT, fmt.Errorf("unknown data type %q", s)
	}
	return dt, nil
}

// TimeStamp is nanoseconds since the unix epoch.
type TimeStamp int64

// Now returns the current time as a TimeStamp.
func Now() TimeStamp { return TimeStamp(time.Now().UnixNano()) }

// Time converts ts to a time.Time.
func (ts TimeStamp) Time() time.Time { return time.Unix(0, int64(ts)) }

// Add returns ts shifted by d.
func (ts TimeStamp) Add(d time.Duration) TimeStamp { return ts + TimeStamp(d) }

// TimeRange is a half-open interval [Start, End). The zero value means
// the range is absent.
type TimeRange struct {
	Start TimeStamp `json:"start"`
	End   TimeStamp `json:"end"`
}

// ZeroTimeRange is the absent time range.
var ZeroTimeRange = TimeRange{}

// IsZero reports whether tr is the absent range.
func (tr TimeRange) IsZero() bool { return tr == ZeroTimeRange }

// Span returns the duration covered by tr.
func (tr TimeRange) Span() time.Duration { return time.Duration(tr.End - tr.Start) }

// Valid reports whether Start does not come after End.
func (tr TimeRange) Valid() bool { return tr.Start <= tr.End }

// ContainsStamp reports whether ts falls within tr.
func (tr TimeRange) ContainsStamp(ts TimeStamp) bool {
	return ts >= tr.Start && ts < tr.End
}

// Alignment positions a series within a channel's sample sequence. The high
// 32 bits hold the domain index and the low 32 bits the sample index.
type Alignment uint64

// NewAlignment packs a domain and sample index.
func NewAlignment(domain, sample uint32) Alignment {
	return Alignment(uint64(domain)<<32 | uint64(sample))
}

func (a Alignment) Domain() uint32 { return uint32(a >> 32) }

func (a Alignment) Sample() uint32 { return uint32(a) }

// Add advances the sample index by n within the same domain.
func (a Alignment) Add(n uint32) Alignment {
	return NewAlignment(a.Domain(), a.Sample()+n)
}

func (a Alignment) String() string {
	return fmt.Sprintf("%d-%d", a.Domain(), a.Sample())
}
