package telem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDataType is returned when a series is read as the wrong type.
var ErrDataType = errors.New("data type mismatch")

// Sample is the set of fixed-width types a Series can hold.
type Sample interface {
	int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | TimeStamp
}

// Series is a contiguous block of samples of one data type. Fixed-width
// samples are stored little-endian. Variable-width samples are stored
// newline-delimited.
type Series struct {
	DataType  DataType  `json:"data_type"`
	Data      []byte    `json:"data"`
	TimeRange TimeRange `json:"time_range"`
	Alignment Alignment `json:"alignment"`
}

// DataTypeOf returns the DataType matching T.
func DataTypeOf[T Sample]() DataType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return Int8T
	case int16:
		return Int16T
	case int32:
		return Int32T
	case int64:
		return Int64T
	case uint8:
		return Uint8T
	case uint16:
		return Uint16T
	case uint32:
		return Uint32T
	case uint64:
		return Uint64T
	case float32:
		return Float32T
	case float64:
		return Float64T
	case TimeStamp:
		return TimeStampT
	}
	return UnknownT
}

// NewSeries builds a series from fixed-width samples.
func NewSeries[T Sample](data []T) Series {
	buf, _ := binary.Append(nil, binary.LittleEndian, data)
	return Series{DataType: DataTypeOf[T](), Data: buf}
}

// NewSeriesV is NewSeries over variadic samples.
func NewSeriesV[T Sample](data ...T) Series { return NewSeries(data) }

// NewStringSeries builds a string series. Samples must not contain '\n'.
func NewStringSeries(data []string) Series {
	var b bytes.Buffer
	for _, s := range data {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return Series{DataType: StringT, Data: b.Bytes()}
}

// Len returns the number of samples in s.
func (s Series) Len() int {
	if d := s.DataType.Density(); d > 0 {
		return len(s.Data) / d
	}
	return bytes.Count(s.Data, []byte{'\n'})
}

// Size returns the byte length of the series data.
func (s Series) Size() int { return len(s.Data) }

// Samples decodes the fixed-width samples of s.
func Samples[T Sample](s Series) ([]T, error) {
	if dt := DataTypeOf[T](); dt != s.DataType {
		return nil, fmt.Errorf("%w: series is %s, requested %s", ErrDataType, s.DataType, dt)
	}
	out := make([]T, s.Len())
	if _, err := binary.Decode(s.Data, binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Strings returns the samples of a variable-width series.
func (s Series) Strings() []string {
	if len(s.Data) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimSuffix(s.Data, []byte{'\n'}), []byte{'\n'})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// Equal reports whether two series carry identical data and metadata.
func (s Series) Equal(o Series) bool {
	return s.DataType == o.DataType &&
		s.TimeRange == o.TimeRange &&
		s.Alignment == o.Alignment &&
		bytes.Equal(s.Data, o.Data)
}

func (s Series) String() string {
	return fmt.Sprintf("Series{%s len=%d tr=[%d,%d) align=%s}", s.DataType, s.Len(), s.TimeRange.Start, s.TimeRange.End, s.Alignment)
}
