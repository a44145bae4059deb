// Package framer encodes frames for the wire and provides the writer and
// streamer clients built on message streams.
package framer

import (
	"errors"
	"fmt"

	"github.com/chronologos/telem/internal/telem"
)

var (
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidSeries  = errors.New("invalid series")
	ErrInvalidSchema  = errors.New("invalid schema")
)

// Channel pairs a key with its data type.
type Channel struct {
	Key      telem.ChannelKey `json:"key" yaml:"key"`
	DataType telem.DataType   `json:"data_type" yaml:"data_type"`
}

// Schema is the ordered set of channels both ends of a stream agree on.
// Frame encoding walks channels in schema order.
type Schema struct {
	channels []Channel
	index    map[telem.ChannelKey]int
}

// NewSchema builds a schema from parallel key and data type lists.
func NewSchema(keys []telem.ChannelKey, dataTypes []telem.DataType) (*Schema, error) {
	if len(keys) != len(dataTypes) {
		return nil, fmt.Errorf("%w: %d keys but %d data types", ErrInvalidSchema, len(keys), len(dataTypes))
	}
	chs := make([]Channel, len(keys))
	for i := range keys {
		chs[i] = Channel{Key: keys[i], DataType: dataTypes[i]}
	}
	return NewSchemaFromChannels(chs...)
}

// NewSchemaFromChannels builds a schema in the given channel order.
func NewSchemaFromChannels(chs ...Channel) (*Schema, error) {
	s := &Schema{
		channels: make([]Channel, 0, len(chs)),
		index:    make(map[telem.ChannelKey]int, len(chs)),
	}
	for _, ch := range chs {
		if _, dup := s.index[ch.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate channel %d", ErrInvalidSchema, ch.Key)
		}
		if !ch.DataType.Valid() {
			return nil, fmt.Errorf("%w: channel %d has unknown data type %q", ErrInvalidSchema, ch.Key, ch.DataType)
		}
		s.index[ch.Key] = len(s.channels)
		s.channels = append(s.channels, ch)
	}
	return s, nil
}

func (s *Schema) Len() int { return len(s.channels) }

// Channels returns a copy of the schema's channels in order.
func (s *Schema) Channels() []Channel {
	return append([]Channel(nil), s.channels...)
}

// Keys returns channel keys in schema order.
func (s *Schema) Keys() []telem.ChannelKey {
	keys := make([]telem.ChannelKey, len(s.channels))
	for i, ch := range s.channels {
		keys[i] = ch.Key
	}
	return keys
}

// DataType returns the data type of key.
func (s *Schema) DataType(key telem.ChannelKey) (telem.DataType, bool) {
	i, ok := s.index[key]
	if !ok {
		return telem.UnknownT, false
	}
	return s.channels[i].DataType, true
}

// Sub returns the schema for keys in the given order, taking data types
// from s. A stream's server side resolves the same keys in the same order,
// so both ends must encode against Sub rather than the full schema.
func (s *Schema) Sub(keys []telem.ChannelKey) (*Schema, error) {
	chs := make([]Channel, len(keys))
	for i, k := range keys {
		dt, ok := s.DataType(k)
		if !ok {
			return nil, fmt.Errorf("%w: channel %d is not in schema", ErrSchemaMismatch, k)
		}
		chs[i] = Channel{Key: k, DataType: dt}
	}
	return NewSchemaFromChannels(chs...)
}

// SchemaResolver builds a schema for the given keys, typically by looking
// them up in a channel registry.
type SchemaResolver func(keys []telem.ChannelKey) (*Schema, error)
