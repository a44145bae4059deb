package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chronologos/telem/internal/framer"
	"github.com/chronologos/telem/internal/protocol"
	"github.com/chronologos/telem/internal/telem"
)

var ErrChannelNotFound = errors.New("channel not found")

func init() {
	protocol.RegisterSentinel("session.channel_not_found", ErrChannelNotFound)
}

// Registry maps channel keys to data types.
type Registry struct {
	mu       sync.RWMutex
	channels map[telem.ChannelKey]telem.DataType
	order    []telem.ChannelKey
}

// NewRegistry creates a registry holding chs.
func NewRegistry(chs ...framer.Channel) (*Registry, error) {
	r := &Registry{channels: make(map[telem.ChannelKey]telem.DataType)}
	for _, ch := range chs {
		if err := r.Add(ch); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a channel. Re-adding a key with the same data type is a
// no-op.
func (r *Registry) Add(ch framer.Channel) error {
	if !ch.DataType.Valid() {
		return fmt.Errorf("channel %d: unknown data type %q", ch.Key, ch.DataType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dt, ok := r.channels[ch.Key]; ok {
		if dt != ch.DataType {
			return fmt.Errorf("channel %d already registered as %s", ch.Key, dt)
		}
		return nil
	}
	r.channels[ch.Key] = ch.DataType
	r.order = append(r.order, ch.Key)
	return nil
}

// Channels returns every channel in registration order.
func (r *Registry) Channels() []framer.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]framer.Channel, len(r.order))
	for i, k := range r.order {
		out[i] = framer.Channel{Key: k, DataType: r.channels[k]}
	}
	return out
}

// Resolve builds a schema for keys in the order given.
func (r *Registry) Resolve(keys []telem.ChannelKey) (*framer.Schema, error) {
	r.mu.RLock()
	chs := make([]framer.Channel, len(keys))
	for i, k := range keys {
		dt, ok := r.channels[k]
		if !ok {
			r.mu.RUnlock()
			return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, k)
		}
		chs[i] = framer.Channel{Key: k, DataType: dt}
	}
	r.mu.RUnlock()
	return framer.NewSchemaFromChannels(chs...)
}
