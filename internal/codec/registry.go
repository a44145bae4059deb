package codec

import "sync"

// Factory builds a codec for a single stream. Codecs may carry per-stream
// state (a bound schema), so each connection gets a fresh one.
type Factory func() Codec

// Registry maps content types to codec factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	default_  string
}

// NewRegistry creates a registry with the JSON codec registered as default.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(func() Codec { return JSON })
	r.default_ = JSON.ContentType()
	return r
}

// Register adds a factory under the content type of the codec it builds.
func (r *Registry) Register(f Factory) {
	ct := f().ContentType()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[ct] = f
}

// Get builds a codec for contentType.
func (r *Registry) Get(contentType string) (Codec, bool) {
	r.mu.RLock()
	f, ok := r.factories[contentType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Default builds the default codec.
func (r *Registry) Default() Codec {
	c, _ := r.Get(r.default_)
	return c
}

// ContentTypes lists the registered content types.
func (r *Registry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for ct := range r.factories {
		out = append(out, ct)
	}
	return out
}
