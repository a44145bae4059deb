package session

import (
	"sync"

	"github.com/chronologos/telem/internal/telem"
)

// controller tracks which writer holds control of each channel. The
// writer with the highest authority wins; ties go to the writer that
// registered first. Authority 0 never holds control.
type controller struct {
	mu      sync.Mutex
	holders map[telem.ChannelKey]map[string]uint8
	order   map[string]uint64
	seq     uint64
}

func newController() *controller {
	return &controller{
		holders: make(map[telem.ChannelKey]map[string]uint8),
		order:   make(map[string]uint64),
	}
}

// set assigns authorities to writer. A single authority applies to every
// key.
func (c *controller) set(writer string, keys []telem.ChannelKey, authorities []uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.order[writer]; !ok {
		c.seq++
		c.order[writer] = c.seq
	}
	for i, k := range keys {
		a := authorities[0]
		if len(authorities) > 1 {
			a = authorities[i]
		}
		h, ok := c.holders[k]
		if !ok {
			h = make(map[string]uint8)
			c.holders[k] = h
		}
		h[writer] = a
	}
}

// release forgets writer.
func (c *controller) release(writer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, h := range c.holders {
		delete(h, writer)
		if len(h) == 0 {
			delete(c.holders, k)
		}
	}
	delete(c.order, writer)
}

// authorized reports whether writer holds control of key.
func (c *controller) authorized(writer string, key telem.ChannelKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.holders[key]
	a, ok := h[writer]
	if !ok || a == 0 {
		return false
	}
	for other, oa := range h {
		if other == writer {
			continue
		}
		if oa > a || (oa == a && c.order[other] < c.order[writer]) {
			return false
		}
	}
	return true
}

// authorizedAll reports whether writer holds control of every key.
func (c *controller) authorizedAll(writer string, keys []telem.ChannelKey) bool {
	for _, k := range keys {
		if !c.authorized(writer, k) {
			return false
		}
	}
	return true
}
