package telem

import "slices"

// Frame groups series by channel. Keys and Series are parallel: Series[i]
// belongs to channel Keys[i]. A key may repeat, in which case its series are
// ordered by position.
type Frame struct {
	Keys   []ChannelKey `json:"keys"`
	Series []Series     `json:"series"`
}

// UnaryFrame returns a frame holding a single series.
func UnaryFrame(key ChannelKey, s Series) Frame {
	return Frame{Keys: []ChannelKey{key}, Series: []Series{s}}
}

// Append adds a series for key.
func (f *Frame) Append(key ChannelKey, s Series) {
	f.Keys = append(f.Keys, key)
	f.Series = append(f.Series, s)
}

// Get returns the series for key in order.
func (f Frame) Get(key ChannelKey) []Series {
	var out []Series
	for i, k := range f.Keys {
		if k == key {
			out = append(out, f.Series[i])
		}
	}
	return out
}

// UniqueKeys returns each key once, in order of first appearance.
func (f Frame) UniqueKeys() []ChannelKey {
	out := make([]ChannelKey, 0, len(f.Keys))
	for _, k := range f.Keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of series in the frame.
func (f Frame) Len() int { return len(f.Series) }

func (f Frame) Empty() bool { return len(f.Series) == 0 }

// Size returns the total byte length of series data.
func (f Frame) Size() int {
	n := 0
	for _, s := range f.Series {
		n += s.Size()
	}
	return n
}

// FilterKeys returns the subset of f belonging to keys.
func (f Frame) FilterKeys(keys []ChannelKey) Frame {
	var out Frame
	for i, k := range f.Keys {
		if slices.Contains(keys, k) {
			out.Append(k, f.Series[i])
		}
	}
	return out
}

// Equal reports whether f and o carry the same series per channel. The
// relative order of different channels does not matter; the order of
// series within a channel does.
func (f Frame) Equal(o Frame) bool {
	if len(f.Series) != len(o.Series) || len(f.Keys) != len(o.Keys) {
		return false
	}
	keys := f.UniqueKeys()
	if len(keys) != len(o.UniqueKeys()) {
		return false
	}
	for _, k := range keys {
		a, b := f.Get(k), o.Get(k)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
	}
	return true
}
