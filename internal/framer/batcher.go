package framer

import (
	"time"

	"github.com/chronologos/telem/internal/telem"
)

const (
	// BatchDelay is the batching deadline from the first series in a batch.
	BatchDelay = 5 * time.Millisecond

	// BatchThreshold triggers an immediate flush when exceeded.
	BatchThreshold = 256 * 1024
)

// Batcher accumulates series into a single multi-series frame and flushes
// on deadline or byte threshold. The deadline runs from the first series in
// the batch and is not reset by later adds.
//
// All methods are used from a single goroutine (the select loop).
type Batcher struct {
	frame     telem.Frame
	size      int
	delay     time.Duration
	threshold int
	timer     *time.Timer
	armed     bool
}

// NewBatcher creates a Batcher. Zero values select BatchDelay and
// BatchThreshold.
func NewBatcher(delay time.Duration, threshold int) *Batcher {
	if delay <= 0 {
		delay = BatchDelay
	}
	if threshold <= 0 {
		threshold = BatchThreshold
	}
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	return &Batcher{delay: delay, threshold: threshold, timer: t}
}

// Add appends a series for key. Returns true if the threshold was hit and
// the caller should flush immediately.
func (b *Batcher) Add(key telem.ChannelKey, s telem.Series) bool {
	if b.frame.Empty() && !b.armed {
		b.timer.Reset(b.delay)
		b.armed = true
	}
	b.frame.Append(key, s)
	b.size += s.Size()
	return b.size >= b.threshold
}

// AddFrame appends every series of f.
func (b *Batcher) AddFrame(f telem.Frame) bool {
	full := false
	for i, k := range f.Keys {
		full = b.Add(k, f.Series[i]) || full
	}
	return full
}

// Flush returns the accumulated frame and resets the batch. The caller
// owns the returned frame.
func (b *Batcher) Flush() telem.Frame {
	if b.armed {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C:
			default:
			}
		}
		b.armed = false
	}
	out := b.frame
	b.frame = telem.Frame{}
	b.size = 0
	return out
}

// Timer returns the channel that fires when the batch deadline expires, or
// nil when no batch is pending.
func (b *Batcher) Timer() <-chan time.Time {
	if !b.armed {
		return nil
	}
	return b.timer.C
}

// Stop releases the timer.
func (b *Batcher) Stop() {
	b.timer.Stop()
	b.armed = false
}

// Pending returns the number of buffered bytes.
func (b *Batcher) Pending() int { return b.size }
