package transport

import "sync"

type item[T any] struct {
	msg T
	err error
}

// mailbox decouples message arrival from consumption. Items that arrive
// before anyone asks for them queue up; receivers that ask before anything
// arrives queue up as waiters. At most one of the two queues is non-empty.
//
// Once closed, the terminal error is returned to every receiver after the
// queued items drain.
type mailbox[T any] struct {
	mu       sync.Mutex
	items    []item[T]
	waiters  []chan item[T]
	terminal error
	done     chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{done: make(chan struct{})}
}

func (m *mailbox[T]) push(msg T, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal != nil {
		return
	}
	it := item[T]{msg: msg, err: err}
	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		w <- it
		return
	}
	m.items = append(m.items, it)
}

// close records the terminal error. Returns false if already closed.
func (m *mailbox[T]) close(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal != nil {
		return false
	}
	m.terminal = err
	for _, w := range m.waiters {
		w <- item[T]{err: err}
	}
	m.waiters = nil
	close(m.done)
	return true
}

// next returns the next item, blocking until one arrives or the mailbox
// closes.
func (m *mailbox[T]) next() (T, error) {
	m.mu.Lock()
	if len(m.items) > 0 {
		it := m.items[0]
		m.items[0] = item[T]{}
		m.items = m.items[1:]
		m.mu.Unlock()
		return it.msg, it.err
	}
	if m.terminal != nil {
		err := m.terminal
		m.mu.Unlock()
		var zero T
		return zero, err
	}
	w := make(chan item[T], 1)
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	it := <-w
	return it.msg, it.err
}

// err returns the terminal error, or nil while open.
func (m *mailbox[T]) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// pending returns the number of queued items and waiters.
func (m *mailbox[T]) pending() (items, waiters int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), len(m.waiters)
}
