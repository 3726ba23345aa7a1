package runtime

import "sync"

// mailbox is an unbounded FIFO queue with a single consumer. Once closed it
// rejects further pushes; the region then routes new messages to a fresh
// entity.
type mailbox struct {
	mu     sync.Mutex
	queue  []Envelope
	closed bool
	// notify wakes the consumer; capacity one so producers never block.
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// push enqueues an envelope. It reports false if the mailbox already closed.
func (m *mailbox) push(env Envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// pop dequeues the next envelope without blocking.
func (m *mailbox) pop() (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Envelope{}, false
	}
	env := m.queue[0]
	m.queue[0] = Envelope{}
	m.queue = m.queue[1:]
	if len(m.queue) == 0 {
		// Let the backing array go once drained.
		m.queue = nil
	}
	return env, true
}

// tryClose closes the mailbox if it is empty, so an idle entity can retire
// without losing a concurrently pushed message.
func (m *mailbox) tryClose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 {
		return false
	}
	m.closed = true
	return true
}

// close closes the mailbox unconditionally and returns whatever was queued.
func (m *mailbox) close() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	rest := m.queue
	m.queue = nil
	return rest
}
