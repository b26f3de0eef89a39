package orchestrator

import (
	"context"
	"sync"
)

// mailbox is an unbounded FIFO of closures drained by a single goroutine.
// Posting never blocks, so a finishing task can always hand over its
// outcome even when nobody is draining.
type mailbox struct {
	mu    sync.Mutex
	queue []func()
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	fns := m.queue
	m.queue = nil
	return fns
}

func (m *mailbox) run(ctx context.Context) error {
	for {
		for _, fn := range m.take() {
			fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ready:
		}
	}
}
