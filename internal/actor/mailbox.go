package actor

import (
	"context"
	"sync"
)

type turnKind int

const (
	// turnCall is an external call routed to the actor.
	turnCall turnKind = iota + 1
	// turnTick is a timer-driven tick. Nobody waits for it.
	turnTick
	// turnStop is always the last turn an actor runs.
	turnStop
)

// turn is one unit of work for an actor's loop.
type turn struct {
	kind turnKind
	ctx  context.Context
	mode activation
	fn   func(context.Context) error

	// done receives the result of fn. Buffered (size 1) so the loop never
	// blocks on a caller that stopped waiting.
	done chan error
}

func (t turn) reply(err error) {
	if t.done != nil {
		t.done <- err
	}
}

// mailbox is an unbounded FIFO of turns.
//
// Any goroutine may enqueue; only the actor loop dequeues. The buffered
// signal channel coalesces wake-ups so the loop can wait without holding the
// lock. After close, already queued turns are still drained.
type mailbox struct {
	mu     sync.Mutex
	turns  []turn
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		turns:  make([]turn, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends t. Returns false if the mailbox is closed.
func (m *mailbox) Enqueue(t turn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.turns = append(m.turns, t)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// CloseWith appends a final turn and closes the mailbox in one step, so no
// turn can be queued behind it. Returns false if already closed.
func (m *mailbox) CloseWith(t turn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.turns = append(m.turns, t)
	m.closed = true
	close(m.signal)
	return true
}

// TryDequeue pops the front turn without blocking.
func (m *mailbox) TryDequeue() (turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.turns) == 0 {
		return turn{}, false
	}

	t := m.turns[0]
	// Release the slot's references (ctx, fn) for GC.
	m.turns[0] = turn{}
	if len(m.turns) == 1 {
		m.turns = m.turns[:0]
	} else {
		m.turns = m.turns[1:]
	}
	return t, true
}

// Wait returns a channel that fires when turns may be available.
// It is closed once the mailbox closes.
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

// Len returns the number of queued turns.
func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// Closed reports whether the mailbox accepts no more turns.
func (m *mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
