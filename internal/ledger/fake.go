package ledger

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for tests: it records every Append in order
// instead of writing to a socket.
type Fake struct {
	mu     sync.Mutex
	events []Event
}

// NewFake creates an empty Fake ledger client.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Append(_ context.Context, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

// Events returns every Append call received so far, in order.
func (f *Fake) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

var _ Client = (*Fake)(nil)
