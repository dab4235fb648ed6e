package mesh

import (
	"context"
	"fmt"
	"sync"
)

// Handler answers one envelope addressed to a particular peer, used by
// Fake to simulate a participant's coordinator without a real transport.
type Handler func(ctx context.Context, env Envelope) (Envelope, error)

// Fake is an in-memory Client for Fleet Coordinator tests: a registry of
// per-peer Handlers plus scripted unreachability, rather than a real
// ordered-delivery transport.
type Fake struct {
	mu          sync.Mutex
	handlers    map[string]Handler
	unreachable map[string]bool
	sent        []Envelope
}

// NewFake creates an empty Fake mesh client.
func NewFake() *Fake {
	return &Fake{
		handlers:    make(map[string]Handler),
		unreachable: make(map[string]bool),
	}
}

// Register installs the handler a peer uses to answer envelopes.
func (f *Fake) Register(peer string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[peer] = h
}

// SetUnreachable marks peer as unreachable (or reachable again).
func (f *Fake) SetUnreachable(peer string, unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[peer] = unreachable
}

// Sent returns every envelope handed to Send, in order.
func (f *Fake) Sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.sent...)
}

func (f *Fake) Send(ctx context.Context, peer string, env Envelope) (Envelope, error) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	if f.unreachable[peer] {
		f.mu.Unlock()
		return Envelope{}, fmt.Errorf("mesh: peer %q unreachable", peer)
	}
	h, ok := f.handlers[peer]
	f.mu.Unlock()
	if !ok {
		return Envelope{}, fmt.Errorf("mesh: no handler registered for peer %q", peer)
	}
	return h(ctx, env)
}

var _ Client = (*Fake)(nil)
