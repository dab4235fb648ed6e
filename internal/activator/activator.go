// Package activator implements the Activator of spec §4.1: invoking the OS
// configuration switcher and capturing the prior configuration identifier
// so rollback remains possible.
package activator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/armon/circbuf"

	"github.com/osmoda/safeswitch/internal/errs"
)

// commandOutputCap bounds captured switcher output, matching the Health
// Prober's Command check (spec §4.2's 2 KiB convention) rather than letting
// a runaway switcher process fill memory.
const commandOutputCap = 2 * 1024

// ConfigSwitcher is the external collaborator that actually mutates system
// state, per spec §4.1/§9: "Abstract this into the ConfigSwitcher ...
// interface so the engine is testable with in-memory fakes." SafeSwitch
// never parses the switcher's stdout for state decisions — only its exit
// code and the structured identifiers it's asked to report.
type ConfigSwitcher interface {
	// Activate switches to newID (resolved by the caller or the switcher
	// itself — see spec §9's Open Question) and returns the identifier
	// that was active immediately before the switch.
	Activate(ctx context.Context, newID string) (priorID string, err error)
	// RollbackTo reverts to priorID.
	RollbackTo(ctx context.Context, priorID string) error
	// CurrentID returns the identifier currently active on the host.
	CurrentID(ctx context.Context) (string, error)
}

// Activator is the production ConfigSwitcher wrapper: it shells out to a
// configured external program (e.g. a nixos-rebuild/switch-to-configuration
// wrapper script) rather than parsing shell output for state decisions —
// only the exit code and explicit stdout lines are trusted, per spec §9.
type Activator struct {
	program string
	gate    *Gate
}

// New creates an Activator that invokes program for activate/rollback/
// current-id subcommands.
func New(program string) *Activator {
	return &Activator{program: program, gate: NewGate()}
}

// Gate returns the activation serializer so callers (the Switch Engine)
// can enforce spec §5's "at most one switch session may be in Activating
// or RollingBack at any moment per host" rule.
func (a *Activator) Gate() *Gate { return a.gate }

func (a *Activator) Activate(ctx context.Context, newID string) (string, error) {
	out, err := a.run(ctx, "activate", newID)
	if err != nil {
		return "", errs.Wrap(errs.ActivationFailed, fmt.Sprintf("activate %q", newID), err)
	}
	priorID := strings.TrimSpace(lastLine(out))
	if priorID == "" {
		return "", errs.New(errs.ActivationFailed, "switcher returned no prior configuration id")
	}
	return priorID, nil
}

func (a *Activator) RollbackTo(ctx context.Context, priorID string) error {
	_, err := a.run(ctx, "rollback", priorID)
	if err != nil {
		return errs.Wrap(errs.RollbackFailed, fmt.Sprintf("rollback to %q", priorID), err)
	}
	return nil
}

func (a *Activator) CurrentID(ctx context.Context) (string, error) {
	out, err := a.run(ctx, "current")
	if err != nil {
		return "", fmt.Errorf("activator: current id: %w", err)
	}
	return strings.TrimSpace(lastLine(out)), nil
}

func (a *Activator) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.program, args...)

	buf, err := circbuf.NewBuffer(commandOutputCap)
	if err != nil {
		buf = &circbuf.Buffer{}
	}
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %v: %w: %s", a.program, args, err, bytes.TrimSpace(buf.Bytes()))
	}
	return buf.String(), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return lines[len(lines)-1]
}

// Gate enforces spec §5's activation-serialization rule: the OS
// configuration switcher is a process-wide singleton, so at most one
// switch session may be Activating or RollingBack at a time, and at most
// one more caller may be queued behind it — beyond that, begin returns
// BusyActivating.
//
// Adapted from the teacher's internal/budget.Bucket concurrency idiom
// (mutex-guarded counters, a dedicated background-free design) — not its
// token-economy semantics, which don't apply to a binary in-flight/queued
// gate.
type Gate struct {
	mu      sync.Mutex
	waiting bool
	slot    chan struct{} // buffered(1); a token present means the slot is free
}

// NewGate creates a Gate with its single slot free.
func NewGate() *Gate {
	g := &Gate{slot: make(chan struct{}, 1)}
	g.slot <- struct{}{}
	return g
}

// Enter reserves the activation slot, blocking if it is held and nobody
// else is already queued. Returns errs.BusyActivating immediately if
// another caller is already queued. The returned release func must be
// called exactly once to free the slot.
func (g *Gate) Enter(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	select {
	case <-g.slot:
		g.mu.Unlock()
		return g.release, nil
	default:
	}
	if g.waiting {
		g.mu.Unlock()
		return nil, errs.New(errs.BusyActivating, "an activation is already queued")
	}
	g.waiting = true
	g.mu.Unlock()

	select {
	case <-g.slot:
		g.mu.Lock()
		g.waiting = false
		g.mu.Unlock()
		return g.release, nil
	case <-ctx.Done():
		g.mu.Lock()
		g.waiting = false
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (g *Gate) release() { g.slot <- struct{}{} }
