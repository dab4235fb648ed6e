package activator

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory ConfigSwitcher for Switch Engine and Fleet
// Coordinator tests.
type Fake struct {
	mu          sync.Mutex
	current     string
	activateErr error
	rollbackErr error
	history     []string
}

// NewFake creates a Fake currently on startID.
func NewFake(startID string) *Fake {
	return &Fake{current: startID}
}

// FailActivate makes the next Activate call return err.
func (f *Fake) FailActivate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activateErr = err
}

// FailRollback makes the next RollbackTo call return err.
func (f *Fake) FailRollback(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbackErr = err
}

func (f *Fake) Activate(ctx context.Context, newID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		err := f.activateErr
		f.activateErr = nil
		return "", err
	}
	prior := f.current
	f.current = newID
	f.history = append(f.history, fmt.Sprintf("activate:%s->%s", prior, newID))
	return prior, nil
}

func (f *Fake) RollbackTo(ctx context.Context, priorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackErr != nil {
		err := f.rollbackErr
		f.rollbackErr = nil
		return err
	}
	f.history = append(f.history, fmt.Sprintf("rollback:%s", priorID))
	f.current = priorID
	return nil
}

func (f *Fake) CurrentID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

// History returns the ordered list of activate/rollback operations performed.
func (f *Fake) History() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history...)
}

var _ ConfigSwitcher = (*Fake)(nil)
