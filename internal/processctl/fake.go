package processctl

import (
	"context"
	"sync"
)

// Fake is an in-memory Controller for Switch Engine, Health Prober, and
// Watcher Engine tests. Status and restart behavior are scripted by the
// test through Set and FailRestart.
type Fake struct {
	mu         sync.Mutex
	statuses   map[string]UnitStatus
	restartErr map[string]error
	restarts   []string
}

// NewFake creates an empty Fake controller. Units not explicitly seeded
// via Set report inactive/dead.
func NewFake() *Fake {
	return &Fake{
		statuses:   make(map[string]UnitStatus),
		restartErr: make(map[string]error),
	}
}

// Set seeds the status reported for a unit.
func (f *Fake) Set(unit string, status UnitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[unit] = status
}

// FailRestart makes RestartUnit return err for the named unit.
func (f *Fake) FailRestart(unit string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartErr[unit] = err
}

// Restarts returns the ordered list of units RestartUnit was called for.
func (f *Fake) Restarts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restarts...)
}

func (f *Fake) UnitStatus(ctx context.Context, unit string) (UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[unit]
	if !ok {
		return UnitStatus{ActiveState: "inactive", SubState: "dead"}, nil
	}
	return s, nil
}

func (f *Fake) RestartUnit(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, unit)
	if err, ok := f.restartErr[unit]; ok && err != nil {
		return err
	}
	// A successful restart makes the unit report healthy, the way systemd
	// would once the service re-enters running state.
	f.statuses[unit] = UnitStatus{ActiveState: "active", SubState: "running"}
	return nil
}

var _ Controller = (*Fake)(nil)
