// Package processctl implements the ProcessController collaborator of
// spec §2/§4.2: querying and restarting named systemd service units. It is
// the userspace-process analogue of the teacher's BPF process_state_map —
// where OCTOREFLEX enforced isolation state in-kernel, SafeSwitch queries
// and mutates real systemd unit state over D-Bus, via
// github.com/coreos/go-systemd/v22/dbus.
package processctl

import (
	"context"
	"fmt"

	systemdbus "github.com/coreos/go-systemd/v22/dbus"
)

// UnitStatus is the ActiveState/SubState pair the Health Prober's
// ServiceUnit check evaluates, per spec §4.2: "pass iff state is 'active'
// and sub-state 'running'".
type UnitStatus struct {
	ActiveState string
	SubState    string
}

// Active reports whether this status satisfies the ServiceUnit health
// predicate.
func (s UnitStatus) Active() bool {
	return s.ActiveState == "active" && s.SubState == "running"
}

// Controller is the collaborator interface the Health Prober and the
// Watcher Engine's RestartServiceUnit action depend on. Kept narrow and
// mockable per spec §9's "engine is testable with in-memory fakes"
// design note.
type Controller interface {
	// UnitStatus returns the current ActiveState/SubState for a unit.
	UnitStatus(ctx context.Context, unit string) (UnitStatus, error)
	// RestartUnit requests a systemd restart of the named unit and blocks
	// until systemd reports the job as done or failed.
	RestartUnit(ctx context.Context, unit string) error
}

// SystemdController is the production Controller backed by a live D-Bus
// connection to systemd (system bus, PID 1).
type SystemdController struct{}

// NewSystemdController returns the production Controller.
func NewSystemdController() *SystemdController { return &SystemdController{} }

func (c *SystemdController) UnitStatus(ctx context.Context, unit string) (UnitStatus, error) {
	conn, err := systemdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("processctl: dbus connect: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("processctl: get properties for %q: %w", unit, err)
	}

	active, _ := props["ActiveState"].(string)
	sub, _ := props["SubState"].(string)
	return UnitStatus{ActiveState: active, SubState: sub}, nil
}

func (c *SystemdController) RestartUnit(ctx context.Context, unit string) error {
	conn, err := systemdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("processctl: dbus connect: %w", err)
	}
	defer conn.Close()

	resultCh := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, unit, "replace", resultCh); err != nil {
		return fmt.Errorf("processctl: restart %q: %w", unit, err)
	}

	select {
	case result := <-resultCh:
		if result != "done" {
			return fmt.Errorf("processctl: restart %q finished with result %q", unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processctl: restart %q: %w", unit, ctx.Err())
	}
}
