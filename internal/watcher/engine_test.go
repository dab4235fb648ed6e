package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/osmoda/safeswitch/internal/clock"
	"github.com/osmoda/safeswitch/internal/errs"
	"github.com/osmoda/safeswitch/internal/health"
	"github.com/osmoda/safeswitch/internal/ledger"
	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/persistence"
	"github.com/osmoda/safeswitch/internal/processctl"
)

type fakeRollback struct {
	calls int
	err   error
}

func (f *fakeRollback) RollbackToPrevious(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, severity, message string) error {
	f.messages = append(f.messages, severity+":"+message)
	return nil
}

func newTestWatcherEngine(t *testing.T, processes processctl.Controller, rb RollbackRequester, notify Notifier) (*Engine, *ledger.Fake) {
	t.Helper()
	store, err := persistence.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	fakeLedger := ledger.NewFake()
	e, err := New(Deps{
		Prober:    health.New(processes),
		Processes: processes,
		Rollback:  rb,
		Notifier:  notify,
		Store:     store,
		Clock:     clock.New(),
		Log:       zap.NewNop(),
		Ledger:    fakeLedger,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, fakeLedger
}

func waitForWatcherState(t *testing.T, e *Engine, id string, want model.WatcherStateKind) *model.Watcher {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w, err := e.Get(id)
		require.NoError(t, err)
		if w.State.Kind == want {
			return w
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher %q never reached state %s", id, want)
	return nil
}

func serviceUnitCheck(unit string) model.HealthCheckSpec {
	return model.HealthCheckSpec{Kind: model.CheckServiceUnit, UnitName: unit}
}

func TestWatcherStaysHealthyWhenCheckPasses(t *testing.T) {
	processes := processctl.NewFake()
	processes.Set("app.service", processctl.UnitStatus{ActiveState: "active", SubState: "running"})
	e, _ := newTestWatcherEngine(t, processes, nil, nil)

	w, err := e.Create(CreateRequest{
		Name:         "app",
		Check:        serviceUnitCheck("app.service"),
		IntervalSecs: 1,
		Actions:      []model.RemediationAction{{Kind: model.ActionRestartServiceUnit, Unit: "app.service"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.WatcherHealthy, w.State.Kind)

	time.Sleep(1200 * time.Millisecond)
	got, err := e.Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, model.WatcherHealthy, got.State.Kind)
	require.GreaterOrEqual(t, got.Stats.Passes, int64(1))
}

func TestWatcherEscalatesThroughActionsOnRepeatedFailure(t *testing.T) {
	processes := processctl.NewFake()
	processes.Set("app.service", processctl.UnitStatus{ActiveState: "failed", SubState: "dead"})
	// The restart fails, so the unit stays down and escalation moves on.
	processes.FailRestart("app.service", errors.New("restart failed"))
	rb := &fakeRollback{}
	e, fakeLedger := newTestWatcherEngine(t, processes, rb, nil)

	w, err := e.Create(CreateRequest{
		Name:         "app",
		Check:        serviceUnitCheck("app.service"),
		IntervalSecs: 1,
		Actions: []model.RemediationAction{
			{Kind: model.ActionRestartServiceUnit, Unit: "app.service"},
			{Kind: model.ActionRollbackGeneration},
		},
	})
	require.NoError(t, err)

	waitForWatcherState(t, e, w.ID, model.WatcherDegraded)
	escalated := waitForWatcherState(t, e, w.ID, model.WatcherEscalated)
	require.Equal(t, 0, escalated.State.ActionIndex)

	require.Eventually(t, func() bool {
		return len(processes.Restarts()) >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected a restart to have been attempted")

	require.Eventually(t, func() bool {
		final, err := e.Get(w.ID)
		return err == nil && final.State.ActionIndex == 1
	}, 2*time.Second, 10*time.Millisecond, "expected escalation to advance to the rollback action")

	require.Eventually(t, func() bool {
		return rb.calls >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected rollback action to run")

	events := fakeLedger.Events()
	require.NotEmpty(t, events)
	foundEscalation := false
	for _, ev := range events {
		if ev.ToState == string(model.WatcherEscalated) {
			foundEscalation = true
		}
	}
	require.True(t, foundEscalation, "expected an escalation transition to be recorded in the ledger")
}

func TestWatcherWithThreeActionsEscalatesOnSecondConsecutiveFailure(t *testing.T) {
	processes := processctl.NewFake()
	processes.Set("app.service", processctl.UnitStatus{ActiveState: "failed", SubState: "dead"})
	rb := &fakeRollback{}
	notifier := &fakeNotifier{}
	e, _ := newTestWatcherEngine(t, processes, rb, notifier)

	w, err := e.Create(CreateRequest{
		Name:         "app",
		Check:        serviceUnitCheck("app.service"),
		IntervalSecs: 1,
		Actions: []model.RemediationAction{
			{Kind: model.ActionRestartServiceUnit, Unit: "app.service"},
			{Kind: model.ActionRollbackGeneration},
			{Kind: model.ActionNotify, Severity: "critical", Message: "still down"},
		},
	})
	require.NoError(t, err)

	waitForWatcherState(t, e, w.ID, model.WatcherDegraded)
	escalated := waitForWatcherState(t, e, w.ID, model.WatcherEscalated)
	require.Equal(t, 2, escalated.State.ConsecutiveFailures,
		"escalation must fire on the 2nd consecutive failure regardless of action-list length")
	require.Equal(t, 0, escalated.State.ActionIndex)

	require.Eventually(t, func() bool {
		return len(processes.Restarts()) >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected the first action (restart) to have been attempted")
}

func TestWatcherRecoversToHealthyAfterPass(t *testing.T) {
	processes := processctl.NewFake()
	processes.Set("app.service", processctl.UnitStatus{ActiveState: "failed", SubState: "dead"})
	e, _ := newTestWatcherEngine(t, processes, nil, nil)

	w, err := e.Create(CreateRequest{
		Name:         "app",
		Check:        serviceUnitCheck("app.service"),
		IntervalSecs: 1,
		Actions:      []model.RemediationAction{{Kind: model.ActionNotify, Severity: "warning", Message: "degraded"}},
	})
	require.NoError(t, err)

	waitForWatcherState(t, e, w.ID, model.WatcherDegraded)

	processes.Set("app.service", processctl.UnitStatus{ActiveState: "active", SubState: "running"})
	waitForWatcherState(t, e, w.ID, model.WatcherHealthy)
}

func TestQuiescedWatcherSuppressesEscalation(t *testing.T) {
	processes := processctl.NewFake()
	processes.Set("app.service", processctl.UnitStatus{ActiveState: "failed", SubState: "dead"})
	e, _ := newTestWatcherEngine(t, processes, nil, nil)

	w, err := e.Create(CreateRequest{
		Name:         "app",
		Check:        serviceUnitCheck("app.service"),
		IntervalSecs: 1,
		Actions:      []model.RemediationAction{{Kind: model.ActionRestartServiceUnit, Unit: "app.service"}},
	})
	require.NoError(t, err)

	require.NoError(t, e.SetQuiesced(w.ID, true))

	time.Sleep(1500 * time.Millisecond)

	got, err := e.Get(w.ID)
	require.NoError(t, err)
	require.Equal(t, model.WatcherHealthy, got.State.Kind, "quiesced watcher must not escalate")
	require.GreaterOrEqual(t, got.Stats.Fails, int64(1), "counters still advance while quiesced")
	require.Empty(t, processes.Restarts())
}

func TestCreateRejectsMissingActionsOrBadInterval(t *testing.T) {
	e, _ := newTestWatcherEngine(t, processctl.NewFake(), nil, nil)

	_, err := e.Create(CreateRequest{
		Name:         "app",
		Check:        serviceUnitCheck("app.service"),
		IntervalSecs: 0,
		Actions:      []model.RemediationAction{{Kind: model.ActionNotify}},
	})
	require.Error(t, err)
	var e1 *errs.Error
	require.True(t, errors.As(err, &e1))
	require.Equal(t, errs.InvalidArgument, e1.Kind)

	_, err = e.Create(CreateRequest{
		Name:         "app",
		Check:        serviceUnitCheck("app.service"),
		IntervalSecs: 10,
		Actions:      nil,
	})
	require.Error(t, err)
	var e2 *errs.Error
	require.True(t, errors.As(err, &e2))
	require.Equal(t, errs.InvalidArgument, e2.Kind)
}

func TestDeleteRemovesWatcherAndStopsTicking(t *testing.T) {
	processes := processctl.NewFake()
	processes.Set("app.service", processctl.UnitStatus{ActiveState: "active", SubState: "running"})
	e, _ := newTestWatcherEngine(t, processes, nil, nil)

	w, err := e.Create(CreateRequest{
		Name:         "app",
		Check:        serviceUnitCheck("app.service"),
		IntervalSecs: 1,
		Actions:      []model.RemediationAction{{Kind: model.ActionNotify}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Delete(w.ID))
	_, err = e.Get(w.ID)
	require.Error(t, err)
	var e2 *errs.Error
	require.True(t, errors.As(err, &e2))
	require.Equal(t, errs.NotFound, e2.Kind)
}

func TestSetQuiescedOnUnknownWatcherReturnsNotFound(t *testing.T) {
	e, _ := newTestWatcherEngine(t, processctl.NewFake(), nil, nil)
	err := e.SetQuiesced("does-not-exist", true)
	require.Error(t, err)
	var e2 *errs.Error
	require.True(t, errors.As(err, &e2))
	require.Equal(t, errs.NotFound, e2.Kind)
}
