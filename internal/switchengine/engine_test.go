package switchengine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/osmoda/safeswitch/internal/activator"
	"github.com/osmoda/safeswitch/internal/clock"
	"github.com/osmoda/safeswitch/internal/errs"
	"github.com/osmoda/safeswitch/internal/health"
	"github.com/osmoda/safeswitch/internal/ledger"
	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/persistence"
	"github.com/osmoda/safeswitch/internal/processctl"
)

func newTestEngine(t *testing.T, switcher activator.ConfigSwitcher) *Engine {
	t.Helper()
	store, err := persistence.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	e, err := New(Deps{
		Switcher: switcher,
		Gate:     activator.NewGate(),
		Prober:   health.New(processctl.NewFake()),
		Store:    store,
		Clock:    clock.New(),
		Log:      zap.NewNop(),
		Ledger:   ledger.NewFake(),
		Retain:   8,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func waitForState(t *testing.T, e *Engine, id string, want model.SwitchState) *model.SwitchSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := e.Get(id)
		require.NoError(t, err)
		if s.State == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %q never reached state %s", id, want)
	return nil
}

func TestBeginReachesProbationThenCommits(t *testing.T) {
	e := newTestEngine(t, activator.NewFake("config-a"))

	sess, err := e.Begin(context.Background(), BeginRequest{
		Plan:        "roll out config-b",
		NewConfigID: "config-b",
		TTLSecs:     60,
	})
	require.NoError(t, err)
	require.Equal(t, model.SwitchPending, sess.State)

	waitForState(t, e, sess.ID, model.SwitchProbation)

	committed, err := e.Commit(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SwitchCommitted, committed.State)
	require.Equal(t, "committed by operator", committed.OutcomeReason)
}

func TestBeginThenExplicitRollback(t *testing.T) {
	fake := activator.NewFake("config-a")
	e := newTestEngine(t, fake)

	sess, err := e.Begin(context.Background(), BeginRequest{
		NewConfigID: "config-b",
		TTLSecs:     60,
	})
	require.NoError(t, err)
	waitForState(t, e, sess.ID, model.SwitchProbation)

	rolled, err := e.Rollback(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SwitchRolledBack, rolled.State)

	history := fake.History()
	require.Contains(t, history, "activate:config-a->config-b")
	require.Contains(t, history, "rollback:config-a")
}

func TestActivationFailureEndsInFailedAndBlocksNewBegins(t *testing.T) {
	fake := activator.NewFake("config-a")
	fake.FailActivate(errors.New("boom"))
	e := newTestEngine(t, fake)

	sess, err := e.Begin(context.Background(), BeginRequest{
		NewConfigID: "config-b",
		TTLSecs:     60,
	})
	require.NoError(t, err)

	failed := waitForState(t, e, sess.ID, model.SwitchFailed)
	require.False(t, failed.Acknowledged)

	_, err = e.Begin(context.Background(), BeginRequest{NewConfigID: "config-c", TTLSecs: 60})
	require.Error(t, err)
	var e2 *errs.Error
	require.True(t, errors.As(err, &e2))
	require.Equal(t, errs.ConflictTerminalState, e2.Kind)

	require.NoError(t, e.Acknowledge(sess.ID))

	_, err = e.Begin(context.Background(), BeginRequest{NewConfigID: "config-c", TTLSecs: 60})
	require.NoError(t, err)
}

func TestBeginRejectsOutOfRangeTTL(t *testing.T) {
	e := newTestEngine(t, activator.NewFake("config-a"))

	_, err := e.Begin(context.Background(), BeginRequest{NewConfigID: "config-b", TTLSecs: 1})
	require.Error(t, err)
	var e2 *errs.Error
	require.True(t, errors.As(err, &e2))
	require.Equal(t, errs.InvalidArgument, e2.Kind)
}

func TestCommitOnNonProbationSessionIsRejected(t *testing.T) {
	e := newTestEngine(t, activator.NewFake("config-a"))
	sess, err := e.Begin(context.Background(), BeginRequest{NewConfigID: "config-b", TTLSecs: 60})
	require.NoError(t, err)
	waitForState(t, e, sess.ID, model.SwitchProbation)

	_, err = e.Commit(context.Background(), sess.ID)
	require.NoError(t, err)

	// Committed is terminal: a second commit must be rejected.
	_, err = e.Commit(context.Background(), sess.ID)
	require.Error(t, err)
	var e2 *errs.Error
	require.True(t, errors.As(err, &e2))
	require.Equal(t, errs.ConflictTerminalState, e2.Kind)
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	e := newTestEngine(t, activator.NewFake("config-a"))
	_, err := e.Get("does-not-exist")
	require.Error(t, err)
	var e2 *errs.Error
	require.True(t, errors.As(err, &e2))
	require.Equal(t, errs.NotFound, e2.Kind)
}

func TestEvictOldTerminalSessionsRespectsRetain(t *testing.T) {
	store, err := persistence.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	e, err := New(Deps{
		Switcher: activator.NewFake("config-a"),
		Gate:     activator.NewGate(),
		Prober:   health.New(processctl.NewFake()),
		Store:    store,
		Clock:    clock.New(),
		Log:      zap.NewNop(),
		Ledger:   ledger.NewFake(),
		Retain:   1,
	})
	require.NoError(t, err)
	defer e.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := e.Begin(context.Background(), BeginRequest{
			NewConfigID: fmt.Sprintf("config-%d", i),
			TTLSecs:     60,
		})
		require.NoError(t, err)
		waitForState(t, e, sess.ID, model.SwitchProbation)
		_, err = e.Commit(context.Background(), sess.ID)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	require.LessOrEqual(t, len(e.List()), 1+2) // at most retain + any still-converging session
	_, err = e.Get(ids[0])
	require.Error(t, err, "oldest terminal session should have been evicted")
}
