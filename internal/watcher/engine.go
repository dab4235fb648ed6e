// Package watcher implements the Watcher Engine of spec §4.4: named,
// persistent health monitors that escalate through an ordered list of
// remediation actions on consecutive probe failures, and reset to Healthy
// on the first pass.
package watcher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/osmoda/safeswitch/internal/clock"
	"github.com/osmoda/safeswitch/internal/errs"
	"github.com/osmoda/safeswitch/internal/health"
	"github.com/osmoda/safeswitch/internal/ledger"
	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/observability"
	"github.com/osmoda/safeswitch/internal/persistence"
	"github.com/osmoda/safeswitch/internal/processctl"
)

// degradedMutationErr is returned by any mutation against a watcher whose
// persistence has exhausted its retry budget, per spec §7.
func degradedMutationErr(id string) error {
	return errs.New(errs.PersistenceError, fmt.Sprintf("watcher %q has exhausted its persistence retry budget", id))
}

// actionBudget bounds a single remediation action's execution, per spec
// §4.4: "each action in a remediation list gets a 30s execution budget."
const actionBudget = 30 * time.Second

// RollbackRequester is implemented by the Switch Engine wiring: a
// RollbackGeneration action rolls the host's most recently created
// Committed switch session back to its recorded previous configuration and
// marks that session RolledBack; no new switch session is created. Per
// spec §9's one-way quiesce design —
// the Watcher Engine never calls into the Switch Engine's internals
// directly, only through this narrow port.
type RollbackRequester interface {
	RollbackToPrevious(ctx context.Context) error
}

// Notifier is implemented by the ledger client: a Notify action appends an
// event to the append-only operational ledger, per spec §4.4/§6.
type Notifier interface {
	Notify(ctx context.Context, severity, message string) error
}

// CreateRequest is the input to Create, per spec §6's POST /watcher/add body.
type CreateRequest struct {
	Name         string
	Check        model.HealthCheckSpec
	IntervalSecs int
	Actions      []model.RemediationAction
}

// Engine owns every Watcher on this host and the single tick-loop
// goroutine driving each one, mirroring Switch Engine's one-reconciler-
// per-entity ownership model.
type Engine struct {
	prober    *health.Prober
	processes processctl.Controller
	rollback  RollbackRequester
	notifier  Notifier
	store     *persistence.Store
	clock     clock.Clock
	log       *zap.Logger
	ledger    ledger.Client
	metrics   *observability.Metrics
	degraded  *persistence.DegradedSet

	mu       sync.Mutex
	watchers map[string]*model.Watcher
	wg       sync.WaitGroup
	closing  chan struct{}
}

// Deps bundles Engine's collaborators for New.
type Deps struct {
	Prober    *health.Prober
	Processes processctl.Controller
	Rollback  RollbackRequester
	Notifier  Notifier
	Store     *persistence.Store
	Clock     clock.Clock
	Log       *zap.Logger
	Ledger    ledger.Client
	Metrics   *observability.Metrics
}

// New creates an Engine and resumes ticking for every watcher persisted
// from a prior run.
func New(d Deps) (*Engine, error) {
	e := &Engine{
		prober:    d.Prober,
		processes: d.Processes,
		rollback:  d.Rollback,
		notifier:  d.Notifier,
		store:     d.Store,
		clock:     d.Clock,
		log:       d.Log,
		ledger:    d.Ledger,
		metrics:   d.Metrics,
		degraded:  persistence.NewDegradedSet(),
		watchers:  make(map[string]*model.Watcher),
		closing:   make(chan struct{}),
	}
	ids, err := d.Store.IDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		var w model.Watcher
		if err := d.Store.Load(id, &w); err != nil {
			e.log.Warn("watcher: failed to load persisted watcher, skipping", zap.String("id", id), zap.Error(err))
			continue
		}
		e.watchers[w.ID] = &w
		e.startTicker(&w)
	}
	return e, nil
}

// Create registers a new Watcher and starts its tick loop, per spec §4.4.
func (e *Engine) Create(req CreateRequest) (*model.Watcher, error) {
	if req.IntervalSecs <= 0 {
		return nil, errs.New(errs.InvalidArgument, "interval_secs must be positive")
	}
	if len(req.Actions) == 0 {
		return nil, errs.New(errs.InvalidArgument, "at least one remediation action is required")
	}

	w := &model.Watcher{
		ID:           "wa-" + uuid.NewString(),
		Name:         req.Name,
		Check:        req.Check,
		IntervalSecs: req.IntervalSecs,
		Actions:      req.Actions,
		State:        model.WatcherState{Kind: model.WatcherHealthy},
	}

	e.mu.Lock()
	e.watchers[w.ID] = w
	e.mu.Unlock()

	if err := e.persist(w); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.refreshStateGauge()
	}
	e.startTicker(w)
	return w.Clone(), nil
}

// Get returns a snapshot of a watcher by id.
func (e *Engine) Get(id string) (*model.Watcher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watchers[id]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("watcher %q not found", id))
	}
	return w.Clone(), nil
}

// List returns a snapshot of every watcher known to this host.
func (e *Engine) List() []*model.Watcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		out = append(out, w.Clone())
	}
	return out
}

// Delete removes a watcher and stops its tick loop, per spec §6's
// DELETE /watcher/{id}.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	w, ok := e.watchers[id]
	if !ok {
		e.mu.Unlock()
		return errs.New(errs.NotFound, fmt.Sprintf("watcher %q not found", id))
	}
	delete(e.watchers, id)
	w.Quiesced = true // suppresses escalation in a tick already in flight; the loop exits once it sees the id gone
	e.mu.Unlock()

	e.degraded.Clear(id)
	return e.store.Delete(id)
}

// SetQuiesced toggles a watcher's Quiesced flag, per spec §9's design note:
// quiescing suppresses escalation for a known-bad window (e.g. while a
// fleet-wide switch is underway) without the Switch Engine reaching back
// into the Watcher Engine's state machine.
func (e *Engine) SetQuiesced(id string, quiesced bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watchers[id]
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("watcher %q not found", id))
	}
	if e.degraded.Is(id) {
		return degradedMutationErr(id)
	}
	w.Quiesced = quiesced
	w.Revision++
	return e.store.Save(w.ID, w)
}

// Close stops every tick loop and waits for in-flight action execution to
// finish.
func (e *Engine) Close() {
	close(e.closing)
	e.wg.Wait()
}

func (e *Engine) startTicker(w *model.Watcher) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tickLoop(w)
	}()
}

func (e *Engine) tickLoop(w *model.Watcher) {
	for {
		timer := e.clock.NewTimer(time.Duration(w.IntervalSecs) * time.Second)
		select {
		case <-timer.C():
		case <-e.closing:
			timer.Stop()
			return
		}

		e.mu.Lock()
		_, stillExists := e.watchers[w.ID]
		e.mu.Unlock()
		if !stillExists {
			return
		}

		e.tickOnce(context.Background(), w)
	}
}

// tickOnce evaluates one probe and applies the transition of spec §4.4's
// Healthy/Degraded/Escalated state machine. All mutation of w's fields
// happens under e.mu so Get/List/refreshStateGauge's lock-held reads of
// the same *model.Watcher never race this tick loop's writes, per spec
// §5's single-owner-per-entity model; persistence, logging, ledger
// emission, and remediation all run after the lock is released.
func (e *Engine) tickOnce(ctx context.Context, w *model.Watcher) {
	report := e.prober.Probe(ctx, []model.HealthCheckSpec{w.Check}, health.DefaultBudget)
	passed := report.AllPassed

	e.mu.Lock()
	w.LastCheckAt = e.clock.Now()
	if passed {
		w.Stats.Passes++
	} else {
		w.Stats.Fails++
	}
	quiesced := w.Quiesced
	e.mu.Unlock()

	if quiesced {
		// Escalation is suppressed, but pass/fail counters and LastCheckAt
		// still advance so the watcher's history stays accurate.
		e.persistQuiet(w)
		return
	}

	e.mu.Lock()
	from := w.State.Kind
	recovered := false
	justDegraded := false
	justEscalated := false
	runIndex := -1
	switch {
	case passed:
		recovered = w.State.Kind != model.WatcherHealthy
		w.State = model.WatcherState{Kind: model.WatcherHealthy}

	case w.State.Kind == model.WatcherHealthy:
		w.State = model.WatcherState{
			Kind:                model.WatcherDegraded,
			Since:               e.clock.Now(),
			ConsecutiveFailures: 1,
		}
		justDegraded = true

	case w.State.Kind == model.WatcherDegraded:
		w.State.ConsecutiveFailures++
		// actions[0] fires on the 2nd consecutive failure (spec §4.4),
		// independent of how many actions the watcher has.
		if w.State.ConsecutiveFailures >= 2 {
			w.State.Kind = model.WatcherEscalated
			w.State.ActionIndex = 0
			justEscalated = true
			runIndex = 0
		}

	case w.State.Kind == model.WatcherEscalated:
		w.State.ConsecutiveFailures++
		next := w.State.ActionIndex + 1
		if next >= len(w.Actions) {
			next = len(w.Actions) - 1 // stay on the last, most severe action
		}
		w.State.ActionIndex = next
		runIndex = next
	}
	e.mu.Unlock()

	switch {
	case passed:
		if recovered {
			e.log.Info("watcher recovered", zap.String("id", w.ID), zap.String("name", w.Name))
			e.emitTransition(w, from, model.WatcherHealthy, "probe passed")
		}
		e.persistQuiet(w)

	case justDegraded:
		e.persistQuiet(w)
		e.emitTransition(w, from, model.WatcherDegraded, "probe failed")

	case justEscalated:
		e.persistQuiet(w)
		e.emitTransition(w, from, model.WatcherEscalated, "consecutive failure threshold reached")
		e.runAction(ctx, w, runIndex)

	default:
		e.persistQuiet(w)
		if runIndex >= 0 {
			e.runAction(ctx, w, runIndex)
		}
	}
}

// emitTransition appends a ledger event for a watcher state-kind change,
// generalizing the Switch Engine's per-transition event shape (spec §4.3)
// to Watcher's Healthy/Degraded/Escalated machine.
func (e *Engine) emitTransition(w *model.Watcher, from, to model.WatcherStateKind, reason string) {
	if e.metrics != nil {
		if to == model.WatcherEscalated {
			e.metrics.WatcherEscalationsTotal.Inc()
		}
		e.refreshStateGauge()
	}
	if e.ledger == nil {
		return
	}
	sev := ledger.SeverityInfo
	if to == model.WatcherEscalated {
		sev = ledger.SeverityWarning
	}
	e.ledger.Append(context.Background(), ledger.NewEvent("Watcher", w.ID, string(from), string(to), reason, sev, e.clock.Now()))
}

// refreshStateGauge recomputes WatchersByState from the current in-memory
// watcher set, mirroring the Switch Engine's own gauge refresh.
func (e *Engine) refreshStateGauge() {
	e.mu.Lock()
	counts := make(map[model.WatcherStateKind]int)
	for _, w := range e.watchers {
		counts[w.State.Kind]++
	}
	e.mu.Unlock()
	for _, st := range []model.WatcherStateKind{model.WatcherHealthy, model.WatcherDegraded, model.WatcherEscalated} {
		e.metrics.WatchersByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (e *Engine) runAction(ctx context.Context, w *model.Watcher, index int) {
	action := w.Actions[index]
	actx, cancel := context.WithTimeout(ctx, actionBudget)
	defer cancel()

	var err error
	switch action.Kind {
	case model.ActionRestartServiceUnit:
		err = e.processes.RestartUnit(actx, action.Unit)
	case model.ActionRollbackGeneration:
		if e.rollback != nil {
			err = e.rollback.RollbackToPrevious(actx)
		} else {
			err = errs.New(errs.InvalidArgument, "no rollback requester configured")
		}
	case model.ActionNotify:
		if e.notifier != nil {
			err = e.notifier.Notify(actx, action.Severity, action.Message)
		}
	case model.ActionRunCommand:
		err = e.runCommand(actx, action)
	}

	if err != nil {
		if e.metrics != nil {
			e.metrics.WatcherActionsTotal.WithLabelValues(string(action.Kind), "error").Inc()
		}
		e.log.Error("watcher remediation action failed",
			zap.String("id", w.ID), zap.String("name", w.Name),
			zap.String("action", string(action.Kind)), zap.Error(err))
		return
	}
	if e.metrics != nil {
		e.metrics.WatcherActionsTotal.WithLabelValues(string(action.Kind), "ok").Inc()
	}
	e.log.Info("watcher remediation action executed",
		zap.String("id", w.ID), zap.String("name", w.Name),
		zap.String("action", string(action.Kind)))
}

// runCommandOutputCap bounds a RunCommand action's captured output,
// matching the Health Prober's Command check convention (spec §4.2).
const runCommandOutputCap = 2 * 1024

func (e *Engine) runCommand(ctx context.Context, action model.RemediationAction) error {
	cmd := exec.CommandContext(ctx, action.Program, action.Args...)
	buf, err := circbuf.NewBuffer(runCommandOutputCap)
	if err != nil {
		buf = &circbuf.Buffer{}
	}
	cmd.Stdout = buf
	cmd.Stderr = buf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", action.Program, action.Args, err, bytes.TrimSpace(buf.Bytes()))
	}
	return nil
}

func (e *Engine) persistQuiet(w *model.Watcher) {
	e.mu.Lock()
	w.Revision++
	e.mu.Unlock()
	if err := e.persist(w); err != nil {
		e.log.Error("watcher: persist failed", zap.String("id", w.ID), zap.Error(err))
	}
}

func (e *Engine) persist(w *model.Watcher) error {
	start := e.clock.Now()
	err := e.store.Save(w.ID, w)
	if e.metrics != nil {
		e.metrics.PersistenceWriteLatency.Observe(e.clock.Now().Sub(start).Seconds())
	}
	if err != nil {
		e.degraded.Mark(w.ID)
		e.log.Error("watcher: persistence retries exhausted, refusing further mutations", zap.String("id", w.ID), zap.Error(err))
		if e.metrics != nil {
			e.metrics.PersistenceFailuresTotal.Inc()
		}
		return errs.Wrap(errs.PersistenceError, fmt.Sprintf("save watcher %q", w.ID), err)
	}
	return nil
}
