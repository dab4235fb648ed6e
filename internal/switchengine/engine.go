// Package switchengine implements the Switch Engine of spec §4.3: the
// per-host deploy transaction state machine carrying a SwitchSession
// through Pending -> Activating -> Probation -> Committed, with automatic
// RollingBack -> RolledBack on any probation probe failure or TTL expiry,
// and Failed on an activation or rollback that itself fails.
//
// Each session owns exactly one reconciler goroutine for its lifetime,
// mirroring the teacher's per-PID escalation.ProcessState ownership model
// (internal/escalation/state_machine.go) rather than a single shared
// ticker sweeping all sessions. External callers (the HTTP API) never
// mutate a session directly — commit and rollback requests are enqueued
// on a small per-session channel the reconciler alone reads, per spec
// §5's "external requests enqueue intents to the owning task via bounded
// channels."
package switchengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/osmoda/safeswitch/internal/activator"
	"github.com/osmoda/safeswitch/internal/clock"
	"github.com/osmoda/safeswitch/internal/errs"
	"github.com/osmoda/safeswitch/internal/health"
	"github.com/osmoda/safeswitch/internal/ledger"
	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/observability"
	"github.com/osmoda/safeswitch/internal/persistence"
)

// probationTickFloor is the minimum probation-probe cadence, per spec
// §4.3: "probes every max(5, ttl_secs/10) seconds".
const probationTickFloor = 5 * time.Second

// intentKind discriminates the two requests the API may enqueue against a
// live session.
type intentKind int

const (
	intentCommit intentKind = iota
	intentRollback
)

type intent struct {
	kind  intentKind
	reply chan error
}

// handle is the reconciler-side contact point for one session: reqs
// carries API-originated intents, done closes once the reconciler has
// settled the session into a terminal state.
type handle struct {
	reqs chan intent
	done chan struct{}
}

// BeginRequest is the input to Begin, per spec §6's POST /switch/begin
// body.
type BeginRequest struct {
	Plan         string
	NewConfigID  string
	TTLSecs      int
	HealthChecks []model.HealthCheckSpec

	// AutoCommitOnTTL is set by the Fleet Coordinator for a participant's
	// local leg of a FleetExecute; see model.SwitchSession.AutoCommitOnTTL.
	AutoCommitOnTTL bool
}

// Engine owns every SwitchSession on this host and the per-session
// reconciler goroutines driving each one forward.
type Engine struct {
	switcher activator.ConfigSwitcher
	gate     *activator.Gate
	prober   *health.Prober
	store    *persistence.Store
	clock    clock.Clock
	log      *zap.Logger
	ledger   ledger.Client
	metrics  *observability.Metrics

	retain int // terminal sessions kept per host, per spec §9.

	degraded *persistence.DegradedSet

	mu       sync.Mutex
	sessions map[string]*model.SwitchSession
	handles  map[string]*handle
	wg       sync.WaitGroup
	closing  chan struct{}
}

// Deps bundles Engine's collaborators for New.
type Deps struct {
	Switcher activator.ConfigSwitcher
	Gate     *activator.Gate
	Prober   *health.Prober
	Store    *persistence.Store
	Clock    clock.Clock
	Log      *zap.Logger
	Ledger   ledger.Client
	Metrics  *observability.Metrics
	Retain   int
}

// New creates an Engine and loads any sessions persisted from a prior run,
// resuming their reconciliation per spec §4.3's crash-recovery contract.
func New(d Deps) (*Engine, error) {
	if d.Retain <= 0 {
		d.Retain = 64
	}
	e := &Engine{
		switcher: d.Switcher,
		gate:     d.Gate,
		prober:   d.Prober,
		store:    d.Store,
		clock:    d.Clock,
		log:      d.Log,
		ledger:   d.Ledger,
		metrics:  d.Metrics,
		retain:   d.Retain,
		degraded: persistence.NewDegradedSet(),
		sessions: make(map[string]*model.SwitchSession),
		handles:  make(map[string]*handle),
		closing:  make(chan struct{}),
	}
	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

// recover reloads persisted sessions and resumes a reconciler for every
// non-terminal one, per spec §4.3: "any session in Activating or
// RollingBack is marked Failed with reason 'crash during transient
// state'; any in Probation with now > expires_at triggers immediate
// rollback."
func (e *Engine) recover() error {
	ids, err := e.store.IDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		var s model.SwitchSession
		if err := e.store.Load(id, &s); err != nil {
			e.log.Warn("switchengine: failed to load persisted session, skipping", zap.String("id", id), zap.Error(err))
			continue
		}
		sess := s
		if sess.State == model.SwitchActivating || sess.State == model.SwitchRollingBack {
			sess.State = model.SwitchFailed
			sess.OutcomeReason = "crash during transient state"
			sess.Revision++
			if err := e.store.Save(sess.ID, &sess); err != nil {
				e.log.Error("switchengine: failed to persist recovered Failed session", zap.String("id", id), zap.Error(err))
			}
			e.sessions[sess.ID] = &sess
			continue
		}
		e.sessions[sess.ID] = &sess
		if !sess.State.IsTerminal() {
			e.startReconciler(&sess, true)
		}
	}
	return nil
}

// Begin creates a new SwitchSession and starts its reconciler, per spec
// §4.3/§6. Returns errs.ConflictTerminalState if this host has an
// unacknowledged Failed session, and errs.BusyActivating if the
// activation gate already has a queued caller.
func (e *Engine) Begin(ctx context.Context, req BeginRequest) (*model.SwitchSession, error) {
	e.mu.Lock()
	for _, s := range e.sessions {
		if s.State == model.SwitchFailed && !s.Acknowledged {
			e.mu.Unlock()
			e.countBegin("rejected")
			return nil, errs.New(errs.ConflictTerminalState, fmt.Sprintf("session %s is Failed and unacknowledged", s.ID))
		}
	}
	e.mu.Unlock()

	if req.TTLSecs < 10 || req.TTLSecs > 86400 {
		e.countBegin("rejected")
		return nil, errs.New(errs.InvalidArgument, "ttl_secs must be between 10 and 86400")
	}

	now := e.clock.Now()
	newID := req.NewConfigID
	s := &model.SwitchSession{
		ID:           "sw-" + uuid.NewString(),
		Plan:         req.Plan,
		State:        model.SwitchPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(req.TTLSecs) * time.Second),
		TTLSecs:         req.TTLSecs,
		NewConfigID:     &newID,
		HealthChecks:    req.HealthChecks,
		AutoCommitOnTTL: req.AutoCommitOnTTL,
	}

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	if err := e.persist(s); err != nil {
		e.countBegin("rejected")
		return nil, err
	}

	e.countBegin("accepted")
	e.startReconciler(s, false)
	return s.Clone(), nil
}

func (e *Engine) countBegin(outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.SwitchBeginTotal.WithLabelValues(outcome).Inc()
}

// Get returns a snapshot of a session by id.
func (e *Engine) Get(id string) (*model.SwitchSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("switch session %q not found", id))
	}
	return s.Clone(), nil
}

// List returns a snapshot of every session known to this host.
func (e *Engine) List() []*model.SwitchSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.SwitchSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Commit enqueues a commit intent to id's reconciler, per spec §4.3:
// "only valid from Probation. Performs a final probe; if all_passed,
// transitions to Committed ... otherwise returns HealthCheckFailed and
// leaves state in Probation."
func (e *Engine) Commit(ctx context.Context, id string) (*model.SwitchSession, error) {
	return e.sendIntent(ctx, id, intentCommit)
}

// Rollback enqueues a rollback intent to id's reconciler, valid only from
// Probation per spec §4.3.
func (e *Engine) Rollback(ctx context.Context, id string) (*model.SwitchSession, error) {
	return e.sendIntent(ctx, id, intentRollback)
}

// PostCommitRollback reverts an already-Committed session, per spec
// §4.5's "participants that locally committed before finalization
// receive a post-hoc rollback command and execute it." This is the one
// place a "terminal" Committed session transitions again — only the
// Fleet Coordinator drives it, never the API's normal rollback path.
func (e *Engine) PostCommitRollback(ctx context.Context, id string) (*model.SwitchSession, error) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("switch session %q not found", id))
	}
	if s.State != model.SwitchCommitted {
		return nil, errs.New(errs.ConflictTerminalState, fmt.Sprintf("session %q is not Committed", id))
	}

	release, err := e.gate.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if s.PreviousConfigID == nil {
		e.finish(s, model.SwitchFailed, "no previous configuration id recorded, cannot roll back")
		return s.Clone(), nil
	}
	if err := e.switcher.RollbackTo(ctx, *s.PreviousConfigID); err != nil {
		e.finish(s, model.SwitchFailed, fmt.Sprintf("post-commit rollback failed: %v", err))
		return s.Clone(), nil
	}
	e.finish(s, model.SwitchRolledBack, "post-commit rollback requested by fleet finalize")
	return s.Clone(), nil
}

func (e *Engine) sendIntent(ctx context.Context, id string, kind intentKind) (*model.SwitchSession, error) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	h, hasHandle := e.handles[id]
	e.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("switch session %q not found", id))
	}
	if s.State.IsTerminal() || !hasHandle {
		return nil, errs.New(errs.ConflictTerminalState, fmt.Sprintf("session %q is already %s", id, s.State))
	}
	if e.degraded.Is(id) {
		return nil, errs.New(errs.PersistenceError, fmt.Sprintf("session %q has exhausted its persistence retry budget", id))
	}

	reply := make(chan error, 1)
	select {
	case h.reqs <- intent{kind: kind, reply: reply}:
	case <-h.done:
		return nil, errs.New(errs.ConflictTerminalState, fmt.Sprintf("session %q reached a terminal state first", id))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.Get(id)
}

// RollbackToPrevious implements watcher.RollbackRequester: rolls back the
// most recently created Committed session on this host to its recorded
// previous configuration and marks that session RolledBack (no new session
// is created), satisfying a RollbackGeneration remediation action without the
// Watcher Engine touching switchengine internals, per spec §9's one-way
// delegation note.
func (e *Engine) RollbackToPrevious(ctx context.Context) error {
	e.mu.Lock()
	var target *model.SwitchSession
	for _, s := range e.sessions {
		if s.State == model.SwitchCommitted && (target == nil || s.CreatedAt.After(target.CreatedAt)) {
			target = s
		}
	}
	e.mu.Unlock()
	if target == nil {
		return errs.New(errs.NotFound, "no committed session to roll back")
	}

	release, err := e.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if target.PreviousConfigID == nil {
		return errs.New(errs.RollbackFailed, "no previous configuration id recorded")
	}
	if err := e.switcher.RollbackTo(ctx, *target.PreviousConfigID); err != nil {
		return errs.Wrap(errs.RollbackFailed, "watcher-triggered rollback", err)
	}

	e.setState(target, model.SwitchRolledBack, "rolled back by watcher RollbackGeneration action")
	if e.degraded.Is(target.ID) {
		return errs.New(errs.PersistenceError, fmt.Sprintf("save session %q", target.ID))
	}
	return nil
}

// Acknowledge sets a terminal Failed session's Acknowledged flag so new
// Begin calls are permitted again, per spec §7.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("switch session %q not found", id))
	}
	if s.State != model.SwitchFailed {
		return errs.New(errs.ConflictTerminalState, fmt.Sprintf("session %q is not in Failed state", id))
	}
	s.Acknowledged = true
	s.Revision++
	e.degraded.Clear(s.ID)
	return e.store.Save(s.ID, s)
}

// Close stops accepting new work and waits for in-flight reconcilers to
// reach a safe stopping point.
func (e *Engine) Close() {
	close(e.closing)
	e.wg.Wait()
}

func (e *Engine) startReconciler(s *model.SwitchSession, resuming bool) {
	h := &handle{reqs: make(chan intent, 2), done: make(chan struct{})}
	e.mu.Lock()
	e.handles[s.ID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(h.done)
		if resuming {
			e.reconcileFromProbation(context.Background(), s, h)
		} else {
			e.reconcileFromPending(context.Background(), s, h)
		}
	}()
}

func (e *Engine) reconcileFromPending(ctx context.Context, s *model.SwitchSession, h *handle) {
	if !e.doActivate(ctx, s) {
		return
	}
	e.reconcileFromProbation(ctx, s, h)
}

func (e *Engine) doActivate(ctx context.Context, s *model.SwitchSession) bool {
	release, err := e.gate.Enter(ctx)
	if err != nil {
		e.finish(s, model.SwitchFailed, fmt.Sprintf("activation gate: %v", err))
		return false
	}
	defer release()

	e.setState(s, model.SwitchActivating, "")

	priorID, err := e.switcher.Activate(ctx, *s.NewConfigID)
	if err != nil {
		e.finish(s, model.SwitchFailed, fmt.Sprintf("activate failed: %v", err))
		return false
	}
	e.mu.Lock()
	s.PreviousConfigID = &priorID
	e.mu.Unlock()
	e.setState(s, model.SwitchProbation, "")
	return true
}

// reconcileFromProbation drives a session already in (or resuming into)
// Probation to a terminal state, honoring explicit commit/rollback
// intents, the probation-probe cadence, and the TTL deadline.
func (e *Engine) reconcileFromProbation(ctx context.Context, s *model.SwitchSession, h *handle) {
	if s.State == model.SwitchProbation && !e.clock.Now().Before(s.ExpiresAt) {
		e.onTTLExpiry(ctx, s)
		return
	}

	if e.probeAndMaybeRollback(ctx, s, "probation probe failed") {
		return
	}

	// A fleet participant's leg commits as soon as its checks pass, so the
	// origin can observe local-Committed before the proposal deadline.
	if s.AutoCommitOnTTL {
		if err := e.doCommit(ctx, s); err == nil {
			return
		}
	}

	cadence := probeCadence(s.TTLSecs)
	cadenceTimer := e.clock.NewTimer(cadence)
	defer cadenceTimer.Stop()
	ttlRemaining := s.ExpiresAt.Sub(e.clock.Now())
	if ttlRemaining < 0 {
		ttlRemaining = 0
	}
	ttlTimer := e.clock.NewTimer(ttlRemaining)
	defer ttlTimer.Stop()

	for {
		select {
		case in := <-h.reqs:
			switch in.kind {
			case intentCommit:
				in.reply <- e.doCommit(ctx, s)
			case intentRollback:
				in.reply <- e.doOperatorRollback(ctx, s)
			}
			if s.State.IsTerminal() {
				return
			}
		case <-cadenceTimer.C():
			if e.probeAndMaybeRollback(ctx, s, "probation probe failed") {
				return
			}
			cadenceTimer.Reset(cadence)
		case <-ttlTimer.C():
			e.onTTLExpiry(ctx, s)
			return
		case <-e.closing:
			return
		}
	}
}

// probeAndMaybeRollback runs one probe, persists the result, and — on
// failure — drives the session through RollingBack with reason. Returns
// true if the session reached a terminal state.
func (e *Engine) probeAndMaybeRollback(ctx context.Context, s *model.SwitchSession, reason string) bool {
	report := e.prober.Probe(ctx, s.HealthChecks, health.DefaultBudget)
	e.mu.Lock()
	s.LastProbe = &report
	s.Revision++
	e.mu.Unlock()
	_ = e.persist(s)

	if report.AllPassed {
		return false
	}
	e.finishRollback(ctx, s, reason)
	return true
}

// doCommit implements the explicit commit() operation of spec §4.3.
func (e *Engine) doCommit(ctx context.Context, s *model.SwitchSession) error {
	if s.State != model.SwitchProbation {
		return errs.New(errs.ConflictTerminalState, fmt.Sprintf("session %q is not in Probation", s.ID))
	}
	report := e.prober.Probe(ctx, s.HealthChecks, health.DefaultBudget)
	e.mu.Lock()
	s.LastProbe = &report
	if !report.AllPassed {
		s.Revision++
	}
	e.mu.Unlock()
	if !report.AllPassed {
		_ = e.persist(s)
		return errs.New(errs.HealthCheckFailed, "final probe before commit did not pass")
	}
	e.finish(s, model.SwitchCommitted, "committed by operator")
	return nil
}

// doOperatorRollback implements the explicit rollback() operation of spec
// §4.3.
func (e *Engine) doOperatorRollback(ctx context.Context, s *model.SwitchSession) error {
	if s.State != model.SwitchProbation {
		return errs.New(errs.ConflictTerminalState, fmt.Sprintf("session %q is not in Probation", s.ID))
	}
	e.finishRollback(ctx, s, "rolled back by operator")
	return nil
}

// onTTLExpiry handles a session whose deadline timer fired while still in
// Probation. A fleet-participant session (AutoCommitOnTTL) commits itself
// on a clean probation record; a standalone session rolls back, per spec
// §8's "TTL expiry with no explicit commit" boundary behavior.
func (e *Engine) onTTLExpiry(ctx context.Context, s *model.SwitchSession) {
	if s.AutoCommitOnTTL {
		if err := e.doCommit(ctx, s); err == nil {
			return
		}
	}
	e.finishRollback(ctx, s, "probation timer expired")
}

// finishRollback drives s through RollingBack to its eventual terminal
// state, per spec §4.3's rollback() operation.
func (e *Engine) finishRollback(ctx context.Context, s *model.SwitchSession, reason string) {
	e.setState(s, model.SwitchRollingBack, reason)

	release, err := e.gate.Enter(ctx)
	if err != nil {
		e.finish(s, model.SwitchFailed, fmt.Sprintf("rollback activation gate: %v", err))
		return
	}
	defer release()

	if s.PreviousConfigID == nil {
		e.finish(s, model.SwitchFailed, "no previous configuration id recorded, cannot roll back")
		return
	}
	if err := e.switcher.RollbackTo(ctx, *s.PreviousConfigID); err != nil {
		e.finish(s, model.SwitchFailed, fmt.Sprintf("rollback failed: %v", err))
		return
	}
	e.finish(s, model.SwitchRolledBack, reason)
}

// probeCadence implements spec §4.3's "max(5, ttl_secs/10) seconds".
func probeCadence(ttlSecs int) time.Duration {
	tick := time.Duration(ttlSecs/10) * time.Second
	if tick < probationTickFloor {
		tick = probationTickFloor
	}
	return tick
}

// setState mutates s under e.mu so the owning reconciler's writes never
// race Get/List/refreshStateGauge's lock-held reads and Clone()s of the
// same *model.SwitchSession, per spec §5's single-owner-per-entity model.
func (e *Engine) setState(s *model.SwitchSession, state model.SwitchState, reason string) {
	e.mu.Lock()
	from := s.State
	s.State = state
	if reason != "" {
		s.OutcomeReason = reason
	}
	s.Revision++
	e.mu.Unlock()
	if err := e.persist(s); err != nil {
		e.log.Error("switchengine: persist failed", zap.String("id", s.ID), zap.Error(err))
	}
	e.log.Info("switch session transitioned", zap.String("id", s.ID), zap.String("state", string(state)))
	e.emitTransition(s, from, state, reason)
	if e.metrics != nil {
		e.metrics.SwitchTransitionsTotal.WithLabelValues(string(from), string(state)).Inc()
		e.refreshStateGauge()
	}
}

// refreshStateGauge recomputes the SwitchesByState gauge from the current
// in-memory session set, avoiding drift from incrementing/decrementing two
// separate label values per transition.
func (e *Engine) refreshStateGauge() {
	e.mu.Lock()
	counts := make(map[model.SwitchState]int)
	for _, s := range e.sessions {
		counts[s.State]++
	}
	e.mu.Unlock()
	for _, st := range []model.SwitchState{
		model.SwitchPending, model.SwitchActivating, model.SwitchProbation,
		model.SwitchCommitted, model.SwitchRollingBack, model.SwitchRolledBack, model.SwitchFailed,
	} {
		e.metrics.SwitchesByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// emitTransition appends a ledger event per spec §4.3: "one event per
// state transition, carrying {session_id, from_state, to_state, reason,
// timestamp, new_config_id, previous_config_id}." Failed is reported
// critical per spec §7's operator-visibility requirement; RollingBack is a
// warning; everything else is informational.
func (e *Engine) emitTransition(s *model.SwitchSession, from, to model.SwitchState, reason string) {
	if e.ledger == nil {
		return
	}
	sev := ledger.SeverityInfo
	switch to {
	case model.SwitchFailed:
		sev = ledger.SeverityCritical
	case model.SwitchRollingBack:
		sev = ledger.SeverityWarning
	}
	ev := ledger.NewEvent("SwitchSession", s.ID, string(from), string(to), reason, sev, e.clock.Now())
	if s.NewConfigID != nil {
		ev.NewConfigID = *s.NewConfigID
	}
	if s.PreviousConfigID != nil {
		ev.PreviousConfigID = *s.PreviousConfigID
	}
	e.ledger.Append(context.Background(), ev)
}

// finish transitions s to a terminal state and runs retention eviction.
func (e *Engine) finish(s *model.SwitchSession, state model.SwitchState, reason string) {
	e.setState(s, state, reason)
	e.evictOldTerminal()
}

func (e *Engine) persist(s *model.SwitchSession) error {
	start := e.clock.Now()
	err := e.store.Save(s.ID, s)
	if e.metrics != nil {
		e.metrics.PersistenceWriteLatency.Observe(e.clock.Now().Sub(start).Seconds())
	}
	if err != nil {
		e.degraded.Mark(s.ID)
		e.log.Error("switchengine: persistence retries exhausted, refusing further mutations", zap.String("id", s.ID), zap.Error(err))
		if e.metrics != nil {
			e.metrics.PersistenceFailuresTotal.Inc()
		}
		return errs.Wrap(errs.PersistenceError, fmt.Sprintf("save session %q", s.ID), err)
	}
	return nil
}

// evictOldTerminal keeps only the most recent e.retain terminal sessions on
// disk and in memory, per spec §9's retention note. Non-terminal sessions
// are never evicted.
func (e *Engine) evictOldTerminal() {
	e.mu.Lock()
	defer e.mu.Unlock()

	var terminal []*model.SwitchSession
	for _, s := range e.sessions {
		if s.State.IsTerminal() {
			terminal = append(terminal, s)
		}
	}
	if len(terminal) <= e.retain {
		return
	}
	for i := 0; i < len(terminal); i++ {
		for j := i + 1; j < len(terminal); j++ {
			if terminal[j].CreatedAt.Before(terminal[i].CreatedAt) {
				terminal[i], terminal[j] = terminal[j], terminal[i]
			}
		}
	}
	toEvict := terminal[:len(terminal)-e.retain]
	for _, s := range toEvict {
		delete(e.sessions, s.ID)
		delete(e.handles, s.ID)
		if err := e.store.Delete(s.ID); err != nil {
			e.log.Warn("switchengine: failed to evict old session", zap.String("id", s.ID), zap.Error(err))
		}
	}
}
