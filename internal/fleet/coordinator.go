// Package fleet implements the Fleet Coordinator of spec §4.5: a
// quorum-voted multi-host switch, synchronized probation, and unwind of
// the entire participant set if any peer fails.
//
// Peer fan-out uses golang.org/x/sync/errgroup the same way
// internal/health does for concurrent probes, and aggregates independent
// per-peer rollback failures with github.com/hashicorp/go-multierror
// rather than dropping all but the first error, matching the teacher's
// gossip package's preference for reporting every peer's outcome.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/osmoda/safeswitch/internal/clock"
	"github.com/osmoda/safeswitch/internal/errs"
	"github.com/osmoda/safeswitch/internal/ledger"
	"github.com/osmoda/safeswitch/internal/mesh"
	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/observability"
	"github.com/osmoda/safeswitch/internal/persistence"
	"github.com/osmoda/safeswitch/internal/switchengine"
)

// unreachableGraceFraction is the divisor of timeout_secs that gives how
// long a participant may stay unreachable before the proposal is rolled
// back (timeout_secs/3), per spec §4.5.
const unreachableGraceFraction = 3

// ProposeRequest is the input to Propose, per spec §6's POST
// /fleet/propose body.
type ProposeRequest struct {
	Plan           string
	Participants   []string
	HealthChecks   []model.HealthCheckSpec
	QuorumFraction float64
	TimeoutSecs    int
	NewConfigID    string
}

// Coordinator owns every FleetProposal originated by this host.
type Coordinator struct {
	selfID string
	local  *switchengine.Engine
	mesh   mesh.Client
	store    *persistence.Store
	clock    clock.Clock
	log      *zap.Logger
	ledger   ledger.Client
	metrics  *observability.Metrics
	degraded *persistence.DegradedSet

	mu             sync.Mutex
	proposals      map[string]*model.FleetProposal
	newConfigID    map[string]string // proposal id -> new_config_id, kept off the persisted model
	selfSwitchIDs  map[string]string // proposal id -> this host's local SwitchSession id
	pollersStarted map[string]bool   // proposal id -> a poll loop is already running for it
	wg             sync.WaitGroup
	closing        chan struct{}
}

// Deps bundles Coordinator's collaborators for New.
type Deps struct {
	SelfID string
	Local  *switchengine.Engine
	Mesh   mesh.Client
	Store  *persistence.Store
	Clock  clock.Clock
	Log     *zap.Logger
	Ledger  ledger.Client
	Metrics *observability.Metrics
}

// New creates a Coordinator and reloads proposals persisted from a prior
// run. Non-terminal proposals are left as-is on disk; this host resumes
// acting as origin for them only if a fresh poll loop is started
// explicitly — restart recovery for fleet state defers to operator
// judgement rather than auto-resuming a quorum vote, since the other
// participants' state may have diverged during the outage.
func New(d Deps) (*Coordinator, error) {
	c := &Coordinator{
		selfID:        d.SelfID,
		local:          d.Local,
		mesh:           d.Mesh,
		store:          d.Store,
		clock:          d.Clock,
		log:            d.Log,
		ledger:         d.Ledger,
		metrics:        d.Metrics,
		degraded:       persistence.NewDegradedSet(),
		proposals:      make(map[string]*model.FleetProposal),
		newConfigID:    make(map[string]string),
		selfSwitchIDs:  make(map[string]string),
		pollersStarted: make(map[string]bool),
		closing:        make(chan struct{}),
	}
	ids, err := d.Store.IDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		var p model.FleetProposal
		if err := d.Store.Load(id, &p); err != nil {
			c.log.Warn("fleet: failed to load persisted proposal, skipping", zap.String("id", id), zap.Error(err))
			continue
		}
		c.proposals[p.ID] = &p
	}
	return c, nil
}

// Propose originates a new FleetProposal, per spec §4.5: self casts an
// implicit approval and a FleetPropose envelope is sent to every other
// participant.
func (c *Coordinator) Propose(ctx context.Context, req ProposeRequest) (*model.FleetProposal, error) {
	if len(req.Participants) == 0 {
		return nil, errs.New(errs.InvalidArgument, "participants must not be empty")
	}
	if req.QuorumFraction <= 0 || req.QuorumFraction > 1 {
		return nil, errs.New(errs.InvalidArgument, "quorum_fraction must be in (0, 1]")
	}

	p := &model.FleetProposal{
		ID:               "fp-" + uuid.NewString(),
		Origin:           c.selfID,
		Plan:             req.Plan,
		Participants:     req.Participants,
		QuorumFraction:   req.QuorumFraction,
		Votes:            map[string]model.Vote{c.selfID: {Approve: true, ReceivedAt: c.clock.Now()}},
		Phase:            model.FleetProposed,
		HealthChecks:     req.HealthChecks,
		TimeoutSecs:      req.TimeoutSecs,
		PerPeerSwitchIDs: make(map[string]model.PeerSwitchStatus),
		CreatedAt:        c.clock.Now(),
	}

	c.mu.Lock()
	c.proposals[p.ID] = p
	c.newConfigID[p.ID] = req.NewConfigID
	c.mu.Unlock()
	if err := c.persist(p); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range req.Participants {
		if peer == c.selfID {
			continue
		}
		peer := peer
		g.Go(func() error {
			env := mesh.Envelope{
				Kind:       mesh.FleetPropose,
				ProposalID: p.ID,
				From:       c.selfID,
				SentAt:     c.clock.Now(),
				Payload: mesh.ProposePayload{
					Plan:           req.Plan,
					Participants:   req.Participants,
					QuorumFraction: req.QuorumFraction,
					TimeoutSecs:    req.TimeoutSecs,
				},
			}
			reply, err := c.mesh.Send(gctx, peer, env)
			if err != nil {
				c.log.Warn("fleet: propose send failed", zap.String("proposal", p.ID), zap.String("peer", peer), zap.Error(err))
				return nil // unreachability is observed, not fatal to Propose itself.
			}
			if vote, ok := reply.Payload.(mesh.VotePayload); ok {
				c.recordVote(p.ID, peer, vote.Approve, vote.Reason)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	stillProposed := p.Phase == model.FleetProposed
	c.mu.Unlock()
	if stillProposed {
		c.startPollLoop(p)
	}
	return p.Clone(), nil
}

// Vote records a participant's response to a proposal, per spec §6's POST
// /fleet/vote/{id}. Only the origin accepts votes; a non-origin receiving
// a vote for a proposal it doesn't own returns NotLeader.
func (c *Coordinator) Vote(id, peerID string, approve bool, reason string) (*model.FleetProposal, error) {
	c.mu.Lock()
	p, ok := c.proposals[id]
	if !ok {
		c.mu.Unlock()
		return nil, errs.New(errs.NotFound, fmt.Sprintf("fleet proposal %q not found", id))
	}
	if p.Origin != c.selfID {
		c.mu.Unlock()
		return nil, errs.New(errs.NotLeader, fmt.Sprintf("proposal %q is owned by %q, not %q", id, p.Origin, c.selfID))
	}
	c.mu.Unlock()

	if c.degraded.Is(id) {
		return nil, errs.New(errs.PersistenceError, fmt.Sprintf("fleet proposal %q has exhausted its persistence retry budget", id))
	}

	c.recordVote(id, peerID, approve, reason)
	return c.Get(id)
}

func (c *Coordinator) recordVote(id, peerID string, approve bool, reason string) {
	c.mu.Lock()
	p, ok := c.proposals[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.Votes[peerID] = model.Vote{Approve: approve, Reason: reason, ReceivedAt: c.clock.Now()}
	reachedQuorum := p.Phase == model.FleetProposed && c.quorumReached(p)
	if reachedQuorum {
		p.Phase = model.FleetQuorum
	}
	p.Revision++
	c.mu.Unlock()
	_ = c.persist(p)

	if reachedQuorum {
		c.emitPhase(p, model.FleetProposed, model.FleetQuorum, "quorum fraction reached")
		c.execute(context.Background(), p)
	}
}

// quorumReached implements spec §4.5's quorum condition: approvals /
// participants >= quorum_fraction. Must be called with c.mu held.
func (c *Coordinator) quorumReached(p *model.FleetProposal) bool {
	approvals := 0
	for _, v := range p.Votes {
		if v.Approve {
			approvals++
		}
	}
	return float64(approvals)/float64(len(p.Participants)) >= p.QuorumFraction
}

// execute broadcasts FleetExecute to every approving participant, begins
// the origin's own local switch (since self is always a participant), and
// transitions the proposal to Executing, per spec §4.5.
func (c *Coordinator) execute(ctx context.Context, p *model.FleetProposal) {
	c.mu.Lock()
	approving := make([]string, 0, len(p.Votes))
	for peer, v := range p.Votes {
		if v.Approve {
			approving = append(approving, peer)
		}
	}
	newConfigID := c.newConfigID[p.ID]
	c.mu.Unlock()

	if sess, err := c.local.Begin(ctx, switchengine.BeginRequest{
		Plan:            p.Plan,
		NewConfigID:     newConfigID,
		TTLSecs:         p.TimeoutSecs,
		HealthChecks:    p.HealthChecks,
		AutoCommitOnTTL: true,
	}); err != nil {
		c.log.Error("fleet: local begin failed", zap.String("proposal", p.ID), zap.Error(err))
	} else {
		c.mu.Lock()
		c.selfSwitchIDs[p.ID] = sess.ID
		c.mu.Unlock()
	}

	var g errgroup.Group
	for _, peer := range approving {
		if peer == c.selfID {
			continue
		}
		peer := peer
		g.Go(func() error {
			env := mesh.Envelope{
				Kind:       mesh.FleetExecute,
				ProposalID: p.ID,
				From:       c.selfID,
				SentAt:     c.clock.Now(),
				Payload:    mesh.ExecutePayload{NewConfigID: newConfigID, TTLSecs: p.TimeoutSecs},
			}
			if _, err := c.mesh.Send(ctx, peer, env); err != nil {
				c.log.Warn("fleet: execute send failed", zap.String("proposal", p.ID), zap.String("peer", peer), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	p.Phase = model.FleetExecuting
	p.Revision++
	c.mu.Unlock()
	_ = c.persist(p)
	c.emitPhase(p, model.FleetQuorum, model.FleetExecuting, "quorum execution begun")

	c.startPollLoop(p)
}

// startPollLoop launches the origin's status-polling goroutine for p, per
// spec §4.5's "Origin aggregates" participant observation. It is a
// singleton per proposal: Propose may start a loop while quorum is still
// pending, and a later asynchronous vote reaching quorum via execute()
// would otherwise start a second, concurrently-racing loop against the
// same proposal. Only the first caller wins; later callers are no-ops.
func (c *Coordinator) startPollLoop(p *model.FleetProposal) {
	c.mu.Lock()
	if c.pollersStarted[p.ID] {
		c.mu.Unlock()
		return
	}
	c.pollersStarted[p.ID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollUntilSettled(context.Background(), p)
	}()
}

func (c *Coordinator) pollUntilSettled(ctx context.Context, p *model.FleetProposal) {
	deadline := p.CreatedAt.Add(time.Duration(p.TimeoutSecs) * time.Second)
	pollEvery := 2 * time.Second
	unreachableSince := make(map[string]time.Time)

	for {
		c.mu.Lock()
		phase := p.Phase
		c.mu.Unlock()
		if phase.IsTerminal() {
			return
		}

		if phase == model.FleetProposed {
			if !c.clock.Now().Before(deadline) {
				c.mu.Lock()
				p.Phase = model.FleetFailed
				p.OutcomeReason = "quorum not reached before timeout"
				p.Revision++
				c.mu.Unlock()
				_ = c.persist(p)
				c.emitPhase(p, model.FleetProposed, model.FleetFailed, "quorum not reached before timeout")
				return
			}
			timer := c.clock.NewTimer(pollEvery)
			select {
			case <-timer.C():
			case <-c.closing:
				return
			}
			continue
		}

		if phase == model.FleetQuorum {
			// execute() is in flight on another goroutine, beginning the
			// local switch and notifying peers; give it a moment to land.
			timer := c.clock.NewTimer(pollEvery)
			select {
			case <-timer.C():
			case <-c.closing:
				return
			}
			continue
		}

		if !c.clock.Now().Before(deadline) {
			c.rollback(ctx, p, "proposal timed out")
			return
		}

		c.mu.Lock()
		approving := make([]string, 0, len(p.Votes))
		for peer, v := range p.Votes {
			if v.Approve {
				approving = append(approving, peer)
			}
		}
		selfSwitchID := c.selfSwitchIDs[p.ID]
		c.mu.Unlock()

		var mu sync.Mutex
		allCommitted := true
		var g errgroup.Group
		for _, peer := range approving {
			peer := peer
			g.Go(func() error {
				if peer == c.selfID {
					return nil
				}
				env := mesh.Envelope{Kind: mesh.FleetStatus, ProposalID: p.ID, From: c.selfID, SentAt: c.clock.Now()}
				reply, err := c.mesh.Send(ctx, peer, env)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if _, seen := unreachableSince[peer]; !seen {
						unreachableSince[peer] = c.clock.Now()
					}
					grace := time.Duration(p.TimeoutSecs/unreachableGraceFraction) * time.Second
					if c.clock.Now().Sub(unreachableSince[peer]) > grace {
						allCommitted = false
						if c.metrics != nil {
							c.metrics.FleetPeerUnreachableTotal.Inc()
						}
						c.setPeerStatus(p, peer, model.PeerSwitchStatus{Unreachable: true, LastSeenAt: c.clock.Now()})
					}
					return nil
				}
				delete(unreachableSince, peer)
				status, ok := reply.Payload.(mesh.StatusPayload)
				if !ok {
					return nil
				}
				c.setPeerStatus(p, peer, model.PeerSwitchStatus{
					SwitchID:   status.SwitchID,
					LocalState: model.SwitchState(status.LocalState),
					LastSeenAt: c.clock.Now(),
				})
				if status.LocalState == string(model.SwitchRolledBack) || status.LocalState == string(model.SwitchFailed) {
					allCommitted = false
				}
				if status.LocalState != string(model.SwitchCommitted) {
					allCommitted = false
				}
				return nil
			})
		}
		_ = g.Wait()

		if selfSwitchID != "" {
			if sess, err := c.local.Get(selfSwitchID); err == nil {
				c.setPeerStatus(p, c.selfID, model.PeerSwitchStatus{SwitchID: sess.ID, LocalState: sess.State, LastSeenAt: c.clock.Now()})
				if sess.State != model.SwitchCommitted {
					allCommitted = false
				}
			}
		} else {
			allCommitted = false
		}

		if !allCommitted {
			stillOngoing := c.anyPeerTerminalBad(p)
			if stillOngoing {
				c.rollback(ctx, p, "a participant reported RolledBack or Failed, or stayed unreachable past its grace period")
				return
			}
		} else {
			c.commit(ctx, p)
			return
		}

		timer := c.clock.NewTimer(pollEvery)
		select {
		case <-timer.C():
		case <-c.closing:
			return
		}
	}
}

func (c *Coordinator) anyPeerTerminalBad(p *model.FleetProposal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range p.PerPeerSwitchIDs {
		if st.LocalState == model.SwitchRolledBack || st.LocalState == model.SwitchFailed || st.Unreachable {
			return true
		}
	}
	return false
}

func (c *Coordinator) setPeerStatus(p *model.FleetProposal, peer string, st model.PeerSwitchStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.PerPeerSwitchIDs[peer] = st
	p.Revision++
}

// commit implements spec §4.5's commit condition: all participants
// observed Committed within timeout_secs.
func (c *Coordinator) commit(ctx context.Context, p *model.FleetProposal) {
	c.mu.Lock()
	from := p.Phase
	if from.IsTerminal() {
		c.mu.Unlock()
		return
	}
	p.Phase = model.FleetCommitted
	p.OutcomeReason = "all participants committed"
	p.Revision++
	c.mu.Unlock()
	_ = c.persist(p)
	c.emitPhase(p, from, model.FleetCommitted, "all participants committed")
	c.finalize(ctx, p, true, "all participants committed")
}

// rollback implements spec §4.5's rollback condition and its
// operator-initiated equivalent.
func (c *Coordinator) rollback(ctx context.Context, p *model.FleetProposal, reason string) {
	c.mu.Lock()
	from := p.Phase
	// RolledBack/Failed are already-settled outcomes; reject double-calls
	// (e.g. a race between two observers of the same Executing proposal).
	// Committed is the one terminal phase this legitimately still
	// transitions from, via the operator's post-commit rollback.
	if from == model.FleetRolledBack || from == model.FleetFailed {
		c.mu.Unlock()
		return
	}
	p.Phase = model.FleetRolledBack
	p.OutcomeReason = reason
	p.Revision++
	c.mu.Unlock()
	_ = c.persist(p)
	c.emitPhase(p, from, model.FleetRolledBack, reason)
	c.finalize(ctx, p, false, reason)
}

// RollbackOperator is the operator-initiated fleet rollback of spec §6's POST
// /fleet/rollback/{id}: valid from any non-terminal or Committed phase.
func (c *Coordinator) RollbackOperator(ctx context.Context, id string) (*model.FleetProposal, error) {
	p, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	live := c.proposals[id]
	c.mu.Unlock()
	if live == nil {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("fleet proposal %q not found", id))
	}
	if p.Phase != model.FleetCommitted && p.Phase.IsTerminal() {
		return nil, errs.New(errs.ConflictTerminalState, fmt.Sprintf("proposal %q cannot be rolled back from %s", id, p.Phase))
	}
	if c.degraded.Is(id) {
		return nil, errs.New(errs.PersistenceError, fmt.Sprintf("fleet proposal %q has exhausted its persistence retry budget", id))
	}
	c.rollback(ctx, live, "operator-initiated fleet rollback")
	return c.Get(id)
}

// finalize broadcasts FleetFinalize to every approving peer and, for
// rollback, aggregates any peer-side rollback failures with
// go-multierror rather than surfacing only the first one, per spec §4.5's
// "partial-failure note."
func (c *Coordinator) finalize(ctx context.Context, p *model.FleetProposal, commit bool, reason string) {
	c.mu.Lock()
	approving := make([]string, 0, len(p.Votes))
	for peer, v := range p.Votes {
		if v.Approve && peer != c.selfID {
			approving = append(approving, peer)
		}
	}
	c.mu.Unlock()

	var mu sync.Mutex
	var result *multierror.Error
	var g errgroup.Group
	for _, peer := range approving {
		peer := peer
		g.Go(func() error {
			env := mesh.Envelope{
				Kind:       mesh.FleetFinalize,
				ProposalID: p.ID,
				From:       c.selfID,
				SentAt:     c.clock.Now(),
				Payload:    mesh.FinalizePayload{Commit: commit, Reason: reason},
			}
			if _, err := c.mesh.Send(ctx, peer, env); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("peer %s: %w", peer, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if !commit {
		c.mu.Lock()
		selfSwitchID := c.selfSwitchIDs[p.ID]
		c.mu.Unlock()
		if selfSwitchID != "" {
			if err := c.rollbackLocalLeg(ctx, selfSwitchID); err != nil {
				result = multierror.Append(result, fmt.Errorf("local rollback: %w", err))
			}
		}
	}

	if result != nil && len(result.Errors) > 0 {
		c.log.Error("fleet: finalize had partial failures", zap.String("proposal", p.ID), zap.Error(result))
	}
}

// rollbackLocalLeg reverts this host's local switch session for a fleet
// proposal, choosing the normal in-Probation rollback or the post-commit
// variant depending on where the session currently stands, per spec
// §4.5's "participants that locally committed before finalization
// receive a post-hoc rollback command."
func (c *Coordinator) rollbackLocalLeg(ctx context.Context, switchID string) error {
	sess, err := c.local.Get(switchID)
	if err != nil {
		return err
	}
	if sess.State == model.SwitchCommitted {
		_, err := c.local.PostCommitRollback(ctx, switchID)
		return err
	}
	_, err = c.local.Rollback(ctx, switchID)
	return err
}

// Get returns a snapshot of a proposal by id.
func (c *Coordinator) Get(id string) (*model.FleetProposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[id]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("fleet proposal %q not found", id))
	}
	return p.Clone(), nil
}

// HandleEnvelope answers an incoming mesh envelope as a participant (not
// origin), per spec §4.5/§6. Its signature matches mesh.Handler. The daemon
// does not connect it to any inbound transport (mesh.SocketClient only
// sends), so in this repository it is reached only through mesh.Fake.
func (c *Coordinator) HandleEnvelope(ctx context.Context, env mesh.Envelope) (mesh.Envelope, error) {
	switch env.Kind {
	case mesh.FleetPropose:
		payload, _ := env.Payload.(mesh.ProposePayload)
		p := &model.FleetProposal{
			ID:               env.ProposalID,
			Origin:           env.From,
			Plan:             payload.Plan,
			Participants:     payload.Participants,
			QuorumFraction:   payload.QuorumFraction,
			Votes:            make(map[string]model.Vote),
			Phase:            model.FleetProposed,
			TimeoutSecs:      payload.TimeoutSecs,
			PerPeerSwitchIDs: make(map[string]model.PeerSwitchStatus),
			CreatedAt:        c.clock.Now(),
		}
		c.mu.Lock()
		c.proposals[p.ID] = p
		c.mu.Unlock()
		_ = c.persist(p)
		return mesh.Envelope{Kind: env.Kind, ProposalID: env.ProposalID, From: c.selfID, Payload: mesh.VotePayload{Approve: true}}, nil

	case mesh.FleetExecute:
		payload, _ := env.Payload.(mesh.ExecutePayload)
		c.mu.Lock()
		p, ok := c.proposals[env.ProposalID]
		c.mu.Unlock()
		if !ok {
			return mesh.Envelope{}, errs.New(errs.NotFound, "unknown proposal")
		}
		sess, err := c.local.Begin(ctx, switchengine.BeginRequest{
			Plan:            p.Plan,
			NewConfigID:     payload.NewConfigID,
			TTLSecs:         payload.TTLSecs,
			HealthChecks:    p.HealthChecks,
			AutoCommitOnTTL: true,
		})
		if err != nil {
			c.log.Error("fleet: participant local begin failed", zap.String("proposal", p.ID), zap.Error(err))
			return mesh.Envelope{Kind: env.Kind, ProposalID: env.ProposalID, From: c.selfID}, nil
		}
		c.mu.Lock()
		from := p.Phase
		c.selfSwitchIDs[p.ID] = sess.ID
		p.Phase = model.FleetExecuting
		p.Revision++
		c.mu.Unlock()
		_ = c.persist(p)
		c.emitPhase(p, from, model.FleetExecuting, "participant began local switch")
		return mesh.Envelope{Kind: env.Kind, ProposalID: env.ProposalID, From: c.selfID}, nil

	case mesh.FleetStatus:
		c.mu.Lock()
		_, ok := c.proposals[env.ProposalID]
		switchID := c.selfSwitchIDs[env.ProposalID]
		c.mu.Unlock()
		if !ok {
			return mesh.Envelope{}, errs.New(errs.NotFound, "unknown proposal")
		}
		localState := string(model.SwitchPending)
		if switchID != "" {
			if sess, err := c.local.Get(switchID); err == nil {
				localState = string(sess.State)
			}
		}
		return mesh.Envelope{
			Kind:       env.Kind,
			ProposalID: env.ProposalID,
			From:       c.selfID,
			Payload:    mesh.StatusPayload{SwitchID: switchID, LocalState: localState},
		}, nil

	case mesh.FleetFinalize:
		payload, _ := env.Payload.(mesh.FinalizePayload)
		c.mu.Lock()
		p, ok := c.proposals[env.ProposalID]
		c.mu.Unlock()
		if ok {
			c.mu.Lock()
			from := p.Phase
			to := model.FleetCommitted
			if !payload.Commit {
				to = model.FleetRolledBack
			}
			p.Phase = to
			p.Revision++
			switchID := c.selfSwitchIDs[p.ID]
			c.mu.Unlock()
			_ = c.persist(p)
			c.emitPhase(p, from, to, payload.Reason)

			if !payload.Commit && switchID != "" {
				if err := c.rollbackLocalLeg(ctx, switchID); err != nil {
					c.log.Error("fleet: participant post-finalize rollback failed", zap.String("proposal", p.ID), zap.Error(err))
				}
			}
		}
		return mesh.Envelope{Kind: env.Kind, ProposalID: env.ProposalID, From: c.selfID}, nil
	}
	return mesh.Envelope{}, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown envelope kind %q", env.Kind))
}

// Close stops every poll loop.
func (c *Coordinator) Close() {
	close(c.closing)
	c.wg.Wait()
}

// emitPhase appends a ledger event for a FleetProposal phase change,
// generalizing the per-transition event shape of spec §4.3 to fleet
// proposals. Failed is critical per spec §7's operator-visibility note.
func (c *Coordinator) emitPhase(p *model.FleetProposal, from, to model.FleetPhase, reason string) {
	if c.metrics != nil {
		c.refreshPhaseGauge()
		switch to {
		case model.FleetCommitted:
			c.metrics.FleetOutcomesTotal.WithLabelValues("committed").Inc()
		case model.FleetRolledBack:
			c.metrics.FleetOutcomesTotal.WithLabelValues("rolled_back").Inc()
		case model.FleetFailed:
			c.metrics.FleetOutcomesTotal.WithLabelValues("failed").Inc()
		}
	}
	if c.ledger == nil {
		return
	}
	sev := ledger.SeverityInfo
	switch to {
	case model.FleetFailed:
		sev = ledger.SeverityCritical
	case model.FleetRolledBack:
		sev = ledger.SeverityWarning
	}
	c.ledger.Append(context.Background(), ledger.NewEvent("FleetProposal", p.ID, string(from), string(to), reason, sev, c.clock.Now()))
}

// refreshPhaseGauge recomputes FleetProposalsByPhase from the in-memory
// proposal set, mirroring the per-entity gauge refresh pattern used by
// switchengine and watcher.
func (c *Coordinator) refreshPhaseGauge() {
	c.mu.Lock()
	counts := make(map[model.FleetPhase]int)
	for _, p := range c.proposals {
		counts[p.Phase]++
	}
	c.mu.Unlock()
	for _, ph := range []model.FleetPhase{
		model.FleetProposed, model.FleetQuorum, model.FleetExecuting,
		model.FleetCommitted, model.FleetRolledBack, model.FleetFailed,
	} {
		c.metrics.FleetProposalsByPhase.WithLabelValues(string(ph)).Set(float64(counts[ph]))
	}
}

func (c *Coordinator) persist(p *model.FleetProposal) error {
	start := c.clock.Now()
	err := c.store.Save(p.ID, p)
	if c.metrics != nil {
		c.metrics.PersistenceWriteLatency.Observe(c.clock.Now().Sub(start).Seconds())
	}
	if err != nil {
		c.degraded.Mark(p.ID)
		c.log.Error("fleet: persistence retries exhausted, refusing further mutations", zap.String("id", p.ID), zap.Error(err))
		if c.metrics != nil {
			c.metrics.PersistenceFailuresTotal.Inc()
		}
		return errs.Wrap(errs.PersistenceError, fmt.Sprintf("save proposal %q", p.ID), err)
	}
	return nil
}
