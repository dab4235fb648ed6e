package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/osmoda/safeswitch/internal/activator"
	"github.com/osmoda/safeswitch/internal/clock"
	"github.com/osmoda/safeswitch/internal/errs"
	"github.com/osmoda/safeswitch/internal/health"
	"github.com/osmoda/safeswitch/internal/ledger"
	"github.com/osmoda/safeswitch/internal/mesh"
	"github.com/osmoda/safeswitch/internal/model"
	"github.com/osmoda/safeswitch/internal/persistence"
	"github.com/osmoda/safeswitch/internal/processctl"
	"github.com/osmoda/safeswitch/internal/switchengine"
)

func newTestParticipant(t *testing.T, selfID, baseConfigID string) (*Coordinator, *switchengine.Engine) {
	t.Helper()
	store, err := persistence.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	switchStore, err := persistence.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	eng, err := switchengine.New(switchengine.Deps{
		Switcher: activator.NewFake(baseConfigID),
		Gate:     activator.NewGate(),
		Prober:   health.New(processctl.NewFake()),
		Store:    switchStore,
		Clock:    clock.New(),
		Log:      zap.NewNop(),
		Ledger:   ledger.NewFake(),
		Retain:   8,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	c, err := New(Deps{
		SelfID: selfID,
		Local:  eng,
		Mesh:   mesh.NewFake(),
		Store:  store,
		Clock:  clock.New(),
		Log:    zap.NewNop(),
		Ledger: ledger.NewFake(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, eng
}

func waitForPhase(t *testing.T, c *Coordinator, id string, want model.FleetPhase) *model.FleetProposal {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		p, err := c.Get(id)
		require.NoError(t, err)
		if p.Phase == want {
			return p
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("proposal %q never reached phase %s", id, want)
	return nil
}

func TestProposeWithUnanimousApprovalCommitsAllParticipants(t *testing.T) {
	coordB, _ := newTestParticipant(t, "b", "config-b-old")
	coordA, _ := newTestParticipant(t, "a", "config-a-old")

	meshA := coordA.mesh.(*mesh.Fake)
	meshA.Register("b", coordB.HandleEnvelope)

	p, err := coordA.Propose(context.Background(), ProposeRequest{
		Plan:           "roll out v2",
		Participants:   []string{"a", "b"},
		QuorumFraction: 1.0,
		TimeoutSecs:    10,
		NewConfigID:    "config-v2",
	})
	require.NoError(t, err)
	require.Equal(t, "a", p.Origin)

	committed := waitForPhase(t, coordA, p.ID, model.FleetCommitted)
	require.Equal(t, "all participants committed", committed.OutcomeReason)
	require.Len(t, committed.PerPeerSwitchIDs, 2)
	for peer, st := range committed.PerPeerSwitchIDs {
		require.Equal(t, model.SwitchCommitted, st.LocalState, "peer %s should have committed locally", peer)
	}
}

func TestProposeFailsWhenQuorumNotReachedBeforeTimeout(t *testing.T) {
	coordB, _ := newTestParticipant(t, "b", "config-b-old")
	coordA, _ := newTestParticipant(t, "a", "config-a-old")

	meshA := coordA.mesh.(*mesh.Fake)

	// Force B to reject, so self-approval alone never satisfies a
	// QuorumFraction of 1.0 across two participants.
	meshA.Register("b", func(ctx context.Context, env mesh.Envelope) (mesh.Envelope, error) {
		if env.Kind == mesh.FleetPropose {
			return mesh.Envelope{Kind: env.Kind, ProposalID: env.ProposalID, From: "b", Payload: mesh.VotePayload{Approve: false, Reason: "not ready"}}, nil
		}
		return coordB.HandleEnvelope(ctx, env)
	})

	p, err := coordA.Propose(context.Background(), ProposeRequest{
		Plan:           "roll out v2",
		Participants:   []string{"a", "b"},
		QuorumFraction: 1.0,
		TimeoutSecs:    2,
		NewConfigID:    "config-v2",
	})
	require.NoError(t, err)

	failed := waitForPhase(t, coordA, p.ID, model.FleetFailed)
	require.Equal(t, "quorum not reached before timeout", failed.OutcomeReason)
}

func TestProposeRejectsEmptyParticipantsOrBadQuorumFraction(t *testing.T) {
	coordA, _ := newTestParticipant(t, "a", "config-a-old")

	_, err := coordA.Propose(context.Background(), ProposeRequest{
		Participants:   nil,
		QuorumFraction: 0.5,
		NewConfigID:    "config-v2",
	})
	requireInvalidArgument(t, err)

	_, err = coordA.Propose(context.Background(), ProposeRequest{
		Participants:   []string{"a"},
		QuorumFraction: 0,
		NewConfigID:    "config-v2",
	})
	requireInvalidArgument(t, err)

	_, err = coordA.Propose(context.Background(), ProposeRequest{
		Participants:   []string{"a"},
		QuorumFraction: 1.5,
		NewConfigID:    "config-v2",
	})
	requireInvalidArgument(t, err)
}

func TestVoteFromNonOriginHostIsRejected(t *testing.T) {
	coordB, _ := newTestParticipant(t, "b", "config-b-old")

	// Simulate B having learned about a proposal it did not originate, the
	// way HandleEnvelope(FleetPropose) would populate it.
	_, err := coordB.HandleEnvelope(context.Background(), mesh.Envelope{
		Kind:       mesh.FleetPropose,
		ProposalID: "fp-external",
		From:       "a",
		Payload: mesh.ProposePayload{
			Plan:           "roll out v2",
			Participants:   []string{"a", "b"},
			QuorumFraction: 1.0,
			TimeoutSecs:    10,
		},
	})
	require.NoError(t, err)

	_, err = coordB.Vote("fp-external", "c", true, "")
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.NotLeader, e.Kind)
}

func TestRollbackOperatorOnCommittedProposalRollsBackAllLegs(t *testing.T) {
	coordB, engB := newTestParticipant(t, "b", "config-b-old")
	coordA, _ := newTestParticipant(t, "a", "config-a-old")

	meshA := coordA.mesh.(*mesh.Fake)
	meshA.Register("b", coordB.HandleEnvelope)

	p, err := coordA.Propose(context.Background(), ProposeRequest{
		Plan:           "roll out v2",
		Participants:   []string{"a", "b"},
		QuorumFraction: 1.0,
		TimeoutSecs:    10,
		NewConfigID:    "config-v2",
	})
	require.NoError(t, err)
	waitForPhase(t, coordA, p.ID, model.FleetCommitted)

	rolled, err := coordA.RollbackOperator(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, model.FleetRolledBack, rolled.Phase)

	bSwitchID := rolled.PerPeerSwitchIDs["b"].SwitchID
	require.NotEmpty(t, bSwitchID)
	require.Eventually(t, func() bool {
		sess, err := engB.Get(bSwitchID)
		return err == nil && sess.State == model.SwitchRolledBack
	}, 2*time.Second, 20*time.Millisecond, "participant b's local leg should be rolled back post-commit")
}

func TestRollbackOperatorOnTerminalProposalIsRejected(t *testing.T) {
	coordB, _ := newTestParticipant(t, "b", "config-b-old")
	coordA, _ := newTestParticipant(t, "a", "config-a-old")

	meshA := coordA.mesh.(*mesh.Fake)
	meshA.Register("b", coordB.HandleEnvelope)

	p, err := coordA.Propose(context.Background(), ProposeRequest{
		Plan:           "roll out v2",
		Participants:   []string{"a", "b"},
		QuorumFraction: 1.0,
		TimeoutSecs:    10,
		NewConfigID:    "config-v2",
	})
	require.NoError(t, err)
	waitForPhase(t, coordA, p.ID, model.FleetCommitted)

	_, err = coordA.RollbackOperator(context.Background(), p.ID)
	require.NoError(t, err)

	_, err = coordA.RollbackOperator(context.Background(), p.ID)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.ConflictTerminalState, e.Kind)
}

func requireInvalidArgument(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.InvalidArgument, e.Kind)
}
