package mesh

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTripsProposePayload(t *testing.T) {
	env := Envelope{
		Kind:       FleetPropose,
		ProposalID: "fp-1",
		From:       "a",
		SentAt:     time.Now().UTC().Truncate(time.Second),
		Payload: ProposePayload{
			Plan:           "roll out v2",
			Participants:   []string{"a", "b"},
			QuorumFraction: 0.6,
			TimeoutSecs:    120,
		},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, env.Kind, out.Kind)
	require.Equal(t, env.ProposalID, out.ProposalID)
	require.Equal(t, env.Payload, out.Payload)
}

func TestEnvelopeDisambiguatesVoteFromProposeReply(t *testing.T) {
	// FleetPropose's reply carries a VotePayload, not a ProposePayload —
	// Kind alone can't tell them apart, only the payload's own fields.
	env := Envelope{
		Kind:       FleetPropose,
		ProposalID: "fp-1",
		From:       "b",
		Payload:    VotePayload{Approve: true, Reason: "looks good"},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	vp, ok := out.Payload.(VotePayload)
	require.True(t, ok, "expected VotePayload, got %T", out.Payload)
	require.True(t, vp.Approve)
	require.Equal(t, "looks good", vp.Reason)
}

func TestEnvelopeRoundTripsExecutePayload(t *testing.T) {
	env := Envelope{
		Kind:       FleetExecute,
		ProposalID: "fp-1",
		From:       "a",
		Payload:    ExecutePayload{NewConfigID: "config-v2", TTLSecs: 60},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	ep, ok := out.Payload.(ExecutePayload)
	require.True(t, ok)
	require.Equal(t, "config-v2", ep.NewConfigID)
	require.Equal(t, 60, ep.TTLSecs)
}

func TestEnvelopeRoundTripsStatusAndFinalizePayloads(t *testing.T) {
	status := Envelope{Kind: FleetStatus, Payload: StatusPayload{SwitchID: "sw-1", LocalState: "Probation"}}
	data, err := json.Marshal(status)
	require.NoError(t, err)
	var outStatus Envelope
	require.NoError(t, json.Unmarshal(data, &outStatus))
	sp, ok := outStatus.Payload.(StatusPayload)
	require.True(t, ok)
	require.Equal(t, "sw-1", sp.SwitchID)

	finalize := Envelope{Kind: FleetFinalize, Payload: FinalizePayload{Commit: false, Reason: "peer failed"}}
	data, err = json.Marshal(finalize)
	require.NoError(t, err)
	var outFinalize Envelope
	require.NoError(t, json.Unmarshal(data, &outFinalize))
	fp, ok := outFinalize.Payload.(FinalizePayload)
	require.True(t, ok)
	require.False(t, fp.Commit)
}

func TestEnvelopeWithNilPayloadUnmarshalsCleanly(t *testing.T) {
	env := Envelope{Kind: FleetExecute, ProposalID: "fp-1", From: "a"}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	require.Nil(t, out.Payload)
}

func TestFakeSendRoutesToRegisteredHandlerAndRecordsUnreachability(t *testing.T) {
	f := NewFake()
	f.Register("b", func(ctx context.Context, env Envelope) (Envelope, error) {
		return Envelope{Kind: env.Kind, ProposalID: env.ProposalID, From: "b"}, nil
	})

	reply, err := f.Send(context.Background(), "b", Envelope{Kind: FleetStatus, ProposalID: "fp-1", From: "a"})
	require.NoError(t, err)
	require.Equal(t, "b", reply.From)
	require.Len(t, f.Sent(), 1)

	f.SetUnreachable("b", true)
	_, err = f.Send(context.Background(), "b", Envelope{Kind: FleetStatus, ProposalID: "fp-1", From: "a"})
	require.Error(t, err)

	_, err = f.Send(context.Background(), "c", Envelope{Kind: FleetStatus, ProposalID: "fp-1", From: "a"})
	require.Error(t, err, "no handler registered for peer c")
}
