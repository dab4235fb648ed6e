// Package mesh defines the opaque peer message bus SafeSwitch's Fleet
// Coordinator talks through, per spec §6: "the mesh transport itself is out
// of scope — treat it as an opaque, ordered-delivery message bus between
// coordinator instances." This package only pins down the envelope shapes
// and the client contract; no real transport is implemented here, the same
// way spec treats it as an external collaborator.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeKind discriminates the four fleet coordination messages of spec
// §6.
type EnvelopeKind string

const (
	FleetPropose  EnvelopeKind = "FleetPropose"
	FleetExecute  EnvelopeKind = "FleetExecute"
	FleetStatus   EnvelopeKind = "FleetStatus"
	FleetFinalize EnvelopeKind = "FleetFinalize"
)

// Envelope is the wire-level message exchanged between Fleet Coordinator
// instances. Payload is left as a raw JSON-able any rather than a
// oneof-style tagged field set, since the concrete payload differs per
// Kind and mesh is explicitly a pass-through transport, not a schema
// owner.
type Envelope struct {
	Kind      EnvelopeKind `json:"kind"`
	ProposalID string      `json:"proposal_id"`
	From      string       `json:"from"`
	SentAt    time.Time    `json:"sent_at"`
	Payload   any          `json:"payload"`
}

// ProposePayload is FleetPropose's Payload.
type ProposePayload struct {
	Plan           string   `json:"plan"`
	Participants   []string `json:"participants"`
	QuorumFraction float64  `json:"quorum_fraction"`
	TimeoutSecs    int      `json:"timeout_secs"`
}

// VotePayload is a participant's response to FleetPropose.
type VotePayload struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// ExecutePayload is FleetExecute's Payload: the concrete switch parameters
// every participant should Begin locally once quorum is reached.
type ExecutePayload struct {
	NewConfigID  string `json:"new_config_id"`
	TTLSecs      int    `json:"ttl_secs"`
}

// StatusPayload is a participant's response to a FleetStatus poll.
type StatusPayload struct {
	SwitchID    string `json:"switch_id"`
	LocalState  string `json:"local_state"`
	Unreachable bool   `json:"unreachable"`
}

// FinalizePayload is FleetFinalize's Payload: tells every participant
// whether to keep (Commit) or undo (Rollback) its local switch.
type FinalizePayload struct {
	Commit bool   `json:"commit"`
	Reason string `json:"reason,omitempty"`
}

// UnmarshalJSON reconstructs Payload's concrete type, since a raw any field
// would otherwise decode to a generic map[string]any over the wire —
// needed by SocketClient, which round-trips an Envelope through real JSON
// rather than passing it in-process like Fake does. Kind alone doesn't
// disambiguate a FleetPropose request (ProposePayload) from its reply
// (VotePayload), so the concrete type is picked by which distinguishing
// field is present in the payload object.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire struct {
		Kind       EnvelopeKind    `json:"kind"`
		ProposalID string          `json:"proposal_id"`
		From       string          `json:"from"`
		SentAt     time.Time       `json:"sent_at"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.Kind = wire.Kind
	e.ProposalID = wire.ProposalID
	e.From = wire.From
	e.SentAt = wire.SentAt
	e.Payload = nil
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(wire.Payload, &fields); err != nil {
		return fmt.Errorf("mesh: unmarshal payload fields: %w", err)
	}

	switch {
	case hasField(fields, "participants"):
		var p ProposePayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("mesh: unmarshal ProposePayload: %w", err)
		}
		e.Payload = p
	case hasField(fields, "new_config_id"):
		var p ExecutePayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("mesh: unmarshal ExecutePayload: %w", err)
		}
		e.Payload = p
	case hasField(fields, "commit"):
		var p FinalizePayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("mesh: unmarshal FinalizePayload: %w", err)
		}
		e.Payload = p
	case hasField(fields, "switch_id"), hasField(fields, "local_state"):
		var p StatusPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("mesh: unmarshal StatusPayload: %w", err)
		}
		e.Payload = p
	case hasField(fields, "approve"):
		var p VotePayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("mesh: unmarshal VotePayload: %w", err)
		}
		e.Payload = p
	}
	return nil
}

func hasField(fields map[string]json.RawMessage, name string) bool {
	_, ok := fields[name]
	return ok
}

// Client is the narrow port Fleet Coordinator depends on: send one
// envelope to one peer and get its reply envelope, or an error if the peer
// is unreachable. The mesh guarantees ordered delivery per peer but makes
// no consistency promises across peers — that's Fleet Coordinator's job.
type Client interface {
	Send(ctx context.Context, peer string, env Envelope) (reply Envelope, err error)
}
