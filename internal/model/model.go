// Package model defines the entities SafeSwitch operates on: SwitchSession,
// HealthCheckSpec, HealthReport, Watcher, RemediationAction, and
// FleetProposal, per spec §3. Types here are pure data — the state
// machines that own and mutate them live in internal/switchengine,
// internal/watcher, and internal/fleet.
package model

import "time"

// SwitchState is the variant set a SwitchSession's State field takes, per
// spec §3/§4.3.
type SwitchState string

const (
	SwitchPending     SwitchState = "Pending"
	SwitchActivating  SwitchState = "Activating"
	SwitchProbation   SwitchState = "Probation"
	SwitchCommitted   SwitchState = "Committed"
	SwitchRollingBack SwitchState = "RollingBack"
	SwitchRolledBack  SwitchState = "RolledBack"
	SwitchFailed      SwitchState = "Failed"
)

// IsTerminal reports whether no further transitions are possible from this
// state, per spec §3's invariant on SwitchSession.
func (s SwitchState) IsTerminal() bool {
	switch s {
	case SwitchCommitted, SwitchRolledBack, SwitchFailed:
		return true
	default:
		return false
	}
}

// HealthCheckKind discriminates the four HealthCheckSpec variants.
type HealthCheckKind string

const (
	CheckServiceUnit HealthCheckKind = "ServiceUnit"
	CheckTcpPort     HealthCheckKind = "TcpPort"
	CheckHttpGet     HealthCheckKind = "HttpGet"
	CheckCommand     HealthCheckKind = "Command"
)

// HealthCheckSpec is a tagged union over the four probe kinds in spec §3.
// Exactly one of the kind-specific field groups is meaningful, selected by
// Kind; this mirrors how the teacher's escalation.RemediationAction-shaped
// data would be modeled in Go (no native sum types), keeping JSON
// (de)serialization flat rather than introducing a wrapper-interface with
// custom MarshalJSON per variant.
type HealthCheckSpec struct {
	Kind HealthCheckKind `json:"kind"`

	// ServiceUnit
	UnitName string `json:"unit_name,omitempty"`

	// TcpPort
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// HttpGet
	URL          string `json:"url,omitempty"`
	ExpectStatus int    `json:"expect_status,omitempty"`

	// Command
	Program    string   `json:"program,omitempty"`
	Args       []string `json:"args,omitempty"`
	ExpectExit int      `json:"expect_exit"`
}

// PerCheckResult is one entry of a HealthReport, per spec §3.
type PerCheckResult struct {
	Spec       HealthCheckSpec `json:"spec"`
	Passed     bool            `json:"passed"`
	Detail     string          `json:"detail"`
	DurationMS int64           `json:"duration_ms"`
}

// HealthReport is the outcome of probing a list of HealthCheckSpecs, per
// spec §3/§4.2.
type HealthReport struct {
	Timestamp time.Time        `json:"timestamp"`
	PerCheck  []PerCheckResult `json:"per_check"`
	AllPassed bool             `json:"all_passed"`
}

// SwitchSession is a single deploy transaction, per spec §3.
type SwitchSession struct {
	ID               string            `json:"id"`
	Plan             string            `json:"plan"`
	State            SwitchState       `json:"state"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	TTLSecs          int               `json:"ttl_secs"`
	PreviousConfigID *string           `json:"previous_config_id"`
	NewConfigID      *string           `json:"new_config_id"`
	HealthChecks     []HealthCheckSpec `json:"health_checks"`
	LastProbe        *HealthReport     `json:"last_probe,omitempty"`
	OutcomeReason    string            `json:"outcome_reason,omitempty"`

	// Revision is bumped on every mutation and surfaced as the
	// X-Entity-Version response header, per spec §6.
	Revision uint64 `json:"revision"`

	// Acknowledged records whether an operator has acknowledged a terminal
	// Failed state, per spec §7. New begin calls are refused on a host with
	// an unacknowledged Failed session until this is set.
	Acknowledged bool `json:"acknowledged"`

	// AutoCommitOnTTL marks a session begun as a fleet participant's local
	// leg of a FleetExecute: per spec §4.5, a participant reaches
	// local-Committed on its own so the origin can aggregate, rather than
	// waiting for an explicit operator commit the way a standalone session
	// does (spec §9's open question on begin semantics resolved this way
	// for fleet-originated sessions specifically).
	AutoCommitOnTTL bool `json:"auto_commit_on_ttl,omitempty"`
}

// RemediationKind discriminates the four RemediationAction variants.
type RemediationKind string

const (
	ActionRestartServiceUnit RemediationKind = "RestartServiceUnit"
	ActionRollbackGeneration RemediationKind = "RollbackGeneration"
	ActionNotify             RemediationKind = "Notify"
	ActionRunCommand         RemediationKind = "RunCommand"
)

// RemediationAction is a tagged union over the four watcher-escalation
// actions in spec §3/§4.4.
type RemediationAction struct {
	Kind RemediationKind `json:"kind"`

	// RestartServiceUnit
	Unit string `json:"unit,omitempty"`

	// Notify
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`

	// RunCommand
	Program string   `json:"program,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// WatcherStateKind discriminates Watcher.State's three variants.
type WatcherStateKind string

const (
	WatcherHealthy   WatcherStateKind = "Healthy"
	WatcherDegraded  WatcherStateKind = "Degraded"
	WatcherEscalated WatcherStateKind = "Escalated"
)

// WatcherState is the Healthy | Degraded{since, consecutive_failures} |
// Escalated{action_index} variant of spec §3.
type WatcherState struct {
	Kind                WatcherStateKind `json:"kind"`
	Since               time.Time        `json:"since,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures,omitempty"`
	ActionIndex         int              `json:"action_index,omitempty"`
}

// WatcherStats holds the pass/fail counters of spec §3.
type WatcherStats struct {
	Passes int64 `json:"passes"`
	Fails  int64 `json:"fails"`
}

// Watcher is a named, persistent health monitor, per spec §3/§4.4.
type Watcher struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Check        HealthCheckSpec     `json:"check"`
	IntervalSecs int                 `json:"interval_secs"`
	Actions      []RemediationAction `json:"actions"`
	State        WatcherState        `json:"state"`
	LastCheckAt  time.Time           `json:"last_check_at"`
	Stats        WatcherStats        `json:"stats"`

	// Quiesced suppresses escalation while true. It is set through the
	// Watcher Engine's SetQuiesced (the API's quiesce route); remediation
	// actions, including RollbackGeneration, do not set it. Per spec §9's
	// design note, the Switch Engine never calls into the Watcher Engine
	// directly.
	Quiesced bool `json:"quiesced"`

	Revision uint64 `json:"revision"`
}

// FleetPhase is FleetProposal.Phase's variant set, per spec §3/§4.5.
type FleetPhase string

const (
	FleetProposed   FleetPhase = "Proposed"
	FleetQuorum     FleetPhase = "Quorum"
	FleetExecuting  FleetPhase = "Executing"
	FleetCommitted  FleetPhase = "Committed"
	FleetRolledBack FleetPhase = "RolledBack"
	FleetFailed     FleetPhase = "Failed"
)

// IsTerminal reports whether the proposal can still transition.
func (p FleetPhase) IsTerminal() bool {
	switch p {
	case FleetCommitted, FleetRolledBack, FleetFailed:
		return true
	default:
		return false
	}
}

// Vote is one participant's recorded response to a FleetProposal.
type Vote struct {
	Approve    bool      `json:"approve"`
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// PeerSwitchStatus tracks the last-observed local switch state the origin
// has for a participant, used to evaluate the commit/rollback conditions
// of spec §4.5.
type PeerSwitchStatus struct {
	SwitchID    string      `json:"switch_id"`
	LocalState  SwitchState `json:"local_state"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
	Unreachable bool        `json:"unreachable"`
}

// FleetProposal is a quorum-voted multi-host switch, per spec §3/§4.5.
type FleetProposal struct {
	ID               string                      `json:"id"`
	Origin           string                      `json:"origin"`
	Plan             string                      `json:"plan"`
	Participants     []string                    `json:"participants"`
	QuorumFraction   float64                     `json:"quorum_fraction"`
	Votes            map[string]Vote             `json:"votes"`
	Phase            FleetPhase                  `json:"phase"`
	HealthChecks     []HealthCheckSpec           `json:"health_checks"`
	TimeoutSecs      int                         `json:"timeout_secs"`
	PerPeerSwitchIDs map[string]PeerSwitchStatus `json:"per_peer_switch_ids"`
	CreatedAt        time.Time                   `json:"created_at"`
	OutcomeReason    string                      `json:"outcome_reason,omitempty"`
	Acknowledged     bool                        `json:"acknowledged"`

	Revision uint64 `json:"revision"`
}

// Clone returns a deep-enough copy of a FleetProposal for safe copy-on-read
// snapshots, per spec §5's "copy-on-read snapshots taken under a short-held
// lock" requirement.
func (p *FleetProposal) Clone() *FleetProposal {
	cp := *p
	cp.Participants = append([]string(nil), p.Participants...)
	cp.HealthChecks = append([]HealthCheckSpec(nil), p.HealthChecks...)
	cp.Votes = make(map[string]Vote, len(p.Votes))
	for k, v := range p.Votes {
		cp.Votes[k] = v
	}
	cp.PerPeerSwitchIDs = make(map[string]PeerSwitchStatus, len(p.PerPeerSwitchIDs))
	for k, v := range p.PerPeerSwitchIDs {
		cp.PerPeerSwitchIDs[k] = v
	}
	return &cp
}

// Clone returns a copy of a SwitchSession safe to hand to a reader without
// sharing the reconciler's mutable copy.
func (s *SwitchSession) Clone() *SwitchSession {
	cp := *s
	cp.HealthChecks = append([]HealthCheckSpec(nil), s.HealthChecks...)
	if s.LastProbe != nil {
		lp := *s.LastProbe
		lp.PerCheck = append([]PerCheckResult(nil), s.LastProbe.PerCheck...)
		cp.LastProbe = &lp
	}
	return &cp
}

// Clone returns a copy of a Watcher safe to hand to a reader.
func (w *Watcher) Clone() *Watcher {
	cp := *w
	cp.Actions = append([]RemediationAction(nil), w.Actions...)
	return &cp
}
