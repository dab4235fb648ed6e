package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/osmoda/safeswitch/internal/model"
)

func newFleetCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Manage quorum-voted, fleet-wide switches",
	}
	cmd.AddCommand(newFleetProposeCmd(cl))
	cmd.AddCommand(newFleetStatusCmd(cl))
	cmd.AddCommand(newFleetVoteCmd(cl))
	cmd.AddCommand(newFleetRollbackCmd(cl))
	return cmd
}

// fleetProposeRequest mirrors the server's wire body for POST
// /fleet/propose, per spec §6: {plan, peer_ids[], health_checks[],
// quorum_percent, timeout_secs}.
type fleetProposeRequest struct {
	Plan         string                  `json:"plan"`
	PeerIDs      []string                `json:"peer_ids"`
	HealthChecks []model.HealthCheckSpec `json:"health_checks"`
	QuorumPct    float64                 `json:"quorum_percent"`
	TimeoutSecs  int                     `json:"timeout_secs"`
	NewConfigID  string                  `json:"new_config_id"`
}

func newFleetProposeCmd(cl func() *apiClient) *cobra.Command {
	var plan, newConfigID, participants, checksJSON string
	var quorumPercent float64
	var timeoutSecs int

	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a synchronized switch to a set of peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if participants == "" {
				fmt.Fprintln(os.Stderr, "safeswitchctl: --participants is required")
				os.Exit(exitArgumentError)
			}
			var checks []model.HealthCheckSpec
			if checksJSON != "" {
				if err := json.Unmarshal([]byte(checksJSON), &checks); err != nil {
					fmt.Fprintln(os.Stderr, "safeswitchctl: malformed --health-checks:", err)
					os.Exit(exitArgumentError)
				}
			}
			var p model.FleetProposal
			err := cl().do("POST", "/fleet/propose", fleetProposeRequest{
				Plan:         plan,
				PeerIDs:      strings.Split(participants, ","),
				HealthChecks: checks,
				QuorumPct:    quorumPercent,
				TimeoutSecs:  timeoutSecs,
				NewConfigID:  newConfigID,
			}, &p)
			if err == nil {
				printProposal(&p)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "Human-readable description of the configuration being switched to")
	cmd.Flags().StringVar(&newConfigID, "new-config-id", "", "Target configuration identifier")
	cmd.Flags().StringVar(&participants, "participants", "", "Comma-separated peer node ids")
	cmd.Flags().Float64Var(&quorumPercent, "quorum-percent", 51, "Percentage of participants that must approve")
	cmd.Flags().IntVar(&timeoutSecs, "timeout-secs", 120, "Proposal deadline in seconds, also each participant's probation TTL")
	cmd.Flags().StringVar(&checksJSON, "health-checks", "", "JSON array of HealthCheckSpec to gate probation on")
	cmd.MarkFlagRequired("new-config-id")
	return cmd
}

func newFleetStatusCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a fleet proposal's current phase and per-peer status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p model.FleetProposal
			err := cl().do("GET", "/fleet/status/"+args[0], nil, &p)
			if err != nil {
				os.Exit(exitFor(err))
			}
			printProposal(&p)
			if p.Phase == model.FleetFailed && !p.Acknowledged {
				os.Exit(exitPersistentFailed)
			}
			os.Exit(exitOK)
			return nil
		},
	}
	return cmd
}

type fleetVoteRequest struct {
	PeerID  string `json:"peer_id"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func newFleetVoteCmd(cl func() *apiClient) *cobra.Command {
	var peerID, reason string
	var approve bool

	cmd := &cobra.Command{
		Use:   "vote <id>",
		Short: "Record a participant's vote on a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p model.FleetProposal
			err := cl().do("POST", "/fleet/vote/"+args[0], fleetVoteRequest{
				PeerID:  peerID,
				Approve: approve,
				Reason:  reason,
			}, &p)
			if err == nil {
				printProposal(&p)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	cmd.Flags().StringVar(&peerID, "peer-id", "", "Voting peer's node id")
	cmd.Flags().BoolVar(&approve, "approve", true, "Set to false to reject")
	cmd.Flags().StringVar(&reason, "reason", "", "Optional rejection reason")
	cmd.MarkFlagRequired("peer-id")
	return cmd
}

func newFleetRollbackCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Force a cluster-wide rollback of a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p model.FleetProposal
			err := cl().do("POST", "/fleet/rollback/"+args[0], nil, &p)
			if err == nil {
				printProposal(&p)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	return cmd
}

func printProposal(p *model.FleetProposal) {
	tw := newTabWriter()
	fmt.Fprintf(tw, "ID\t%s\n", p.ID)
	fmt.Fprintf(tw, "ORIGIN\t%s\n", p.Origin)
	fmt.Fprintf(tw, "PHASE\t%s\n", p.Phase)
	fmt.Fprintf(tw, "PLAN\t%s\n", p.Plan)
	fmt.Fprintf(tw, "PARTICIPANTS\t%s\n", strings.Join(p.Participants, ","))
	fmt.Fprintf(tw, "QUORUM_FRACTION\t%.2f\n", p.QuorumFraction)
	fmt.Fprintf(tw, "VOTES\t%d\n", len(p.Votes))
	if p.OutcomeReason != "" {
		fmt.Fprintf(tw, "OUTCOME_REASON\t%s\n", p.OutcomeReason)
	}
	fmt.Fprintf(tw, "ACKNOWLEDGED\t%t\n", p.Acknowledged)
	fmt.Fprintf(tw, "REVISION\t%d\n", p.Revision)
	tw.Flush()
	for peer, status := range p.PerPeerSwitchIDs {
		fmt.Printf("  peer=%s switch=%s state=%s unreachable=%t\n",
			peer, status.SwitchID, status.LocalState, status.Unreachable)
	}
}
