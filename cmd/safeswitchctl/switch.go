package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/osmoda/safeswitch/internal/model"
)

func newSwitchCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switch",
		Short: "Manage single-host deploy transactions",
	}
	cmd.AddCommand(newSwitchBeginCmd(cl))
	cmd.AddCommand(newSwitchStatusCmd(cl))
	cmd.AddCommand(newSwitchCommitCmd(cl))
	cmd.AddCommand(newSwitchRollbackCmd(cl))
	cmd.AddCommand(newSwitchAckCmd(cl))
	return cmd
}

type switchBeginRequest struct {
	Plan         string                  `json:"plan"`
	NewConfigID  string                  `json:"new_config_id"`
	TTLSecs      int                     `json:"ttl_secs"`
	HealthChecks []model.HealthCheckSpec `json:"health_checks"`
}

func newSwitchBeginCmd(cl func() *apiClient) *cobra.Command {
	var plan, newConfigID, checksJSON string
	var ttlSecs int

	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Begin a new deploy transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			var checks []model.HealthCheckSpec
			if checksJSON != "" {
				if err := json.Unmarshal([]byte(checksJSON), &checks); err != nil {
					os.Exit(exitArgumentError)
				}
			}
			var sess model.SwitchSession
			err := cl().do("POST", "/switch/begin", switchBeginRequest{
				Plan:         plan,
				NewConfigID:  newConfigID,
				TTLSecs:      ttlSecs,
				HealthChecks: checks,
			}, &sess)
			if err == nil {
				printSwitchSession(&sess)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "Human-readable description of the configuration being switched to")
	cmd.Flags().StringVar(&newConfigID, "new-config-id", "", "Target configuration identifier")
	cmd.Flags().IntVar(&ttlSecs, "ttl-secs", 300, "Probation window before auto-rollback (10-86400)")
	cmd.Flags().StringVar(&checksJSON, "health-checks", "", "JSON array of HealthCheckSpec to gate probation on")
	cmd.MarkFlagRequired("new-config-id")
	return cmd
}

func newSwitchStatusCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a switch session's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess model.SwitchSession
			err := cl().do("GET", "/switch/status/"+args[0], nil, &sess)
			if err != nil {
				os.Exit(exitFor(err))
			}
			printSwitchSession(&sess)
			if sess.State == model.SwitchFailed && !sess.Acknowledged {
				os.Exit(exitPersistentFailed)
			}
			os.Exit(exitOK)
			return nil
		},
	}
	return cmd
}

func newSwitchCommitCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit <id>",
		Short: "Commit a session in Probation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess model.SwitchSession
			err := cl().do("POST", "/switch/commit/"+args[0], nil, &sess)
			if err == nil {
				printSwitchSession(&sess)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	return cmd
}

func newSwitchRollbackCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Roll a session back to its previous configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess model.SwitchSession
			err := cl().do("POST", "/switch/rollback/"+args[0], nil, &sess)
			if err == nil {
				printSwitchSession(&sess)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	return cmd
}

// newSwitchAckCmd implements spec §7's "requires explicit acknowledgement
// via a CLI command before new begin operations are accepted".
func newSwitchAckCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge a terminal Failed session, clearing the host's begin refusal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sess model.SwitchSession
			err := cl().do("POST", "/switch/ack/"+args[0], nil, &sess)
			if err == nil {
				printSwitchSession(&sess)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	return cmd
}

func printSwitchSession(s *model.SwitchSession) {
	tw := newTabWriter()
	fmt.Fprintf(tw, "ID\t%s\n", s.ID)
	fmt.Fprintf(tw, "STATE\t%s\n", s.State)
	fmt.Fprintf(tw, "PLAN\t%s\n", s.Plan)
	if s.NewConfigID != nil {
		fmt.Fprintf(tw, "NEW_CONFIG_ID\t%s\n", *s.NewConfigID)
	}
	if s.PreviousConfigID != nil {
		fmt.Fprintf(tw, "PREVIOUS_CONFIG_ID\t%s\n", *s.PreviousConfigID)
	}
	fmt.Fprintf(tw, "EXPIRES_AT\t%s\n", s.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	if s.OutcomeReason != "" {
		fmt.Fprintf(tw, "OUTCOME_REASON\t%s\n", s.OutcomeReason)
	}
	fmt.Fprintf(tw, "ACKNOWLEDGED\t%t\n", s.Acknowledged)
	fmt.Fprintf(tw, "REVISION\t%d\n", s.Revision)
	tw.Flush()
}
