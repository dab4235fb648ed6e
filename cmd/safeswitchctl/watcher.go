package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/osmoda/safeswitch/internal/model"
)

func newWatcherCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watcher",
		Short: "Manage long-lived named health watchers",
	}
	cmd.AddCommand(newWatcherAddCmd(cl))
	cmd.AddCommand(newWatcherListCmd(cl))
	cmd.AddCommand(newWatcherRemoveCmd(cl))
	cmd.AddCommand(newWatcherQuiesceCmd(cl))
	return cmd
}

type watcherAddRequest struct {
	Name         string                     `json:"name"`
	Check        model.HealthCheckSpec      `json:"check"`
	IntervalSecs int                        `json:"interval_secs"`
	Actions      []model.RemediationAction  `json:"actions"`
}

func newWatcherAddCmd(cl func() *apiClient) *cobra.Command {
	var name, checkJSON, actionsJSON string
	var intervalSecs int

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new named watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			var check model.HealthCheckSpec
			if checkJSON == "" {
				fmt.Fprintln(os.Stderr, "safeswitchctl: --check is required")
				os.Exit(exitArgumentError)
			}
			if err := json.Unmarshal([]byte(checkJSON), &check); err != nil {
				fmt.Fprintln(os.Stderr, "safeswitchctl: malformed --check:", err)
				os.Exit(exitArgumentError)
			}
			var actions []model.RemediationAction
			if actionsJSON != "" {
				if err := json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
					fmt.Fprintln(os.Stderr, "safeswitchctl: malformed --actions:", err)
					os.Exit(exitArgumentError)
				}
			}
			var wt model.Watcher
			err := cl().do("POST", "/watcher/add", watcherAddRequest{
				Name:         name,
				Check:        check,
				IntervalSecs: intervalSecs,
				Actions:      actions,
			}, &wt)
			if err == nil {
				printWatcher(&wt)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Watcher name")
	cmd.Flags().StringVar(&checkJSON, "check", "", "JSON HealthCheckSpec to evaluate on each tick")
	cmd.Flags().IntVar(&intervalSecs, "interval-secs", 30, "Evaluation interval in seconds (any positive value; no 5s floor is applied)")
	cmd.Flags().StringVar(&actionsJSON, "actions", "", "JSON array of RemediationAction, tried in order on escalation")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newWatcherListCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all registered watchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var watchers []model.Watcher
			err := cl().do("GET", "/watcher/list", nil, &watchers)
			if err == nil {
				tw := newTabWriter()
				fmt.Fprintf(tw, "ID\tNAME\tSTATE\tINTERVAL\tPASSES\tFAILS\tQUIESCED\n")
				for _, w := range watchers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%ds\t%d\t%d\t%t\n",
						w.ID, w.Name, w.State.Kind, w.IntervalSecs, w.Stats.Passes, w.Stats.Fails, w.Quiesced)
				}
				tw.Flush()
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	return cmd
}

func newWatcherRemoveCmd(cl func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cl().do("DELETE", "/watcher/"+args[0], nil, nil)
			os.Exit(exitFor(err))
			return nil
		},
	}
	return cmd
}

func newWatcherQuiesceCmd(cl func() *apiClient) *cobra.Command {
	var quiesced bool
	cmd := &cobra.Command{
		Use:   "quiesce <id>",
		Short: "Suppress or resume a watcher's escalation while true",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var wt model.Watcher
			err := cl().do("POST", "/watcher/"+args[0]+"/quiesce", struct {
				Quiesced bool `json:"quiesced"`
			}{Quiesced: quiesced}, &wt)
			if err == nil {
				printWatcher(&wt)
			}
			os.Exit(exitFor(err))
			return nil
		},
	}
	cmd.Flags().BoolVar(&quiesced, "on", true, "Set to false to resume escalation")
	return cmd
}

func printWatcher(w *model.Watcher) {
	tw := newTabWriter()
	fmt.Fprintf(tw, "ID\t%s\n", w.ID)
	fmt.Fprintf(tw, "NAME\t%s\n", w.Name)
	fmt.Fprintf(tw, "STATE\t%s\n", w.State.Kind)
	fmt.Fprintf(tw, "INTERVAL_SECS\t%d\n", w.IntervalSecs)
	fmt.Fprintf(tw, "PASSES\t%d\n", w.Stats.Passes)
	fmt.Fprintf(tw, "FAILS\t%d\n", w.Stats.Fails)
	fmt.Fprintf(tw, "QUIESCED\t%t\n", w.Quiesced)
	fmt.Fprintf(tw, "REVISION\t%d\n", w.Revision)
	tw.Flush()
}
