package main

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/household-sync/internal/engine"
	"github.com/spf13/cobra"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Sync pushes pending local changes, pulls household changes, and
records any conflicts. Conflicts are not an error; use "conflicts list" to
review them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireSynced(); err != nil {
				return err
			}

			if err := a.engine.SyncOnce(cmd.Context()); err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			st, err := a.engine.Status()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "synced: %d pending, %d conflicts\n", st.PendingCount, st.ConflictCount)

			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireSynced(); err != nil {
				return err
			}

			st, err := a.engine.Status()
			if err != nil {
				return err
			}

			return printOutput(cmd.OutOrStdout(), statusView(st), asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of YAML")

	return cmd
}

type statusOutput struct {
	State               string `json:"state" yaml:"state"`
	Online              bool   `json:"online" yaml:"online"`
	PendingCount        int    `json:"pending_count" yaml:"pending_count"`
	ConflictCount       int    `json:"conflict_count" yaml:"conflict_count"`
	LastSyncTime        string `json:"last_sync_time" yaml:"last_sync_time"`
	LastError           string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures" yaml:"consecutive_failures"`
}

func statusView(st engine.Status) statusOutput {
	out := statusOutput{
		State:               string(st.State),
		Online:              st.Online,
		PendingCount:        st.PendingCount,
		ConflictCount:       st.ConflictCount,
		LastSyncTime:        "never",
		LastError:           st.LastError,
		ConsecutiveFailures: st.ConsecutiveFailures,
	}
	if st.LastSyncTime != nil {
		out.LastSyncTime = st.LastSyncTime.Local().Format(time.RFC3339)
	}

	return out
}
