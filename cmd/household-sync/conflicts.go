package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/spf13/cobra"
)

func newConflictsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve sync conflicts",
		Long: `A conflict is recorded when this device and another household member
changed the same record independently. The local change is kept aside
until you pick which version wins.`,
	}

	cmd.AddCommand(newConflictsListCmd(a), newConflictsShowCmd(a), newConflictsResolveCmd(a))

	return cmd
}

func newConflictsListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireSynced(); err != nil {
				return err
			}

			recs, err := a.engine.Conflicts()
			if err != nil {
				return err
			}

			if asJSON {
				return printOutput(cmd.OutOrStdout(), recs, true)
			}

			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no conflicts")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tLOCAL\tSERVER\tBY\tDETECTED")

			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.EntityID,
					rec.EntityType,
					describeVersion(rec.Local),
					describeVersion(rec.Server),
					rec.Server.ModifiedBy,
					rec.DetectedAt.Local().Format(time.DateTime),
				)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func describeVersion(v models.Version) string {
	if v.Deleted {
		return fmt.Sprintf("r%d deleted", v.Revision)
	}

	return fmt.Sprintf("r%d", v.Revision)
}

type conflictOutput struct {
	EntityID   string `yaml:"entity_id"`
	EntityType string `yaml:"entity_type"`
	Local      string `yaml:"local"`
	Server     string `yaml:"server"`
	ServerBy   string `yaml:"server_modified_by,omitempty"`
	DetectedAt string `yaml:"detected_at"`
}

func newConflictsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <entity-id>",
		Short: "Show one conflict with a diff from the household version to yours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSynced(); err != nil {
				return err
			}

			rec, err := a.cache.Conflict(args[0])
			if err != nil {
				return err
			}

			if rec == nil {
				return fmt.Errorf("no conflict for %s", args[0])
			}

			out := cmd.OutOrStdout()
			if err := printOutput(out, conflictOutput{
				EntityID:   rec.EntityID,
				EntityType: string(rec.EntityType),
				Local:      describeVersion(rec.Local),
				Server:     describeVersion(rec.Server),
				ServerBy:   rec.Server.ModifiedBy,
				DetectedAt: rec.DetectedAt.Local().Format(time.RFC3339),
			}, false); err != nil {
				return err
			}

			fmt.Fprintln(out, "---")
			fmt.Fprint(out, rec.Diff())

			return nil
		},
	}
}

func newConflictsResolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <entity-id> <local|server>",
		Short: "Resolve a conflict",
		Long: `Resolve keeps this device's version (local) or the household's version
(server). Keeping local sends it to the household on the next sync.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireSynced(); err != nil {
				return err
			}

			choice := models.Choice(strings.ToLower(args[1]))

			ok, err := a.engine.ResolveConflict(args[0], choice)
			if err != nil {
				return err
			}

			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "no open conflict for %s\n", args[0])
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s: kept %s version\n", args[0], choice)

			return nil
		},
	}
}
