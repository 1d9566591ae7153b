package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPlanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage meal plans",
	}

	cmd.AddCommand(newPlanAssignCmd(a), newPlanShowCmd(a))

	return cmd
}

func newPlanAssignCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <plan-id> <date> <meal> <dish>",
		Short: "Put a dish in a plan slot",
		Long: `Assign puts a dish, given by ID or name, into the slot for a date
(YYYY-MM-DD) and meal (breakfast, lunch, dinner). The plan is created if
it does not exist yet.

Example:
  household-sync plan assign week-11 2026-03-16 dinner "Lentil soup"`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.resolveDish(args[3])
			if err != nil {
				return err
			}

			if _, err := a.house.AssignDish(args[0], args[1], args[2], d.ID); err != nil {
				return fmt.Errorf("assign dish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s: %s\n", args[0], args[1], args[2], d.Name)

			return nil
		},
	}
}

func newPlanShowCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.house.Plans.Get(args[0])
			if err != nil {
				return err
			}

			if p == nil {
				return fmt.Errorf("no plan %s", args[0])
			}

			if asJSON {
				return printOutput(cmd.OutOrStdout(), p, true)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tMEAL\tDISH\tBY")

			for _, s := range p.Slots {
				name := s.DishID

				d, err := a.house.Dishes.Get(s.DishID)
				if err != nil {
					return err
				}

				if d != nil {
					name = d.Name
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Date, s.Meal, name, s.AssignedBy)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}
