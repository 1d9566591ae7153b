package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/alexjbarnes/household-sync/internal/household"
	"github.com/spf13/cobra"
)

func newDishCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dish",
		Short: "Manage the household's dishes",
	}

	cmd.AddCommand(newDishAddCmd(a), newDishListCmd(a), newDishRmCmd(a))

	return cmd
}

func newDishAddCmd(a *app) *cobra.Command {
	var (
		notes string
		tags  []string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a dish",
		Long: `Add creates a dish. Names are unique ignoring case and Unicode form.

Example:
  household-sync dish add "Lentil soup" --tag vegetarian --tag quick`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.house.AddDish(household.Dish{
				Name:  strings.Join(args, " "),
				Notes: notes,
				Tags:  tags,
			})
			if err != nil {
				return fmt.Errorf("add dish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", d.Name, d.ID)

			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "tag, repeatable")

	return cmd
}

func newDishListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dishes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dishes, err := a.house.Dishes.List()
			if err != nil {
				return fmt.Errorf("list dishes: %w", err)
			}

			if asJSON {
				return printOutput(cmd.OutOrStdout(), dishes, true)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTAGS\tBY")

			for _, d := range dishes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, strings.Join(d.Tags, ","), d.CreatedBy)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func newDishRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id-or-name>",
		Short: "Remove a dish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.resolveDish(strings.Join(args, " "))
			if err != nil {
				return err
			}

			if err := a.house.Dishes.Delete(d.ID, a.cfg.MemberID); err != nil {
				return fmt.Errorf("remove dish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", d.Name, d.ID)

			return nil
		},
	}
}

// resolveDish finds a dish by ID first, then by name.
func (a *app) resolveDish(ref string) (*household.Dish, error) {
	d, err := a.house.Dishes.Get(ref)
	if err != nil {
		return nil, err
	}

	if d != nil {
		return d, nil
	}

	d, err = a.house.FindDishByName(ref)
	if err != nil {
		return nil, err
	}

	if d == nil {
		return nil, fmt.Errorf("no dish matches %q", ref)
	}

	return d, nil
}
