// Command household-sync keeps a device's household records in sync with
// the household authority and works offline in between.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alexjbarnes/household-sync/internal/authority"
	"github.com/alexjbarnes/household-sync/internal/config"
	"github.com/alexjbarnes/household-sync/internal/engine"
	"github.com/alexjbarnes/household-sync/internal/household"
	"github.com/alexjbarnes/household-sync/internal/logging"
	"github.com/alexjbarnes/household-sync/internal/netmon"
	"github.com/alexjbarnes/household-sync/internal/state"
	"github.com/spf13/cobra"
)

var Version = "dev"

// localHousehold partitions local-mode records in the cache.
const localHousehold = "local"

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs. It is opened before a command
// runs and closed after.
type app struct {
	logOut io.Writer

	cfg     *config.Config
	logger  *slog.Logger
	cache   *state.Cache
	house   *household.Household
	monitor *netmon.Monitor

	// engine is nil in local mode.
	engine *engine.Engine
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	a := &app{logOut: logOut}

	root := &cobra.Command{
		Use:   "household-sync",
		Short: "Offline-first sync for household meal plans",
		Long: `household-sync keeps dishes, plans, proposals, and votes on this device
and syncs them with the household authority whenever the network allows.

Set HOUSEHOLD_ID and AUTHORITY_URL to sync with a household. Without them
the records stay on this device.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.open() },
	}

	root.AddCommand(
		newRunCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newConflictsCmd(a),
		newDishCmd(a),
		newPlanCmd(a),
	)

	closeAfterRun(root, a)

	return root
}

// closeAfterRun closes the app after every runnable command, including
// when it fails. Cobra skips post-run hooks on error.
func closeAfterRun(cmd *cobra.Command, a *app) {
	for _, c := range cmd.Commands() {
		closeAfterRun(c, a)
	}

	if cmd.RunE == nil {
		return
	}

	run := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			err = errors.Join(err, a.close())
		}()

		return run(cmd, args)
	}
}

func (a *app) open() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a.cfg = cfg
	a.logger = logging.NewLogger(cfg.Environment, logging.Options{File: cfg.LogFile, Writer: a.logOut})

	householdID := cfg.HouseholdID
	if !cfg.Synced() {
		householdID = localHousehold
	}

	cache, err := state.LoadAt(cfg.StatePath, householdID, state.Options{})
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	a.cache = cache
	a.monitor = netmon.New(a.logger)

	if !cfg.Synced() {
		a.house = household.New(household.NewLocalStore(cache), cfg.MemberID)
		return nil
	}

	client, err := authority.NewClient(authority.ClientConfig{
		BaseURL: cfg.AuthorityURL,
		Timeout: cfg.AuthorityTimeout,
		Rate:    cfg.AuthorityRate,
		Logger:  a.logger,
	})
	if err != nil {
		_ = a.close()
		return fmt.Errorf("creating authority client: %w", err)
	}

	a.house = household.New(cache, cfg.MemberID)
	a.engine = engine.New(cache, client, a.monitor, engine.Config{
		HouseholdID: cfg.HouseholdID,
		Interval:    cfg.SyncInterval,
		BackoffMin:  cfg.SyncBackoffMin,
		BackoffMax:  cfg.SyncBackoffMax,
		Logger:      a.logger,
		Now:         time.Now,
	})

	return nil
}

func (a *app) close() error {
	if a.cache == nil {
		return nil
	}

	err := a.cache.Close()
	a.cache = nil

	return err
}

// requireSynced fails commands that only make sense in a household.
func (a *app) requireSynced() error {
	if a.engine == nil {
		return fmt.Errorf("not in a household: set HOUSEHOLD_ID and AUTHORITY_URL")
	}

	return nil
}
