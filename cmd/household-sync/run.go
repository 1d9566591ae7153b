package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/household-sync/internal/authority"
	"github.com/alexjbarnes/household-sync/internal/engine"
	"github.com/alexjbarnes/household-sync/internal/mcpserver"
	"github.com/alexjbarnes/household-sync/internal/netmon"
	"github.com/alexjbarnes/household-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run watches connectivity, syncs on a timer and whenever the household
changes, and serves MCP tools when ENABLE_MCP is set. It runs until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	a.logger.Info("household-sync starting",
		slog.String("version", Version),
		slog.Bool("synced", a.cfg.Synced()),
		slog.Bool("mcp", a.cfg.EnableMCP),
	)

	if !a.cfg.Synced() && !a.cfg.EnableMCP {
		return fmt.Errorf("nothing to run in local mode: set HOUSEHOLD_ID to sync or ENABLE_MCP to serve tools")
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Synced() {
		sources, err := a.connectivitySources()
		if err != nil {
			return err
		}

		g.Go(func() error {
			return a.monitor.Run(gctx, sources...)
		})

		g.Go(func() error {
			return a.engine.Run(gctx)
		})
	}

	if a.cfg.EnableMCP {
		g.Go(func() error {
			return a.runMCP(gctx)
		})
	}

	return g.Wait()
}

func (a *app) connectivitySources() ([]netmon.Source, error) {
	sources := []netmon.Source{
		&netmon.HTTPProbe{
			URL:      a.cfg.HealthURL(),
			Interval: a.cfg.ProbeInterval,
			Logger:   a.logger,
		},
	}

	if a.cfg.NetworkSignalFile != "" {
		sources = append(sources, &netmon.FileSignal{Path: a.cfg.NetworkSignalFile, Logger: a.logger})
	}

	if a.cfg.EnableRealtime {
		rt, err := authority.NewRealtime(a.cfg.AuthorityURL, a.cfg.HouseholdID, func(hint authority.ChangeHint) {
			a.logger.Debug("household changed",
				slog.String("type", string(hint.EntityType)),
				slog.Int64("revision", hint.Revision),
			)
			a.engine.SyncNow()
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("creating realtime listener: %w", err)
		}

		sources = append(sources, rt)
	}

	return sources, nil
}

// runMCP starts the MCP HTTP server.
func (a *app) runMCP(ctx context.Context) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "household-sync-mcp", Version: Version},
		nil,
	)

	var (
		syncer mcpserver.Sync
		status func() (engine.Status, error)
	)

	if a.engine != nil {
		syncer = a.engine
		status = a.engine.Status
	}

	mcpserver.RegisterTools(mcpServer, a.house, syncer)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: a.cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			MCPHandler: mcpHandler,
			Status:     status,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", a.cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
