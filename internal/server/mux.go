// Package server provides HTTP server construction for household-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/household-sync/internal/engine"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	MCPHandler http.Handler

	// Status reports sync state on the health endpoint. Nil in local mode.
	Status func() (engine.Status, error)

	Logger *slog.Logger
}

type healthResponse struct {
	Status string         `json:"status"`
	Mode   string         `json:"mode"`
	Sync   *engine.Status `json:"sync,omitempty"`
}

// NewMux builds the HTTP mux with the MCP endpoint and a health check.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/mcp", cfg.MCPHandler)
	mux.HandleFunc("GET /healthz", handleHealth(cfg))

	return mux
}

func handleHealth(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "ok", Mode: "local"}

		if cfg.Status != nil {
			st, err := cfg.Status()
			if err != nil {
				cfg.Logger.Warn("health check failed", slog.String("error", err.Error()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})

				return
			}

			resp.Mode = "synced"
			resp.Sync = &st
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
