package e2e_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/household-sync/internal/authority"
	"github.com/alexjbarnes/household-sync/internal/engine"
	"github.com/alexjbarnes/household-sync/internal/household"
	"github.com/alexjbarnes/household-sync/internal/mcpserver"
	"github.com/alexjbarnes/household-sync/internal/netmon"
	"github.com/alexjbarnes/household-sync/internal/server"
	"github.com/alexjbarnes/household-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const testHousehold = "home-e2e"

// harness is a real authority served over HTTP. Setting down makes it
// answer 503 to everything, which devices treat as lost connectivity.
type harness struct {
	URL    string
	Memory *authority.Memory
	down   atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{Memory: authority.NewMemory()}
	api := authority.NewHandler(h.Memory, slog.New(slog.DiscardHandler))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		api.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	h.URL = ts.URL

	return h
}

// device is one member's install: its own cache, household view, engine,
// and connectivity monitor, talking to the harness over HTTP.
type device struct {
	Member  string
	Cache   *state.Cache
	House   *household.Household
	Monitor *netmon.Monitor
	Engine  *engine.Engine
}

func (h *harness) newDevice(t *testing.T, member string) *device {
	t.Helper()

	logger := slog.New(slog.DiscardHandler).With(slog.String("member", member))

	cache, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), testHousehold, state.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	client, err := authority.NewClient(authority.ClientConfig{
		BaseURL: h.URL,
		Timeout: 5 * time.Second,
		Logger:  logger,
	})
	require.NoError(t, err)

	mon := netmon.New(logger)

	return &device{
		Member:  member,
		Cache:   cache,
		House:   household.New(cache, member),
		Monitor: mon,
		Engine: engine.New(cache, client, mon, engine.Config{
			HouseholdID: testHousehold,
			Interval:    time.Hour,
			Logger:      logger,
		}),
	}
}

func (d *device) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, d.Engine.SyncOnce(t.Context()))
}

// mcpSession serves the device's MCP tools over HTTP through the same mux
// the daemon uses and connects a client to it.
func (d *device) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "household-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, d.House, d.Engine)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Status:     d.Engine.Status,
		Logger:     slog.New(slog.DiscardHandler),
	}))
	t.Cleanup(ts.Close)

	transport := &mcp.StreamableClientTransport{
		Endpoint:             ts.URL + "/mcp",
		HTTPClient:           ts.Client(),
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
