package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	defaultClientTimeout = 15 * time.Second
	defaultClientRate    = 20

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 8 << 20

	// breakerTripAfter is how many consecutive connectivity failures open
	// the circuit.
	breakerTripAfter = 5

	// breakerCooldown is how long the circuit stays open before a probe
	// request is let through.
	breakerCooldown = 30 * time.Second
)

// ClientConfig configures an HTTP authority client.
type ClientConfig struct {
	BaseURL string

	// Timeout bounds each request. Defaults to 15s.
	Timeout time.Duration

	// Rate is the maximum requests per second. Defaults to 20.
	Rate float64

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to an authority over HTTP/JSON. Requests are rate limited
// and pass through a circuit breaker that opens after repeated
// connectivity failures, so a dead authority fails fast.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates an authority client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing authority url: %w", err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("authority url must be http or https, got %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	limit := cfg.Rate
	if limit <= 0 {
		limit = defaultClientRate
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(limit), max(1, int(limit))),
		logger:  logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "authority",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, syncerr.ErrConnectivity)
		},
	})

	return c, nil
}

// Push implements Authority.
func (c *Client) Push(ctx context.Context, req PushRequest) (PushReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PushReply{}, fmt.Errorf("encoding push: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/v1/push", nil, body)
	if err != nil {
		return PushReply{}, err
	}

	var reply PushReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return PushReply{}, syncerr.Rejection(fmt.Sprintf("decoding push reply: %v", err))
	}

	return reply, nil
}

type pullResponse struct {
	Changes []RemoteChange `json:"changes"`
}

// PullChangesSince implements Authority.
func (c *Client) PullChangesSince(ctx context.Context, entityType models.EntityType, householdID string, since int64) ([]RemoteChange, error) {
	q := url.Values{}
	q.Set("household", householdID)
	q.Set("type", string(entityType))
	q.Set("since", strconv.FormatInt(since, 10))

	data, err := c.do(ctx, http.MethodGet, "/v1/pull", q, nil)
	if err != nil {
		return nil, err
	}

	var resp pullResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, syncerr.Rejection(fmt.Sprintf("decoding pull reply: %v", err))
	}

	return resp.Changes, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, syncerr.Connectivity(err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, path, query, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, syncerr.Connectivity(err)
	}

	if err != nil {
		return nil, err
	}

	return out.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.Connectivity(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, syncerr.Connectivity(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, syncerr.Connectivity(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	}

	reason := gjson.GetBytes(data, "error").String()
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	c.logger.Debug("authority rejected request",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("reason", reason),
	)

	return nil, syncerr.Rejection(reason)
}
