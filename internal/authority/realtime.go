package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// heartbeatInterval is how often the listener pings the authority.
	heartbeatInterval = 20 * time.Second

	// heartbeatTimeout bounds one ping round trip.
	heartbeatTimeout = 10 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// realtimeReadLimit caps one inbound frame. Hints are tiny.
	realtimeReadLimit = 64 << 10

	inboundChanSize = 16
)

type inboundMsg struct {
	data []byte
	err  error
}

// Realtime listens for change hints from the authority over a websocket
// and reconnects with jittered exponential backoff when the connection
// drops. It is also a connectivity source: it reports online while
// connected and offline after a failed connection attempt.
type Realtime struct {
	url    string
	onHint func(ChangeHint)
	logger *slog.Logger
	dial   func(ctx context.Context, url string) (wsConn, error)

	connected atomic.Bool
}

// NewRealtime creates a listener for householdID against the authority at
// baseURL. onHint is called from the listener goroutine for every change
// hint and after every successful (re)connection.
func NewRealtime(baseURL, householdID string, onHint func(ChangeHint), logger *slog.Logger) (*Realtime, error) {
	u, err := RealtimeURL(baseURL, householdID)
	if err != nil {
		return nil, err
	}

	return &Realtime{
		url:    u,
		onHint: onHint,
		logger: logger,
		dial:   dialWebsocket,
	}, nil
}

// RealtimeURL derives the websocket endpoint from the authority base URL.
func RealtimeURL(baseURL, householdID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing authority url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("authority url must be http or https, got %q", baseURL)
	}

	u.Path += "/v1/realtime"
	u.RawQuery = url.Values{"household": {householdID}}.Encode()

	return u.String(), nil
}

func dialWebsocket(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Name implements netmon.Source.
func (r *Realtime) Name() string {
	return "realtime"
}

// Connected reports whether a realtime connection is currently open.
func (r *Realtime) Connected() bool {
	return r.connected.Load()
}

// Watch implements netmon.Source. It connects, serves the connection until
// it fails, and reconnects until ctx is cancelled.
func (r *Realtime) Watch(ctx context.Context, report func(online bool)) error {
	backoff := reconnectMin

	for {
		conn, err := r.dial(ctx, r.url)
		if err == nil {
			conn.SetReadLimit(realtimeReadLimit)
			r.connected.Store(true)
			report(true)
			backoff = reconnectMin

			r.logger.Info("realtime connected")

			err = r.serve(ctx, conn)
			r.connected.Store(false)
			conn.Close(websocket.StatusNormalClosure, "bye")
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		report(false)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		r.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff+jitter),
		)

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, reconnectMax)
	}
}

// serve runs one connection: a reader goroutine feeds inbound frames while
// this loop handles them and sends heartbeats. Returns when the connection
// fails or ctx is cancelled.
func (r *Realtime) serve(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case inbound <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading realtime frame: %w", msg.err)
			}

			r.handleFrame(msg.data)

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(connCtx, heartbeatTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()

			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (r *Realtime) handleFrame(data []byte) {
	op := gjson.GetBytes(data, "op").String()

	switch op {
	case "hello", "changed":
		var frame realtimeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("decoding realtime frame", slog.String("error", err.Error()))
			return
		}

		r.logger.Debug("realtime hint",
			slog.String("op", op),
			slog.String("type", string(frame.EntityType)),
			slog.Int64("revision", frame.Revision),
		)

		if r.onHint != nil {
			r.onHint(ChangeHint{HouseholdID: frame.HouseholdID, EntityType: frame.EntityType, Revision: frame.Revision})
		}

	default:
		r.logger.Debug("ignoring realtime frame", slog.String("op", op))
	}
}
