package authority

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/coder/websocket"
)

const (
	// maxPushBody caps the size of a push request body.
	maxPushBody = 1 << 20

	// hintBuffer is how many change hints queue per realtime connection
	// before older ones are dropped. Hints carry no data, so dropping is
	// harmless while at least one is delivered.
	hintBuffer = 16

	// hintWriteTimeout bounds one realtime frame write.
	hintWriteTimeout = 10 * time.Second
)

// NewHandler serves m over HTTP:
//
//	POST /v1/push      PushRequest -> PushReply
//	GET  /v1/pull      ?household=&type=&since= -> {"changes": [...]}
//	GET  /v1/health    liveness
//	GET  /v1/realtime  ?household= websocket stream of change hints
func NewHandler(m *Memory, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/push", handlePush(m, logger))
	mux.HandleFunc("GET /v1/pull", handlePull(m))
	mux.HandleFunc("GET /v1/health", handleHealth)
	mux.HandleFunc("GET /v1/realtime", handleRealtime(m, logger))

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handlePush(m *Memory, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPushBody)

		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		reply, err := m.Push(r.Context(), req)
		if errors.Is(err, syncerr.ErrAuthorityRejection) {
			reason := strings.TrimPrefix(err.Error(), syncerr.ErrAuthorityRejection.Error()+": ")
			writeJSONError(w, http.StatusUnprocessableEntity, reason)
			return
		}

		if err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		logger.Debug("push handled",
			slog.String("household", req.HouseholdID),
			slog.String("type", string(req.EntityType)),
			slog.String("id", req.EntityID),
			slog.Bool("accepted", reply.Accepted),
		)

		writeJSON(w, http.StatusOK, reply)
	}
}

func handlePull(m *Memory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		householdID := q.Get("household")
		if householdID == "" {
			writeJSONError(w, http.StatusBadRequest, "household is required")
			return
		}

		entityType := models.EntityType(q.Get("type"))
		if !entityType.Valid() {
			writeJSONError(w, http.StatusBadRequest, "unknown entity type")
			return
		}

		var since int64
		if s := q.Get("since"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				writeJSONError(w, http.StatusBadRequest, "since must be a non-negative integer")
				return
			}

			since = v
		}

		changes, err := m.PullChangesSince(r.Context(), entityType, householdID, since)
		if err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		if changes == nil {
			changes = []RemoteChange{}
		}

		writeJSON(w, http.StatusOK, pullResponse{Changes: changes})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// realtimeFrame is the wire format of realtime messages.
type realtimeFrame struct {
	Op          string            `json:"op"`
	HouseholdID string            `json:"household_id,omitempty"`
	EntityType  models.EntityType `json:"type,omitempty"`
	Revision    int64             `json:"revision,omitempty"`
}

func handleRealtime(m *Memory, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		householdID := r.URL.Query().Get("household")
		if householdID == "" {
			http.Error(w, "household is required", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("realtime accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		hints := make(chan ChangeHint, hintBuffer)
		unsub := m.Subscribe(func(h ChangeHint) {
			if h.HouseholdID != householdID {
				return
			}

			select {
			case hints <- h:
			default:
			}
		})
		defer unsub()

		// CloseRead handles pings and returns a context that ends when
		// the peer goes away.
		ctx := conn.CloseRead(r.Context())

		if err := writeFrame(ctx, conn, realtimeFrame{Op: "hello", HouseholdID: householdID, Revision: m.Revision(householdID)}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			case h := <-hints:
				frame := realtimeFrame{Op: "changed", HouseholdID: h.HouseholdID, EntityType: h.EntityType, Revision: h.Revision}
				if err := writeFrame(ctx, conn, frame); err != nil {
					logger.Debug("realtime write failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame realtimeFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, hintWriteTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}
