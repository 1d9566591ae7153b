// Package engine runs the offline-first sync between the local cache and
// the authority. One Engine serves one household session: it pushes dirty
// entities, pulls remote changes, turns divergent edits into conflicts,
// and applies the user's conflict decisions.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/household-sync/internal/authority"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/alexjbarnes/household-sync/internal/notify"
	"github.com/alexjbarnes/household-sync/internal/state"
)

//go:generate mockgen -destination=mock_authority_test.go -package=engine github.com/alexjbarnes/household-sync/internal/authority Authority

const (
	defaultInterval   = 30 * time.Second
	defaultBackoffMin = 5 * time.Second
	defaultBackoffMax = 5 * time.Minute
)

// Connectivity is the part of the network monitor the engine uses.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Config holds engine settings. Zero durations take defaults.
type Config struct {
	HouseholdID string

	// Interval is the periodic sync timer after a clean cycle.
	Interval time.Duration

	// BackoffMin and BackoffMax bound the retry delay after failed
	// cycles.
	BackoffMin time.Duration
	BackoffMax time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Status is a snapshot of the engine's externally visible state.
type Status struct {
	State               models.SyncState `json:"state" yaml:"state"`
	Online              bool             `json:"online" yaml:"online"`
	PendingCount        int              `json:"pending_count" yaml:"pending_count"`
	ConflictCount       int              `json:"conflict_count" yaml:"conflict_count"`
	LastSyncTime        *time.Time       `json:"last_sync_time" yaml:"last_sync_time"`
	LastError           string           `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures" yaml:"consecutive_failures"`
}

// Engine orchestrates sync cycles for one household.
type Engine struct {
	cache   *state.Cache
	auth    authority.Authority
	monitor Connectivity
	cfg     Config
	logger  *slog.Logger

	// trigger holds at most one pending sync request; requests made
	// while one is pending or a cycle is running collapse into it.
	trigger chan struct{}

	// cycleMu serializes cycles between Run and SyncOnce.
	cycleMu sync.Mutex

	states *notify.Emitter[models.SyncState]

	mu       sync.Mutex
	state    models.SyncState
	lastErr  error
	failures int
}

// New creates an engine. It starts offline when the monitor reports
// offline, otherwise idle. Nothing runs until Run or SyncOnce is called.
func New(cache *state.Cache, auth authority.Authority, monitor Connectivity, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}

	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffMin)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.HouseholdID == "" {
		cfg.HouseholdID = cache.HouseholdID()
	}

	initial := models.StateIdle
	if !monitor.Online() {
		initial = models.StateOffline
	}

	return &Engine{
		cache:   cache,
		auth:    auth,
		monitor: monitor,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "engine")),
		trigger: make(chan struct{}, 1),
		states:  notify.New[models.SyncState](nil),
		state:   initial,
	}
}

// SyncNow requests a sync cycle and returns immediately. If a cycle is
// running, exactly one more runs after it finishes.
func (e *Engine) SyncNow() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SyncState returns the current scheduler state.
func (e *Engine) SyncState() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// PendingCount returns the number of entities waiting to be pushed.
func (e *Engine) PendingCount() (int, error) {
	return e.cache.PendingCount()
}

// LastSyncTime returns when a cycle last completed cleanly, or nil.
func (e *Engine) LastSyncTime() (*time.Time, error) {
	t, err := e.cache.LastSync()
	if err != nil || t.IsZero() {
		return nil, err
	}

	return &t, nil
}

// Conflicts returns every open conflict, oldest first.
func (e *Engine) Conflicts() ([]models.ConflictRecord, error) {
	return e.cache.Conflicts()
}

// ConflictCount returns the number of open conflicts.
func (e *Engine) ConflictCount() (int, error) {
	return e.cache.ConflictCount()
}

// Status returns a snapshot of everything a status display needs.
func (e *Engine) Status() (Status, error) {
	e.mu.Lock()
	st := Status{
		State:               e.state,
		ConsecutiveFailures: e.failures,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	st.Online = e.monitor.Online()

	var err error
	if st.PendingCount, err = e.cache.PendingCount(); err != nil {
		return st, err
	}

	if st.ConflictCount, err = e.cache.ConflictCount(); err != nil {
		return st, err
	}

	st.LastSyncTime, err = e.LastSyncTime()

	return st, err
}

// OnDataChange registers fn for committed cache mutations. Returns an
// unsubscribe function.
func (e *Engine) OnDataChange(fn func(models.Change)) func() {
	return e.cache.OnChange(fn)
}

// OnConflict registers fn for changes in the number of open conflicts.
// Returns an unsubscribe function.
func (e *Engine) OnConflict(fn func(models.ConflictEvent)) func() {
	return e.cache.OnConflict(fn)
}

// OnStateChange registers fn for scheduler state transitions. Returns an
// unsubscribe function.
func (e *Engine) OnStateChange(fn func(models.SyncState)) func() {
	return e.states.Subscribe(fn)
}

func (e *Engine) setState(s models.SyncState) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()

	if changed {
		e.logger.Debug("sync state changed", slog.String("state", string(s)))
		e.states.Emit(s)
	}
}

// finish records a cycle's outcome. A clean cycle that ends after the
// monitor went offline ends offline; the state is read and set under one
// lock so a concurrent markOffline cannot be lost.
func (e *Engine) finish(res cycleResult) {
	next := res.state

	e.mu.Lock()
	switch res.state {
	case models.StateIdle:
		e.failures = 0
		e.lastErr = nil

		if !e.monitor.Online() {
			next = models.StateOffline
		}
	case models.StateError:
		e.failures++
		e.lastErr = res.err
	case models.StateOffline:
		e.lastErr = res.err
	}

	changed := e.state != next
	e.state = next
	e.mu.Unlock()

	if changed {
		e.logger.Debug("sync state changed", slog.String("state", string(next)))
		e.states.Emit(next)
	}
}
