// Package netmon tracks device connectivity. It never retries anything
// itself; it only aggregates signals from pluggable sources and tells
// subscribers about transitions.
//
// The monitor fails open: it starts online, and a source that cannot run
// is treated as reporting online, so push failures rather than a broken
// platform signal decide when the device is offline.
package netmon

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/alexjbarnes/household-sync/internal/notify"
	"golang.org/x/sync/errgroup"
)

// Source produces connectivity signals. Watch blocks until ctx is done or
// the source fails, calling report on every observation.
type Source interface {
	Name() string
	Watch(ctx context.Context, report func(online bool)) error
}

// Monitor aggregates connectivity reports. The device is online unless
// at least one source currently reports offline.
type Monitor struct {
	logger *slog.Logger
	subs   *notify.Emitter[bool]

	// emitMu keeps transitions delivered in the order they were computed.
	emitMu sync.Mutex

	mu      sync.Mutex
	online  bool
	offline map[string]struct{}
}

// New creates a monitor that reports online until told otherwise.
func New(logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:  logger,
		subs:    notify.New[bool](nil),
		online:  true,
		offline: make(map[string]struct{}),
	}
}

// Online returns the current aggregate connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// OfflineSources returns the names of sources currently reporting
// offline, sorted.
func (m *Monitor) OfflineSources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.offline))
	for name := range m.offline {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Subscribe registers fn for connectivity transitions. fn must not call
// Report. Returns an unsubscribe function.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	return m.subs.Subscribe(fn)
}

// Report records an observation from source. Subscribers are notified
// only when the aggregate changes.
func (m *Monitor) Report(source string, online bool) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if online {
		delete(m.offline, source)
	} else {
		m.offline[source] = struct{}{}
	}

	next := len(m.offline) == 0
	changed := next != m.online
	m.online = next
	m.mu.Unlock()

	if !changed {
		return
	}

	if next {
		m.logger.Info("connectivity restored", slog.String("source", source))
	} else {
		m.logger.Info("connectivity lost", slog.String("source", source))
	}

	m.subs.Emit(next)
}

// Run watches every source concurrently until ctx is cancelled. A source
// that fails is logged and its last report is cleared to online.
func (m *Monitor) Run(ctx context.Context, sources ...Source) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, src := range sources {
		name := src.Name()
		report := func(online bool) { m.Report(name, online) }

		g.Go(func() error {
			err := src.Watch(gctx, report)
			if err != nil && gctx.Err() == nil {
				m.logger.Warn("connectivity source unavailable, assuming online",
					slog.String("source", name),
					slog.String("error", err.Error()),
				)
			}

			m.Report(name, true)

			return nil
		})
	}

	return g.Wait()
}
