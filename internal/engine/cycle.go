package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/household-sync/internal/authority"
	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/alexjbarnes/household-sync/internal/state"
)

type cycleResult struct {
	state     models.SyncState
	err       error
	pushed    int
	conflicts int
	pulled    int
}

// runCycle runs one cycle under the cycle lock and records its outcome.
func (e *Engine) runCycle(ctx context.Context) cycleResult {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.setState(models.StateSyncing)

	start := time.Now()
	res := e.cycle(ctx)
	e.finish(res)

	attrs := []any{
		slog.String("state", string(res.state)),
		slog.Int("pushed", res.pushed),
		slog.Int("conflicts", res.conflicts),
		slog.Int("pulled", res.pulled),
		slog.Duration("took", time.Since(start)),
	}

	if res.err != nil {
		attrs = append(attrs, slog.String("error", res.err.Error()))
		e.logger.Warn("sync cycle failed", attrs...)
	} else {
		e.logger.Info("sync cycle complete", attrs...)
	}

	return res
}

// cycle pushes every dirty entity and then pulls every type. Connectivity
// failures abort the cycle; other failures are remembered, the affected
// entity stays dirty, and the cycle carries on.
func (e *Engine) cycle(ctx context.Context) cycleResult {
	var res cycleResult

	var failed []error

	pending, err := e.cache.Dirty()
	if err != nil {
		return cycleResult{state: models.StateError, err: fmt.Errorf("listing dirty entities: %w", err)}
	}

	var offline error

	// Confirmations and conflicts from the whole push phase reach
	// subscribers as one notification.
	_ = e.cache.Batch(func() error {
		for _, snap := range pending {
			verdict, err := e.pushOne(ctx, snap.Type, snap.ID)
			if errors.Is(err, syncerr.ErrConnectivity) {
				offline = err
				return nil
			}

			if err != nil {
				e.logger.Warn("push failed",
					slog.String("type", string(snap.Type)),
					slog.String("id", snap.ID),
					slog.String("error", err.Error()),
				)
				failed = append(failed, err)

				continue
			}

			switch verdict {
			case pushDone:
				res.pushed++
			case pushConflicted:
				res.conflicts++
			}
		}

		return nil
	})

	if offline != nil {
		res.state, res.err = models.StateOffline, offline
		return res
	}

	for _, t := range models.AllEntityTypes {
		pulled, conflicts, err := e.pullType(ctx, t)
		res.pulled += pulled
		res.conflicts += conflicts

		if errors.Is(err, syncerr.ErrConnectivity) {
			res.state, res.err = models.StateOffline, err
			return res
		}

		if err != nil {
			e.logger.Warn("pull failed",
				slog.String("type", string(t)),
				slog.String("error", err.Error()),
			)
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		res.state, res.err = models.StateError, errors.Join(failed...)
		return res
	}

	if err := e.cache.SetLastSync(e.cfg.Now()); err != nil {
		res.state, res.err = models.StateError, err
		return res
	}

	res.state = models.StateIdle

	return res
}

type pushOutcome int

const (
	pushSkipped pushOutcome = iota
	pushDone
	pushConflicted
)

// pushOne re-reads the entity so a newer local write is never shadowed by
// the snapshot taken at cycle start, then pushes it.
func (e *Engine) pushOne(ctx context.Context, t models.EntityType, id string) (pushOutcome, error) {
	ent, err := e.cache.Get(t, id)
	if err != nil {
		return pushSkipped, err
	}

	if ent == nil || !ent.Pushable() {
		return pushSkipped, nil
	}

	if ent.Tombstoned && ent.ServerRevision == nil {
		// The authority never saw it, so there is nothing to delete.
		return pushDone, e.cache.Purge(t, id)
	}

	req := authority.PushRequest{
		HouseholdID:   e.cfg.HouseholdID,
		EntityType:    t,
		EntityID:      id,
		Deleted:       ent.Tombstoned,
		ExpectedBase:  ent.ServerRevision,
		LocalRevision: ent.LocalRevision,
		ModifiedBy:    ent.LastModifiedBy,
	}
	if !ent.Tombstoned {
		req.Payload = ent.Payload
	}

	reply, err := e.auth.Push(ctx, req)
	if err != nil {
		return pushSkipped, fmt.Errorf("pushing %s %s: %w", t, id, err)
	}

	verdict, err := DetectPush(ent.ServerRevision, reply)
	if err != nil {
		return pushSkipped, fmt.Errorf("pushing %s %s: %w", t, id, err)
	}

	if verdict == VerdictConflict {
		e.logger.Info("push conflict",
			slog.String("type", string(t)),
			slog.String("id", id),
			slog.Int64("local_revision", ent.LocalRevision),
			slog.Int64("server_revision", reply.CurrentRevision),
		)

		if err := e.cache.RecordConflict(t, id, reply.Current()); err != nil {
			return pushSkipped, err
		}

		return pushConflicted, nil
	}

	if err := e.cache.ConfirmPush(t, id, ent.LocalRevision, reply.NewRevision); err != nil {
		return pushSkipped, err
	}

	return pushDone, nil
}

// pullType fetches changes for one type since its cursor and merges them.
// The cursor advances past every change that was handled, even when a
// later one fails.
func (e *Engine) pullType(ctx context.Context, t models.EntityType) (pulled, conflicts int, err error) {
	since, err := e.cache.Cursor(t)
	if err != nil {
		return 0, 0, err
	}

	changes, err := e.auth.PullChangesSince(ctx, t, e.cfg.HouseholdID, since)
	if err != nil {
		return 0, 0, fmt.Errorf("pulling %s: %w", t, err)
	}

	cursor := since

	mergeErr := e.cache.Batch(func() error {
		for _, ch := range changes {
			verdict, err := e.merge(t, ch)
			if err != nil {
				return fmt.Errorf("merging %s %s: %w", t, ch.ID, err)
			}

			switch verdict {
			case PullApply, PullPurge:
				pulled++
			case PullConflict:
				conflicts++
			}

			cursor = max(cursor, ch.Revision)
		}

		return nil
	})

	if cursor > since {
		if err := e.cache.SetCursor(t, cursor); err != nil {
			return pulled, conflicts, errors.Join(mergeErr, err)
		}
	}

	return pulled, conflicts, mergeErr
}

// merge classifies and writes the change in one cache transaction, so a
// local edit made during the pull turns into a conflict rather than being
// overwritten.
func (e *Engine) merge(t models.EntityType, ch authority.RemoteChange) (PullVerdict, error) {
	verdict := PullSkip

	_, err := e.cache.MergeRemote(t, ch.ID, ch.Version(), func(local *models.CachedEntity) state.MergeAction {
		verdict = ClassifyPull(local, ch)

		switch verdict {
		case PullApply, PullPurge:
			return state.MergeApply
		case PullConflict:
			return state.MergeConflict
		}

		return state.MergeSkip
	})
	if err != nil {
		return PullSkip, err
	}

	if verdict == PullConflict {
		e.logger.Info("pull conflict",
			slog.String("type", string(t)),
			slog.String("id", ch.ID),
			slog.Int64("server_revision", ch.Revision),
		)
	}

	return verdict, nil
}
