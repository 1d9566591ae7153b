package engine

import (
	"fmt"
	"log/slog"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/alexjbarnes/household-sync/internal/state"
)

// ResolveConflict applies the user's decision for one conflicting entity.
// It returns false, leaving state unchanged, when the conflict no longer
// exists, so retrying a resolution is safe. Choosing local requests a
// sync so the rebased write goes out without waiting for the timer.
func (e *Engine) ResolveConflict(entityID string, choice models.Choice) (bool, error) {
	var settle state.SettleFunc

	switch choice {
	case models.ChoiceServer:
		settle = takeServer
	case models.ChoiceLocal:
		settle = keepLocal
	default:
		return false, fmt.Errorf("%w: %q", syncerr.ErrInvalidChoice, choice)
	}

	ok, err := e.cache.SettleConflict(entityID, settle)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", entityID, err)
	}

	if !ok {
		e.logger.Debug("conflict already resolved", slog.String("id", entityID))
		return false, nil
	}

	e.logger.Info("conflict resolved",
		slog.String("id", entityID),
		slog.String("choice", string(choice)),
	)

	if choice == models.ChoiceLocal {
		e.SyncNow()
	}

	return true, nil
}

// takeServer discards the local edit in favour of the authority's version.
func takeServer(rec models.ConflictRecord, ent models.CachedEntity) (*models.CachedEntity, error) {
	if rec.Server.Deleted {
		return nil, nil
	}

	ent.Adopt(rec.Server)

	return &ent, nil
}

// keepLocal rebases the local edit onto the authority's current revision
// so the next push expects the right base.
func keepLocal(rec models.ConflictRecord, ent models.CachedEntity) (*models.CachedEntity, error) {
	server := rec.Server.Revision
	ent.Payload = rec.Local.Payload
	ent.Tombstoned = rec.Local.Deleted

	if ent.Tombstoned && rec.Server.Deleted {
		return nil, nil
	}

	if server > 0 {
		ent.ServerRevision = &server
	} else {
		ent.ServerRevision = nil
	}

	ent.LocalRevision = max(ent.LocalRevision, server) + 1
	ent.Dirty = true

	return &ent, nil
}
