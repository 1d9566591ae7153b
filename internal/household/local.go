package household

import (
	"encoding/json"
	"fmt"
	"sync"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/alexjbarnes/household-sync/internal/state"
)

// LocalStore backs a member who is not in a household. Nothing is ever
// pushed: writes land clean and deletes are immediate. Writes are
// serialized because each one spans a read and a write.
type LocalStore struct {
	cache *state.Cache
	mu    sync.Mutex
}

// NewLocalStore wraps cache for local mode.
func NewLocalStore(cache *state.Cache) *LocalStore {
	return &LocalStore{cache: cache}
}

func (s *LocalStore) Get(t models.EntityType, id string) (*models.CachedEntity, error) {
	return s.cache.Get(t, id)
}

func (s *LocalStore) List(t models.EntityType, opts state.ListOptions) ([]models.CachedEntity, error) {
	return s.cache.List(t, opts)
}

// Put stores payload as the committed version of the entity.
func (s *LocalStore) Put(t models.EntityType, id string, payload json.RawMessage, actor string) error {
	return s.Modify(t, id, actor, func(*models.CachedEntity) (json.RawMessage, error) {
		return payload, nil
	})
}

// Modify computes the new payload from the current entity and stores it.
func (s *LocalStore) Modify(t models.EntityType, id, actor string, fn state.ModifyFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.cache.Get(t, id)
	if err != nil {
		return err
	}

	payload, err := fn(cur)
	if err != nil {
		return err
	}

	var next int64 = 1
	if cur != nil {
		next = cur.LocalRevision + 1
	}

	return s.cache.ApplyServerSnapshot(t, id, models.Version{Payload: payload, Revision: next, ModifiedBy: actor})
}

// SoftDelete removes the entity outright.
func (s *LocalStore) SoftDelete(t models.EntityType, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.cache.Get(t, id)
	if err != nil {
		return err
	}

	if cur == nil {
		return fmt.Errorf("%s %s: %w", t, id, syncerr.ErrNotFound)
	}

	return s.cache.Purge(t, id)
}
