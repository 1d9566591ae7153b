package household

import (
	"encoding/json"
	"fmt"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/alexjbarnes/household-sync/internal/state"
	"github.com/google/uuid"
)

// Store is the cache surface the collections write through. *state.Cache
// satisfies it in synced mode and *LocalStore in local mode.
type Store interface {
	Get(t models.EntityType, id string) (*models.CachedEntity, error)
	List(t models.EntityType, opts state.ListOptions) ([]models.CachedEntity, error)
	Put(t models.EntityType, id string, payload json.RawMessage, actor string) error
	SoftDelete(t models.EntityType, id, actor string) error
	Modify(t models.EntityType, id, actor string, fn state.ModifyFunc) error
}

// Collection is a typed view of one entity type.
type Collection[T any] struct {
	store    Store
	kind     models.EntityType
	id       func(*T) *string
	validate func(*T) error
}

func newCollection[T any](store Store, kind models.EntityType, id func(*T) *string, validate func(*T) error) *Collection[T] {
	return &Collection[T]{store: store, kind: kind, id: id, validate: validate}
}

// Kind returns the entity type the collection stores.
func (c *Collection[T]) Kind() models.EntityType {
	return c.kind
}

// Get returns the record with id, or nil if it does not exist or is
// deleted.
func (c *Collection[T]) Get(id string) (*T, error) {
	e, err := c.store.Get(c.kind, id)
	if err != nil || e == nil || e.Tombstoned {
		return nil, err
	}

	return c.decode(e)
}

// List returns every live record in insertion order.
func (c *Collection[T]) List() ([]T, error) {
	entities, err := c.store.List(c.kind, state.ListOptions{})
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(entities))

	for i := range entities {
		v, err := c.decode(&entities[i])
		if err != nil {
			return nil, err
		}

		out = append(out, *v)
	}

	return out, nil
}

// Add stores a new record. An empty ID is filled with a random UUID.
func (c *Collection[T]) Add(v T, actor string) (T, error) {
	id := c.id(&v)
	if *id == "" {
		*id = uuid.NewString()
	}

	return c.modify(*id, actor, func(cur *T) (*T, error) {
		if cur != nil {
			return nil, fmt.Errorf("%w: %s %s", syncerr.ErrDuplicate, c.kind, *id)
		}

		return &v, nil
	})
}

// Update replaces an existing record.
func (c *Collection[T]) Update(v T, actor string) error {
	id := *c.id(&v)

	_, err := c.modify(id, actor, func(cur *T) (*T, error) {
		if cur == nil {
			return nil, fmt.Errorf("%s %s: %w", c.kind, id, syncerr.ErrNotFound)
		}

		return &v, nil
	})

	return err
}

// modify applies fn to the current live record, nil when there is none,
// and stores the result. The read and the write are one store call, so
// concurrent changes to the same record are not lost.
func (c *Collection[T]) modify(id, actor string, fn func(cur *T) (*T, error)) (T, error) {
	var out T

	if id == "" {
		return out, fmt.Errorf("%w: %s id is required", syncerr.ErrInvalidRecord, c.kind)
	}

	err := c.store.Modify(c.kind, id, actor, func(e *models.CachedEntity) (json.RawMessage, error) {
		var cur *T

		if e != nil && !e.Tombstoned {
			v, err := c.decode(e)
			if err != nil {
				return nil, err
			}

			cur = v
		}

		next, err := fn(cur)
		if err != nil {
			return nil, err
		}

		*c.id(next) = id

		payload, err := c.encode(next)
		if err != nil {
			return nil, err
		}

		out = *next

		return payload, nil
	})

	return out, err
}

// Upsert stores v whether or not it exists yet.
func (c *Collection[T]) Upsert(v T, actor string) error {
	return c.put(&v, actor)
}

// Delete removes the record with id.
func (c *Collection[T]) Delete(id, actor string) error {
	return c.store.SoftDelete(c.kind, id, actor)
}

func (c *Collection[T]) put(v *T, actor string) error {
	if *c.id(v) == "" {
		return fmt.Errorf("%w: %s id is required", syncerr.ErrInvalidRecord, c.kind)
	}

	payload, err := c.encode(v)
	if err != nil {
		return err
	}

	return c.store.Put(c.kind, *c.id(v), payload, actor)
}

func (c *Collection[T]) encode(v *T) (json.RawMessage, error) {
	if c.validate != nil {
		if err := c.validate(v); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", c.kind, err)
	}

	return payload, nil
}

func (c *Collection[T]) decode(e *models.CachedEntity) (*T, error) {
	var v T
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", c.kind, e.ID, err)
	}

	// The cache key is authoritative.
	*c.id(&v) = e.ID

	return &v, nil
}
