package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ListOptions controls List.
type ListOptions struct {
	IncludeTombstoned bool
}

// Get returns the entity, or nil if it is not cached.
func (c *Cache) Get(t models.EntityType, id string) (*models.CachedEntity, error) {
	var e *models.CachedEntity

	err := c.view("get", func(tx *bolt.Tx) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		e, err = getEntity(b, id)

		return err
	})

	return e, err
}

// List returns the entities of one type in insertion order. Tombstoned
// entities are skipped unless opts.IncludeTombstoned is set.
func (c *Cache) List(t models.EntityType, opts ListOptions) ([]models.CachedEntity, error) {
	var out []models.CachedEntity

	err := c.view("list", func(tx *bolt.Tx) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var e models.CachedEntity
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entity %s: %w", k, err)
			}

			if e.Tombstoned && !opts.IncludeTombstoned {
				return nil
			}

			out = append(out, e)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out, nil
}

// Put writes payload as the entity's new local value. The local write
// always wins over earlier local writes and bumps LocalRevision. On a
// conflicted entity the conflict's local version is refreshed instead of
// marking the entity dirty.
func (c *Cache) Put(t models.EntityType, id string, payload json.RawMessage, actor string) error {
	return c.update("put", func(tx *bolt.Tx, ev *events) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		e, err := getEntity(b, id)
		if err != nil {
			return err
		}

		return c.putLocal(tx, b, e, t, id, payload, actor, ev)
	})
}

// ModifyFunc computes an entity's new payload from its cached state. cur
// is nil when the entity is not cached.
type ModifyFunc func(cur *models.CachedEntity) (json.RawMessage, error)

// Modify is a read-modify-write Put: fn sees the entity and its result is
// written in the same transaction, so concurrent writers cannot interleave.
// An error from fn is returned as is and nothing is written.
func (c *Cache) Modify(t models.EntityType, id, actor string, fn ModifyFunc) error {
	var fnErr error

	err := c.update("modify", func(tx *bolt.Tx, ev *events) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		e, err := getEntity(b, id)
		if err != nil {
			return err
		}

		payload, err := fn(e)
		if err != nil {
			fnErr = err
			return err
		}

		return c.putLocal(tx, b, e, t, id, payload, actor, ev)
	})
	if fnErr != nil {
		return fnErr
	}

	return err
}

func (c *Cache) putLocal(tx *bolt.Tx, b *bolt.Bucket, e *models.CachedEntity, t models.EntityType, id string, payload json.RawMessage, actor string, ev *events) error {
	if e == nil {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		e = &models.CachedEntity{Type: t, ID: id, Seq: seq}
	}

	e.Payload = payload
	e.Tombstoned = false
	e.LocalRevision++
	e.UpdatedAt = c.now()

	if actor != "" {
		e.LastModifiedBy = actor
	}

	if err := c.markLocalWrite(tx, e, ev); err != nil {
		return err
	}

	ev.touched(t)

	return putEntity(b, e)
}

// SoftDelete tombstones the entity so the deletion can be pushed. Deleting
// an already tombstoned entity is a no-op. Returns errors.ErrNotFound when
// the entity is not cached.
func (c *Cache) SoftDelete(t models.EntityType, id, actor string) error {
	return c.update("soft delete", func(tx *bolt.Tx, ev *events) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		e, err := getEntity(b, id)
		if err != nil {
			return err
		}

		if e == nil {
			return fmt.Errorf("%s %s: %w", t, id, syncerr.ErrNotFound)
		}

		if e.Tombstoned {
			return nil
		}

		e.Tombstoned = true
		e.LocalRevision++
		e.UpdatedAt = c.now()

		if actor != "" {
			e.LastModifiedBy = actor
		}

		if err := c.markLocalWrite(tx, e, ev); err != nil {
			return err
		}

		ev.touched(t)

		return putEntity(b, e)
	})
}

// markLocalWrite either marks e dirty or, when e is conflicted, mirrors
// the write into the conflict record's local version.
func (c *Cache) markLocalWrite(tx *bolt.Tx, e *models.CachedEntity, ev *events) error {
	if !e.Conflicted {
		e.Dirty = true

		return nil
	}

	cb := tx.Bucket(conflictsBucket(c.householdID))

	rec, err := getConflict(cb, e.ID)
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("entity %s is conflicted without a conflict record", e.ID)
	}

	rec.Local = localVersion(e)
	ev.conflicts = true

	return putConflict(cb, rec)
}

// ApplyServerSnapshot overwrites the entity with the authority's version
// and marks it clean, with ServerRevision and LocalRevision both set to
// v.Revision. A deleted version purges the entity. Re-applying a version
// the cache already holds is a no-op and fires no notification.
//
// A conflicted entity keeps its conflict; the snapshot only refreshes the
// record's server version when it is newer.
func (c *Cache) ApplyServerSnapshot(t models.EntityType, id string, v models.Version) error {
	return c.update("apply snapshot", func(tx *bolt.Tx, ev *events) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		e, err := getEntity(b, id)
		if err != nil {
			return err
		}

		return c.applySnapshot(tx, b, e, t, id, v, ev)
	})
}

func (c *Cache) applySnapshot(tx *bolt.Tx, b *bolt.Bucket, e *models.CachedEntity, t models.EntityType, id string, v models.Version, ev *events) error {
	if e != nil && e.Conflicted {
		return c.refreshConflictServer(tx, e, v, ev)
	}

	if v.Deleted {
		if e == nil {
			return nil
		}

		ev.touched(t)

		return b.Delete([]byte(id))
	}

	if e != nil && snapshotApplied(e, v) {
		return nil
	}

	if e == nil {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		e = &models.CachedEntity{Type: t, ID: id, Seq: seq}
	}

	e.Adopt(v)
	e.UpdatedAt = c.now()
	ev.touched(t)

	return putEntity(b, e)
}

func snapshotApplied(e *models.CachedEntity, v models.Version) bool {
	base, ok := e.BaseRevision()

	return ok && base == v.Revision &&
		e.LocalRevision == v.Revision &&
		!e.Dirty && !e.Tombstoned &&
		bytes.Equal(e.Payload, v.Payload)
}

// ConfirmPush records that the authority accepted the write pushed at
// pushedLocalRevision as newServerRevision. If nothing changed since the
// push snapshot the entity becomes clean, or is purged when it was a
// tombstone. Otherwise it stays dirty, rebased on the new revision.
func (c *Cache) ConfirmPush(t models.EntityType, id string, pushedLocalRevision, newServerRevision int64) error {
	return c.update("confirm push", func(tx *bolt.Tx, ev *events) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		e, err := getEntity(b, id)
		if err != nil {
			return err
		}

		if e == nil || e.Conflicted {
			return nil
		}

		ev.touched(t)
		rev := newServerRevision
		e.ServerRevision = &rev

		if e.LocalRevision != pushedLocalRevision {
			e.LocalRevision = max(e.LocalRevision, newServerRevision+1)
			e.Dirty = true

			return putEntity(b, e)
		}

		if e.Tombstoned {
			return b.Delete([]byte(id))
		}

		e.LocalRevision = newServerRevision
		e.Dirty = false

		return putEntity(b, e)
	})
}

// Purge physically removes an entity and any conflict record for it.
// Used by local mode and for tombstones the authority never saw.
func (c *Cache) Purge(t models.EntityType, id string) error {
	return c.update("purge", func(tx *bolt.Tx, ev *events) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		if b.Get([]byte(id)) == nil {
			return nil
		}

		cb := tx.Bucket(conflictsBucket(c.householdID))
		if cb.Get([]byte(id)) != nil {
			if err := cb.Delete([]byte(id)); err != nil {
				return err
			}

			ev.conflictCountChanged(id)
		}

		ev.touched(t)

		return b.Delete([]byte(id))
	})
}

// Dirty returns every dirty, non-conflicted entity across all types, in
// type order and then insertion order.
func (c *Cache) Dirty() ([]models.CachedEntity, error) {
	var out []models.CachedEntity

	for _, t := range models.AllEntityTypes {
		list, err := c.List(t, ListOptions{IncludeTombstoned: true})
		if err != nil {
			return nil, err
		}

		for _, e := range list {
			if e.Pushable() {
				out = append(out, e)
			}
		}
	}

	return out, nil
}

// PendingCount returns the number of entities waiting to be pushed.
func (c *Cache) PendingCount() (int, error) {
	n := 0

	err := c.view("pending count", func(tx *bolt.Tx) error {
		for _, t := range models.AllEntityTypes {
			b, err := c.entities(tx, t)
			if err != nil {
				return err
			}

			err = b.ForEach(func(k, v []byte) error {
				var e models.CachedEntity
				if err := json.Unmarshal(v, &e); err != nil {
					return fmt.Errorf("decoding entity %s: %w", k, err)
				}

				if e.Pushable() {
					n++
				}

				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	return n, err
}
