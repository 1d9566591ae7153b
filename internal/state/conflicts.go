package state

import (
	"encoding/json"
	"fmt"
	"sort"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

func getConflict(b *bolt.Bucket, entityID string) (*models.ConflictRecord, error) {
	v := b.Get([]byte(entityID))
	if v == nil {
		return nil, nil
	}

	rec := &models.ConflictRecord{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decoding conflict %s: %w", entityID, err)
	}

	return rec, nil
}

func putConflict(b *bolt.Bucket, rec *models.ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put([]byte(rec.EntityID), data)
}

func localVersion(e *models.CachedEntity) models.Version {
	return models.Version{
		Payload:    e.Payload,
		Revision:   e.LocalRevision,
		Deleted:    e.Tombstoned,
		ModifiedBy: e.LastModifiedBy,
	}
}

// RecordConflict flips the entity into the conflicted state and stores a
// conflict record holding its current local value and the authority's
// version. If a record already exists its local side is refreshed and the
// newer of the two server versions is kept.
func (c *Cache) RecordConflict(t models.EntityType, id string, server models.Version) error {
	return c.update("record conflict", func(tx *bolt.Tx, ev *events) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		e, err := getEntity(b, id)
		if err != nil {
			return err
		}

		return c.recordConflict(tx, b, e, t, id, server, ev)
	})
}

func (c *Cache) recordConflict(tx *bolt.Tx, b *bolt.Bucket, e *models.CachedEntity, t models.EntityType, id string, server models.Version, ev *events) error {
	if e == nil {
		return fmt.Errorf("%s %s: %w", t, id, syncerr.ErrNotFound)
	}

	cb := tx.Bucket(conflictsBucket(c.householdID))

	rec, err := getConflict(cb, id)
	if err != nil {
		return err
	}

	if rec == nil {
		rec = &models.ConflictRecord{
			EntityID:   id,
			EntityType: t,
			Server:     server,
			DetectedAt: c.now(),
		}
		ev.conflictCountChanged(id)
	} else if server.Revision >= rec.Server.Revision {
		rec.Server = server
	}

	rec.Local = localVersion(e)
	ev.conflicts = true

	if err := putConflict(cb, rec); err != nil {
		return err
	}

	e.Conflicted = true
	e.Dirty = false
	ev.touched(t)

	return putEntity(b, e)
}

func (c *Cache) refreshConflictServer(tx *bolt.Tx, e *models.CachedEntity, v models.Version, ev *events) error {
	cb := tx.Bucket(conflictsBucket(c.householdID))

	rec, err := getConflict(cb, e.ID)
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("entity %s is conflicted without a conflict record", e.ID)
	}

	if v.Revision <= rec.Server.Revision {
		return nil
	}

	rec.Server = v
	ev.conflicts = true

	return putConflict(cb, rec)
}

// SettleFunc decides an entity's value when its conflict is resolved. It
// receives the record and the entity as currently cached and returns the
// entity to store, or nil to purge it.
type SettleFunc func(rec models.ConflictRecord, e models.CachedEntity) (*models.CachedEntity, error)

// SettleConflict reads the conflict record for entityID, rewrites the
// entity with settle, and deletes the record, all in one transaction.
// Returns false and changes nothing when no record exists.
func (c *Cache) SettleConflict(entityID string, settle SettleFunc) (bool, error) {
	settled := false

	err := c.update("settle conflict", func(tx *bolt.Tx, ev *events) error {
		cb := tx.Bucket(conflictsBucket(c.householdID))

		rec, err := getConflict(cb, entityID)
		if err != nil || rec == nil {
			return err
		}

		b, err := c.entities(tx, rec.EntityType)
		if err != nil {
			return err
		}

		e, err := getEntity(b, entityID)
		if err != nil {
			return err
		}

		if e == nil {
			return fmt.Errorf("conflict %s has no cached entity", entityID)
		}

		next, err := settle(*rec, *e)
		if err != nil {
			return err
		}

		if next == nil {
			err = b.Delete([]byte(entityID))
		} else {
			next.Conflicted = false
			next.UpdatedAt = c.now()
			err = putEntity(b, next)
		}

		if err != nil {
			return err
		}

		if err := cb.Delete([]byte(entityID)); err != nil {
			return err
		}

		ev.touched(rec.EntityType)
		ev.conflictCountChanged(entityID)
		settled = true

		return nil
	})

	return settled, err
}

// Conflict returns the open conflict for entityID, or nil.
func (c *Cache) Conflict(entityID string) (*models.ConflictRecord, error) {
	var rec *models.ConflictRecord

	err := c.view("conflict", func(tx *bolt.Tx) error {
		var err error
		rec, err = getConflict(tx.Bucket(conflictsBucket(c.householdID)), entityID)

		return err
	})

	return rec, err
}

// Conflicts returns every open conflict, oldest first.
func (c *Cache) Conflicts() ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord

	err := c.view("conflicts", func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket(c.householdID)).ForEach(func(k, v []byte) error {
			var rec models.ConflictRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding conflict %s: %w", k, err)
			}

			out = append(out, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})

	return out, nil
}

// ConflictCount returns the number of open conflicts.
func (c *Cache) ConflictCount() (int, error) {
	n := 0

	err := c.view("conflict count", func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket(conflictsBucket(c.householdID)))
		return nil
	})

	return n, err
}
