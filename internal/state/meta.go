package state

import (
	"strconv"
	"time"

	"github.com/alexjbarnes/household-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Cursor returns the highest authority revision pulled for entity type t,
// or 0 before the first pull.
func (c *Cache) Cursor(t models.EntityType) (int64, error) {
	var rev int64

	err := c.view("cursor", func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket(c.householdID)).Get([]byte(cursorPrefix + string(t)))
		if v == nil {
			return nil
		}

		var err error
		rev, err = strconv.ParseInt(string(v), 10, 64)

		return err
	})

	return rev, err
}

// SetCursor stores the pull cursor for entity type t.
func (c *Cache) SetCursor(t models.EntityType, rev int64) error {
	return c.update("set cursor", func(tx *bolt.Tx, _ *events) error {
		return tx.Bucket(metaBucket(c.householdID)).Put(
			[]byte(cursorPrefix+string(t)),
			[]byte(strconv.FormatInt(rev, 10)),
		)
	})
}

// LastSync returns when a sync cycle last completed cleanly, or the zero
// time if none has.
func (c *Cache) LastSync() (time.Time, error) {
	var t time.Time

	err := c.view("last sync", func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket(c.householdID)).Get(lastSyncKey)
		if v == nil {
			return nil
		}

		return t.UnmarshalText(v)
	})

	return t, err
}

// SetLastSync records a clean cycle completion.
func (c *Cache) SetLastSync(t time.Time) error {
	return c.update("set last sync", func(tx *bolt.Tx, _ *events) error {
		data, err := t.UTC().MarshalText()
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket(c.householdID)).Put(lastSyncKey, data)
	})
}
