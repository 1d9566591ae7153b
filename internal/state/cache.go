// Package state is the durable local cache of household entities, their
// sync metadata, and unresolved conflicts. Everything lives in one bbolt
// database partitioned per household.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/alexjbarnes/household-sync/internal/notify"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	lastSyncKey  = []byte("last_sync")
	cursorPrefix = "cursor:"
)

func entityBucket(householdID string, t models.EntityType) []byte {
	return []byte("household:" + householdID + ":entity:" + string(t))
}

func conflictsBucket(householdID string) []byte {
	return []byte("household:" + householdID + ":conflicts")
}

func metaBucket(householdID string) []byte {
	return []byte("household:" + householdID + ":meta")
}

// Options configures a Cache.
type Options struct {
	// Now overrides the wall clock used for UpdatedAt and DetectedAt.
	Now func() time.Time
}

// Cache wraps a bbolt database scoped to one household. All methods are
// safe for concurrent use; bbolt serializes writers, so every mutation is
// atomic per call.
type Cache struct {
	db          *bolt.DB
	householdID string
	now         func() time.Time

	changes   *notify.Emitter[models.Change]
	conflicts *notify.Emitter[models.ConflictEvent]
}

// LoadAt opens the cache database at path for householdID, creating the
// file and the household's buckets if they do not exist.
func LoadAt(path, householdID string, opts Options) (*Cache, error) {
	if householdID == "" {
		return nil, fmt.Errorf("household id is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range models.AllEntityTypes {
			if _, err := tx.CreateBucketIfNotExists(entityBucket(householdID, t)); err != nil {
				return err
			}
		}

		if _, err := tx.CreateBucketIfNotExists(conflictsBucket(householdID)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket(householdID))

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Cache{
		db:          db,
		householdID: householdID,
		now:         now,
		changes:     notify.New(models.Change.Merge),
		conflicts:   notify.New[models.ConflictEvent](nil),
	}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// HouseholdID returns the partition this cache is scoped to.
func (c *Cache) HouseholdID() string {
	return c.householdID
}

// OnChange registers fn for committed mutations. Returns an unsubscribe
// function.
func (c *Cache) OnChange(fn func(models.Change)) func() {
	return c.changes.Subscribe(fn)
}

// OnConflict registers fn for changes to the number of open conflicts.
// Returns an unsubscribe function.
func (c *Cache) OnConflict(fn func(models.ConflictEvent)) func() {
	return c.conflicts.Subscribe(fn)
}

// Batch runs fn with notifications held, so every mutation made inside
// it produces at most one change and one conflict notification. Mutations
// committed before fn fails stay committed.
func (c *Cache) Batch(fn func() error) error {
	releaseChanges := c.changes.Hold()
	releaseConflicts := c.conflicts.Hold()

	defer func() {
		releaseConflicts()
		releaseChanges()
	}()

	return fn()
}

// events collects what one transaction changed so notifications can be
// sent after it commits.
type events struct {
	types          []models.EntityType
	conflicts      bool
	conflictID     string
	conflictsDirty bool
	conflictCount  int
}

func (ev *events) touched(t models.EntityType) {
	for _, seen := range ev.types {
		if seen == t {
			return
		}
	}

	ev.types = append(ev.types, t)
}

func (ev *events) conflictCountChanged(entityID string) {
	ev.conflicts = true
	ev.conflictID = entityID
	ev.conflictsDirty = true
}

// update runs fn in a write transaction and fires notifications after
// commit. bbolt and encoding failures come back as *errors.StorageError.
func (c *Cache) update(op string, fn func(tx *bolt.Tx, ev *events) error) error {
	var ev events

	err := c.db.Update(func(tx *bolt.Tx) error {
		if err := fn(tx, &ev); err != nil {
			return err
		}

		if ev.conflictsDirty {
			ev.conflictCount = countKeys(tx.Bucket(conflictsBucket(c.householdID)))
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return err
		}

		return syncerr.Storage(op, err)
	}

	if len(ev.types) > 0 || ev.conflicts {
		c.changes.Emit(models.Change{Types: ev.types, Conflicts: ev.conflicts})
	}

	if ev.conflictsDirty {
		c.conflicts.Emit(models.ConflictEvent{EntityID: ev.conflictID, Count: ev.conflictCount})
	}

	return nil
}

func (c *Cache) view(op string, fn func(tx *bolt.Tx) error) error {
	return syncerr.Storage(op, c.db.View(fn))
}

func (c *Cache) entities(tx *bolt.Tx, t models.EntityType) (*bolt.Bucket, error) {
	b := tx.Bucket(entityBucket(c.householdID, t))
	if b == nil {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	return b, nil
}

func getEntity(b *bolt.Bucket, id string) (*models.CachedEntity, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	e := &models.CachedEntity{}
	if err := json.Unmarshal(v, e); err != nil {
		return nil, fmt.Errorf("decoding entity %s: %w", id, err)
	}

	return e, nil
}

func putEntity(b *bolt.Bucket, e *models.CachedEntity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return b.Put([]byte(e.ID), data)
}

func countKeys(b *bolt.Bucket) int {
	n := 0

	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}

	return n
}
