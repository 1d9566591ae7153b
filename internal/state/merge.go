package state

import (
	"github.com/alexjbarnes/household-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// MergeAction is what MergeRemote does with a pulled version.
type MergeAction int

const (
	MergeSkip MergeAction = iota
	MergeApply
	MergeConflict
)

// MergeFunc decides how a pulled version meets the local copy. local is nil
// when the entity is not cached. It runs inside the merge transaction, so
// it sees the same entity the write acts on.
type MergeFunc func(local *models.CachedEntity) MergeAction

// MergeRemote reads the entity, asks decide what to do with v, and then
// either applies v as ApplyServerSnapshot would or records a conflict as
// RecordConflict would, all in one transaction. A local write cannot land
// between the decision and the write.
func (c *Cache) MergeRemote(t models.EntityType, id string, v models.Version, decide MergeFunc) (MergeAction, error) {
	action := MergeSkip

	err := c.update("merge remote", func(tx *bolt.Tx, ev *events) error {
		b, err := c.entities(tx, t)
		if err != nil {
			return err
		}

		e, err := getEntity(b, id)
		if err != nil {
			return err
		}

		action = decide(e)

		switch action {
		case MergeApply:
			return c.applySnapshot(tx, b, e, t, id, v, ev)
		case MergeConflict:
			return c.recordConflict(tx, b, e, t, id, v, ev)
		}

		return nil
	})
	if err != nil {
		return MergeSkip, err
	}

	return action, nil
}
