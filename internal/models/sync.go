// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"time"
)

// EntityType names one synced table.
type EntityType string

const (
	EntityPlan      EntityType = "plan"
	EntityDish      EntityType = "dish"
	EntityProposal  EntityType = "proposal"
	EntityVotes     EntityType = "votes"
	EntityDismissal EntityType = "dismissal"
)

// AllEntityTypes lists every synced table in push/pull order.
var AllEntityTypes = []EntityType{
	EntityDish,
	EntityPlan,
	EntityProposal,
	EntityVotes,
	EntityDismissal,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, known := range AllEntityTypes {
		if t == known {
			return true
		}
	}

	return false
}

// CachedEntity is one domain record plus its sync metadata. The payload is
// opaque to the engine.
//
// Dirty implies ServerRevision is nil or LocalRevision > *ServerRevision.
// Conflicted implies !Dirty.
type CachedEntity struct {
	Type           EntityType      `json:"type"`
	ID             string          `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	LocalRevision  int64           `json:"local_revision"`
	ServerRevision *int64          `json:"server_revision"`
	Dirty          bool            `json:"dirty"`
	Tombstoned     bool            `json:"tombstoned"`
	Conflicted     bool            `json:"conflicted"`
	LastModifiedBy string          `json:"last_modified_by,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Seq            uint64          `json:"seq"`
}

// Pushable reports whether the scheduler should push this entity.
func (e *CachedEntity) Pushable() bool {
	return e.Dirty && !e.Conflicted
}

// BaseRevision returns the server revision as a plain value and whether
// the entity was ever confirmed by the authority.
func (e *CachedEntity) BaseRevision() (int64, bool) {
	if e.ServerRevision == nil {
		return 0, false
	}

	return *e.ServerRevision, true
}

// Adopt replaces the entity's value with the authority's version v and
// marks it clean and unconflicted.
func (e *CachedEntity) Adopt(v Version) {
	rev := v.Revision
	e.Payload = v.Payload
	e.ServerRevision = &rev
	e.LocalRevision = rev
	e.Dirty = false
	e.Tombstoned = false
	e.Conflicted = false

	if v.ModifiedBy != "" {
		e.LastModifiedBy = v.ModifiedBy
	}
}

// Version is one side of a conflict.
type Version struct {
	Payload    json.RawMessage `json:"payload"`
	Revision   int64           `json:"revision"`
	Deleted    bool            `json:"deleted,omitempty"`
	ModifiedBy string          `json:"modified_by,omitempty"`
}

// ConflictRecord captures an unresolved divergence between the local
// pending write and the authority's current version of one entity.
type ConflictRecord struct {
	EntityID   string     `json:"entity_id" yaml:"entity_id"`
	EntityType EntityType `json:"entity_type" yaml:"entity_type"`
	Local      Version    `json:"local_version" yaml:"local_version"`
	Server     Version    `json:"server_version" yaml:"server_version"`
	DetectedAt time.Time  `json:"detected_at" yaml:"detected_at"`
}

// SyncState is the scheduler's externally visible state.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
	StateOffline SyncState = "offline"
	StateError   SyncState = "error"
)

// Choice is the user's decision for one conflict.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceServer Choice = "server"
)

// Change is delivered to data subscribers after committed cache
// mutations. It is a hint only; subscribers re-read the cache.
type Change struct {
	Types     []EntityType `json:"types"`
	Conflicts bool         `json:"conflicts,omitempty"`
}

// Merge folds other into c, keeping each type once.
func (c Change) Merge(other Change) Change {
	out := Change{Conflicts: c.Conflicts || other.Conflicts}
	seen := make(map[EntityType]struct{}, len(c.Types)+len(other.Types))

	for _, list := range [][]EntityType{c.Types, other.Types} {
		for _, t := range list {
			if _, ok := seen[t]; ok {
				continue
			}

			seen[t] = struct{}{}
			out.Types = append(out.Types, t)
		}
	}

	return out
}

// ConflictEvent is delivered when the number of open conflicts changes.
type ConflictEvent struct {
	EntityID string `json:"entity_id"`
	Count    int    `json:"count"`
}
