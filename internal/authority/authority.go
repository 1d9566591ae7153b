// Package authority defines the push/pull contract with the remote source
// of truth for household data, and provides an HTTP client for it, an
// in-memory reference implementation, an HTTP server for that reference
// implementation, and a realtime change listener.
package authority

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/household-sync/internal/models"
)

// Authority is the remote system the engine reconciles with. Push and
// PullChangesSince return errors wrapping errors.ErrConnectivity when the
// authority cannot be reached and errors.ErrAuthorityRejection when it
// refuses a request for a reason other than a revision mismatch. A
// revision mismatch is not an error: it is a PushReply with Accepted
// false.
type Authority interface {
	Push(ctx context.Context, req PushRequest) (PushReply, error)
	PullChangesSince(ctx context.Context, entityType models.EntityType, householdID string, since int64) ([]RemoteChange, error)
}

// PushRequest carries one local write. ExpectedBase is the server
// revision the write was based on, nil for an entity the authority has
// never confirmed.
type PushRequest struct {
	HouseholdID   string            `json:"household_id"`
	EntityType    models.EntityType `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Deleted       bool              `json:"deleted,omitempty"`
	ExpectedBase  *int64            `json:"expected_base"`
	LocalRevision int64             `json:"local_revision"`
	ModifiedBy    string            `json:"modified_by,omitempty"`
}

// PushReply is the authority's answer to a push. When Accepted is false
// the Current fields describe the authority's version of the entity.
type PushReply struct {
	Accepted          bool            `json:"accepted"`
	NewRevision       int64           `json:"new_revision,omitempty"`
	CurrentPayload    json.RawMessage `json:"current_payload,omitempty"`
	CurrentRevision   int64           `json:"current_revision,omitempty"`
	CurrentDeleted    bool            `json:"current_deleted,omitempty"`
	CurrentModifiedBy string          `json:"current_modified_by,omitempty"`
}

// Current returns the authority's version carried by a rejected push.
func (r PushReply) Current() models.Version {
	return models.Version{
		Payload:    r.CurrentPayload,
		Revision:   r.CurrentRevision,
		Deleted:    r.CurrentDeleted,
		ModifiedBy: r.CurrentModifiedBy,
	}
}

// RemoteChange is one entity version returned by a pull. Deleted marks a
// tombstone.
type RemoteChange struct {
	EntityType models.EntityType `json:"entity_type"`
	ID         string            `json:"id"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Revision   int64             `json:"revision"`
	Deleted    bool              `json:"deleted,omitempty"`
	ModifiedBy string            `json:"modified_by,omitempty"`
}

// Version converts the change to the cache's version type.
func (c RemoteChange) Version() models.Version {
	return models.Version{
		Payload:    c.Payload,
		Revision:   c.Revision,
		Deleted:    c.Deleted,
		ModifiedBy: c.ModifiedBy,
	}
}

// ChangeHint tells realtime listeners that an entity type moved forward.
// It carries no data; listeners pull.
type ChangeHint struct {
	HouseholdID string            `json:"household_id"`
	EntityType  models.EntityType `json:"type"`
	Revision    int64             `json:"revision"`
}
