package authority

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/alexjbarnes/household-sync/internal/notify"
)

type recordKey struct {
	entityType models.EntityType
	id         string
}

type record struct {
	payload    json.RawMessage
	revision   int64
	deleted    bool
	modifiedBy string
}

type householdData struct {
	revision int64
	records  map[recordKey]*record
}

// Memory is an in-memory authority. Each household has one revision
// counter shared by all entity types, so pull cursors are comparable
// across types. Deletions are kept as tombstones so pulls see them.
type Memory struct {
	validate func(PushRequest) error
	hints    *notify.Emitter[ChangeHint]

	mu         sync.Mutex
	households map[string]*householdData
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithValidator installs an extra check run on every push before the
// revision check. A non-nil error rejects the push.
func WithValidator(fn func(PushRequest) error) MemoryOption {
	return func(m *Memory) {
		m.validate = fn
	}
}

// NewMemory creates an empty in-memory authority.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		hints:      notify.New[ChangeHint](nil),
		households: make(map[string]*householdData),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Subscribe registers fn for accepted writes. Returns an unsubscribe
// function.
func (m *Memory) Subscribe(fn func(ChangeHint)) func() {
	return m.hints.Subscribe(fn)
}

func (m *Memory) household(id string) *householdData {
	h, ok := m.households[id]
	if !ok {
		h = &householdData{records: make(map[recordKey]*record)}
		m.households[id] = h
	}

	return h
}

// Push implements Authority.
func (m *Memory) Push(ctx context.Context, req PushRequest) (PushReply, error) {
	if err := ctx.Err(); err != nil {
		return PushReply{}, syncerr.Connectivity(err)
	}

	if err := checkPush(req); err != nil {
		return PushReply{}, err
	}

	if m.validate != nil {
		if err := m.validate(req); err != nil {
			return PushReply{}, syncerr.Rejection(err.Error())
		}
	}

	m.mu.Lock()

	h := m.household(req.HouseholdID)
	key := recordKey{entityType: req.EntityType, id: req.EntityID}
	rec, exists := h.records[key]

	if !baseMatches(req.ExpectedBase, rec, exists) {
		reply := PushReply{CurrentDeleted: true}
		if exists {
			reply = PushReply{
				CurrentPayload:    rec.payload,
				CurrentRevision:   rec.revision,
				CurrentDeleted:    rec.deleted,
				CurrentModifiedBy: rec.modifiedBy,
			}
		}

		m.mu.Unlock()

		return reply, nil
	}

	h.revision++
	next := &record{revision: h.revision, deleted: req.Deleted, modifiedBy: req.ModifiedBy}
	if !req.Deleted {
		next.payload = req.Payload
	}

	h.records[key] = next
	hint := ChangeHint{HouseholdID: req.HouseholdID, EntityType: req.EntityType, Revision: next.revision}
	m.mu.Unlock()

	m.hints.Emit(hint)

	return PushReply{Accepted: true, NewRevision: next.revision}, nil
}

func checkPush(req PushRequest) error {
	switch {
	case req.HouseholdID == "":
		return syncerr.Rejection("household id is required")
	case !req.EntityType.Valid():
		return syncerr.Rejection("unknown entity type " + string(req.EntityType))
	case req.EntityID == "":
		return syncerr.Rejection("entity id is required")
	case !req.Deleted && !json.Valid(req.Payload):
		return syncerr.Rejection("payload must be valid JSON")
	}

	return nil
}

func baseMatches(expected *int64, rec *record, exists bool) bool {
	if expected == nil {
		return !exists
	}

	return exists && rec.revision == *expected
}

// PullChangesSince implements Authority.
func (m *Memory) PullChangesSince(ctx context.Context, entityType models.EntityType, householdID string, since int64) ([]RemoteChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncerr.Connectivity(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.households[householdID]
	if !ok {
		return nil, nil
	}

	var out []RemoteChange

	for key, rec := range h.records {
		if key.entityType != entityType || rec.revision <= since {
			continue
		}

		out = append(out, RemoteChange{
			EntityType: key.entityType,
			ID:         key.id,
			Payload:    rec.payload,
			Revision:   rec.revision,
			Deleted:    rec.deleted,
			ModifiedBy: rec.modifiedBy,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })

	return out, nil
}

// Get returns the authority's current version of one entity.
func (m *Memory) Get(householdID string, entityType models.EntityType, id string) (RemoteChange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.households[householdID]
	if !ok {
		return RemoteChange{}, false
	}

	rec, ok := h.records[recordKey{entityType: entityType, id: id}]
	if !ok {
		return RemoteChange{}, false
	}

	return RemoteChange{
		EntityType: entityType,
		ID:         id,
		Payload:    rec.payload,
		Revision:   rec.revision,
		Deleted:    rec.deleted,
		ModifiedBy: rec.modifiedBy,
	}, true
}

// Revision returns the household's current revision counter.
func (m *Memory) Revision(householdID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.households[householdID]; ok {
		return h.revision
	}

	return 0
}
