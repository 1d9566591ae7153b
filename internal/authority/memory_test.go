package authority

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHousehold = "home-1"

func base(n int64) *int64 {
	return &n
}

func pushPlan(t *testing.T, a Authority, id, payload string, expected *int64) PushReply {
	t.Helper()
	reply, err := a.Push(context.Background(), PushRequest{
		HouseholdID:  testHousehold,
		EntityType:   models.EntityPlan,
		EntityID:     id,
		Payload:      json.RawMessage(payload),
		ExpectedBase: expected,
	})
	require.NoError(t, err)
	return reply
}

func TestMemory_CreateAccepted(t *testing.T) {
	m := NewMemory()
	reply := pushPlan(t, m, "plan-1", `{"notes":"a"}`, nil)
	assert.True(t, reply.Accepted)
	assert.Equal(t, int64(1), reply.NewRevision)
}

func TestMemory_RevisionSharedAcrossTypes(t *testing.T) {
	m := NewMemory()
	pushPlan(t, m, "plan-1", `{}`, nil)

	reply, err := m.Push(context.Background(), PushRequest{
		HouseholdID: testHousehold,
		EntityType:  models.EntityDish,
		EntityID:    "dish-1",
		Payload:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), reply.NewRevision)
	assert.Equal(t, int64(2), m.Revision(testHousehold))
}

func TestMemory_StaleBaseRejectedWithCurrent(t *testing.T) {
	m := NewMemory()
	pushPlan(t, m, "plan-1", `{"notes":"v1"}`, nil)
	pushPlan(t, m, "plan-1", `{"notes":"v2"}`, base(1))

	reply := pushPlan(t, m, "plan-1", `{"notes":"stale"}`, base(1))
	assert.False(t, reply.Accepted)
	assert.Equal(t, int64(2), reply.CurrentRevision)
	assert.JSONEq(t, `{"notes":"v2"}`, string(reply.CurrentPayload))
	assert.False(t, reply.CurrentDeleted)

	v := reply.Current()
	assert.Equal(t, int64(2), v.Revision)
}

func TestMemory_CreateOverExistingRejected(t *testing.T) {
	m := NewMemory()
	pushPlan(t, m, "plan-1", `{}`, nil)

	reply := pushPlan(t, m, "plan-1", `{}`, nil)
	assert.False(t, reply.Accepted)
	assert.Equal(t, int64(1), reply.CurrentRevision)
}

func TestMemory_BaseForUnknownEntityRejected(t *testing.T) {
	m := NewMemory()
	reply := pushPlan(t, m, "plan-1", `{}`, base(4))
	assert.False(t, reply.Accepted)
	assert.True(t, reply.CurrentDeleted)
	assert.Equal(t, int64(0), reply.CurrentRevision)
}

func TestMemory_DeleteLeavesTombstone(t *testing.T) {
	m := NewMemory()
	pushPlan(t, m, "plan-1", `{}`, nil)

	reply, err := m.Push(context.Background(), PushRequest{
		HouseholdID:  testHousehold,
		EntityType:   models.EntityPlan,
		EntityID:     "plan-1",
		Deleted:      true,
		ExpectedBase: base(1),
	})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)

	got, ok := m.Get(testHousehold, models.EntityPlan, "plan-1")
	require.True(t, ok)
	assert.True(t, got.Deleted)
	assert.Nil(t, got.Payload)

	changes, err := m.PullChangesSince(context.Background(), models.EntityPlan, testHousehold, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Deleted)
}

func TestMemory_PullOrderedAndFiltered(t *testing.T) {
	m := NewMemory()
	pushPlan(t, m, "plan-b", `{}`, nil)
	pushPlan(t, m, "plan-a", `{}`, nil)
	_, err := m.Push(context.Background(), PushRequest{
		HouseholdID: testHousehold, EntityType: models.EntityDish, EntityID: "dish-1", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	pushPlan(t, m, "plan-b", `{"v":2}`, base(1))

	changes, err := m.PullChangesSince(context.Background(), models.EntityPlan, testHousehold, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "plan-a", changes[0].ID)
	assert.Equal(t, int64(2), changes[0].Revision)
	assert.Equal(t, "plan-b", changes[1].ID)
	assert.Equal(t, int64(4), changes[1].Revision)

	changes, err = m.PullChangesSince(context.Background(), models.EntityPlan, testHousehold, 2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "plan-b", changes[0].ID)

	changes, err = m.PullChangesSince(context.Background(), models.EntityPlan, "other-home", 0)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestMemory_Rejections(t *testing.T) {
	m := NewMemory(WithValidator(func(req PushRequest) error {
		if string(req.Payload) == `{"name":""}` {
			return errors.New("dish name required")
		}
		return nil
	}))

	tests := []struct {
		name string
		req  PushRequest
		want string
	}{
		{"no household", PushRequest{EntityType: models.EntityDish, EntityID: "d", Payload: json.RawMessage(`{}`)}, "household id is required"},
		{"bad type", PushRequest{HouseholdID: testHousehold, EntityType: "recipe", EntityID: "d", Payload: json.RawMessage(`{}`)}, "unknown entity type"},
		{"no id", PushRequest{HouseholdID: testHousehold, EntityType: models.EntityDish, Payload: json.RawMessage(`{}`)}, "entity id is required"},
		{"bad payload", PushRequest{HouseholdID: testHousehold, EntityType: models.EntityDish, EntityID: "d", Payload: json.RawMessage(`{`)}, "payload must be valid JSON"},
		{"validator", PushRequest{HouseholdID: testHousehold, EntityType: models.EntityDish, EntityID: "d", Payload: json.RawMessage(`{"name":""}`)}, "dish name required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Push(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, syncerr.ErrAuthorityRejection)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.Equal(t, int64(0), m.Revision(testHousehold))
}

func TestMemory_CancelledContextIsConnectivity(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Push(ctx, PushRequest{})
	assert.ErrorIs(t, err, syncerr.ErrConnectivity)

	_, err = m.PullChangesSince(ctx, models.EntityPlan, testHousehold, 0)
	assert.ErrorIs(t, err, syncerr.ErrConnectivity)
}

func TestMemory_HintsOnAcceptedWritesOnly(t *testing.T) {
	m := NewMemory()

	var hints []ChangeHint
	unsub := m.Subscribe(func(h ChangeHint) { hints = append(hints, h) })
	defer unsub()

	pushPlan(t, m, "plan-1", `{}`, nil)
	pushPlan(t, m, "plan-1", `{}`, nil)

	require.Len(t, hints, 1)
	assert.Equal(t, ChangeHint{HouseholdID: testHousehold, EntityType: models.EntityPlan, Revision: 1}, hints[0])
}
