package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/household-sync/internal/authority"
	syncerr "github.com/alexjbarnes/household-sync/internal/errors"
	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/alexjbarnes/household-sync/internal/netmon"
	"github.com/alexjbarnes/household-sync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testHousehold = "home-1"

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

type device struct {
	cache   *state.Cache
	monitor *netmon.Monitor
	engine  *Engine
}

func newDevice(t *testing.T, auth authority.Authority) *device {
	t.Helper()
	return newDeviceWith(t, auth, netmon.New(testLogger()))
}

func newDeviceWith(t *testing.T, auth authority.Authority, mon *netmon.Monitor) *device {
	t.Helper()
	now := func() time.Time { return testNow }
	cache, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), testHousehold, state.Options{Now: now})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	eng := New(cache, auth, mon, Config{
		Interval:   time.Minute,
		BackoffMin: time.Second,
		BackoffMax: 8 * time.Second,
		Logger:     testLogger(),
		Now:        now,
	})

	return &device{cache: cache, monitor: mon, engine: eng}
}

func (d *device) get(t *testing.T, et models.EntityType, id string) models.CachedEntity {
	t.Helper()
	e, err := d.cache.Get(et, id)
	require.NoError(t, err)
	require.NotNil(t, e, "%s/%s missing", et, id)
	return *e
}

func (d *device) pending(t *testing.T) int {
	t.Helper()
	n, err := d.engine.PendingCount()
	require.NoError(t, err)
	return n
}

func (d *device) conflicts(t *testing.T) int {
	t.Helper()
	n, err := d.engine.ConflictCount()
	require.NoError(t, err)
	return n
}

// seed writes directly to the authority as some other device would.
func seed(t *testing.T, auth authority.Authority, et models.EntityType, id, payload string, expected *int64) int64 {
	t.Helper()
	reply, err := auth.Push(context.Background(), authority.PushRequest{
		HouseholdID:  testHousehold,
		EntityType:   et,
		EntityID:     id,
		Payload:      raw(payload),
		Deleted:      payload == "",
		ExpectedBase: expected,
		ModifiedBy:   "seed",
	})
	require.NoError(t, err)
	require.True(t, reply.Accepted)
	return reply.NewRevision
}

// assertExclusive checks that no entity is both pending and conflicted.
func assertExclusive(t *testing.T, c *state.Cache) {
	t.Helper()
	for _, et := range models.AllEntityTypes {
		list, err := c.List(et, state.ListOptions{IncludeTombstoned: true})
		require.NoError(t, err)
		for _, e := range list {
			assert.False(t, e.Dirty && e.Conflicted, "%s/%s is dirty and conflicted", et, e.ID)
		}
	}
}

// flakyAuthority fails every call with a connectivity error while down.
type flakyAuthority struct {
	authority.Authority
	down   atomic.Bool
	pushes atomic.Int32
}

var errUnreachable = errors.New("network is unreachable")

func (f *flakyAuthority) Push(ctx context.Context, req authority.PushRequest) (authority.PushReply, error) {
	f.pushes.Add(1)
	if f.down.Load() {
		return authority.PushReply{}, syncerr.Connectivity(errUnreachable)
	}
	return f.Authority.Push(ctx, req)
}

func (f *flakyAuthority) PullChangesSince(ctx context.Context, et models.EntityType, householdID string, since int64) ([]authority.RemoteChange, error) {
	if f.down.Load() {
		return nil, syncerr.Connectivity(errUnreachable)
	}
	return f.Authority.PullChangesSince(ctx, et, householdID, since)
}

// --- New / Status ---

func TestNew_InitialState(t *testing.T) {
	d := newDevice(t, authority.NewMemory())
	assert.Equal(t, models.StateIdle, d.engine.SyncState())

	mon := netmon.New(testLogger())
	mon.Report("link", false)
	off := newDeviceWith(t, authority.NewMemory(), mon)
	assert.Equal(t, models.StateOffline, off.engine.SyncState())
}

func TestStatus_Fresh(t *testing.T) {
	d := newDevice(t, authority.NewMemory())
	require.NoError(t, d.cache.Put(models.EntityDish, "dish-1", raw(`{"name":"Soup"}`), "alice"))

	st, err := d.engine.Status()
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, st.State)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.PendingCount)
	assert.Equal(t, 0, st.ConflictCount)
	assert.Nil(t, st.LastSyncTime)
	assert.Empty(t, st.LastError)
}

// --- Push ---

func TestSyncOnce_PushesPendingWrites(t *testing.T) {
	auth := authority.NewMemory()
	d := newDevice(t, auth)
	require.NoError(t, d.cache.Put(models.EntityDish, "dish-1", raw(`{"name":"Soup"}`), "alice"))
	require.NoError(t, d.cache.Put(models.EntityPlan, "plan-1", raw(`{"notes":"week 11"}`), "alice"))

	require.NoError(t, d.engine.SyncOnce(context.Background()))

	assert.Equal(t, 0, d.pending(t))
	assert.Equal(t, models.StateIdle, d.engine.SyncState())

	dish := d.get(t, models.EntityDish, "dish-1")
	assert.False(t, dish.Dirty)
	require.NotNil(t, dish.ServerRevision)

	remote, ok := auth.Get(testHousehold, models.EntityDish, "dish-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Soup"}`, string(remote.Payload))
	assert.Equal(t, "alice", remote.ModifiedBy)
	assert.Equal(t, *dish.ServerRevision, remote.Revision)

	last, err := d.engine.LastSyncTime()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(testNow))
}

func TestSyncOnce_PushesTombstone(t *testing.T) {
	auth := authority.NewMemory()
	r := seed(t, auth, models.EntityDish, "dish-1", `{"name":"Soup"}`, nil)

	d := newDevice(t, auth)
	require.NoError(t, d.engine.SyncOnce(context.Background()))
	require.NoError(t, d.cache.SoftDelete(models.EntityDish, "dish-1", "alice"))
	require.NoError(t, d.engine.SyncOnce(context.Background()))

	e, err := d.cache.Get(models.EntityDish, "dish-1")
	require.NoError(t, err)
	assert.Nil(t, e)

	remote, ok := auth.Get(testHousehold, models.EntityDish, "dish-1")
	require.True(t, ok)
	assert.True(t, remote.Deleted)
	assert.Greater(t, remote.Revision, r)
}

func TestSyncOnce_NeverSyncedTombstoneIsNotPushed(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := NewMockAuthority(ctrl)
	auth.EXPECT().PullChangesSince(gomock.Any(), gomock.Any(), testHousehold, int64(0)).Return(nil, nil).AnyTimes()

	d := newDevice(t, auth)
	require.NoError(t, d.cache.Put(models.EntityDish, "dish-1", raw(`{"name":"Soup"}`), "alice"))
	require.NoError(t, d.cache.SoftDelete(models.EntityDish, "dish-1", "alice"))

	require.NoError(t, d.engine.SyncOnce(context.Background()))

	e, err := d.cache.Get(models.EntityDish, "dish-1")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, 0, d.pending(t))
}

func TestSyncOnce_WriteDuringPushStaysPending(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := NewMockAuthority(ctrl)
	auth.EXPECT().PullChangesSince(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	d := newDevice(t, auth)
	require.NoError(t, d.cache.Put(models.EntityDish, "dish-1", raw(`{"name":"Soup"}`), "alice"))

	gomock.InOrder(
		auth.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req authority.PushRequest) (authority.PushReply, error) {
				assert.Nil(t, req.ExpectedBase)
				assert.JSONEq(t, `{"name":"Soup"}`, string(req.Payload))
				// The user edits again while the push is in flight.
				require.NoError(t, d.cache.Put(models.EntityDish, "dish-1", raw(`{"name":"Tomato soup"}`), "alice"))
				return authority.PushReply{Accepted: true, NewRevision: 1}, nil
			}),
		auth.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req authority.PushRequest) (authority.PushReply, error) {
				require.NotNil(t, req.ExpectedBase)
				assert.Equal(t, int64(1), *req.ExpectedBase)
				assert.JSONEq(t, `{"name":"Tomato soup"}`, string(req.Payload))
				return authority.PushReply{Accepted: true, NewRevision: 2}, nil
			}),
	)

	require.NoError(t, d.engine.SyncOnce(context.Background()))

	e := d.get(t, models.EntityDish, "dish-1")
	assert.True(t, e.Dirty)
	assert.JSONEq(t, `{"name":"Tomato soup"}`, string(e.Payload))
	require.NotNil(t, e.ServerRevision)
	assert.Equal(t, int64(1), *e.ServerRevision)
	assert.Greater(t, e.LocalRevision, int64(1))

	require.NoError(t, d.engine.SyncOnce(context.Background()))
	e = d.get(t, models.EntityDish, "dish-1")
	assert.False(t, e.Dirty)
	assert.Equal(t, int64(2), *e.ServerRevision)
}

// --- Failures ---

func TestSyncOnce_ConnectivityLossGoesOffline(t *testing.T) {
	flaky := &flakyAuthority{Authority: authority.NewMemory()}
	flaky.down.Store(true)

	d := newDevice(t, flaky)
	require.NoError(t, d.cache.Put(models.EntityDish, "dish-1", raw(`{"name":"Soup"}`), "alice"))

	err := d.engine.SyncOnce(context.Background())
	require.ErrorIs(t, err, syncerr.ErrConnectivity)
	assert.Equal(t, models.StateOffline, d.engine.SyncState())
	assert.Equal(t, 1, d.pending(t))

	st, err := d.engine.Status()
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "network is unreachable")
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Nil(t, st.LastSyncTime)
}

func TestSyncOnce_RejectionKeepsEntityPendingAndContinues(t *testing.T) {
	var refuse atomic.Bool
	refuse.Store(true)
	auth := authority.NewMemory(authority.WithValidator(func(req authority.PushRequest) error {
		if refuse.Load() && req.EntityID == "dish-bad" {
			return errors.New("dish name not allowed")
		}
		return nil
	}))

	d := newDevice(t, auth)
	require.NoError(t, d.cache.Put(models.EntityDish, "dish-bad", raw(`{"name":"???"}`), "alice"))
	require.NoError(t, d.cache.Put(models.EntityDish, "dish-good", raw(`{"name":"Soup"}`), "alice"))

	err := d.engine.SyncOnce(context.Background())
	require.ErrorIs(t, err, syncerr.ErrAuthorityRejection)
	assert.Contains(t, err.Error(), "dish name not allowed")
	assert.Equal(t, models.StateError, d.engine.SyncState())

	assert.True(t, d.get(t, models.EntityDish, "dish-bad").Dirty)
	assert.False(t, d.get(t, models.EntityDish, "dish-good").Dirty)

	require.Error(t, d.engine.SyncOnce(context.Background()))
	st, err := d.engine.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "dish name not allowed")
	assert.Nil(t, st.LastSyncTime)

	refuse.Store(false)
	require.NoError(t, d.engine.SyncOnce(context.Background()))
	st, err = d.engine.Status()
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 0, st.PendingCount)
}

// --- Pull ---

func TestSyncOnce_PullsRemoteChanges(t *testing.T) {
	auth := authority.NewMemory()
	seed(t, auth, models.EntityDish, "dish-1", `{"name":"Soup"}`, nil)
	seed(t, auth, models.EntityDish, "dish-2", `{"name":"Curry"}`, nil)
	seed(t, auth, models.EntityPlan, "plan-1", `{"notes":"week 11"}`, nil)

	d := newDevice(t, auth)
	require.NoError(t, d.engine.SyncOnce(context.Background()))

	dishes, err := d.cache.List(models.EntityDish, state.ListOptions{})
	require.NoError(t, err)
	require.Len(t, dishes, 2)
	for _, e := range dishes {
		assert.False(t, e.Dirty)
		assert.Equal(t, "seed", e.LastModifiedBy)
	}

	cursor, err := d.cache.Cursor(models.EntityDish)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor)

	cursor, err = d.cache.Cursor(models.EntityPlan)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)
}

func TestSyncOnce_PullIsIdempotent(t *testing.T) {
	auth := authority.NewMemory()
	seed(t, auth, models.EntityDish, "dish-1", `{"name":"Soup"}`, nil)

	d := newDevice(t, auth)
	require.NoError(t, d.engine.SyncOnce(context.Background()))
	before := d.get(t, models.EntityDish, "dish-1")

	var changes int
	unsub := d.engine.OnDataChange(func(models.Change) { changes++ })
	defer unsub()

	// Replay the same changes from the start.
	require.NoError(t, d.cache.SetCursor(models.EntityDish, 0))
	require.NoError(t, d.engine.SyncOnce(context.Background()))

	assert.Equal(t, before, d.get(t, models.EntityDish, "dish-1"))
	assert.Equal(t, 0, changes)
}

func TestSyncOnce_RemoteDeletePurgesCleanEntity(t *testing.T) {
	auth := authority.NewMemory()
	r := seed(t, auth, models.EntityDish, "dish-1", `{"name":"Soup"}`, nil)

	d := newDevice(t, auth)
	require.NoError(t, d.engine.SyncOnce(context.Background()))
	seed(t, auth, models.EntityDish, "dish-1", "", &r)
	require.NoError(t, d.engine.SyncOnce(context.Background()))

	e, err := d.cache.Get(models.EntityDish, "dish-1")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestPullType_NeverOverwritesPendingEdit(t *testing.T) {
	auth := authority.NewMemory()
	r := seed(t, auth, models.EntityDish, "dish-1", `{"name":"Soup"}`, nil)

	d := newDevice(t, auth)
	require.NoError(t, d.engine.SyncOnce(context.Background()))
	require.NoError(t, d.cache.Put(models.EntityDish, "dish-1", raw(`{"name":"Local soup"}`), "alice"))
	seed(t, auth, models.EntityDish, "dish-1", `{"name":"Remote soup"}`, &r)

	pulled, conflicts, err := d.engine.pullType(context.Background(), models.EntityDish)
	require.NoError(t, err)
	assert.Equal(t, 0, pulled)
	assert.Equal(t, 1, conflicts)

	e := d.get(t, models.EntityDish, "dish-1")
	assert.True(t, e.Conflicted)
	assert.False(t, e.Dirty)
	assert.JSONEq(t, `{"name":"Local soup"}`, string(e.Payload))

	rec, err := d.cache.Conflict("dish-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"name":"Local soup"}`, string(rec.Local.Payload))
	assert.JSONEq(t, `{"name":"Remote soup"}`, string(rec.Server.Payload))
	assert.Equal(t, int64(2), rec.Server.Revision)
}

// --- Conflicts across devices ---

// conflictOnPlan drives two devices into a conflict on plan-1: both start
// at revision 3, B's edit lands as revision 4, and A's edit is refused.
func conflictOnPlan(t *testing.T) (auth *authority.Memory, a, b *device) {
	t.Helper()
	ctx := context.Background()
	auth = authority.NewMemory()

	r := seed(t, auth, models.EntityPlan, "plan-1", `{"notes":"v1"}`, nil)
	r = seed(t, auth, models.EntityPlan, "plan-1", `{"notes":"v2"}`, &r)
	r = seed(t, auth, models.EntityPlan, "plan-1", `{"notes":"v3"}`, &r)
	require.Equal(t, int64(3), r)

	a = newDevice(t, auth)
	b = newDevice(t, auth)
	require.NoError(t, a.engine.SyncOnce(ctx))
	require.NoError(t, b.engine.SyncOnce(ctx))

	require.NoError(t, b.cache.Put(models.EntityPlan, "plan-1", raw(`{"notes":"from b"}`), "bob"))
	require.NoError(t, b.engine.SyncOnce(ctx))

	require.NoError(t, a.cache.Put(models.EntityPlan, "plan-1", raw(`{"notes":"from a"}`), "alice"))
	require.NoError(t, a.engine.SyncOnce(ctx))

	return auth, a, b
}

func TestSyncOnce_ConcurrentEditBecomesConflict(t *testing.T) {
	_, a, _ := conflictOnPlan(t)

	assert.Equal(t, 1, a.conflicts(t))
	assert.Equal(t, 0, a.pending(t))
	assert.Equal(t, models.StateIdle, a.engine.SyncState())

	recs, err := a.engine.Conflicts()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "plan-1", rec.EntityID)
	assert.Equal(t, models.EntityPlan, rec.EntityType)
	assert.Equal(t, int64(4), rec.Local.Revision)
	assert.Equal(t, int64(4), rec.Server.Revision)
	assert.JSONEq(t, `{"notes":"from a"}`, string(rec.Local.Payload))
	assert.JSONEq(t, `{"notes":"from b"}`, string(rec.Server.Payload))
	assert.Equal(t, "bob", rec.Server.ModifiedBy)

	e := a.get(t, models.EntityPlan, "plan-1")
	assert.True(t, e.Conflicted)
	assert.False(t, e.Dirty)
	assertExclusive(t, a.cache)
}

func TestSyncOnce_ConflictedEntityIsNotPushedAgain(t *testing.T) {
	auth, a, _ := conflictOnPlan(t)
	rev := auth.Revision(testHousehold)

	require.NoError(t, a.cache.Put(models.EntityPlan, "plan-1", raw(`{"notes":"from a again"}`), "alice"))
	require.NoError(t, a.engine.SyncOnce(context.Background()))

	assert.Equal(t, rev, auth.Revision(testHousehold))
	rec, err := a.cache.Conflict("plan-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"notes":"from a again"}`, string(rec.Local.Payload))
}

func TestOnConflict_FiresWhenConflictRecorded(t *testing.T) {
	auth := authority.NewMemory()
	r := seed(t, auth, models.EntityDish, "dish-1", `{"name":"Soup"}`, nil)

	d := newDevice(t, auth)
	require.NoError(t, d.engine.SyncOnce(context.Background()))

	var events []models.ConflictEvent
	unsub := d.engine.OnConflict(func(ev models.ConflictEvent) { events = append(events, ev) })
	defer unsub()

	require.NoError(t, d.cache.Put(models.EntityDish, "dish-1", raw(`{"name":"Local"}`), "alice"))
	seed(t, auth, models.EntityDish, "dish-1", `{"name":"Remote"}`, &r)
	require.NoError(t, d.engine.SyncOnce(context.Background()))

	require.NotEmpty(t, events)
	assert.Equal(t, models.ConflictEvent{EntityID: "dish-1", Count: 1}, events[0])
}

func TestOnStateChange_CycleTransitions(t *testing.T) {
	d := newDevice(t, authority.NewMemory())

	var states []models.SyncState
	unsub := d.engine.OnStateChange(func(s models.SyncState) { states = append(states, s) })
	defer unsub()

	require.NoError(t, d.engine.SyncOnce(context.Background()))
	assert.Equal(t, []models.SyncState{models.StateSyncing, models.StateIdle}, states)
}
