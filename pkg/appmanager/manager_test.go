package appmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/platform"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecipe() *types.Recipe {
	return &types.Recipe{
		Name:    "bodytrack",
		Version: 1,
		AWMs: []*types.AWM{
			{ID: 0, Name: "low", Value: 10, Resources: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}},
			{ID: 1, Name: "mid", Value: 20, Resources: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 2}},
			{ID: 2, Name: "high", Value: 30, Resources: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 3}},
		},
	}
}

func TestRegisterProducesReadyExc(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, types.ExcReady, snap[0].State)
	assert.True(t, snap[0].EnabledAWMs[0])
	assert.True(t, snap[0].EnabledAWMs[2])
}

func TestRegisterRejectsDuplicateAndUnknownRecipe(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())
	excID := types.ExcID{Pid: 100, ExcNum: 0}

	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))
	err := m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1")
	assert.ErrorIs(t, err, rtrmerrors.ErrAlreadyRegistered)

	other := types.ExcID{Pid: 101, ExcNum: 0}
	err = m.Register(101, other, "e2", "nope", "c++", 0, "u1")
	assert.ErrorIs(t, err, rtrmerrors.ErrRecipeNotFound)
}

func TestRegisterRejectsOldRecipeVersion(t *testing.T) {
	m := New(2, nil, nil, nil)
	recipe := testRecipe()
	recipe.Version = 1
	m.LoadRecipe(recipe)

	err := m.Register(100, types.ExcID{Pid: 100, ExcNum: 0}, "e1", "bodytrack", "c++", 0, "u1")
	assert.ErrorIs(t, err, rtrmerrors.ErrRecipeVersionMismatch)
}

func TestGetWorkingModeBlocksUntilRunning(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))
	require.NoError(t, m.BeginScheduling(excID))

	var wg sync.WaitGroup
	var got *types.AWM
	var gotErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, gotErr = m.GetWorkingMode(ctx, excID)
	}()

	time.Sleep(10 * time.Millisecond)
	awm := testRecipe().AWMs[2]
	require.NoError(t, m.AssignNextAWM(excID, awm))
	require.NoError(t, m.CompleteSync(excID, SyncRunning, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 3}))

	wg.Wait()
	require.NoError(t, gotErr)
	require.NotNil(t, got)
	assert.Equal(t, awm.ID, got.ID)
}

func TestGetWorkingModeReturnsBlockedOnSyncFailure(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))
	require.NoError(t, m.BeginScheduling(excID))
	require.NoError(t, m.AssignNextAWM(excID, testRecipe().AWMs[0]))
	require.NoError(t, m.CompleteSync(excID, SyncBlocked, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.GetWorkingMode(ctx, excID)
	assert.ErrorIs(t, err, rtrmerrors.ErrBlocked)
}

func TestDisableWakesBlockedWaiterWithErrDisabled(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))
	require.NoError(t, m.BeginScheduling(excID))

	var wg sync.WaitGroup
	var gotErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, gotErr = m.GetWorkingMode(ctx, excID)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Disable(excID))

	wg.Wait()
	assert.ErrorIs(t, gotErr, rtrmerrors.ErrDisabled)
}

func TestSetAndClearAWMConstraintRoundTrip(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))

	before := m.Snapshot()[0].EnabledAWMs

	require.NoError(t, m.SetAWMConstraint(excID, types.Constraint{Kind: types.ConstraintAWMUpper, Bound: 1}))
	mid := m.Snapshot()[0]
	assert.False(t, mid.EnabledAWMs[2])
	assert.True(t, mid.EnabledAWMs[0])
	assert.True(t, mid.EnabledAWMs[1])

	require.NoError(t, m.ClearAWMConstraints(excID))
	after := m.Snapshot()[0].EnabledAWMs
	assert.Equal(t, before, after)
}

func TestConstraintInvalidatingCurrentAWMTriggersScheduling(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))
	require.NoError(t, m.BeginScheduling(excID))
	require.NoError(t, m.AssignNextAWM(excID, testRecipe().AWMs[2]))
	require.NoError(t, m.CompleteSync(excID, SyncRunning, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 3}))
	require.Equal(t, types.ExcRunning, m.Snapshot()[0].State)

	require.NoError(t, m.SetAWMConstraint(excID, types.Constraint{Kind: types.ConstraintAWMUpper, Bound: 1}))
	assert.Equal(t, types.ExcScheduling, m.Snapshot()[0].State)
}

func TestUnregisterApplicationFinishesAllExcs(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	a := types.ExcID{Pid: 100, ExcNum: 0}
	b := types.ExcID{Pid: 100, ExcNum: 1}
	require.NoError(t, m.Register(100, a, "e1", "bodytrack", "c++", 0, "u1"))
	require.NoError(t, m.Register(100, b, "e2", "bodytrack", "c++", 0, "u1"))

	finished := m.UnregisterApplication(100)
	assert.Len(t, finished, 2)
	assert.Empty(t, m.Snapshot())
}

func newReadyAccountantForTest(t *testing.T) *accountant.Accountant {
	t.Helper()
	a := accountant.New()
	path, err := types.ParsePath("sys0.cpu0.pe0")
	require.NoError(t, err)
	require.NoError(t, a.Register(path, "count", 4))
	a.SetPlatformReady()
	return a
}

func TestUnregisterReleasesBookingAndCgroup(t *testing.T) {
	acct := newReadyAccountantForTest(t)
	proxy := platform.NewTest()
	m := New(1, nil, acct, proxy)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))

	exc := m.Snapshot()[0]
	require.NoError(t, proxy.Setup(exc))

	token, err := acct.MakeView(accountant.ScheduledView)
	require.NoError(t, err)
	assignment := types.ResourceAssignmentMap{"sys0.cpu0.pe0": 2}
	require.NoError(t, acct.BookResources(token, excID, assignment, false))
	require.NoError(t, acct.PromoteView(token))
	require.Equal(t, int64(2), acct.Used("sys0.cpu0.pe0"))

	require.NoError(t, m.Unregister(excID))

	assert.Equal(t, int64(0), acct.Used("sys0.cpu0.pe0"), "FINISHED must unbook the active view")
	assert.True(t, proxy.Released(excID), "FINISHED must release the platform proxy's cgroup")
}

func TestUnregisterApplicationReleasesEachExc(t *testing.T) {
	acct := newReadyAccountantForTest(t)
	proxy := platform.NewTest()
	m := New(1, nil, acct, proxy)
	m.LoadRecipe(testRecipe())

	a := types.ExcID{Pid: 100, ExcNum: 0}
	b := types.ExcID{Pid: 100, ExcNum: 1}
	require.NoError(t, m.Register(100, a, "e1", "bodytrack", "c++", 0, "u1"))
	require.NoError(t, m.Register(100, b, "e2", "bodytrack", "c++", 0, "u1"))

	for _, exc := range m.Snapshot() {
		require.NoError(t, proxy.Setup(exc))
	}

	token, err := acct.MakeView(accountant.ScheduledView)
	require.NoError(t, err)
	require.NoError(t, acct.BookResources(token, a, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}, false))
	require.NoError(t, acct.PromoteView(token))
	require.Equal(t, int64(1), acct.Used("sys0.cpu0.pe0"))

	finished := m.UnregisterApplication(100)
	assert.Len(t, finished, 2)
	assert.Equal(t, int64(0), acct.Used("sys0.cpu0.pe0"))
	assert.True(t, proxy.Released(a))
}

func TestCompleteSyncDeferredKeepsCurrentAWMRunning(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))
	require.NoError(t, m.BeginScheduling(excID))
	require.NoError(t, m.AssignNextAWM(excID, testRecipe().AWMs[1]))
	require.NoError(t, m.CompleteSync(excID, SyncRunning, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 2}))
	require.Equal(t, types.ExcRunning, m.Snapshot()[0].State)

	// A later round drops this EXC before actuation (Unresponsive/NotQuiescent):
	// it must return to RUNNING on its existing AWM, not fall to BLOCKED.
	require.NoError(t, m.BeginScheduling(excID))
	require.NoError(t, m.AssignNextAWM(excID, testRecipe().AWMs[2]))
	require.NoError(t, m.CompleteSync(excID, SyncDeferred, nil))

	snap := m.Snapshot()[0]
	assert.Equal(t, types.ExcRunning, snap.State)
	require.NotNil(t, snap.CurrentAWM)
	assert.Equal(t, testRecipe().AWMs[1].ID, snap.CurrentAWM.ID, "deferred round must not promote the unactuated NextAWM")
}

func TestCompleteSyncDeferredWithNoPriorAWMBlocks(t *testing.T) {
	m := New(1, nil, nil, nil)
	m.LoadRecipe(testRecipe())

	excID := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, m.Register(100, excID, "e1", "bodytrack", "c++", 0, "u1"))
	require.NoError(t, m.BeginScheduling(excID))
	require.NoError(t, m.AssignNextAWM(excID, testRecipe().AWMs[0]))
	require.NoError(t, m.CompleteSync(excID, SyncDeferred, nil))

	assert.Equal(t, types.ExcBlocked, m.Snapshot()[0].State)
}
