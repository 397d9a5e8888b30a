package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	"github.com/cuemby/rtrm/pkg/platform"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport lets tests script per-EXC behavior at each phase.
type fakeTransport struct {
	mu sync.Mutex

	notQuiescent map[types.ExcID]bool
	unresponsive map[types.ExcID]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		notQuiescent: make(map[types.ExcID]bool),
		unresponsive: make(map[types.ExcID]bool),
	}
}

func (f *fakeTransport) PreChange(ctx context.Context, excID types.ExcID, awm *types.AWM, assignment types.ResourceAssignmentMap) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unresponsive[excID] {
		return 0, context.DeadlineExceeded
	}
	return time.Millisecond, nil
}

func (f *fakeTransport) SyncChange(ctx context.Context, excID types.ExcID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notQuiescent[excID] {
		return false, nil
	}
	return true, nil
}

func (f *fakeTransport) DoChange(ctx context.Context, excID types.ExcID) error { return nil }

func (f *fakeTransport) PostChange(ctx context.Context, excID types.ExcID) error { return nil }

func setupReadyAccountant(t *testing.T) *accountant.Accountant {
	t.Helper()
	a := accountant.New()
	path, err := types.ParsePath("sys0.cpu0.pe0")
	require.NoError(t, err)
	require.NoError(t, a.Register(path, "count", 4))
	path1, err := types.ParsePath("sys0.cpu0.pe1")
	require.NoError(t, err)
	require.NoError(t, a.Register(path1, "count", 4))
	a.SetPlatformReady()
	return a
}

func TestSyncRoundHappyPath(t *testing.T) {
	a := setupReadyAccountant(t)
	proxy := platform.NewTest()
	transport := newFakeTransport()
	mgr := NewManager(transport, a, proxy)

	excID := types.ExcID{Pid: 1, ExcNum: 0}
	exc := &types.ExecutionContext{ID: excID, Name: "e1"}
	require.NoError(t, proxy.Setup(exc))

	token, err := a.MakeView(accountant.ScheduledView)
	require.NoError(t, err)
	assignment := types.ResourceAssignmentMap{"sys0.cpu0.pe0": 2}
	require.NoError(t, a.BookResources(token, excID, assignment, false))

	outcomes := mgr.Run(context.Background(), token, []Participant{
		{ExcID: excID, NextAWM: &types.AWM{ID: 2}, Assignment: assignment, Exc: exc, ConfigTimeEstMs: 10},
	})

	assert.Equal(t, OutcomeRunning, outcomes[excID])
	got, ok := proxy.Assignment(excID)
	require.True(t, ok)
	assert.Equal(t, assignment, got)
}

func TestSyncRoundNotQuiescentKeepsActiveViewUnchanged(t *testing.T) {
	a := setupReadyAccountant(t)
	proxy := platform.NewTest()
	transport := newFakeTransport()
	mgr := NewManager(transport, a, proxy)

	excID := types.ExcID{Pid: 1, ExcNum: 0}
	exc := &types.ExecutionContext{ID: excID, Name: "e1"}
	require.NoError(t, proxy.Setup(exc))

	before := a.Used("sys0.cpu0.pe0")

	transport.notQuiescent[excID] = true

	token, err := a.MakeView(accountant.ScheduledView)
	require.NoError(t, err)
	assignment := types.ResourceAssignmentMap{"sys0.cpu0.pe0": 2}
	require.NoError(t, a.BookResources(token, excID, assignment, false))

	outcomes := mgr.Run(context.Background(), token, []Participant{
		{ExcID: excID, NextAWM: &types.AWM{ID: 2}, Assignment: assignment, Exc: exc, ConfigTimeEstMs: 10},
	})

	assert.Equal(t, OutcomeNotQuiescent, outcomes[excID])
	assert.Equal(t, before, a.Used("sys0.cpu0.pe0"), "active view must be unchanged on a Phase-2 refusal")
	_, actuated := proxy.Assignment(excID)
	assert.False(t, actuated, "a NotQuiescent participant must never reach Phase 3")
}

func TestSyncRoundQuarantinesOnActuationFailure(t *testing.T) {
	a := setupReadyAccountant(t)
	proxy := platform.NewTest()
	transport := newFakeTransport()
	mgr := NewManager(transport, a, proxy)

	excID := types.ExcID{Pid: 1, ExcNum: 0}
	exc := &types.ExecutionContext{ID: excID, Name: "e1"}
	require.NoError(t, proxy.Setup(exc))
	proxy.ArmFailure(excID)

	token, err := a.MakeView(accountant.ScheduledView)
	require.NoError(t, err)
	assignment := types.ResourceAssignmentMap{"sys0.cpu0.pe0": 2}
	require.NoError(t, a.BookResources(token, excID, assignment, false))

	outcomes := mgr.Run(context.Background(), token, []Participant{
		{ExcID: excID, NextAWM: &types.AWM{ID: 2}, Assignment: assignment, Exc: exc, ConfigTimeEstMs: 10},
	})

	assert.Equal(t, OutcomeQuarantined, outcomes[excID])
	// The view promotion still committed: this is a single pointer swap,
	// independent of any one EXC's actuation outcome.
	assert.Equal(t, int64(2), a.Used("sys0.cpu0.pe0"))
}

func TestSyncRoundPartialDropDoesNotPhantomBookTheDroppedParticipant(t *testing.T) {
	a := setupReadyAccountant(t)
	proxy := platform.NewTest()
	transport := newFakeTransport()
	mgr := NewManager(transport, a, proxy)

	e1 := types.ExcID{Pid: 1, ExcNum: 0}
	exc1 := &types.ExecutionContext{ID: e1, Name: "e1"}
	require.NoError(t, proxy.Setup(exc1))

	e2 := types.ExcID{Pid: 2, ExcNum: 0}
	exc2 := &types.ExecutionContext{ID: e2, Name: "e2"}
	require.NoError(t, proxy.Setup(exc2))
	transport.notQuiescent[e2] = true

	token, err := a.MakeView(accountant.ScheduledView)
	require.NoError(t, err)
	a1 := types.ResourceAssignmentMap{"sys0.cpu0.pe0": 2}
	a2 := types.ResourceAssignmentMap{"sys0.cpu0.pe1": 2}
	require.NoError(t, a.BookResources(token, e1, a1, false))
	require.NoError(t, a.BookResources(token, e2, a2, false))

	outcomes := mgr.Run(context.Background(), token, []Participant{
		{ExcID: e1, NextAWM: &types.AWM{ID: 2}, Assignment: a1, Exc: exc1, ConfigTimeEstMs: 10},
		{ExcID: e2, NextAWM: &types.AWM{ID: 2}, Assignment: a2, Exc: exc2, ConfigTimeEstMs: 10},
	})

	assert.Equal(t, OutcomeRunning, outcomes[e1])
	assert.Equal(t, OutcomeNotQuiescent, outcomes[e2])
	assert.Equal(t, int64(2), a.Used("sys0.cpu0.pe0"), "e1's actuated booking must be promoted")
	assert.Equal(t, int64(0), a.Used("sys0.cpu0.pe1"), "e2's dropped booking must never reach the active view")
}

func TestSyncRoundUnresponsiveDropsFromPhaseTwo(t *testing.T) {
	a := setupReadyAccountant(t)
	proxy := platform.NewTest()
	transport := newFakeTransport()
	mgr := NewManager(transport, a, proxy)

	excID := types.ExcID{Pid: 1, ExcNum: 0}
	exc := &types.ExecutionContext{ID: excID, Name: "e1"}
	require.NoError(t, proxy.Setup(exc))
	transport.unresponsive[excID] = true

	token, err := a.MakeView(accountant.ScheduledView)
	require.NoError(t, err)

	outcomes := mgr.Run(context.Background(), token, []Participant{
		{ExcID: excID, NextAWM: &types.AWM{ID: 2}, Exc: exc, ConfigTimeEstMs: 10},
	})

	assert.Equal(t, OutcomeUnresponsive, outcomes[excID])
}
