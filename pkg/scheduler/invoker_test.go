package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	"github.com/cuemby/rtrm/pkg/appmanager"
	"github.com/cuemby/rtrm/pkg/events"
	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/platform"
	rtrmsync "github.com/cuemby/rtrm/pkg/sync"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/stretchr/testify/require"
)

// alwaysOKTransport is a Transport where every participant sails through
// all four phases.
type alwaysOKTransport struct{}

func (alwaysOKTransport) PreChange(ctx context.Context, excID types.ExcID, awm *types.AWM, assignment types.ResourceAssignmentMap) (time.Duration, error) {
	return time.Millisecond, nil
}

func (alwaysOKTransport) SyncChange(ctx context.Context, excID types.ExcID) (bool, error) {
	return true, nil
}

func (alwaysOKTransport) DoChange(ctx context.Context, excID types.ExcID) error { return nil }

func (alwaysOKTransport) PostChange(ctx context.Context, excID types.ExcID) error { return nil }

func testRecipe() *types.Recipe {
	return &types.Recipe{
		Name:    "demo",
		Version: 1,
		AWMs: []*types.AWM{
			{ID: 1, Name: "low", Value: 10, Resources: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}, ConfigTimeEstMs: 5},
			{ID: 2, Name: "high", Value: 20, Resources: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 4}, ConfigTimeEstMs: 5},
		},
	}
}

func newTestInvoker(t *testing.T) (*Invoker, *appmanager.Manager, *accountant.Accountant, *platform.Test) {
	t.Helper()

	acct := accountant.New()
	path, err := types.ParsePath("sys0.cpu0.pe0")
	require.NoError(t, err)
	require.NoError(t, acct.Register(path, "count", 4))
	acct.SetPlatformReady()

	proxy := platform.NewTest()
	apps := appmanager.New(1, events.NewBroker(), acct, proxy)
	apps.LoadRecipe(testRecipe())

	syncMgr := rtrmsync.NewManager(alwaysOKTransport{}, acct, proxy)
	policy := NewGreedyValuePolicy(nil)

	inv := NewInvoker(apps, acct, syncMgr, policy, time.Hour)
	return inv, apps, acct, proxy
}

func TestInvokerRunRoundSchedulesReadyExc(t *testing.T) {
	inv, apps, _, proxy := newTestInvoker(t)

	excID := types.ExcID{Pid: 1, ExcNum: 0}
	require.NoError(t, apps.Register(1, excID, "e1", "demo", "go", 0, "root"))

	inv.runRound(context.Background())

	awm, err := apps.GetWorkingMode(context.Background(), excID)
	require.NoError(t, err)
	require.Equal(t, 2, awm.ID, "greedy policy should pick the higher-value AWM when it fits")

	assignment, ok := proxy.Assignment(excID)
	require.True(t, ok)
	require.Equal(t, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 4}, assignment)
}

func TestInvokerRunRoundBlocksWhenNothingFits(t *testing.T) {
	inv, apps, acct, _ := newTestInvoker(t)

	// Exhaust the only resource with an unrelated booking on the active view
	// so neither AWM fits.
	token, err := acct.MakeView(accountant.ActiveView)
	require.NoError(t, err)
	other := types.ExcID{Pid: 99, ExcNum: 0}
	require.NoError(t, acct.BookResources(token, other, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 4}, false))
	require.NoError(t, acct.PromoteView(token))

	excID := types.ExcID{Pid: 1, ExcNum: 0}
	require.NoError(t, apps.Register(1, excID, "e1", "demo", "go", 0, "root"))

	inv.runRound(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = apps.GetWorkingMode(ctx, excID)
	require.ErrorIs(t, err, rtrmerrors.ErrBlocked)
}

func TestInvokerNotifyCoalescesBurstIntoOneRound(t *testing.T) {
	inv, apps, _, _ := newTestInvoker(t)

	excID := types.ExcID{Pid: 1, ExcNum: 0}
	require.NoError(t, apps.Register(1, excID, "e1", "demo", "go", 0, "root"))

	ctx, cancel := context.WithCancel(context.Background())
	go inv.Run(ctx)
	defer func() {
		cancel()
	}()

	for i := 0; i < 5; i++ {
		inv.Notify(Event{Kind: EventRegister, ExcID: excID})
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err := apps.GetWorkingMode(waitCtx, excID)
	require.NoError(t, err)
}
