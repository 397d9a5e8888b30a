package accountant

import (
	"testing"

	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPath(t *testing.T, s string) types.ResourcePath {
	t.Helper()
	p, err := types.ParsePath(s)
	require.NoError(t, err)
	return p
}

func newReadyAccountant(t *testing.T, pes int, memBytes int64) *Accountant {
	t.Helper()
	a := New()
	for i := 0; i < pes; i++ {
		require.NoError(t, a.Register(mustPath(t, "sys0.cpu0.pe"+string(rune('0'+i))), "count", 1))
	}
	require.NoError(t, a.Register(mustPath(t, "sys0.mem0.pe0"), "bytes", memBytes))
	a.SetPlatformReady()
	return a
}

func TestRegisterFailsAfterReady(t *testing.T) {
	a := New()
	require.NoError(t, a.Register(mustPath(t, "sys0.cpu0.pe0"), "count", 1))
	a.SetPlatformReady()

	err := a.Register(mustPath(t, "sys0.cpu0.pe1"), "count", 1)
	assert.ErrorIs(t, err, rtrmerrors.ErrPlatformNotReady)
}

func TestBookingFailsWhileNotReady(t *testing.T) {
	a := New()
	require.NoError(t, a.Register(mustPath(t, "sys0.cpu0.pe0"), "count", 1))

	token, err := a.MakeView(ScheduledView)
	require.NoError(t, err)

	exc := types.ExcID{Pid: 1, ExcNum: 0}
	err = a.BookResources(token, exc, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}, false)
	assert.ErrorIs(t, err, rtrmerrors.ErrPlatformNotReady)
}

func TestBookExactTotalSucceedsOneMoreFails(t *testing.T) {
	a := newReadyAccountant(t, 2, 100)

	token, err := a.MakeView(ScheduledView)
	require.NoError(t, err)

	e1 := types.ExcID{Pid: 100, ExcNum: 0}
	require.NoError(t, a.BookResources(token, e1, types.ResourceAssignmentMap{
		"sys0.cpu0.pe0": 1,
		"sys0.cpu0.pe1": 1,
	}, false))

	e2 := types.ExcID{Pid: 200, ExcNum: 0}
	err = a.BookResources(token, e2, types.ResourceAssignmentMap{
		"sys0.cpu0.pe0": 1,
		"sys0.mem0.pe0": 10, // fits on its own, total is 100
	}, false)
	assert.ErrorIs(t, err, rtrmerrors.ErrInsufficientResources)

	// Partial failure must not have booked sys0.mem0.pe0 from the same call.
	require.NoError(t, a.PromoteView(token))
	assert.Equal(t, int64(0), a.Used("sys0.mem0.pe0"))
}

func TestBookingIsAllOrNothing(t *testing.T) {
	a := newReadyAccountant(t, 1, 10)

	token, err := a.MakeView(ScheduledView)
	require.NoError(t, err)

	exc := types.ExcID{Pid: 1, ExcNum: 0}
	err = a.BookResources(token, exc, types.ResourceAssignmentMap{
		"sys0.cpu0.pe0": 1,  // fits
		"sys0.mem0.pe0": 11, // does not fit, total is 10
	}, false)
	require.ErrorIs(t, err, rtrmerrors.ErrInsufficientResources)

	require.NoError(t, a.PromoteView(token))
	assert.Equal(t, int64(0), a.Used("sys0.cpu0.pe0"), "the fitting entry must not have been committed")
}

func TestUnbookAndPromoteRoundTrip(t *testing.T) {
	a := newReadyAccountant(t, 1, 10)

	token, err := a.MakeView(ScheduledView)
	require.NoError(t, err)

	exc := types.ExcID{Pid: 1, ExcNum: 0}
	require.NoError(t, a.BookResources(token, exc, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}, false))
	require.NoError(t, a.Unbook(token, exc))
	require.NoError(t, a.PromoteView(token))

	assert.Equal(t, int64(0), a.Used("sys0.cpu0.pe0"))
	assert.Equal(t, int64(1), a.Available("sys0.cpu0.pe0"))
}

func TestPromoteViewWithNoWritesIsNoop(t *testing.T) {
	a := newReadyAccountant(t, 1, 10)

	before := a.Available("sys0.cpu0.pe0")

	token, err := a.MakeView(ScheduledView)
	require.NoError(t, err)
	require.NoError(t, a.PromoteView(token))

	assert.Equal(t, before, a.Available("sys0.cpu0.pe0"))
}

func TestStaleTokenRejectedAfterPromotion(t *testing.T) {
	a := newReadyAccountant(t, 1, 10)

	token, err := a.MakeView(ScheduledView)
	require.NoError(t, err)
	require.NoError(t, a.PromoteView(token))

	exc := types.ExcID{Pid: 1, ExcNum: 0}
	err = a.BookResources(token, exc, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}, false)
	assert.ErrorIs(t, err, rtrmerrors.ErrViewGenerationMismatch)
}

func TestUnbookActiveReleasesWithoutAToken(t *testing.T) {
	a := newReadyAccountant(t, 1, 10)
	exc := types.ExcID{Pid: 1, ExcNum: 0}

	token, err := a.MakeView(ScheduledView)
	require.NoError(t, err)
	require.NoError(t, a.BookResources(token, exc, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}, false))
	require.NoError(t, a.PromoteView(token))
	assert.Equal(t, int64(1), a.Used("sys0.cpu0.pe0"))

	a.UnbookActive(exc)
	assert.Equal(t, int64(0), a.Used("sys0.cpu0.pe0"))
	assert.Equal(t, int64(1), a.Available("sys0.cpu0.pe0"))
}

func TestMakeViewClonesActiveNotAStaleScheduledView(t *testing.T) {
	a := newReadyAccountant(t, 1, 10)
	exc := types.ExcID{Pid: 1, ExcNum: 0}

	token1, err := a.MakeView(ScheduledView)
	require.NoError(t, err)
	require.NoError(t, a.BookResources(token1, exc, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}, false))
	require.NoError(t, a.PromoteView(token1))

	a.UnbookActive(exc)

	// A fresh scheduled view must reflect the now-unbooked active ledger,
	// not whatever a stale prior scheduled view still held for exc.
	token2, err := a.MakeView(ScheduledView)
	require.NoError(t, err)
	require.NoError(t, a.PromoteView(token2))
	assert.Equal(t, int64(0), a.Used("sys0.cpu0.pe0"))
}

func TestGetResourcesWildcardMatch(t *testing.T) {
	a := New()
	require.NoError(t, a.Register(mustPath(t, "sys0.cpu0.pe0"), "count", 1))
	require.NoError(t, a.Register(mustPath(t, "sys0.cpu1.pe0"), "count", 1))
	require.NoError(t, a.Register(mustPath(t, "sys0.mem0.pe0"), "bytes", 10))

	pattern := mustPath(t, "sys0.cpu0.pe0")
	pattern.Segments[1].ID = "*"

	got := a.GetResources(pattern)
	assert.Len(t, got, 2)
}
