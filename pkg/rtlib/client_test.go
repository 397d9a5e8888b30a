package rtlib

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/rtrm/pkg/rpc"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	preChangeAWM  int
	preChangeAsgn types.ResourceAssignmentMap
	syncOK        bool
	doChangeCalls int
	postCalls     int
}

func (h *fakeHandler) PreChange(ctx context.Context, awmID int, assignment types.ResourceAssignmentMap) (time.Duration, error) {
	h.preChangeAWM = awmID
	h.preChangeAsgn = assignment
	return 15 * time.Millisecond, nil
}

func (h *fakeHandler) SyncChange(ctx context.Context) (bool, error) {
	return h.syncOK, nil
}

func (h *fakeHandler) DoChange(ctx context.Context) error {
	h.doChangeCalls++
	return nil
}

func (h *fakeHandler) PostChange(ctx context.Context) error {
	h.postCalls++
	return nil
}

// pairForTest drives the manager side of the handshake and returns its Peer
// once a Client has connected against it.
func pairForTest(t *testing.T, serverPath, fifoDir string, pid int, excID types.ExcID, handler Handler) (*rpc.Peer, *Client) {
	t.Helper()

	listener, err := rpc.NewListener(serverPath)
	require.NoError(t, err)

	type acceptResult struct {
		peer *rpc.Peer
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		peer, err := listener.Accept(ctx)
		acceptCh <- acceptResult{peer, err}
	}()

	type connectResult struct {
		client *Client
		err    error
	}
	connectCh := make(chan connectResult, 1)
	go func() {
		c, err := Connect(serverPath, fifoDir, pid, excID, handler)
		connectCh <- connectResult{c, err}
	}()

	var peer *rpc.Peer
	select {
	case res := <-acceptCh:
		require.NoError(t, res.err)
		peer = res.peer
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not complete in time")
	}

	var client *Client
	select {
	case res := <-connectCh:
		require.NoError(t, res.err)
		client = res.client
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not complete in time")
	}

	return peer, client
}

func TestClientRegisterReachesManager(t *testing.T) {
	dir := t.TempDir()
	excID := types.ExcID{Pid: 555, ExcNum: 0}
	peer, client := pairForTest(t, filepath.Join(dir, "rtrmd.fifo"), dir, 555, excID, &fakeHandler{})
	defer client.Close()
	defer peer.Close()

	require.NoError(t, client.Register("e1", "demo", "go", 5))

	frame, err := peer.Recv()
	require.NoError(t, err)
	require.Equal(t, rpc.MsgRegister, frame.MessageType)

	body, err := rpc.DecodeRegisterBody(frame.Body)
	require.NoError(t, err)
	require.Equal(t, "e1", body.Name)
	require.Equal(t, "demo", body.RecipeName)
	require.Equal(t, int32(5), body.Priority)
}

func TestClientGetWorkingModeReturnsAssignedAWM(t *testing.T) {
	dir := t.TempDir()
	excID := types.ExcID{Pid: 556, ExcNum: 1}
	peer, client := pairForTest(t, filepath.Join(dir, "rtrmd.fifo"), dir, 556, excID, &fakeHandler{})
	defer client.Close()
	defer peer.Close()

	type result struct {
		awm *types.AWM
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		awm, err := client.GetWorkingMode(ctx)
		resCh <- result{awm, err}
	}()

	frame, err := peer.Recv()
	require.NoError(t, err)
	require.Equal(t, rpc.MsgStart, frame.MessageType)

	reply := rpc.Frame{
		MessageType: rpc.MsgResponse,
		Header:      rpc.Header{MessageType: uint8(rpc.MsgResponse), Token: frame.Header.Token, AppPid: 556, ExcID: 1},
		Body: rpc.EncodeWorkingModeBody(rpc.WorkingModeBody{
			Status:     rpc.WorkingModeOK,
			AWMID:      2,
			Assignment: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 4},
		}),
	}
	require.NoError(t, peer.Send(reply))

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.Equal(t, 2, res.awm.ID)
		require.Equal(t, int64(4), res.awm.Resources["sys0.cpu0.pe0"])
	case <-time.After(5 * time.Second):
		t.Fatal("GetWorkingMode did not return in time")
	}
}

func TestClientAnswersPreChangeThroughHandler(t *testing.T) {
	dir := t.TempDir()
	excID := types.ExcID{Pid: 557, ExcNum: 0}
	handler := &fakeHandler{}
	peer, client := pairForTest(t, filepath.Join(dir, "rtrmd.fifo"), dir, 557, excID, handler)
	defer client.Close()
	defer peer.Close()

	proposal := rpc.Frame{
		MessageType: rpc.MsgPreChange,
		Header:      rpc.Header{MessageType: uint8(rpc.MsgPreChange), Token: 1, AppPid: 557, ExcID: 0},
		Body: rpc.EncodePreChangeBody(rpc.PreChangeBody{
			AWMID:      3,
			Assignment: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 2},
		}),
	}
	require.NoError(t, peer.Send(proposal))

	reply, err := peer.Recv()
	require.NoError(t, err)
	require.Equal(t, rpc.MsgResponse, reply.MessageType)

	ack, err := rpc.DecodePreChangeAckBody(reply.Body)
	require.NoError(t, err)
	require.Equal(t, uint32(15), ack.EstimateMs)
	require.Equal(t, 3, handler.preChangeAWM)
}
