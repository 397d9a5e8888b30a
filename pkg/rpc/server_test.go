package rpc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	"github.com/cuemby/rtrm/pkg/appmanager"
	"github.com/cuemby/rtrm/pkg/events"
	"github.com/cuemby/rtrm/pkg/platform"
	"github.com/cuemby/rtrm/pkg/scheduler"
	rtrmsync "github.com/cuemby/rtrm/pkg/sync"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/stretchr/testify/require"
)

// testDaemon wires a Server to a real appmanager, accountant, and scheduler
// invoker over platform.Test, the same way cmd/rtrmd does, minus the FIFO
// listener (callers start that separately).
type testDaemon struct {
	server  *Server
	apps    *appmanager.Manager
	proxy   *platform.Test
	invoker *scheduler.Invoker
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	acct := accountant.New()
	path, err := types.ParsePath("sys0.cpu0.pe0")
	require.NoError(t, err)
	require.NoError(t, acct.Register(path, "count", 4))
	acct.SetPlatformReady()

	proxy := platform.NewTest()
	apps := appmanager.New(1, events.NewBroker(), acct, proxy)
	apps.LoadRecipe(&types.Recipe{
		Name:    "demo",
		Version: 1,
		AWMs: []*types.AWM{
			{ID: 1, Name: "low", Value: 10, Resources: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 1}, ConfigTimeEstMs: 5},
			{ID: 2, Name: "high", Value: 20, Resources: types.ResourceAssignmentMap{"sys0.cpu0.pe0": 4}, ConfigTimeEstMs: 5},
		},
	})

	server := NewServer(apps)
	syncMgr := rtrmsync.NewManager(server, acct, proxy)
	invoker := scheduler.NewInvoker(apps, acct, syncMgr, scheduler.NewGreedyValuePolicy(apps.PriorityOf), 10*time.Millisecond)
	server.SetInvoker(invoker)

	return &testDaemon{server: server, apps: apps, proxy: proxy, invoker: invoker}
}

// appConn drives the application side of the wire protocol with raw FIFOs,
// standing in for pkg/rtlib's client so this package doesn't need to import
// it. A background goroutine answers the four-phase synchronization calls
// automatically (always succeeds, reports a 1ms configuration estimate),
// mirroring pkg/rtlib/client.go's readLoop; MsgResponse frames answering an
// explicit request (MsgStart) are instead delivered on resp for recv to
// pick up.
type appConn struct {
	t    *testing.T
	pid  int
	base string
	in   *os.File // application writes here
	out  *os.File // application reads here
	next uint32

	resp   chan Frame
	writeM sync.Mutex
}

func dialApp(t *testing.T, dir, serverPath string, pid int) *appConn {
	t.Helper()

	base := filepath.Join(dir, filepath.Base(dir)+"-app")
	require.NoError(t, EnsureFIFO(base+".out"))
	require.NoError(t, EnsureFIFO(base+".in"))

	outDone := make(chan *os.File, 1)
	go func() {
		f, _ := os.OpenFile(base+".out", os.O_RDONLY, os.ModeNamedPipe)
		outDone <- f
	}()

	in, err := os.OpenFile(base+".in", os.O_WRONLY, os.ModeNamedPipe)
	require.NoError(t, err)

	writer, err := os.OpenFile(serverPath, os.O_WRONLY, os.ModeNamedPipe)
	require.NoError(t, err)

	req := EncodeAppPairRequest(AppPairRequest{ProtocolVersion: ProtocolVersion, FIFOBase: base})
	frame := Frame{
		MessageType: MsgAppPair,
		Header:      Header{MessageType: uint8(MsgAppPair), Token: 1, AppPid: uint32(pid)},
		Body:        req,
	}
	_, err = writer.Write(EncodeFrame(frame))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	out := <-outDone
	require.NotNil(t, out)

	c := &appConn{t: t, pid: pid, base: base, in: in, out: out, next: 1, resp: make(chan Frame, 8)}
	go c.readLoop()
	return c
}

func (c *appConn) readLoop() {
	for {
		frame, err := DecodeFrame(c.out)
		if err != nil {
			return
		}
		switch frame.MessageType {
		case MsgPreChange:
			go c.replyPreChange(frame)
		case MsgSyncChange:
			go c.replyOK(frame)
		case MsgDoChange:
			// one-way, no reply expected
		case MsgPostChange:
			go c.replyOK(frame)
		case MsgResponse:
			c.resp <- frame
		}
	}
}

func (c *appConn) replyPreChange(frame Frame) {
	reply := Frame{
		MessageType: MsgResponse,
		Header:      Header{MessageType: uint8(MsgResponse), Token: frame.Header.Token, AppPid: uint32(c.pid), ExcID: frame.Header.ExcID},
		Body:        EncodePreChangeAckBody(PreChangeAckBody{EstimateMs: 1}),
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	_, _ = c.in.Write(EncodeFrame(reply))
}

func (c *appConn) replyOK(frame Frame) {
	reply := Frame{
		MessageType: MsgResponse,
		Header:      Header{MessageType: uint8(MsgResponse), Token: frame.Header.Token, AppPid: uint32(c.pid), ExcID: frame.Header.ExcID},
		Body:        EncodeResponseBody(true),
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	_, _ = c.in.Write(EncodeFrame(reply))
}

func (c *appConn) send(msgType MessageType, excNum uint8, body []byte) uint32 {
	c.t.Helper()
	token := c.next
	c.next++
	frame := Frame{
		MessageType: msgType,
		Header:      Header{MessageType: uint8(msgType), Token: token, AppPid: uint32(c.pid), ExcID: excNum},
		Body:        body,
	}
	c.writeM.Lock()
	_, err := c.in.Write(EncodeFrame(frame))
	c.writeM.Unlock()
	require.NoError(c.t, err)
	return token
}

func (c *appConn) recv() Frame {
	c.t.Helper()
	select {
	case frame := <-c.resp:
		return frame
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for response")
		return Frame{}
	}
}

func (c *appConn) close() {
	_ = c.in.Close()
	_ = c.out.Close()
}

// TestServerRegisterSchedulesAndAnswersStart drives a full round trip over
// real FIFOs: an application pairs, registers an EXC, then asks for its
// working mode. The scheduler invoker should place it on the higher-value
// AWM, the synchronization protocol should run over platform.Test, and the
// application should receive a RUNNING answer naming that AWM.
func TestServerRegisterSchedulesAndAnswersStart(t *testing.T) {
	dir := t.TempDir()
	serverPath := filepath.Join(dir, "rtrmd.fifo")

	listener, err := NewListener(serverPath)
	require.NoError(t, err)

	daemon := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go daemon.server.Serve(ctx, listener)
	go daemon.invoker.Run(ctx)

	client := dialApp(t, dir, serverPath, 4242)
	defer client.close()

	client.send(MsgRegister, 0, EncodeRegisterBody(RegisterBody{
		Name:       "e1",
		RecipeName: "demo",
		Language:   "go",
		Priority:   0,
	}))

	// Give the dispatcher a moment to register the EXC before asking the
	// invoker to schedule it.
	time.Sleep(20 * time.Millisecond)

	token := client.send(MsgStart, 0, nil)

	frame := client.recv()
	require.Equal(t, MsgResponse, frame.MessageType)
	require.Equal(t, token, frame.Header.Token)

	body, err := DecodeWorkingModeBody(frame.Body)
	require.NoError(t, err)
	require.Equal(t, WorkingModeOK, body.Status)
	require.Equal(t, int32(2), body.AWMID, "greedy policy should pick the higher-value AWM when it fits")
	require.Equal(t, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 4}, body.Assignment)

	excID := types.ExcID{Pid: 4242, ExcNum: 0}
	assignment, ok := daemon.proxy.Assignment(excID)
	require.True(t, ok)
	require.Equal(t, types.ResourceAssignmentMap{"sys0.cpu0.pe0": 4}, assignment)
}

// TestServerApplicationDeathUnregistersEXCs confirms that closing the
// application's FIFO pair (simulating process death) makes the server
// notice the read-loop EOF, unregister every EXC it owned, and notify the
// invoker.
func TestServerApplicationDeathUnregistersEXCs(t *testing.T) {
	dir := t.TempDir()
	serverPath := filepath.Join(dir, "rtrmd.fifo")

	listener, err := NewListener(serverPath)
	require.NoError(t, err)

	daemon := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go daemon.server.Serve(ctx, listener)

	client := dialApp(t, dir, serverPath, 777)

	client.send(MsgRegister, 0, EncodeRegisterBody(RegisterBody{
		Name:       "e1",
		RecipeName: "demo",
		Language:   "go",
		Priority:   0,
	}))
	time.Sleep(20 * time.Millisecond)

	client.close()

	require.Eventually(t, func() bool {
		return len(daemon.apps.Snapshot()) == 0
	}, time.Second, 10*time.Millisecond, "application's EXC should be unregistered after fifo close")
}
