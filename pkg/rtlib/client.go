package rtlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/cuemby/rtrm/pkg/rpc"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/rs/zerolog"
)

// Handler is what an embedding application supplies to answer the
// manager-originated phase calls a Client's read loop receives: the
// application-side mirror of sync.Transport.
type Handler interface {
	// PreChange is told the proposed AWM id and resource assignment and
	// returns a non-binding latency estimate for the coming reconfiguration.
	PreChange(ctx context.Context, awmID int, assignment types.ResourceAssignmentMap) (time.Duration, error)
	// SyncChange asks the application to reach a quiescent point. A false
	// return (with nil error) is a refusal, not a transport failure.
	SyncChange(ctx context.Context) (bool, error)
	// DoChange tells the application the new assignment is now in effect.
	DoChange(ctx context.Context) error
	// PostChange tells the application it may resume normal cycles.
	PostChange(ctx context.Context) error
}

// Client is the per-application side of the RPC channel: it owns one
// private FIFO pair, answers manager-originated phase calls through a
// Handler, and exposes the application-originated operations (Register,
// GetWorkingMode, NotifyRuntimeProfile, ...) as blocking calls.
type Client struct {
	pid   int
	excID types.ExcID

	writeMu sync.Mutex
	in      *os.File // app -> manager
	out     *os.File // manager -> app

	outboundTokens rpc.TokenSequencer
	inboundTokens  rpc.TokenSequencer
	pending        *rpc.PendingResponses

	handler Handler
	logger  zerolog.Logger

	cps     *CPSTracker
	goalGap *GoalGapCalculator
}

// Connect performs the APP_PAIR handshake against the manager's
// well-known server FIFO at serverPath: it creates a private FIFO pair
// under fifoDir, announces it, and returns once both ends are open.
//
// The open order mirrors the manager's pairWith, which opens the
// application's inbound FIFO (read) before its outbound FIFO (write): the
// client must open its write side concurrently with its read side, or both
// ends deadlock waiting for the other to show up first.
func Connect(serverPath, fifoDir string, pid int, excID types.ExcID, handler Handler) (*Client, error) {
	base := filepath.Join(fifoDir, fmt.Sprintf("app-%d-%d", pid, excID.ExcNum))
	inPath := base + ".in"
	outPath := base + ".out"

	if err := rpc.EnsureFIFO(inPath); err != nil {
		return nil, fmt.Errorf("rtlib: create %s: %w", inPath, err)
	}
	if err := rpc.EnsureFIFO(outPath); err != nil {
		return nil, fmt.Errorf("rtlib: create %s: %w", outPath, err)
	}

	type openResult struct {
		f   *os.File
		err error
	}
	outReady := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(outPath, os.O_RDONLY, os.ModeNamedPipe)
		outReady <- openResult{f, err}
	}()

	writer, err := os.OpenFile(serverPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("rtlib: open server fifo: %w", err)
	}
	announce := rpc.Frame{
		MessageType: rpc.MsgAppPair,
		Header:      rpc.Header{MessageType: uint8(rpc.MsgAppPair), Token: 1, AppPid: uint32(pid), ExcID: excID.ExcNum},
		Body:        rpc.EncodeAppPairRequest(rpc.AppPairRequest{ProtocolVersion: rpc.ProtocolVersion, FIFOBase: base}),
	}
	if _, err := writer.Write(rpc.EncodeFrame(announce)); err != nil {
		writer.Close()
		return nil, fmt.Errorf("rtlib: send app_pair: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("rtlib: close server fifo: %w", err)
	}

	inFile, err := os.OpenFile(inPath, os.O_WRONLY, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("rtlib: open %s: %w", inPath, err)
	}

	res := <-outReady
	if res.err != nil {
		inFile.Close()
		return nil, fmt.Errorf("rtlib: open %s: %w", outPath, res.err)
	}

	c := &Client{
		pid:     pid,
		excID:   excID,
		in:      inFile,
		out:     res.f,
		pending: rpc.NewPendingResponses(),
		handler: handler,
		logger:  log.WithExc(pid, excID.ExcNum),
	}
	go c.readLoop()
	return c, nil
}

// WithCPSTracking attaches cycle-time/CPS accounting to the client;
// EndCycleAndMaybeNotify becomes usable afterward.
func (c *Client) WithCPSTracking(cpsMax float64, windowSize int, minCPS, maxCPS float64, rearmWindow, waitForSyncWindow time.Duration) *Client {
	c.cps = NewCPSTracker(cpsMax, windowSize)
	c.goalGap = NewGoalGapCalculator(minCPS, maxCPS, rearmWindow, waitForSyncWindow)
	return c
}

// BeginCycle marks the start of an application cycle, when CPS tracking is
// enabled.
func (c *Client) BeginCycle() {
	if c.cps != nil {
		c.cps.BeginCycle()
	}
}

// EndCycleAndMaybeNotify closes out the cycle started by BeginCycle,
// enforcing the declared CPS target, and sends a RuntimeNotify if the
// resulting goal gap clears both the significance threshold and the two
// notification cooldowns. A no-op when CPS tracking was never attached.
func (c *Client) EndCycleAndMaybeNotify(cpuUsage float64) error {
	if c.cps == nil {
		return nil
	}
	c.cps.EndCycle()

	if c.goalGap == nil {
		return nil
	}
	gap := c.goalGap.Compute(c.cps.SystemCPS())
	if !c.goalGap.ShouldNotify(gap) {
		return nil
	}

	cycleMs := 0.0
	if sysCPS := c.cps.SystemCPS(); sysCPS > 0 {
		cycleMs = 1000.0 / sysCPS
	}
	return c.NotifyRuntimeProfile(gap, cpuUsage, cycleMs)
}

// ReconfigurationCompleted tells the attached goal-gap calculator a
// PostChange just landed, arming its rearm cooldown.
func (c *Client) ReconfigurationCompleted() {
	if c.goalGap != nil {
		c.goalGap.ReconfigurationCompleted()
	}
}

func (c *Client) send(frame rpc.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.in.Write(rpc.EncodeFrame(frame))
	return err
}

func (c *Client) sendOneWay(msgType rpc.MessageType, body []byte) error {
	token := c.outboundTokens.Next()
	return c.send(rpc.Frame{
		MessageType: msgType,
		Header:      c.header(msgType, token),
		Body:        body,
	})
}

// header builds a frame header addressed to this client's (app_pid, exc_id)
// pair for an outbound message.
func (c *Client) header(msgType rpc.MessageType, token uint32) rpc.Header {
	return rpc.Header{MessageType: uint8(msgType), Token: token, AppPid: uint32(c.pid), ExcID: c.excID.ExcNum}
}

// Register announces this execution context to the manager.
func (c *Client) Register(name, recipeName, language string, priority int) error {
	body := rpc.EncodeRegisterBody(rpc.RegisterBody{Name: name, RecipeName: recipeName, Language: language, Priority: int32(priority)})
	return c.sendOneWay(rpc.MsgRegister, body)
}

// Unregister tells the manager this execution context is going away.
func (c *Client) Unregister() error {
	return c.sendOneWay(rpc.MsgUnregister, nil)
}

// StopExecution asks the manager to disable this execution context without
// tearing down the channel.
func (c *Client) StopExecution() error {
	return c.sendOneWay(rpc.MsgStop, nil)
}

// SetConstraint installs a resource or AWM constraint on this EXC.
func (c *Client) SetConstraint(con types.Constraint) error {
	return c.sendOneWay(rpc.MsgSetConstraint, rpc.EncodeConstraintBody(con))
}

// ClearConstraint removes every constraint on this EXC.
func (c *Client) ClearConstraint() error {
	return c.sendOneWay(rpc.MsgClearConstraint, nil)
}

// NotifyRuntimeProfile reports a measured or computed goal gap to the
// manager, subject to the manager's own rate limiting of the resulting
// scheduler tick.
func (c *Client) NotifyRuntimeProfile(goalGap, cpuUsage, cycleTimeMs float64) error {
	body := rpc.EncodeRuntimeNotifyBody(rpc.RuntimeNotifyBody{GoalGap: goalGap, CPUUsage: cpuUsage, CycleTimeMs: cycleTimeMs})
	return c.sendOneWay(rpc.MsgRuntimeNotify, body)
}

// RequestSchedule asks the scheduler invoker to run an extra round without
// reporting a profile change (e.g. after a constraint edit the manager
// doesn't otherwise watch).
func (c *Client) RequestSchedule() error {
	return c.sendOneWay(rpc.MsgScheduleRequest, nil)
}

// GetWorkingMode blocks until the manager assigns this EXC an AWM, or
// returns ErrBlocked/ErrDisabled if scheduling can't proceed, or ctx
// expires.
func (c *Client) GetWorkingMode(ctx context.Context) (*types.AWM, error) {
	token := c.outboundTokens.Next()
	wait := c.pending.Await(token)

	frame := rpc.Frame{MessageType: rpc.MsgStart, Header: c.header(rpc.MsgStart, token)}
	if err := c.send(frame); err != nil {
		c.pending.Cancel(token)
		return nil, err
	}

	select {
	case reply := <-wait:
		body, err := rpc.DecodeWorkingModeBody(reply.Body)
		if err != nil {
			return nil, err
		}
		switch body.Status {
		case rpc.WorkingModeOK:
			return &types.AWM{ID: int(body.AWMID), Resources: body.Assignment}, nil
		case rpc.WorkingModeBlocked:
			return nil, rtrmerrors.ErrBlocked
		case rpc.WorkingModeDisabled:
			return nil, rtrmerrors.ErrDisabled
		default:
			return nil, fmt.Errorf("rtlib: get working mode: manager reported an error")
		}
	case <-ctx.Done():
		c.pending.Cancel(token)
		return nil, ctx.Err()
	}
}

// Close tears down both halves of the FIFO pair.
func (c *Client) Close() error {
	errIn := c.in.Close()
	errOut := c.out.Close()
	if errIn != nil {
		return errIn
	}
	return errOut
}

// readLoop drains the manager->app FIFO, answering phase calls through the
// Handler and routing replies to whatever is Awaiting their token.
func (c *Client) readLoop() {
	for {
		frame, err := rpc.DecodeFrame(c.out)
		if err != nil {
			c.logger.Debug().Err(err).Msg("channel closed")
			return
		}
		// A MsgResponse carries this client's own request token and is
		// matched through c.pending, not checked against the manager's
		// request sequence.
		if frame.MessageType != rpc.MsgResponse {
			if err := c.inboundTokens.Validate(frame.Header.Token); err != nil {
				c.logger.Warn().Err(err).Msg("protocol error from manager, closing")
				return
			}
		}

		switch frame.MessageType {
		case rpc.MsgPreChange:
			go c.handlePreChange(frame)
		case rpc.MsgSyncChange:
			go c.handleSyncChange(frame)
		case rpc.MsgDoChange:
			go c.handleDoChange(frame)
		case rpc.MsgPostChange:
			go c.handlePostChange(frame)
		case rpc.MsgResponse:
			if !c.pending.Deliver(frame) {
				c.logger.Debug().Uint32("token", frame.Header.Token).Msg("response for unknown token dropped")
			}
		default:
			c.logger.Warn().Int("type", int(frame.MessageType)).Msg("unknown message type, ignoring")
		}
	}
}

func (c *Client) handlePreChange(frame rpc.Frame) {
	body, err := rpc.DecodePreChangeBody(frame.Body)
	if err != nil {
		c.logger.Warn().Err(err).Msg("pre_change: malformed body")
		return
	}
	estimate, err := c.handler.PreChange(context.Background(), int(body.AWMID), body.Assignment)
	if err != nil {
		c.logger.Warn().Err(err).Msg("pre_change: handler failed")
	}
	reply := rpc.Frame{
		MessageType: rpc.MsgResponse,
		Header:      rpc.Header{MessageType: uint8(rpc.MsgResponse), Token: frame.Header.Token, AppPid: uint32(c.pid), ExcID: c.excID.ExcNum},
		Body:        rpc.EncodePreChangeAckBody(rpc.PreChangeAckBody{EstimateMs: uint32(estimate.Milliseconds())}),
	}
	if err := c.send(reply); err != nil {
		c.logger.Warn().Err(err).Msg("pre_change: reply failed")
	}
}

func (c *Client) handleSyncChange(frame rpc.Frame) {
	ok, err := c.handler.SyncChange(context.Background())
	reply := rpc.Frame{
		MessageType: rpc.MsgResponse,
		Header:      rpc.Header{MessageType: uint8(rpc.MsgResponse), Token: frame.Header.Token, AppPid: uint32(c.pid), ExcID: c.excID.ExcNum},
		Body:        rpc.EncodeResponseBody(ok && err == nil),
	}
	if sendErr := c.send(reply); sendErr != nil {
		c.logger.Warn().Err(sendErr).Msg("sync_change: reply failed")
	}
}

func (c *Client) handleDoChange(frame rpc.Frame) {
	if err := c.handler.DoChange(context.Background()); err != nil {
		c.logger.Warn().Err(err).Msg("do_change: handler failed")
	}
}

func (c *Client) handlePostChange(frame rpc.Frame) {
	err := c.handler.PostChange(context.Background())
	c.ReconfigurationCompleted()
	reply := rpc.Frame{
		MessageType: rpc.MsgResponse,
		Header:      rpc.Header{MessageType: uint8(rpc.MsgResponse), Token: frame.Header.Token, AppPid: uint32(c.pid), ExcID: c.excID.ExcNum},
		Body:        rpc.EncodeResponseBody(err == nil),
	}
	if sendErr := c.send(reply); sendErr != nil {
		c.logger.Warn().Err(sendErr).Msg("post_change: reply failed")
	}
}
