package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/rtrm/pkg/appmanager"
	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/cuemby/rtrm/pkg/metrics"
	"github.com/cuemby/rtrm/pkg/scheduler"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server is the manager-side RPC dispatcher. It accepts application
// pairings, runs one reader goroutine per peer (per-application reader
// thread, in the design's terms), and turns application-originated
// messages into appmanager/Invoker calls. It also implements
// sync.Transport, sending manager-originated phase messages to the right
// peer and matching replies by token.
type Server struct {
	mu    sync.RWMutex
	peers map[int]*peerState

	apps    *appmanager.Manager
	invoker *scheduler.Invoker

	logger zerolog.Logger
}

type peerState struct {
	peer    *Peer
	session string // uuid, ties a pairing's log lines together
	tokens  TokenSequencer
	pending *PendingResponses
}

// NewServer builds a Server over the given application manager. The
// scheduler invoker is wired in separately via SetInvoker, since the
// invoker's synchronization manager takes the Server itself as its
// sync.Transport: the two cannot be constructed in a single step.
func NewServer(apps *appmanager.Manager) *Server {
	return &Server{
		peers:  make(map[int]*peerState),
		apps:   apps,
		logger: log.WithComponent("rpc"),
	}
}

// SetInvoker wires the scheduler invoker the server notifies whenever an
// application-originated message changes scheduling-relevant state. Must
// be called once, before Serve.
func (s *Server) SetInvoker(invoker *scheduler.Invoker) {
	s.invoker = invoker
}

// Serve accepts pairings from listener until ctx is canceled or Accept
// fails permanently.
func (s *Server) Serve(ctx context.Context, listener *Listener) error {
	for {
		peer, err := listener.Accept(ctx)
		if err != nil {
			return err
		}
		ps := s.addPeer(peer)
		go s.readLoop(ctx, ps)
	}
}

func (s *Server) addPeer(peer *Peer) *peerState {
	ps := &peerState{peer: peer, session: uuid.NewString(), pending: NewPendingResponses()}

	s.mu.Lock()
	s.peers[peer.AppPid] = ps
	s.mu.Unlock()

	s.logger.Info().Int("app_pid", peer.AppPid).Str("session", ps.session).Msg("application paired")
	return ps
}

func (s *Server) removePeer(pid int) {
	s.mu.Lock()
	ps, ok := s.peers[pid]
	delete(s.peers, pid)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = ps.peer.Close()

	finished := s.apps.UnregisterApplication(pid)
	for _, id := range finished {
		s.invoker.Notify(scheduler.Event{Kind: scheduler.EventUnregister, ExcID: id})
	}
	s.logger.Warn().Int("app_pid", pid).Str("session", ps.session).Msg("application death detected, fifo closed")
}

func (s *Server) lookupPeer(pid int) (*peerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.peers[pid]
	return ps, ok
}

// readLoop drains one application's inbound FIFO until it errors (EOF on
// application death, or a protocol error that terminates the stream).
func (s *Server) readLoop(ctx context.Context, ps *peerState) {
	defer s.removePeer(ps.peer.AppPid)
	for {
		frame, err := ps.peer.Recv()
		if err != nil {
			return
		}
		metrics.RPCMessagesTotal.WithLabelValues(msgTypeLabel(frame.MessageType), "inbound").Inc()
		s.dispatch(ctx, ps, frame)
	}
}

func (s *Server) dispatch(ctx context.Context, ps *peerState, frame Frame) {
	// A reply carries the token of the manager request it answers, so it is
	// matched through ps.pending below rather than checked against the
	// application's own request sequence.
	isReply := false
	switch frame.MessageType {
	case MsgPreChange, MsgSyncChange, MsgDoChange, MsgPostChange, MsgResponse:
		isReply = true
	}
	if !isReply {
		if err := ps.tokens.Validate(frame.Header.Token); err != nil {
			s.logger.Warn().Err(err).Int("app_pid", ps.peer.AppPid).Msg("protocol error, terminating stream")
			_ = ps.peer.Close()
			return
		}
	}

	excID := types.ExcID{Pid: int(frame.Header.AppPid), ExcNum: frame.Header.ExcID}

	switch frame.MessageType {
	case MsgRegister:
		s.handleRegister(excID, frame)
	case MsgUnregister:
		s.handleUnregister(excID)
	case MsgStart:
		go s.handleStart(ctx, ps, excID, frame.Header.Token)
	case MsgStop:
		s.handleStop(excID)
	case MsgSetConstraint:
		s.handleSetConstraint(excID, frame)
	case MsgClearConstraint:
		_ = s.apps.ClearAWMConstraints(excID)
	case MsgRuntimeNotify:
		s.handleRuntimeNotify(excID, frame)
	case MsgScheduleRequest:
		s.invoker.Notify(scheduler.Event{Kind: scheduler.EventRefresh, ExcID: excID})
	case MsgPreChange, MsgSyncChange, MsgDoChange, MsgPostChange, MsgResponse:
		if !ps.pending.Deliver(frame) {
			s.logger.Debug().Uint32("token", frame.Header.Token).Msg("response for unknown token dropped")
		}
	default:
		s.logger.Warn().Int("type", int(frame.MessageType)).Msg("unknown message type, ignoring")
	}
}

func (s *Server) handleRegister(excID types.ExcID, frame Frame) {
	body, err := DecodeRegisterBody(frame.Body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("register: malformed body")
		return
	}
	if err := s.apps.Register(excID.Pid, excID, body.Name, body.RecipeName, body.Language, int(body.Priority), ""); err != nil {
		s.logger.Warn().Err(err).Str("exc", excID.String()).Msg("register failed")
		return
	}
	s.invoker.Notify(scheduler.Event{Kind: scheduler.EventRegister, ExcID: excID})
}

// handleStart answers a Start message (the application's GetWorkingMode
// call) once the EXC reaches RUNNING, BLOCKED, or FINISHED/disabled; it
// runs on its own goroutine since the manager-side call blocks.
func (s *Server) handleStart(ctx context.Context, ps *peerState, excID types.ExcID, token uint32) {
	awm, err := s.apps.GetWorkingMode(ctx, excID)

	body := WorkingModeBody{Assignment: types.ResourceAssignmentMap{}}
	switch {
	case err == nil:
		body.Status = WorkingModeOK
		body.AWMID = int32(awm.ID)
		body.Assignment = awm.Resources
	case errors.Is(err, rtrmerrors.ErrBlocked):
		body.Status = WorkingModeBlocked
	case errors.Is(err, rtrmerrors.ErrDisabled):
		body.Status = WorkingModeDisabled
	default:
		body.Status = WorkingModeError
	}

	reply := Frame{
		MessageType: MsgResponse,
		Header:      Header{MessageType: uint8(MsgResponse), Token: token, AppPid: uint32(excID.Pid), ExcID: excID.ExcNum},
		Body:        EncodeWorkingModeBody(body),
	}
	if sendErr := ps.peer.Send(reply); sendErr != nil {
		s.logger.Warn().Err(sendErr).Str("exc", excID.String()).Msg("start: send reply failed")
	}
}

func (s *Server) handleUnregister(excID types.ExcID) {
	_ = s.apps.Unregister(excID)
	s.invoker.Notify(scheduler.Event{Kind: scheduler.EventUnregister, ExcID: excID})
}

func (s *Server) handleStop(excID types.ExcID) {
	_ = s.apps.Disable(excID)
	s.invoker.Notify(scheduler.Event{Kind: scheduler.EventRefresh, ExcID: excID})
}

func (s *Server) handleSetConstraint(excID types.ExcID, frame Frame) {
	c, err := DecodeConstraintBody(frame.Body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("set_constraint: malformed body")
		return
	}
	if err := s.apps.SetAWMConstraint(excID, c); err != nil {
		s.logger.Warn().Err(err).Str("exc", excID.String()).Msg("set constraint failed")
		return
	}
	s.invoker.Notify(scheduler.Event{Kind: scheduler.EventConstraintChanged, ExcID: excID})
}

func (s *Server) handleRuntimeNotify(excID types.ExcID, frame Frame) {
	body, err := DecodeRuntimeNotifyBody(frame.Body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("runtime_notify: malformed body")
		return
	}
	if err := s.apps.NotifyRuntimeProfile(excID, body.GoalGap, body.CPUUsage, body.CycleTimeMs); err != nil {
		s.logger.Warn().Err(err).Str("exc", excID.String()).Msg("notify runtime profile failed")
		return
	}
	s.invoker.Notify(scheduler.Event{Kind: scheduler.EventRuntimeNotify, ExcID: excID})
}

// roundTrip sends a manager-originated frame to excID's peer and waits
// either for a matching reply or for ctx to expire.
func (s *Server) roundTrip(ctx context.Context, excID types.ExcID, msgType MessageType, body []byte) (Frame, error) {
	ps, ok := s.lookupPeer(excID.Pid)
	if !ok {
		return Frame{}, fmt.Errorf("roundtrip %s: no peer: %w", excID, rtrmerrors.ErrProtocolError)
	}

	token := ps.tokens.Next()
	wait := ps.pending.Await(token)

	frame := Frame{
		MessageType: msgType,
		Header:      Header{MessageType: uint8(msgType), Token: token, AppPid: uint32(excID.Pid), ExcID: excID.ExcNum},
		Body:        body,
	}
	if err := ps.peer.Send(frame); err != nil {
		ps.pending.Cancel(token)
		return Frame{}, err
	}
	metrics.RPCMessagesTotal.WithLabelValues(msgTypeLabel(msgType), "outbound").Inc()

	select {
	case reply := <-wait:
		return reply, nil
	case <-ctx.Done():
		ps.pending.Cancel(token)
		return Frame{}, ctx.Err()
	}
}

// PreChange implements sync.Transport.
func (s *Server) PreChange(ctx context.Context, excID types.ExcID, awm *types.AWM, assignment types.ResourceAssignmentMap) (time.Duration, error) {
	body := EncodePreChangeBody(PreChangeBody{AWMID: int32(awm.ID), Assignment: assignment})
	reply, err := s.roundTrip(ctx, excID, MsgPreChange, body)
	if err != nil {
		return 0, err
	}
	ack, err := DecodePreChangeAckBody(reply.Body)
	if err != nil {
		return 0, err
	}
	return time.Duration(ack.EstimateMs) * time.Millisecond, nil
}

// SyncChange implements sync.Transport.
func (s *Server) SyncChange(ctx context.Context, excID types.ExcID) (bool, error) {
	reply, err := s.roundTrip(ctx, excID, MsgSyncChange, nil)
	if err != nil {
		return false, err
	}
	resp, err := DecodeResponseBody(reply.Body)
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// DoChange implements sync.Transport. It is a one-way notification; the
// design does not require an acknowledgement for Phase 3.
func (s *Server) DoChange(ctx context.Context, excID types.ExcID) error {
	ps, ok := s.lookupPeer(excID.Pid)
	if !ok {
		return fmt.Errorf("do_change %s: no peer: %w", excID, rtrmerrors.ErrProtocolError)
	}
	frame := Frame{
		MessageType: MsgDoChange,
		Header:      Header{MessageType: uint8(MsgDoChange), Token: ps.tokens.Next(), AppPid: uint32(excID.Pid), ExcID: excID.ExcNum},
	}
	if err := ps.peer.Send(frame); err != nil {
		return err
	}
	metrics.RPCMessagesTotal.WithLabelValues(msgTypeLabel(MsgDoChange), "outbound").Inc()
	return nil
}

// PostChange implements sync.Transport.
func (s *Server) PostChange(ctx context.Context, excID types.ExcID) error {
	_, err := s.roundTrip(ctx, excID, MsgPostChange, nil)
	return err
}

func msgTypeLabel(t MessageType) string {
	switch t {
	case MsgAppPair:
		return "app_pair"
	case MsgRegister:
		return "register"
	case MsgUnregister:
		return "unregister"
	case MsgStart:
		return "start"
	case MsgStop:
		return "stop"
	case MsgSetConstraint:
		return "set_constraint"
	case MsgClearConstraint:
		return "clear_constraint"
	case MsgRuntimeNotify:
		return "runtime_notify"
	case MsgScheduleRequest:
		return "schedule_request"
	case MsgPreChange:
		return "pre_change"
	case MsgSyncChange:
		return "sync_change"
	case MsgDoChange:
		return "do_change"
	case MsgPostChange:
		return "post_change"
	case MsgStopExecution:
		return "stop_execution"
	case MsgGetProfile:
		return "get_profile"
	case MsgResponse:
		return "response"
	default:
		return "unknown"
	}
}
