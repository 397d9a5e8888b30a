package scheduler

import (
	"context"
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	"github.com/cuemby/rtrm/pkg/appmanager"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/cuemby/rtrm/pkg/metrics"
	rtrmsync "github.com/cuemby/rtrm/pkg/sync"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/rs/zerolog"
)

// EventKind identifies what woke the invoker's loop for one event.
type EventKind string

const (
	EventRegister          EventKind = "register"
	EventUnregister        EventKind = "unregister"
	EventRefresh           EventKind = "refresh"
	EventConstraintChanged EventKind = "constraint_changed"
	EventRuntimeNotify     EventKind = "runtime_notify"
	EventTimer             EventKind = "timer"
)

// Event is one occurrence the invoker coalesces into its next round.
type Event struct {
	Kind  EventKind
	ExcID types.ExcID
}

// Invoker is the single-threaded Scheduler Invoker event loop: it
// coalesces bursts of events into one round each, and drives the
// application manager, accountant, and synchronization manager together.
type Invoker struct {
	apps    *appmanager.Manager
	acct    *accountant.Accountant
	syncMgr *rtrmsync.Manager
	policy  Policy

	tick time.Duration

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	logger zerolog.Logger
}

// NewInvoker builds an Invoker. tick is the Timer event period; it bounds
// how long a policy-relevant change can wait before the invoker notices it
// even with no other event arriving.
func NewInvoker(apps *appmanager.Manager, acct *accountant.Accountant, syncMgr *rtrmsync.Manager, policy Policy, tick time.Duration) *Invoker {
	return &Invoker{
		apps:    apps,
		acct:    acct,
		syncMgr: syncMgr,
		policy:  policy,
		tick:    tick,
		events:  make(chan Event, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  log.WithComponent("scheduler"),
	}
}

// Notify enqueues an event for the next round. It never blocks: a full
// queue only means a round is already overdue, and the next round
// re-snapshots every EXC regardless of which one triggered it.
func (inv *Invoker) Notify(ev Event) {
	select {
	case inv.events <- ev:
	default:
		inv.logger.Warn().Str("kind", string(ev.Kind)).Msg("event queue full, dropping event (next round still covers it)")
	}
}

// Run drives the loop until ctx is canceled or Stop is called. Call it
// from its own goroutine.
func (inv *Invoker) Run(ctx context.Context) {
	defer close(inv.done)

	ticker := time.NewTicker(inv.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-inv.stop:
			return
		case <-ticker.C:
			inv.drainAndRound(ctx)
		case <-inv.events:
			inv.drainAndRound(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (inv *Invoker) Stop() {
	close(inv.stop)
	<-inv.done
}

// drainAndRound absorbs every event already queued, coalescing a burst of
// Register/ConstraintChanged/RuntimeNotify calls into the single round
// that follows, then runs exactly one round.
func (inv *Invoker) drainAndRound(ctx context.Context) {
	for {
		select {
		case <-inv.events:
		default:
			inv.runRound(ctx)
			return
		}
	}
}

// runRound freezes a snapshot, passes the enabled READY, SCHEDULING and
// BLOCKED EXCs to the policy, and hands every EXC it placed to the
// synchronization manager, whether or not its AWM changed.
func (inv *Invoker) runRound(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.SchedulingRoundsTotal.Inc()

	snapshot := inv.apps.Snapshot()

	var pending []*types.ExecutionContext
	for _, exc := range snapshot {
		if exc.Disabled {
			continue
		}
		switch exc.State {
		case types.ExcReady, types.ExcScheduling, types.ExcBlocked:
			pending = append(pending, exc)
		}
	}
	if len(pending) == 0 {
		return
	}

	for _, exc := range pending {
		if exc.State == types.ExcReady {
			if err := inv.apps.BeginScheduling(exc.ID); err != nil {
				inv.logger.Warn().Err(err).Str("exc", exc.ID.String()).Msg("begin scheduling failed")
			}
		}
	}

	available := types.ResourceAssignmentMap{}
	for _, r := range inv.acct.All() {
		path := r.Path.String()
		available[path] = inv.acct.Available(path)
	}

	decisions := inv.policy.Schedule(Snapshot{Excs: pending, Available: available})

	token, err := inv.acct.MakeView(accountant.ScheduledView)
	if err != nil {
		inv.logger.Error().Err(err).Msg("make scheduled view failed")
		return
	}

	participants := make([]rtrmsync.Participant, 0, len(decisions))
	for _, d := range decisions {
		if d.AWM == nil {
			if err := inv.apps.CompleteSync(d.ExcID, appmanager.SyncBlocked, nil); err != nil {
				inv.logger.Warn().Err(err).Str("exc", d.ExcID.String()).Msg("complete sync (blocked) failed")
			}
			metrics.ExcsRejected.WithLabelValues("no_fit").Inc()
			continue
		}

		if err := inv.acct.BookResources(token, d.ExcID, d.AWM.Resources, false); err != nil {
			inv.logger.Warn().Err(err).Str("exc", d.ExcID.String()).Msg("booking failed, blocking")
			_ = inv.apps.CompleteSync(d.ExcID, appmanager.SyncBlocked, nil)
			metrics.ExcsRejected.WithLabelValues("booking_failed").Inc()
			continue
		}

		if err := inv.apps.AssignNextAWM(d.ExcID, d.AWM); err != nil {
			inv.logger.Warn().Err(err).Str("exc", d.ExcID.String()).Msg("assign next awm failed")
			continue
		}

		participants = append(participants, rtrmsync.Participant{
			ExcID:           d.ExcID,
			NextAWM:         d.AWM,
			Assignment:      d.AWM.Resources,
			ConfigTimeEstMs: d.AWM.ConfigTimeEstMs,
			Exc:             findExc(pending, d.ExcID),
		})
	}

	if len(participants) == 0 {
		return
	}

	outcomes := inv.syncMgr.Run(ctx, token, participants)

	for _, p := range participants {
		outcome, ok := outcomes[p.ExcID]
		if !ok {
			continue
		}
		var result appmanager.SyncResult
		switch outcome {
		case rtrmsync.OutcomeRunning, rtrmsync.OutcomeOverrun:
			result = appmanager.SyncRunning
		case rtrmsync.OutcomeUnresponsive, rtrmsync.OutcomeNotQuiescent:
			result = appmanager.SyncDeferred
		default: // OutcomeQuarantined
			result = appmanager.SyncBlocked
		}
		if err := inv.apps.CompleteSync(p.ExcID, result, p.Assignment); err != nil {
			inv.logger.Warn().Err(err).Str("exc", p.ExcID.String()).Msg("complete sync failed")
			continue
		}
		metrics.ExcsScheduled.Inc()
	}
}

func findExc(excs []*types.ExecutionContext, id types.ExcID) *types.ExecutionContext {
	for _, e := range excs {
		if e.ID == id {
			return e
		}
	}
	return nil
}
