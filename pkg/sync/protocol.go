package sync

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/cuemby/rtrm/pkg/metrics"
	"github.com/cuemby/rtrm/pkg/platform"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/rs/zerolog"
)

// Slack is added to a recipe's declared configuration-time estimate to
// derive each phase's per-participant deadline. cmd/rtrmd overrides it at
// startup from pkg/config.Config.SyncSlack; tests run with the default.
var Slack = 50 * time.Millisecond

// Transport is what the synchronization manager needs from the RPC layer:
// send a phase message to a participant and wait for its reply, or time
// out. Production code satisfies this with pkg/rpc; tests use a fake.
type Transport interface {
	// PreChange proposes awm/assignment and returns the participant's
	// non-binding latency estimate.
	PreChange(ctx context.Context, excID types.ExcID, awm *types.AWM, assignment types.ResourceAssignmentMap) (time.Duration, error)
	// SyncChange commands the participant to quiesce; ok=false means
	// NotQuiescent, not a transport failure.
	SyncChange(ctx context.Context, excID types.ExcID) (ok bool, err error)
	// DoChange is a one-way notification; no reply is awaited.
	DoChange(ctx context.Context, excID types.ExcID) error
	// PostChange waits for the participant's resume acknowledgement.
	PostChange(ctx context.Context, excID types.ExcID) error
}

// Outcome classifies how a participant's round ended.
type Outcome string

const (
	OutcomeRunning       Outcome = "running"       // actuated and acknowledged
	OutcomeUnresponsive  Outcome = "unresponsive"   // missed Phase 1 deadline
	OutcomeNotQuiescent  Outcome = "not_quiescent"  // Phase 2 refusal or timeout; stays on current AWM
	OutcomeQuarantined   Outcome = "quarantined"    // Phase 3 actuation failure
	OutcomeOverrun       Outcome = "overrun"        // Phase 4 timeout; non-fatal, stays RUNNING
)

// Participant is one EXC taking part in a round.
type Participant struct {
	ExcID           types.ExcID
	NextAWM         *types.AWM
	Assignment      types.ResourceAssignmentMap
	Exclusive       bool
	ConfigTimeEstMs int
	Exc             *types.ExecutionContext
}

func (p Participant) deadline() time.Duration {
	return time.Duration(p.ConfigTimeEstMs)*time.Millisecond + Slack
}

// Manager runs synchronization rounds over a Transport, an Accountant
// whose scheduled view holds the policy's tentative bookings, and a
// platform.Proxy that actuates the winning assignments.
type Manager struct {
	transport  Transport
	accountant *accountant.Accountant
	proxy      platform.Proxy
	logger     zerolog.Logger
}

// NewManager builds a synchronization Manager.
func NewManager(transport Transport, acct *accountant.Accountant, proxy platform.Proxy) *Manager {
	return &Manager{
		transport:  transport,
		accountant: acct,
		proxy:      proxy,
		logger:     log.WithComponent("sync"),
	}
}

// Run executes one full four-phase round over participants, whose
// bookings must already be committed into the view addressed by token.
// It returns each participant's outcome, keyed by EXC id.
func (m *Manager) Run(ctx context.Context, token accountant.ViewToken, participants []Participant) map[types.ExcID]Outcome {
	outcomes := make(map[types.ExcID]Outcome, len(participants))

	responsive := m.phasePreChange(ctx, participants, outcomes)
	quiescent := m.phaseSyncChange(ctx, responsive, outcomes)

	if len(quiescent) == 0 {
		return outcomes
	}

	if len(quiescent) != len(participants) {
		stillIn := make(map[types.ExcID]bool, len(quiescent))
		for _, p := range quiescent {
			stillIn[p.ExcID] = true
		}
		for _, p := range participants {
			if !stillIn[p.ExcID] {
				if err := m.accountant.Unbook(token, p.ExcID); err != nil {
					m.logger.Warn().Err(err).Str("exc", p.ExcID.String()).Msg("unbook dropped participant failed")
				}
			}
		}
	}

	if err := m.accountant.PromoteView(token); err != nil {
		m.logger.Error().Err(err).Msg("promote view failed; round aborted")
		for _, p := range quiescent {
			outcomes[p.ExcID] = OutcomeNotQuiescent
		}
		return outcomes
	}

	actuated := m.phaseDoChange(ctx, quiescent, outcomes)
	m.phasePostChange(ctx, actuated, outcomes)

	return outcomes
}

func (m *Manager) phasePreChange(ctx context.Context, participants []Participant, outcomes map[types.ExcID]Outcome) []Participant {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SyncRoundDuration, "pre_change")

	var mu sync.Mutex
	var responsive []Participant
	var wg sync.WaitGroup

	for _, p := range participants {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, p.deadline())
			defer cancel()
			_, err := m.transport.PreChange(pctx, p.ExcID, p.NextAWM, p.Assignment)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes[p.ExcID] = OutcomeUnresponsive
				metrics.SyncRoundsFailedTotal.WithLabelValues("pre_change").Inc()
				return
			}
			responsive = append(responsive, p)
		}()
	}
	wg.Wait()
	return responsive
}

func (m *Manager) phaseSyncChange(ctx context.Context, participants []Participant, outcomes map[types.ExcID]Outcome) []Participant {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SyncRoundDuration, "sync_change")

	var mu sync.Mutex
	var quiescent []Participant
	var wg sync.WaitGroup

	for _, p := range participants {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, p.deadline())
			defer cancel()
			ok, err := m.transport.SyncChange(pctx, p.ExcID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || !ok {
				outcomes[p.ExcID] = OutcomeNotQuiescent
				metrics.SyncRoundsFailedTotal.WithLabelValues("sync_change").Inc()
				return
			}
			quiescent = append(quiescent, p)
		}()
	}
	wg.Wait()
	return quiescent
}

// phaseDoChange is intentionally sequential across participants: the
// component design requires Phase 3 to be totally ordered with respect to
// Phase 2 as a whole (enforced above, by waiting for all of Phase 2 first),
// but within Phase 3 participants are actuated one at a time so a single
// accountant promotion covers the entire batch.
func (m *Manager) phaseDoChange(ctx context.Context, participants []Participant, outcomes map[types.ExcID]Outcome) []Participant {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SyncRoundDuration, "do_change")

	var actuated []Participant
	for _, p := range participants {
		if err := m.proxy.Setup(p.Exc); err != nil {
			m.logger.Warn().Err(err).Str("exc", p.ExcID.String()).Msg("setup failed, quarantining")
			_ = m.proxy.ReclaimResources(p.Exc)
			outcomes[p.ExcID] = OutcomeQuarantined
			metrics.SyncRoundsFailedTotal.WithLabelValues("do_change").Inc()
			continue
		}
		if err := m.proxy.MapResources(p.Exc, p.Assignment, p.Exclusive); err != nil {
			m.logger.Warn().Err(err).Str("exc", p.ExcID.String()).Msg("actuation failed, quarantining")
			_ = m.proxy.ReclaimResources(p.Exc)
			outcomes[p.ExcID] = OutcomeQuarantined
			metrics.SyncRoundsFailedTotal.WithLabelValues("do_change").Inc()
			continue
		}
		if err := m.transport.DoChange(ctx, p.ExcID); err != nil {
			m.logger.Warn().Err(err).Str("exc", p.ExcID.String()).Msg("do_change notify failed")
		}
		actuated = append(actuated, p)
	}
	return actuated
}

func (m *Manager) phasePostChange(ctx context.Context, participants []Participant, outcomes map[types.ExcID]Outcome) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SyncRoundDuration, "post_change")

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range participants {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, p.deadline())
			defer cancel()
			err := m.transport.PostChange(pctx, p.ExcID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Warn().Str("exc", p.ExcID.String()).Msg("reconfiguration overrun")
				outcomes[p.ExcID] = OutcomeOverrun
				metrics.SyncRoundsFailedTotal.WithLabelValues("post_change").Inc()
				return
			}
			outcomes[p.ExcID] = OutcomeRunning
		}()
	}
	wg.Wait()
}
