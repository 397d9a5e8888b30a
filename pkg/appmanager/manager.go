package appmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/events"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/cuemby/rtrm/pkg/metrics"
	"github.com/cuemby/rtrm/pkg/platform"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/rs/zerolog"
)

// SyncResult classifies how a synchronization round ended for one
// participant, as reported by the scheduler invoker to CompleteSync.
type SyncResult int

const (
	// SyncRunning actuated successfully: NextAWM is promoted to CurrentAWM.
	SyncRunning SyncResult = iota
	// SyncDeferred means the round dropped the participant before Phase 3
	// (Unresponsive or NotQuiescent): it never lost its placement, so it
	// returns to RUNNING on whatever AWM it already held, if any, and
	// otherwise falls back to BLOCKED.
	SyncDeferred
	// SyncBlocked means the EXC could not be placed at all (no fit, booking
	// failure) or was quarantined after actuation: it has no usable AWM.
	SyncBlocked
)

// excEntry is the manager's private wrapper around an EXC: the domain
// object plus the broadcast channel GetWorkingMode waiters block on.
type excEntry struct {
	exc   *types.ExecutionContext
	ready chan struct{} // closed and replaced whenever exc's externally-visible state changes
}

func newEntry(exc *types.ExecutionContext) *excEntry {
	return &excEntry{exc: exc, ready: make(chan struct{})}
}

func (e *excEntry) wake() {
	close(e.ready)
	e.ready = make(chan struct{})
}

// Manager owns every Application and ExecutionContext in the daemon. It
// is the only package that mutates *types.ExecutionContext fields; callers
// elsewhere pass around types.ExcID and call back in through here.
type Manager struct {
	mu sync.RWMutex

	minRecipeVersion int
	recipes          map[string]*types.Recipe
	apps             map[int]*types.Application
	excs             map[types.ExcID]*excEntry

	acct   *accountant.Accountant
	proxy  platform.Proxy
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a Manager. minRecipeVersion rejects Register calls naming a
// recipe whose Version is lower. acct and proxy are released on behalf of
// an EXC that reaches FINISHED; either may be nil in tests that do not
// exercise the release path.
func New(minRecipeVersion int, broker *events.Broker, acct *accountant.Accountant, proxy platform.Proxy) *Manager {
	return &Manager{
		minRecipeVersion: minRecipeVersion,
		recipes:          make(map[string]*types.Recipe),
		apps:             make(map[int]*types.Application),
		excs:             make(map[types.ExcID]*excEntry),
		acct:             acct,
		proxy:            proxy,
		broker:           broker,
		logger:           log.WithComponent("appmanager"),
	}
}

// release gives exc's booked resources and platform cgroup back, the only
// path by which a FINISHED EXC's state leaves the accountant's active view
// and the proxy's control set.
func (m *Manager) release(exc *types.ExecutionContext) {
	if m.acct != nil {
		m.acct.UnbookActive(exc.ID)
	}
	if m.proxy != nil {
		if err := m.proxy.Release(exc); err != nil {
			m.logger.Warn().Err(err).Str("exc", exc.ID.String()).Msg("platform release failed")
		}
	}
}

// LoadRecipe makes a recipe available for future Register calls. Recipes
// are supplied by whatever consumes the on-disk recipe format; parsing
// that format is out of scope here (see SPEC_FULL §10.3).
func (m *Manager) LoadRecipe(recipe *types.Recipe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipes[recipe.Name] = recipe
}

// Register creates a new EXC owned by the application at pid. It computes
// the enabled-AWM bitset from the recipe's static constraints and
// transitions NEW -> READY.
func (m *Manager) Register(pid int, excID types.ExcID, name, recipeName, language string, priority int, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.excs[excID]; exists {
		return fmt.Errorf("register %s: %w", excID, rtrmerrors.ErrAlreadyRegistered)
	}

	recipe, ok := m.recipes[recipeName]
	if !ok {
		return fmt.Errorf("register %s: recipe %q: %w", excID, recipeName, rtrmerrors.ErrRecipeNotFound)
	}
	if recipe.Version < m.minRecipeVersion {
		return fmt.Errorf("register %s: recipe %q version %d < minimum %d: %w",
			excID, recipeName, recipe.Version, m.minRecipeVersion, rtrmerrors.ErrRecipeVersionMismatch)
	}

	if _, ok := m.apps[pid]; !ok {
		m.apps[pid] = &types.Application{PID: pid, Name: name, Priority: priority, User: user, CreatedAt: time.Now()}
	}

	exc := &types.ExecutionContext{
		ID:          excID,
		Name:        name,
		Recipe:      recipe,
		EnabledAWMs: enabledAWMSet(recipe, nil),
		State:       types.ExcNew,
		Language:    language,
		CreatedAt:   time.Now(),
	}
	transition(exc, types.ExcReady)

	m.excs[excID] = newEntry(exc)

	metrics.ExcsTotal.WithLabelValues(string(types.ExcReady)).Inc()
	m.publish(events.EventExcRegistered, excID, "execution context registered")
	return nil
}

// Unregister transitions an EXC to FINISHED and releases its booked
// resources and platform cgroup: only FINISHED ever gives resources back
// to the accountant.
func (m *Manager) Unregister(excID types.ExcID) error {
	m.mu.Lock()
	entry, ok := m.excs[excID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	oldState := entry.exc.State
	exc := entry.exc
	transition(exc, types.ExcFinished)
	entry.wake()
	delete(m.excs, excID)
	m.mu.Unlock()

	m.release(exc)

	metrics.ExcsTotal.WithLabelValues(string(oldState)).Dec()
	metrics.ExcsTotal.WithLabelValues(string(types.ExcFinished)).Inc()
	m.publish(events.EventExcStateChanged, excID, "unregistered")
	return nil
}

// UnregisterApplication finishes every EXC owned by pid, used on
// application-death detection (FIFO EOF), and releases each one's booked
// resources and platform cgroup.
func (m *Manager) UnregisterApplication(pid int) []types.ExcID {
	m.mu.Lock()
	var finished []types.ExcID
	var toRelease []*types.ExecutionContext
	for id, entry := range m.excs {
		if id.Pid != pid {
			continue
		}
		transition(entry.exc, types.ExcFinished)
		entry.wake()
		toRelease = append(toRelease, entry.exc)
		delete(m.excs, id)
		finished = append(finished, id)
	}
	delete(m.apps, pid)
	m.mu.Unlock()

	for _, exc := range toRelease {
		m.release(exc)
	}

	for _, id := range finished {
		m.publish(events.EventApplicationDied, id, "application death detected")
	}
	return finished
}

// Enable clears Disabled, making the EXC eligible for scheduling again.
func (m *Manager) Enable(excID types.ExcID) error {
	return m.setDisabled(excID, false)
}

// Disable marks the EXC ineligible; if it is RUNNING it is forced to
// BLOCKED on the next sync round by the scheduler invoker, and any blocked
// GetWorkingMode waiter is woken with ErrDisabled.
func (m *Manager) Disable(excID types.ExcID) error {
	return m.setDisabled(excID, true)
}

func (m *Manager) setDisabled(excID types.ExcID, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.excs[excID]
	if !ok {
		return fmt.Errorf("%s: %w", excID, rtrmerrors.ErrRecipeNotFound)
	}
	entry.exc.Disabled = disabled
	entry.wake()
	return nil
}

// GetWorkingMode blocks until excID reaches RUNNING with a valid AWM, or
// returns ErrBlocked / ErrDisabled per the state-machine contract. It
// respects ctx cancellation so callers (the RPC read loop) can bound the
// wait.
func (m *Manager) GetWorkingMode(ctx context.Context, excID types.ExcID) (*types.AWM, error) {
	for {
		m.mu.RLock()
		entry, ok := m.excs[excID]
		if !ok {
			m.mu.RUnlock()
			return nil, fmt.Errorf("%s: exc not found", excID)
		}

		switch entry.exc.State {
		case types.ExcRunning:
			if entry.exc.Disabled {
				m.mu.RUnlock()
				return nil, rtrmerrors.ErrDisabled
			}
			awm := entry.exc.CurrentAWM
			m.mu.RUnlock()
			return awm, nil
		case types.ExcBlocked:
			m.mu.RUnlock()
			return nil, rtrmerrors.ErrBlocked
		case types.ExcFinished:
			m.mu.RUnlock()
			return nil, rtrmerrors.ErrDisabled
		}

		if entry.exc.Disabled {
			m.mu.RUnlock()
			return nil, rtrmerrors.ErrDisabled
		}

		ready := entry.ready
		m.mu.RUnlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SetAWMConstraint applies a bound on the enabled-AWM bitset and, if the
// current AWM is no longer enabled, forces the EXC back to SCHEDULING.
func (m *Manager) SetAWMConstraint(excID types.ExcID, c types.Constraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.excs[excID]
	if !ok {
		return fmt.Errorf("%s: exc not found", excID)
	}

	exc := entry.exc
	exc.DynamicConstraints = append(exc.DynamicConstraints, c)
	exc.EnabledAWMs = enabledAWMSet(exc.Recipe, exc.DynamicConstraints)

	if exc.CurrentAWM != nil && !exc.EnabledAWMs[exc.CurrentAWM.ID] {
		transition(exc, types.ExcScheduling)
		entry.wake()
	}
	return nil
}

// ClearAWMConstraints drops every dynamic constraint on excID, restoring
// the enabled-AWM bitset to what Recipe.Constraints alone would produce.
func (m *Manager) ClearAWMConstraints(excID types.ExcID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.excs[excID]
	if !ok {
		return fmt.Errorf("%s: exc not found", excID)
	}

	exc := entry.exc
	exc.DynamicConstraints = nil
	exc.EnabledAWMs = enabledAWMSet(exc.Recipe, nil)

	if exc.CurrentAWM != nil && !exc.EnabledAWMs[exc.CurrentAWM.ID] {
		transition(exc, types.ExcScheduling)
		entry.wake()
	}
	return nil
}

// SetExplicitGoalGap asserts an application-requested goal gap, clamped to
// [-33, +100] by the runtime before it ever reaches here, and marks the EXC
// for rescheduling at the next policy tick.
func (m *Manager) SetExplicitGoalGap(excID types.ExcID, percent float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.excs[excID]
	if !ok {
		return fmt.Errorf("%s: exc not found", excID)
	}

	if entry.exc.Profile == nil {
		entry.exc.Profile = &types.RuntimeProfile{}
	}
	entry.exc.Profile.GoalGap = clamp(percent/100, -0.33, 1.0)
	entry.exc.Profile.SampledAt = time.Now()

	if entry.exc.State == types.ExcRunning {
		transition(entry.exc, types.ExcScheduling)
		entry.wake()
	}
	return nil
}

// NotifyRuntimeProfile records an application-originated performance hint.
// Rate limiting against the sync-channel lives in pkg/rtlib on the client
// side; this method just records the latest sample.
func (m *Manager) NotifyRuntimeProfile(excID types.ExcID, goalGap, cpuUsage, cycleTimeMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.excs[excID]
	if !ok {
		return fmt.Errorf("%s: exc not found", excID)
	}

	entry.exc.Profile = &types.RuntimeProfile{
		GoalGap:     clamp(goalGap, -0.33, 1.0),
		CPUUsage:    cpuUsage,
		CycleTimeMs: cycleTimeMs,
		SampledAt:   time.Now(),
	}
	metrics.GoalGap.WithLabelValues(excID.String()).Set(entry.exc.Profile.GoalGap)
	return nil
}

// Snapshot returns a read-only copy of every EXC currently known, for the
// scheduler invoker to freeze as policy input. Each element is a shallow
// copy: assigning its fields does not affect manager state, but the maps
// and pointers it holds (EnabledAWMs, CurrentAssignment, Recipe, Profile,
// ...) are shared with the manager.
func (m *Manager) Snapshot() []*types.ExecutionContext {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.ExecutionContext, 0, len(m.excs))
	for _, entry := range m.excs {
		copied := *entry.exc
		out = append(out, &copied)
	}
	return out
}

// PriorityOf returns pid's application priority, or 0 if pid is not a
// currently registered application. Used as the scheduler policy's
// ordering function.
func (m *Manager) PriorityOf(pid int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	app, ok := m.apps[pid]
	if !ok {
		return 0
	}
	return app.Priority
}

// BeginScheduling transitions excID from READY/RUNNING/BLOCKED into
// SCHEDULING, called by the scheduler invoker when it picks up an event
// for that EXC.
func (m *Manager) BeginScheduling(excID types.ExcID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.excs[excID]
	if !ok {
		return fmt.Errorf("%s: exc not found", excID)
	}
	transition(entry.exc, types.ExcScheduling)
	return nil
}

// AssignNextAWM records the policy's chosen AWM for excID and moves it to
// SYNC, ahead of the synchronization protocol actuating it.
func (m *Manager) AssignNextAWM(excID types.ExcID, awm *types.AWM) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.excs[excID]
	if !ok {
		return fmt.Errorf("%s: exc not found", excID)
	}
	entry.exc.NextAWM = awm
	transition(entry.exc, types.ExcSync)
	return nil
}

// CompleteSync finalizes a synchronization round's outcome for excID.
// SyncRunning promotes NextAWM to CurrentAWM and moves it to RUNNING.
// SyncDeferred means the round never actuated this EXC at all (it dropped
// out before Phase 3): it keeps whatever AWM it already held and returns to
// RUNNING on it, or falls to BLOCKED if it had none yet. SyncBlocked moves
// it to BLOCKED and leaves CurrentAWM untouched.
func (m *Manager) CompleteSync(excID types.ExcID, result SyncResult, assignment types.ResourceAssignmentMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.excs[excID]
	if !ok {
		return fmt.Errorf("%s: exc not found", excID)
	}

	exc := entry.exc
	switch result {
	case SyncRunning:
		if exc.NextAWM != nil {
			exc.CurrentAWM = exc.NextAWM
			exc.CurrentAssignment = assignment
		}
		exc.NextAWM = nil
		exc.CycleCount++
		transition(exc, types.ExcRunning)
	case SyncDeferred:
		exc.NextAWM = nil
		if exc.CurrentAWM != nil {
			transition(exc, types.ExcRunning)
		} else {
			transition(exc, types.ExcBlocked)
		}
	default: // SyncBlocked
		exc.NextAWM = nil
		transition(exc, types.ExcBlocked)
	}
	entry.wake()
	return nil
}

func (m *Manager) publish(kind events.EventType, excID types.ExcID, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:     kind,
		Message:  msg,
		Metadata: map[string]string{"exc": excID.String()},
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
