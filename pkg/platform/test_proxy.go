package platform

import (
	"sync"

	"github.com/cuemby/rtrm/pkg/types"
)

// Test is an in-memory Proxy variant: it records what would have been
// actuated without touching any real cgroup filesystem, for use by
// accountant/scheduler/sync tests and by `rtrmd --test-plugins`.
type Test struct {
	mu          sync.Mutex
	setupCalls  map[types.ExcID]int
	assignments map[types.ExcID]types.ResourceAssignmentMap
	released    map[types.ExcID]bool
	refreshes   int

	// FailMapResourcesFor, when non-empty, causes MapResources to return an
	// error for exactly that EXC once, simulating an ActuationError.
	FailMapResourcesFor types.ExcID
	failNext            bool
}

// NewTest creates an empty Test proxy.
func NewTest() *Test {
	return &Test{
		setupCalls:  make(map[types.ExcID]int),
		assignments: make(map[types.ExcID]types.ResourceAssignmentMap),
		released:    make(map[types.ExcID]bool),
	}
}

// ArmFailure makes the next MapResources call for exc fail, once.
func (t *Test) ArmFailure(exc types.ExcID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FailMapResourcesFor = exc
	t.failNext = true
}

func (t *Test) Setup(exc *types.ExecutionContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setupCalls[exc.ID]++
	delete(t.released, exc.ID)
	return nil
}

func (t *Test) MapResources(exc *types.ExecutionContext, assignment types.ResourceAssignmentMap, exclusive bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failNext && t.FailMapResourcesFor == exc.ID {
		t.failNext = false
		return errTestActuationFailure{exc: exc.ID}
	}

	t.assignments[exc.ID] = assignment.Clone()
	return nil
}

func (t *Test) Release(exc *types.ExecutionContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.assignments, exc.ID)
	delete(t.setupCalls, exc.ID)
	t.released[exc.ID] = true
	return nil
}

func (t *Test) ReclaimResources(exc *types.ExecutionContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.assignments, exc.ID)
	return nil
}

func (t *Test) Refresh() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshes++
	return nil
}

// Assignment returns what the test proxy last recorded for exc, for test
// assertions.
func (t *Test) Assignment(exc types.ExcID) (types.ResourceAssignmentMap, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.assignments[exc]
	return a, ok
}

// Released reports whether Release has been called for exc since its last
// Setup.
func (t *Test) Released(exc types.ExcID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released[exc]
}

type errTestActuationFailure struct {
	exc types.ExcID
}

func (e errTestActuationFailure) Error() string {
	return "test proxy: simulated actuation failure for " + e.exc.String()
}
