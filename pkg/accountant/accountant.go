package accountant

import (
	"fmt"
	"sync"

	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/cuemby/rtrm/pkg/metrics"
	"github.com/cuemby/rtrm/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// ActiveView is the name of the always-present committed view.
	ActiveView = "active"
	// ScheduledView is the name of the always-present tentative view.
	ScheduledView = "scheduled"
)

// ViewToken is the opaque handle MakeView returns. It pins both the view's
// name and the generation it was cloned at; PromoteView and Unbook reject a
// token whose generation has been superseded by a later promotion.
type ViewToken struct {
	name       string
	generation uint64
}

// view is one named snapshot of booked quantities, keyed by resource path.
type view struct {
	generation uint64
	bookings   map[string]map[types.ExcID]int64 // path -> exc -> qty
}

func newView() *view {
	return &view{bookings: make(map[string]map[types.ExcID]int64)}
}

func (v *view) clone() *view {
	nv := newView()
	nv.generation = v.generation
	for path, byExc := range v.bookings {
		m := make(map[types.ExcID]int64, len(byExc))
		for exc, qty := range byExc {
			m[exc] = qty
		}
		nv.bookings[path] = m
	}
	return nv
}

func (v *view) used(path string) int64 {
	var total int64
	for _, qty := range v.bookings[path] {
		total += qty
	}
	return total
}

// Accountant is the resource ledger and view manager described in the
// component design: Register is only valid before SetPlatformReady;
// bookings are all-or-nothing; promotion is a single pointer swap guarded
// by a generation counter.
type Accountant struct {
	mu sync.Mutex

	resources map[string]*types.Resource // path -> resource, immutable Total after ready
	views     map[string]*view

	ready  bool
	logger zerolog.Logger
}

// New creates an Accountant with its two permanent views already present.
func New() *Accountant {
	a := &Accountant{
		resources: make(map[string]*types.Resource),
		views:     make(map[string]*view),
		logger:    log.WithComponent("accountant"),
	}
	a.views[ActiveView] = newView()
	a.views[ScheduledView] = newView()
	return a
}

// Register records a resource discovered during platform enumeration. It
// fails once the platform has been marked ready.
func (a *Accountant) Register(path types.ResourcePath, units string, total int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ready {
		return fmt.Errorf("register %s: %w", path, rtrmerrors.ErrPlatformNotReady)
	}

	key := path.String()
	a.resources[key] = &types.Resource{Path: path, Units: units, Total: total}
	return nil
}

// GetResources returns every resource whose path matches the pattern (which
// may use "*" wildcard segments, see ResourcePath.Match).
func (a *Accountant) GetResources(pattern types.ResourcePath) []*types.Resource {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*types.Resource
	for _, r := range a.resources {
		if r.Path.Match(pattern) {
			out = append(out, r)
		}
	}
	return out
}

// All returns every registered resource, unfiltered. Used by the scheduler
// invoker to build a snapshot of total availability for the policy.
func (a *Accountant) All() []*types.Resource {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*types.Resource, 0, len(a.resources))
	for _, r := range a.resources {
		out = append(out, r)
	}
	return out
}

// MakeView clones the active view's booking columns into a new, independent
// working copy addressed by the returned token and named name (ScheduledView,
// or any other identifier for a short-lived what-if view). Cloning from the
// active view, rather than from whatever name last held, keeps a fresh view
// consistent with the committed ledger even after Unbook has made active and
// a stale prior scheduled view diverge.
func (a *Accountant) MakeView(name string) (ViewToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	clone := a.views[ActiveView].clone()
	if existing, ok := a.views[name]; ok {
		clone.generation = existing.generation
	}
	clone.generation++
	a.views[name] = clone

	return ViewToken{name: name, generation: clone.generation}, nil
}

func (a *Accountant) resolveView(token ViewToken) (*view, error) {
	v, ok := a.views[token.name]
	if !ok || v.generation != token.generation {
		return nil, fmt.Errorf("view %s: %w", token.name, rtrmerrors.ErrViewGenerationMismatch)
	}
	return v, nil
}

// BookResources tentatively commits assignment into the view addressed by
// token, attributed to excID. The call is atomic: if any single resource
// would exceed total-reserved, nothing in the map is booked.
func (a *Accountant) BookResources(token ViewToken, excID types.ExcID, assignment types.ResourceAssignmentMap, exclusive bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ready {
		return fmt.Errorf("book %s: %w", excID, rtrmerrors.ErrPlatformNotReady)
	}

	v, err := a.resolveView(token)
	if err != nil {
		return err
	}

	// Validate the whole map before committing any of it.
	for path, qty := range assignment {
		r, ok := a.resources[path]
		if !ok {
			return fmt.Errorf("book %s on %s: %w", excID, path, rtrmerrors.ErrInsufficientResources)
		}
		current := v.used(path)
		if existing, ok := v.bookings[path][excID]; ok {
			current -= existing // replacing this exc's own prior booking
		}
		if current+qty+r.Reserved > r.Total {
			return fmt.Errorf("book %s on %s: %w", excID, path, rtrmerrors.ErrInsufficientResources)
		}
	}

	for path, qty := range assignment {
		if v.bookings[path] == nil {
			v.bookings[path] = make(map[types.ExcID]int64)
		}
		v.bookings[path][excID] = qty
		metrics.ResourceBooked.WithLabelValues(path).Set(float64(v.used(path)))
	}

	_ = exclusive // reserved for future exclusive-access enforcement; no shared-PE policy exists yet

	return nil
}

// Unbook removes every booking owned by excID from the view addressed by
// token.
func (a *Accountant) Unbook(token ViewToken, excID types.ExcID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, err := a.resolveView(token)
	if err != nil {
		return err
	}

	for path, byExc := range v.bookings {
		if _, ok := byExc[excID]; ok {
			delete(byExc, excID)
			metrics.ResourceBooked.WithLabelValues(path).Set(float64(v.used(path)))
		}
	}
	return nil
}

// UnbookActive removes every booking owned by excID from the active view
// directly, with no token: the release path for an EXC that has reached
// FINISHED, per the rule that only FINISHED gives resources back to the
// ledger. The active view is always current, so no generation check applies.
func (a *Accountant) UnbookActive(excID types.ExcID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := a.views[ActiveView]
	for path, byExc := range v.bookings {
		if _, ok := byExc[excID]; ok {
			delete(byExc, excID)
			metrics.ResourceBooked.WithLabelValues(path).Set(float64(v.used(path)))
		}
	}
	for path := range a.resources {
		metrics.ResourceAvailable.WithLabelValues(path).Set(float64(a.availableLocked(path)))
	}
}

// PromoteView atomically swaps the view addressed by token into the active
// slot. Generation bump invalidates any older token for the same name.
func (a *Accountant) PromoteView(token ViewToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, err := a.resolveView(token)
	if err != nil {
		return err
	}

	promoted := v.clone()
	promoted.generation++
	v.generation++ // the promoted token is stale from here on
	a.views[ActiveView] = promoted

	for path := range a.resources {
		metrics.ResourceAvailable.WithLabelValues(path).Set(float64(a.availableLocked(path)))
	}
	metrics.ViewPromotionsTotal.Inc()

	a.logger.Debug().Str("view", token.name).Msg("promoted view to active")
	return nil
}

func (a *Accountant) availableLocked(path string) int64 {
	r, ok := a.resources[path]
	if !ok {
		return 0
	}
	used := a.views[ActiveView].used(path)
	avail := r.Total - r.Reserved - used
	if avail < 0 {
		return 0
	}
	return avail
}

// SetPlatformReady unfreezes the ledger for booking calls; Register is no
// longer permitted afterward.
func (a *Accountant) SetPlatformReady() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = true
	for path := range a.resources {
		metrics.ResourceAvailable.WithLabelValues(path).Set(float64(a.availableLocked(path)))
	}
}

// SetPlatformNotReady freezes the ledger; every booking call fails with
// ErrPlatformNotReady until the next SetPlatformReady.
func (a *Accountant) SetPlatformNotReady() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = false
}

// Used returns the active view's booked quantity for path, for callers
// (tests, the scheduler snapshot) that need a read without a view token.
func (a *Accountant) Used(path string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.views[ActiveView].used(path)
}

// Available returns Total - Reserved - Used(active) for path.
func (a *Accountant) Available(path string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availableLocked(path)
}
