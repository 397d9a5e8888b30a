package types

import (
	"fmt"
	"strings"
	"time"
)

// SegmentKind identifies the kind of a single resource path segment.
type SegmentKind string

const (
	SegmentSystem    SegmentKind = "system"
	SegmentGroup     SegmentKind = "group"
	SegmentCPU       SegmentKind = "cpu"
	SegmentGPU       SegmentKind = "gpu"
	SegmentAccel     SegmentKind = "accelerator"
	SegmentMemory    SegmentKind = "memory"
	SegmentNetworkIf SegmentKind = "network_if"
	SegmentPE        SegmentKind = "pe" // leaf: PROCESSING_ELEMENT
)

// PathSegment is one typed, named element of a ResourcePath.
type PathSegment struct {
	Kind SegmentKind
	ID   string
}

// ResourcePath is an ordered sequence of typed segments, e.g.
// sys0.grp1.cpu0.pe2. Paths are compared segment-wise; two paths are equal
// iff every segment matches in kind and ID, in order.
type ResourcePath struct {
	Segments []PathSegment
}

// ParsePath parses a dotted path such as "sys0.grp1.cpu0.pe2" into typed
// segments. The kind of each segment (other than the leaf, which is always
// PROCESSING_ELEMENT) is inferred from its alphabetic prefix.
func ParsePath(s string) (ResourcePath, error) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || parts[0] == "" {
		return ResourcePath{}, fmt.Errorf("resource path: empty path")
	}
	segs := make([]PathSegment, 0, len(parts))
	for i, p := range parts {
		kind, err := inferSegmentKind(p, i == len(parts)-1)
		if err != nil {
			return ResourcePath{}, fmt.Errorf("resource path %q: %w", s, err)
		}
		segs = append(segs, PathSegment{Kind: kind, ID: p})
	}
	return ResourcePath{Segments: segs}, nil
}

func inferSegmentKind(segment string, leaf bool) (SegmentKind, error) {
	if leaf {
		return SegmentPE, nil
	}
	switch {
	case strings.HasPrefix(segment, "sys"):
		return SegmentSystem, nil
	case strings.HasPrefix(segment, "grp"):
		return SegmentGroup, nil
	case strings.HasPrefix(segment, "cpu"):
		return SegmentCPU, nil
	case strings.HasPrefix(segment, "gpu"):
		return SegmentGPU, nil
	case strings.HasPrefix(segment, "acc"):
		return SegmentAccel, nil
	case strings.HasPrefix(segment, "mem"):
		return SegmentMemory, nil
	case strings.HasPrefix(segment, "net"):
		return SegmentNetworkIf, nil
	default:
		return "", fmt.Errorf("unrecognized segment %q", segment)
	}
}

// String renders the path back to its dotted form.
func (p ResourcePath) String() string {
	ids := make([]string, len(p.Segments))
	for i, s := range p.Segments {
		ids[i] = s.ID
	}
	return strings.Join(ids, ".")
}

// Equal reports whether two paths match segment-wise.
func (p ResourcePath) Equal(other ResourcePath) bool {
	if len(p.Segments) != len(other.Segments) {
		return false
	}
	for i, s := range p.Segments {
		if s != other.Segments[i] {
			return false
		}
	}
	return true
}

// Match reports whether the path satisfies a pattern path, where a pattern
// segment ID of "*" matches any concrete segment ID of the same kind at the
// same position.
func (p ResourcePath) Match(pattern ResourcePath) bool {
	if len(p.Segments) != len(pattern.Segments) {
		return false
	}
	for i, ps := range pattern.Segments {
		cs := p.Segments[i]
		if ps.Kind != cs.Kind {
			return false
		}
		if ps.ID != "*" && ps.ID != cs.ID {
			return false
		}
	}
	return true
}

// Resource is a single accountable quantity, identified by its path.
// Total is immutable once discovered; Reserved is administratively
// withheld capacity that applies across every view.
type Resource struct {
	Path     ResourcePath
	Units    string // e.g. "count", "MHz", "bytes"
	Total    int64
	Reserved int64
}

// Available returns the headroom left after Reserved, independent of any
// view's booked quantity.
func (r *Resource) Available() int64 {
	avail := r.Total - r.Reserved
	if avail < 0 {
		return 0
	}
	return avail
}

// ResourceAssignmentMap maps a resource path (in its string form) to a
// requested or granted quantity. Carried by AWMs as demand and by
// scheduling decisions as grant.
type ResourceAssignmentMap map[string]int64

// Clone returns an independent copy of the map.
func (m ResourceAssignmentMap) Clone() ResourceAssignmentMap {
	if m == nil {
		return nil
	}
	out := make(ResourceAssignmentMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Sum returns the total quantity requested across all entries. Useful for
// PE-count or bandwidth-percentage aggregation where entries share a unit.
func (m ResourceAssignmentMap) Sum() int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

// AWM is one element of a recipe: a discrete operating point an
// application can run in.
type AWM struct {
	ID              int
	Name            string
	Value           int // scheduler value; AWMs rank by value, not by ID
	Resources       ResourceAssignmentMap
	ConfigTimeEstMs int
}

// ConstraintKind identifies what a Constraint bounds.
type ConstraintKind string

const (
	ConstraintResourceLower ConstraintKind = "resource_lower"
	ConstraintResourceUpper ConstraintKind = "resource_upper"
	ConstraintAWMLower      ConstraintKind = "awm_lower"
	ConstraintAWMUpper      ConstraintKind = "awm_upper"
	ConstraintAWMExact      ConstraintKind = "awm_exact"
)

// Constraint asserts a bound on either a resource or on allowed AWMs.
type Constraint struct {
	Kind         ConstraintKind
	ResourcePath string // set for ConstraintResource{Lower,Upper}
	Bound        int64  // resource bound, or AWM id for AWM constraints
}

// MinRecipeVersion is the minimum recipe version tag this daemon accepts.
const MinRecipeVersion = 1

// Recipe is an immutable, versioned list of AWMs plus static resource and
// AWM constraints.
type Recipe struct {
	Name        string
	Version     int
	Priority    int
	AWMs        []*AWM
	Constraints []Constraint
}

// AWMByID returns the AWM with the given id, or nil if none matches.
func (r *Recipe) AWMByID(id int) *AWM {
	for _, a := range r.AWMs {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// ExcState is a state in the EXC lifecycle.
type ExcState string

const (
	ExcNew        ExcState = "NEW"
	ExcReady      ExcState = "READY"
	ExcScheduling ExcState = "SCHEDULING"
	ExcSync       ExcState = "SYNC"
	ExcRunning    ExcState = "RUNNING"
	ExcBlocked    ExcState = "BLOCKED"
	ExcFinished   ExcState = "FINISHED"
)

// ExcID uniquely identifies an execution context: the owning application's
// PID plus a local exc number.
type ExcID struct {
	Pid    int
	ExcNum uint8
}

func (id ExcID) String() string {
	return fmt.Sprintf("%d:%d", id.Pid, id.ExcNum)
}

// RuntimeProfile is the application-reported performance hint the
// scheduling policy consults: the measured goal gap and resource usage
// since the last report.
type RuntimeProfile struct {
	GoalGap     float64 // fraction, clamped to [-0.33, +1.0]
	CPUUsage    float64 // fraction of one core, summed across held PEs
	CycleTimeMs float64
	SampledAt   time.Time
}

// ExecutionContext is a schedulable unit owned by an Application. It is
// exclusively owned and mutated by the application manager; every other
// package holds it by ID and reaches it only through accessor calls.
type ExecutionContext struct {
	ID     ExcID
	Name   string
	Recipe *Recipe

	EnabledAWMs map[int]bool // AWM id -> eligible to run

	CurrentAWM *AWM // nil until the first successful sync
	NextAWM    *AWM // set during SCHEDULING/SYNC, cleared after

	CurrentAssignment ResourceAssignmentMap

	State    ExcState
	Disabled bool // toggled by Enable/Disable; excludes the EXC from scheduling

	Language string

	// DynamicConstraints are the constraints applied via SetAWMConstraint,
	// on top of Recipe.Constraints; both are folded together whenever the
	// enabled-AWM bitset is recomputed.
	DynamicConstraints []Constraint

	CycleCount    int64
	TimeInConfig  time.Duration
	TimeInBlocked time.Duration
	TimeInProcess time.Duration

	Profile *RuntimeProfile

	CreatedAt time.Time
}

// EnabledAWMList returns, in declaration order, the AWMs this EXC may
// currently be assigned.
func (e *ExecutionContext) EnabledAWMList() []*AWM {
	if e.Recipe == nil {
		return nil
	}
	var out []*AWM
	for _, a := range e.Recipe.AWMs {
		if e.EnabledAWMs[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// Application groups one or more EXCs sharing a PID.
type Application struct {
	PID       int
	Name      string
	Priority  int
	User      string
	CreatedAt time.Time
}
