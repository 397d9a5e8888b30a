package scheduler

import (
	"sort"

	"github.com/cuemby/rtrm/pkg/types"
)

// Snapshot is the frozen policy input for one scheduling round: the set of
// EXCs under consideration and the resources available to place them in,
// both copies independent of the live accountant/application-manager
// state so the policy cannot observe or cause mid-round mutation.
type Snapshot struct {
	Excs      []*types.ExecutionContext
	Available types.ResourceAssignmentMap // path -> available quantity
}

// Decision is one EXC's chosen next AWM, or nil if the policy could not
// place it (it should then be reported as Blocked).
type Decision struct {
	ExcID types.ExcID
	AWM   *types.AWM // nil => no fit found
}

// Policy computes an assignment for every EXC in a snapshot. Implementers
// must not mutate the snapshot's Excs or Available map.
type Policy interface {
	Schedule(snapshot Snapshot) []Decision
}

// GreedyValuePolicy places EXCs, ordered by (Application priority
// descending, then ExcID for determinism), into their highest-value
// enabled AWM that still fits the resources left after earlier EXCs in
// the ordering have claimed theirs. It is a direct adaptation of the
// teacher's round-robin/least-loaded node selection, generalized from
// "which node has room" to "which AWM fits in what's left."
type GreedyValuePolicy struct {
	// Priority looks up an EXC's owning application's priority (higher
	// schedules first). Optional; nil gives every application the same
	// priority, so EXCs are placed in ExcID order.
	Priority func(pid int) int
}

// NewGreedyValuePolicy builds a GreedyValuePolicy. priority may be nil.
func NewGreedyValuePolicy(priority func(pid int) int) *GreedyValuePolicy {
	return &GreedyValuePolicy{Priority: priority}
}

func (p *GreedyValuePolicy) Schedule(snapshot Snapshot) []Decision {
	ordered := make([]*types.ExecutionContext, len(snapshot.Excs))
	copy(ordered, snapshot.Excs)

	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := p.priorityOf(ordered[i].ID.Pid), p.priorityOf(ordered[j].ID.Pid)
		if pi != pj {
			return pi > pj
		}
		if ordered[i].ID.Pid != ordered[j].ID.Pid {
			return ordered[i].ID.Pid < ordered[j].ID.Pid
		}
		return ordered[i].ID.ExcNum < ordered[j].ID.ExcNum
	})

	remaining := snapshot.Available.Clone()
	if remaining == nil {
		remaining = types.ResourceAssignmentMap{}
	}

	decisions := make([]Decision, 0, len(ordered))
	for _, exc := range ordered {
		awm := p.bestFit(exc, remaining)
		decisions = append(decisions, Decision{ExcID: exc.ID, AWM: awm})
		if awm != nil {
			for path, qty := range awm.Resources {
				remaining[path] -= qty
			}
		}
	}
	return decisions
}

func (p *GreedyValuePolicy) priorityOf(pid int) int {
	if p.Priority == nil {
		return 0
	}
	return p.Priority(pid)
}

func (p *GreedyValuePolicy) bestFit(exc *types.ExecutionContext, remaining types.ResourceAssignmentMap) *types.AWM {
	candidates := exc.EnabledAWMList()
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Value > candidates[j].Value })

	for _, awm := range candidates {
		if fits(awm.Resources, remaining) {
			return awm
		}
	}
	return nil
}

func fits(demand, remaining types.ResourceAssignmentMap) bool {
	for path, qty := range demand {
		if remaining[path] < qty {
			return false
		}
	}
	return true
}
