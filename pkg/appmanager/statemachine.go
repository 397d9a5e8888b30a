package appmanager

import "github.com/cuemby/rtrm/pkg/types"

// transitionTable lists, per current state, the states it may legally
// move to. It mirrors the lifecycle table: NEW -> READY -> SCHEDULING ->
// SYNC -> {RUNNING, BLOCKED}; RUNNING/BLOCKED -> SCHEDULING; any -> FINISHED.
var transitionTable = map[types.ExcState]map[types.ExcState]bool{
	types.ExcNew:        {types.ExcReady: true, types.ExcFinished: true},
	types.ExcReady:      {types.ExcScheduling: true, types.ExcFinished: true},
	types.ExcScheduling: {types.ExcSync: true, types.ExcFinished: true},
	types.ExcSync:       {types.ExcRunning: true, types.ExcBlocked: true, types.ExcFinished: true},
	types.ExcRunning:    {types.ExcScheduling: true, types.ExcFinished: true},
	types.ExcBlocked:    {types.ExcScheduling: true, types.ExcFinished: true},
	types.ExcFinished:   {},
}

// transition moves exc to next if the move is legal, and is a no-op
// otherwise. Illegal transitions indicate a caller bug elsewhere in the
// manager, not a condition callers of the public API can trigger, so this
// silently ignores them rather than erroring the whole operation.
func transition(exc *types.ExecutionContext, next types.ExcState) {
	if transitionTable[exc.State][next] {
		exc.State = next
	}
}

// enabledAWMSet computes the enabled-AWM bitset for a recipe given the
// active constraints (recipe-static plus any dynamic ones), per §3's
// "setting or clearing a constraint re-derives the enabled-AWM bitset".
func enabledAWMSet(recipe *types.Recipe, dynamic []types.Constraint) map[int]bool {
	enabled := make(map[int]bool, len(recipe.AWMs))
	for _, a := range recipe.AWMs {
		enabled[a.ID] = true
	}

	all := append(append([]types.Constraint{}, recipe.Constraints...), dynamic...)
	for _, c := range all {
		applyConstraint(recipe, enabled, c)
	}
	return enabled
}

func applyConstraint(recipe *types.Recipe, enabled map[int]bool, c types.Constraint) {
	switch c.Kind {
	case types.ConstraintAWMLower:
		for _, a := range recipe.AWMs {
			if int64(a.ID) < c.Bound {
				enabled[a.ID] = false
			}
		}
	case types.ConstraintAWMUpper:
		for _, a := range recipe.AWMs {
			if int64(a.ID) > c.Bound {
				enabled[a.ID] = false
			}
		}
	case types.ConstraintAWMExact:
		for _, a := range recipe.AWMs {
			if int64(a.ID) != c.Bound {
				enabled[a.ID] = false
			}
		}
	case types.ConstraintResourceLower:
		for _, a := range recipe.AWMs {
			if qty, ok := a.Resources[c.ResourcePath]; ok && qty < c.Bound {
				enabled[a.ID] = false
			}
		}
	case types.ConstraintResourceUpper:
		for _, a := range recipe.AWMs {
			if qty, ok := a.Resources[c.ResourcePath]; ok && qty > c.Bound {
				enabled[a.ID] = false
			}
		}
	}
}
