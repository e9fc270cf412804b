package lifecycle

// AllowedNextStates returns the direct successors of s in the transition
// graph. Terminal and unknown states have no successors.
func (r *Ruleset) AllowedNextStates(s State) []State {
	next := r.transitions[s]
	return append([]State(nil), next...)
}

// IsValidTransition reports whether to is a direct successor of from. A
// self-transition is never a valid edge; callers wanting no-op semantics use
// GetNextValidState.
func (r *Ruleset) IsValidTransition(from, to State) bool {
	for _, next := range r.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsImmutable reports whether no attribute of a dataset may change in s,
// other than the transition into the next allowed state.
func (r *Ruleset) IsImmutable(s State) bool {
	return r.immutable[s]
}

// IsTerminal reports whether s has no outgoing transitions at all.
func (r *Ruleset) IsTerminal(s State) bool {
	return r.terminal[s]
}

// GetNextValidState returns target when current already equals it, or when a
// direct edge current->target exists. When no such edge exists it substitutes
// the FIRST direct successor of current instead of failing. That fallback can
// advance past an unreachable target a caller asked for in error; the engine
// therefore never uses this helper for enforcement and validates with
// IsValidTransition only.
func (r *Ruleset) GetNextValidState(current, target State) State {
	if current == target {
		return target
	}
	if r.IsValidTransition(current, target) {
		return target
	}
	if next := r.transitions[current]; len(next) > 0 {
		return next[0]
	}
	return current
}

// CanExecuteInCurrentState is the authorization predicate the orchestrator
// calls before running any stage's business logic: the stage's required
// lifecycle state must equal the current state or be directly reachable
// from it.
func (r *Ruleset) CanExecuteInCurrentState(stageID int, current State) bool {
	target := r.StateForStage(stageID)
	if target == current {
		return true
	}
	return r.IsValidTransition(current, target)
}
