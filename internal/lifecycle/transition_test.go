package lifecycle_test

import (
	"testing"

	"gateline/internal/lifecycle"
)

func TestSelfTransitionIsNeverAValidEdge(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	for _, s := range lifecycle.States() {
		if rules.IsValidTransition(s, s) {
			t.Errorf("IsValidTransition(%s, %s) = true, want false", s, s)
		}
		if got := rules.GetNextValidState(s, s); got != s {
			t.Errorf("GetNextValidState(%s, %s) = %s, want %s", s, s, got, s)
		}
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	for _, s := range lifecycle.States() {
		next := rules.AllowedNextStates(s)
		if rules.IsTerminal(s) && len(next) != 0 {
			t.Errorf("terminal state %s has successors %v", s, next)
		}
		if !rules.IsTerminal(s) && len(next) == 0 {
			t.Errorf("non-terminal state %s has no successors", s)
		}
	}
}

func TestArchivedIsSoleSinkAndFrozenOnlyArchives(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	var empty []lifecycle.State
	for _, s := range lifecycle.States() {
		if len(rules.AllowedNextStates(s)) == 0 {
			empty = append(empty, s)
		}
	}
	if len(empty) != 1 || empty[0] != lifecycle.StateArchived {
		t.Fatalf("states with empty successor set = %v, want [ARCHIVED]", empty)
	}
	frozen := rules.AllowedNextStates(lifecycle.StateFrozen)
	if len(frozen) != 1 || frozen[0] != lifecycle.StateArchived {
		t.Fatalf("FROZEN successors = %v, want [ARCHIVED]", frozen)
	}
}

func TestGraphIsAcyclic(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	const (
		unvisited = iota
		visiting
		done
	)
	colors := map[lifecycle.State]int{}
	var visit func(s lifecycle.State) bool
	visit = func(s lifecycle.State) bool {
		switch colors[s] {
		case visiting:
			return false
		case done:
			return true
		}
		colors[s] = visiting
		for _, next := range rules.AllowedNextStates(s) {
			if !visit(next) {
				return false
			}
		}
		colors[s] = done
		return true
	}
	for _, s := range lifecycle.States() {
		if !visit(s) {
			t.Fatalf("cycle reachable from %s", s)
		}
	}
}

func TestImmutableStates(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	for _, s := range lifecycle.States() {
		want := s == lifecycle.StateFrozen || s == lifecycle.StateArchived
		if got := rules.IsImmutable(s); got != want {
			t.Errorf("IsImmutable(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestGetNextValidStateFallback(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	// direct edge: returned unchanged
	if got := rules.GetNextValidState(lifecycle.StateDraft, lifecycle.StateSpecDefined); got != lifecycle.StateSpecDefined {
		t.Fatalf("direct edge: got %s", got)
	}
	// no edge DRAFT -> FROZEN: falls back to DRAFT's first successor
	if got := rules.GetNextValidState(lifecycle.StateDraft, lifecycle.StateFrozen); got != lifecycle.StateSpecDefined {
		t.Fatalf("fallback: got %s, want SPEC_DEFINED", got)
	}
	// terminal state has nothing to fall back to
	if got := rules.GetNextValidState(lifecycle.StateArchived, lifecycle.StateDraft); got != lifecycle.StateArchived {
		t.Fatalf("terminal fallback: got %s, want ARCHIVED", got)
	}
}

func TestRequiresAttestation(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	gated := map[lifecycle.State]bool{
		lifecycle.StateQAPassed:      true,
		lifecycle.StateAnalysisReady: true,
		lifecycle.StateFrozen:        true,
	}
	for _, s := range lifecycle.States() {
		if got := rules.RequiresAttestation(s); got != gated[s] {
			t.Errorf("RequiresAttestation(%s) = %v, want %v", s, got, gated[s])
		}
	}
}

func TestAttestationGateForStage(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	gate, ok := rules.AttestationGateForStage(5)
	if !ok || gate.TargetState != lifecycle.StateQAPassed {
		t.Fatalf("stage 5 gate = %+v ok=%v, want QA_PASSED gate", gate, ok)
	}
	if len(gate.Checklist) == 0 {
		t.Fatal("QA gate checklist is empty")
	}
	if _, ok := rules.AttestationGateForStage(2); ok {
		t.Fatal("stage 2 should not require attestation")
	}
	if !rules.StageRequiresAttestation(15) {
		t.Fatal("stage 15 should require the freeze attestation")
	}
}

func TestCanExecuteInCurrentState(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	cases := []struct {
		stage   int
		current lifecycle.State
		want    bool
	}{
		{5, lifecycle.StateExtractionComplete, true}, // maps to QA_PASSED, valid edge
		{5, lifecycle.StateQAPassed, true},           // already there
		{9, lifecycle.StateQAPassed, true},           // QA_PASSED -> ANALYSIS_READY edge
		{9, lifecycle.StateDraft, false},
		{13, lifecycle.StateAnalysisReady, true},
		{13, lifecycle.StateDraft, false},
		{1, lifecycle.StateDraft, true},
		{20, lifecycle.StateFrozen, true}, // unmapped -> ARCHIVED, FROZEN -> ARCHIVED edge
		{20, lifecycle.StateDraft, false},
	}
	for _, tc := range cases {
		if got := rules.CanExecuteInCurrentState(tc.stage, tc.current); got != tc.want {
			t.Errorf("CanExecuteInCurrentState(%d, %s) = %v, want %v", tc.stage, tc.current, got, tc.want)
		}
	}
}

func TestChecklistOverride(t *testing.T) {
	rules := lifecycle.NewRuleset(lifecycle.Options{
		ChecklistOverrides: map[lifecycle.State][]string{
			lifecycle.StateFrozen: {"single custom item"},
		},
	})
	gate, ok := rules.AttestationGateFor(lifecycle.StateFrozen)
	if !ok {
		t.Fatal("freeze gate missing")
	}
	if len(gate.Checklist) != 1 || gate.Checklist[0] != "single custom item" {
		t.Fatalf("override not applied: %v", gate.Checklist)
	}
	// other gates untouched
	qa, _ := rules.AttestationGateFor(lifecycle.StateQAPassed)
	if len(qa.Checklist) < 2 {
		t.Fatalf("QA checklist unexpectedly changed: %v", qa.Checklist)
	}
}
