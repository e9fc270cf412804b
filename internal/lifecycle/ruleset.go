package lifecycle

import "sort"

// Ruleset is the full static configuration of the governance engine: the
// transition graph, the immutable/terminal state sets, presentation metadata,
// attestation gates, PHI gate positions, the stage-to-state map and the set
// of AI-enabled stages. It is constructed once at process start and passed by
// reference into the engine and server; nothing mutates it afterwards.
type Ruleset struct {
	transitions     map[State][]State
	immutable       map[State]bool
	terminal        map[State]bool
	metadata        map[State]StateMetadata
	attestationGate map[State]AttestationGate
	phiGates        []PhiGatePosition
	stageStates     map[int]State
	aiEnabledStages map[int]bool
}

// Options carry deployment-level overrides applied on top of the defaults.
// Zero value means pure defaults.
type Options struct {
	// ChecklistOverrides replaces the checklist items of the attestation gate
	// for the given target state. The gate set itself is fixed.
	ChecklistOverrides map[State][]string
	// AIEnabledStages replaces the default set of stages permitted to make
	// model calls.
	AIEnabledStages []int
}

// DefaultRuleset returns the ruleset with no overrides.
func DefaultRuleset() *Ruleset {
	return NewRuleset(Options{})
}

// NewRuleset builds an immutable ruleset from the defaults plus opts.
func NewRuleset(opts Options) *Ruleset {
	r := &Ruleset{
		transitions: defaultTransitions(),
		immutable:   map[State]bool{StateFrozen: true, StateArchived: true},
		terminal:    map[State]bool{StateArchived: true},
		metadata:    defaultMetadata(),
		attestationGate: map[State]AttestationGate{
			StateQAPassed:      qaPassedGate(),
			StateAnalysisReady: analysisReadyGate(),
			StateFrozen:        frozenGate(),
		},
		phiGates:        defaultPhiGates(),
		stageStates:     defaultStageStates(),
		aiEnabledStages: map[int]bool{},
	}
	for state, items := range opts.ChecklistOverrides {
		gate, ok := r.attestationGate[state]
		if !ok || len(items) == 0 {
			continue
		}
		gate.Checklist = append([]string(nil), items...)
		r.attestationGate[state] = gate
	}
	stages := opts.AIEnabledStages
	if stages == nil {
		stages = defaultAIEnabledStages()
	}
	for _, id := range stages {
		r.aiEnabledStages[id] = true
	}
	return r
}

// Metadata returns presentation data for s. Unknown states get a zero value.
func (r *Ruleset) Metadata(s State) StateMetadata {
	return r.metadata[s]
}

// MetadataTable returns a copy of the full state metadata table.
func (r *Ruleset) MetadataTable() map[State]StateMetadata {
	out := make(map[State]StateMetadata, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// AIEnabled reports whether the given workflow stage may make model calls.
func (r *Ruleset) AIEnabled(stageID int) bool {
	return r.aiEnabledStages[stageID]
}

// AIEnabledStages returns the AI-enabled stage ids in ascending order.
func (r *Ruleset) AIEnabledStages() []int {
	out := make([]int, 0, len(r.aiEnabledStages))
	for id := range r.aiEnabledStages {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func defaultAIEnabledStages() []int {
	// Analysis planning, generation and narrative stages.
	return []int{9, 13, 14}
}
