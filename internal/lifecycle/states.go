// Package lifecycle is the pure governance core for research datasets: the
// lifecycle state registry, transition validator, attestation and PHI gates,
// the stage-to-state mapper, and the audit entry constructors. Every exported
// function is a synchronous computation over its arguments and the immutable
// Ruleset; the package performs no I/O and holds no mutable state, so it is
// safe to call concurrently without coordination. Persistence and sequencing
// belong to the engine.
package lifecycle

// State is the governance lifecycle state of a dataset, independent of which
// numbered workflow stage is executing.
type State string

const (
	StateDraft              State = "DRAFT"
	StateSpecDefined        State = "SPEC_DEFINED"
	StateExtractionComplete State = "EXTRACTION_COMPLETE"
	StateQAPassed           State = "QA_PASSED"
	StateQAFailed           State = "QA_FAILED"
	StateLinked             State = "LINKED"
	StateAnalysisReady      State = "ANALYSIS_READY"
	StateInAnalysis         State = "IN_ANALYSIS"
	StateAnalysisComplete   State = "ANALYSIS_COMPLETE"
	StateFrozen             State = "FROZEN"
	StateArchived           State = "ARCHIVED"
)

// States lists all lifecycle states in pipeline order.
func States() []State {
	return []State{
		StateDraft,
		StateSpecDefined,
		StateExtractionComplete,
		StateQAPassed,
		StateQAFailed,
		StateLinked,
		StateAnalysisReady,
		StateInAnalysis,
		StateAnalysisComplete,
		StateFrozen,
		StateArchived,
	}
}

// Known reports whether s is one of the eleven lifecycle states.
func Known(s State) bool {
	for _, st := range States() {
		if st == s {
			return true
		}
	}
	return false
}

// StateMetadata is presentation data for one state. The UI layer reads these
// tables for labels, colors and icons; it never calls transition logic.
type StateMetadata struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Icon        string `json:"icon"`
}

func defaultTransitions() map[State][]State {
	// Acyclic by construction: every edge moves strictly forward in pipeline
	// order. ARCHIVED is the sole sink; remediation of a QA failure is a new
	// dataset registration, not a backward edge.
	return map[State][]State{
		StateDraft:              {StateSpecDefined},
		StateSpecDefined:        {StateExtractionComplete},
		StateExtractionComplete: {StateQAPassed, StateQAFailed},
		StateQAPassed:           {StateLinked, StateAnalysisReady},
		StateQAFailed:           {StateArchived},
		StateLinked:             {StateAnalysisReady},
		StateAnalysisReady:      {StateInAnalysis},
		StateInAnalysis:         {StateAnalysisComplete},
		StateAnalysisComplete:   {StateFrozen},
		StateFrozen:             {StateArchived},
		StateArchived:           {},
	}
}

func defaultMetadata() map[State]StateMetadata {
	return map[State]StateMetadata{
		StateDraft:              {Label: "Draft", Description: "Dataset registered, specification not yet defined", Color: "#9ca3af", Icon: "pencil"},
		StateSpecDefined:        {Label: "Spec Defined", Description: "Extraction specification agreed and recorded", Color: "#60a5fa", Icon: "file-text"},
		StateExtractionComplete: {Label: "Extraction Complete", Description: "Source data extracted and staged", Color: "#818cf8", Icon: "database"},
		StateQAPassed:           {Label: "QA Passed", Description: "Quality checks and PHI scan signed off", Color: "#34d399", Icon: "check-circle"},
		StateQAFailed:           {Label: "QA Failed", Description: "Quality checks failed; dataset must be re-registered", Color: "#f87171", Icon: "x-circle"},
		StateLinked:             {Label: "Linked", Description: "Linked to upstream registries and terminologies", Color: "#22d3ee", Icon: "link"},
		StateAnalysisReady:      {Label: "Analysis Ready", Description: "Cleared for analysis behind the PHI gate", Color: "#4ade80", Icon: "flag"},
		StateInAnalysis:         {Label: "In Analysis", Description: "Analysis stages executing", Color: "#facc15", Icon: "activity"},
		StateAnalysisComplete:   {Label: "Analysis Complete", Description: "Analysis outputs recorded", Color: "#a3e635", Icon: "bar-chart"},
		StateFrozen:             {Label: "Frozen", Description: "Immutable; no attribute may change", Color: "#38bdf8", Icon: "lock"},
		StateArchived:           {Label: "Archived", Description: "Terminal; retained for audit only", Color: "#6b7280", Icon: "archive"},
	}
}
