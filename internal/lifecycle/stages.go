package lifecycle

// StageStatusCompleted is the stage status value that makes a stage eligible
// for staleness checks. The orchestrator owns the full status vocabulary; the
// engine only reads completion.
const StageStatusCompleted = "completed"

// StageRecord is the slice of an orchestrator workflow stage the lifecycle
// engine reads: has it completed, and which topic version was current when it
// last ran.
type StageRecord struct {
	StageID                 int    `json:"stage_id"`
	Status                  string `json:"status"`
	TopicVersionAtExecution string `json:"topic_version_at_execution,omitempty"`
}

func defaultStageStates() map[int]State {
	// The pipeline's sequencing policy as data. An explicit sparse map, not an
	// array with gaps: unmapped stage ids fall through to ARCHIVED.
	return map[int]State{
		1:  StateDraft,
		2:  StateSpecDefined,
		3:  StateSpecDefined,
		4:  StateExtractionComplete,
		5:  StateQAPassed,
		6:  StateQAPassed,
		7:  StateQAPassed,
		8:  StateQAPassed,
		9:  StateAnalysisReady,
		10: StateAnalysisReady,
		11: StateAnalysisReady,
		12: StateAnalysisReady,
		13: StateInAnalysis,
		14: StateAnalysisComplete,
		15: StateFrozen,
		16: StateFrozen,
		17: StateFrozen,
		18: StateFrozen,
		19: StateFrozen,
	}
}

// StateForStage projects a numbered workflow stage onto the lifecycle state
// it executes under. Total over integers: stage ids outside the defined
// ranges map to ARCHIVED.
func (r *Ruleset) StateForStage(stageID int) State {
	if s, ok := r.stageStates[stageID]; ok {
		return s
	}
	return StateArchived
}

// IsStageOutdated reports whether a completed stage ran against a topic
// version that has since changed. A stage that never completed, or completed
// without recording a version, is never considered outdated: absence of
// evidence is not evidence of staleness.
func IsStageOutdated(stage StageRecord, currentTopicVersion string) bool {
	if stage.Status != StageStatusCompleted {
		return false
	}
	if stage.TopicVersionAtExecution == "" {
		return false
	}
	return stage.TopicVersionAtExecution != currentTopicVersion
}

// OutdatedStages returns the ids of stages invalidated by the current topic
// version.
func OutdatedStages(stages []StageRecord, currentTopicVersion string) []int {
	var out []int
	for _, stage := range stages {
		if IsStageOutdated(stage, currentTopicVersion) {
			out = append(out, stage.StageID)
		}
	}
	return out
}

// HasExecutedDownstreamStages reports whether any stage has completed with a
// recorded version. Used to warn before a topic edit that would invalidate
// downstream work.
func HasExecutedDownstreamStages(stages []StageRecord) bool {
	for _, stage := range stages {
		if stage.Status == StageStatusCompleted && stage.TopicVersionAtExecution != "" {
			return true
		}
	}
	return false
}
