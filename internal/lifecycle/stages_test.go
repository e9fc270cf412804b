package lifecycle_test

import (
	"testing"
	"time"

	"gateline/internal/lifecycle"
)

func TestStateForStageRanges(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	cases := map[int]lifecycle.State{
		1:  lifecycle.StateDraft,
		2:  lifecycle.StateSpecDefined,
		3:  lifecycle.StateSpecDefined,
		4:  lifecycle.StateExtractionComplete,
		5:  lifecycle.StateQAPassed,
		8:  lifecycle.StateQAPassed,
		9:  lifecycle.StateAnalysisReady,
		12: lifecycle.StateAnalysisReady,
		13: lifecycle.StateInAnalysis,
		14: lifecycle.StateAnalysisComplete,
		15: lifecycle.StateFrozen,
		19: lifecycle.StateFrozen,
		// total over integers: out of range maps to ARCHIVED
		0:   lifecycle.StateArchived,
		20:  lifecycle.StateArchived,
		-3:  lifecycle.StateArchived,
		999: lifecycle.StateArchived,
	}
	for stage, want := range cases {
		if got := rules.StateForStage(stage); got != want {
			t.Errorf("StateForStage(%d) = %s, want %s", stage, got, want)
		}
	}
}

func TestIsStageOutdated(t *testing.T) {
	completed := lifecycle.StageRecord{StageID: 5, Status: "completed", TopicVersionAtExecution: "v1"}
	if !lifecycle.IsStageOutdated(completed, "v2") {
		t.Error("completed stage with changed version should be outdated")
	}
	if lifecycle.IsStageOutdated(completed, "v1") {
		t.Error("matching version should not be outdated")
	}
	pending := lifecycle.StageRecord{StageID: 5, Status: "pending", TopicVersionAtExecution: "v1"}
	if lifecycle.IsStageOutdated(pending, "v2") {
		t.Error("pending stage is never outdated")
	}
	noVersion := lifecycle.StageRecord{StageID: 5, Status: "completed"}
	if lifecycle.IsStageOutdated(noVersion, "v2") {
		t.Error("absence of a recorded version is not evidence of staleness")
	}
}

func TestOutdatedStages(t *testing.T) {
	stages := []lifecycle.StageRecord{
		{StageID: 4, Status: "completed", TopicVersionAtExecution: "v1"},
		{StageID: 5, Status: "completed", TopicVersionAtExecution: "v2"},
		{StageID: 6, Status: "running", TopicVersionAtExecution: "v1"},
		{StageID: 7, Status: "completed"},
	}
	got := lifecycle.OutdatedStages(stages, "v2")
	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("OutdatedStages = %v, want [4]", got)
	}
}

func TestHasExecutedDownstreamStages(t *testing.T) {
	if lifecycle.HasExecutedDownstreamStages(nil) {
		t.Error("no stages: no downstream work")
	}
	if lifecycle.HasExecutedDownstreamStages([]lifecycle.StageRecord{
		{StageID: 4, Status: "running", TopicVersionAtExecution: "v1"},
		{StageID: 5, Status: "completed"},
	}) {
		t.Error("neither record counts as executed downstream work")
	}
	if !lifecycle.HasExecutedDownstreamStages([]lifecycle.StageRecord{
		{StageID: 4, Status: "completed", TopicVersionAtExecution: "v1"},
	}) {
		t.Error("completed stage with version should count")
	}
}

func TestAuditEntryIdentity(t *testing.T) {
	details := map[string]any{"from": "DRAFT", "to": "SPEC_DEFINED"}
	first := lifecycle.NewAuditEntry("dataset.transitioned", details)
	time.Sleep(2 * time.Millisecond)
	second := lifecycle.NewAuditEntry("dataset.transitioned", details)
	if first.ID == second.ID {
		t.Error("identical inputs must not produce identical ids")
	}
	if first.Timestamp == second.Timestamp {
		t.Error("identical inputs must not produce identical timestamps")
	}
	if first.Action != "dataset.transitioned" {
		t.Errorf("action = %q", first.Action)
	}
	// details are copied, not aliased
	details["from"] = "mutated"
	if first.Details["from"] != "DRAFT" {
		t.Error("entry details aliased to caller map")
	}
}

func TestPhiAuditEntry(t *testing.T) {
	entry := lifecycle.NewPhiAuditEntry("phi.scan.completed", lifecycle.PhiFail, map[string]any{"findings": 3})
	if entry.Status != lifecycle.PhiFail {
		t.Errorf("status = %s", entry.Status)
	}
	if entry.ID == "" || entry.Timestamp == "" {
		t.Error("missing id or timestamp")
	}
	if entry.Details["findings"] != 3 {
		t.Error("details not merged")
	}
}
