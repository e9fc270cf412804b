package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/lifecycle"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("deploy-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.SyncRBAC(ctx); err != nil {
		t.Fatalf("sync rbac: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func registerDataset(t *testing.T, env testEnv) string {
	t.Helper()
	d, err := env.Engine.RegisterDataset(env.Ctx, engine.RegisterDatasetOptions{
		Title:        "Cohort A",
		Topic:        "cardiology",
		TopicVersion: "v1",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.State != string(lifecycle.StateDraft) {
		t.Fatalf("new dataset state = %s", d.State)
	}
	return d.ID
}

func attest(t *testing.T, env testEnv, datasetID string, target lifecycle.State, stageID int) {
	t.Helper()
	gate, ok := env.Engine.Rules.AttestationGateFor(target)
	if !ok {
		t.Fatalf("no gate for %s", target)
	}
	if _, err := env.Engine.Attest(env.Ctx, engine.AttestOptions{
		DatasetID:   datasetID,
		TargetState: target,
		StageID:     stageID,
		ActorID:     "tester",
		Affirmed:    gate.Checklist,
	}); err != nil {
		t.Fatalf("attest %s: %v", target, err)
	}
}

func transition(t *testing.T, env testEnv, datasetID string, target lifecycle.State) {
	t.Helper()
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		DatasetID: datasetID,
		Target:    target,
		ActorID:   "tester",
	}); err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
}

func TestRegisterWithoutDescription(t *testing.T) {
	env := newTestEnv(t)
	// the common path: no description supplied at registration
	id := registerDataset(t, env)
	d, err := env.Engine.Repo.GetDataset(env.Ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Description != "" {
		t.Fatalf("description = %q, want empty", d.Description)
	}

	// a description can be set and cleared again
	desc := "initial extraction notes"
	if _, err := env.Engine.UpdateDataset(env.Ctx, id, nil, &desc, "tester"); err != nil {
		t.Fatalf("set description: %v", err)
	}
	empty := ""
	d, err = env.Engine.UpdateDataset(env.Ctx, id, nil, &empty, "tester")
	if err != nil {
		t.Fatalf("clear description: %v", err)
	}
	if d.Description != "" {
		t.Fatalf("cleared description = %q", d.Description)
	}
}

func TestTransitionFollowsGraph(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)

	transition(t, env, id, lifecycle.StateSpecDefined)
	transition(t, env, id, lifecycle.StateExtractionComplete)

	// skipping states is rejected
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		DatasetID: id, Target: lifecycle.StateFrozen, ActorID: "tester",
	})
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestGatedTransitionRequiresAttestation(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	transition(t, env, id, lifecycle.StateSpecDefined)
	transition(t, env, id, lifecycle.StateExtractionComplete)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		DatasetID: id, Target: lifecycle.StateQAPassed, ActorID: "tester",
	})
	var missing engine.AttestationRequiredError
	if !errors.As(err, &missing) {
		t.Fatalf("expected AttestationRequiredError, got %v", err)
	}

	attest(t, env, id, lifecycle.StateQAPassed, 5)
	transition(t, env, id, lifecycle.StateQAPassed)
}

func TestPartialAttestationRejected(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	gate, _ := env.Engine.Rules.AttestationGateFor(lifecycle.StateQAPassed)
	_, err := env.Engine.Attest(env.Ctx, engine.AttestOptions{
		DatasetID:   id,
		TargetState: lifecycle.StateQAPassed,
		StageID:     5,
		ActorID:     "tester",
		Affirmed:    gate.Checklist[:1],
	})
	if err == nil {
		t.Fatal("partial checklist affirmation accepted")
	}
}

func TestImmutableStatesRejectMutation(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	transition(t, env, id, lifecycle.StateSpecDefined)
	transition(t, env, id, lifecycle.StateExtractionComplete)
	attest(t, env, id, lifecycle.StateQAPassed, 5)
	transition(t, env, id, lifecycle.StateQAPassed)
	attest(t, env, id, lifecycle.StateAnalysisReady, 9)
	transition(t, env, id, lifecycle.StateAnalysisReady)
	transition(t, env, id, lifecycle.StateInAnalysis)
	transition(t, env, id, lifecycle.StateAnalysisComplete)
	attest(t, env, id, lifecycle.StateFrozen, 15)
	transition(t, env, id, lifecycle.StateFrozen)

	var immutable engine.ImmutableError

	// metadata changes on a frozen dataset are refused
	title := "new title"
	if _, err := env.Engine.UpdateDataset(env.Ctx, id, &title, nil, "tester"); !errors.As(err, &immutable) {
		t.Fatalf("expected ImmutableError on update, got %v", err)
	}
	if _, err := env.Engine.SetTopicVersion(env.Ctx, engine.SetTopicVersionOptions{
		DatasetID: id, Version: "v2", ActorID: "tester",
	}); !errors.As(err, &immutable) {
		t.Fatalf("expected ImmutableError on topic change, got %v", err)
	}
	// even force cannot move FROZEN anywhere but ARCHIVED
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		DatasetID: id, Target: lifecycle.StateDraft, ActorID: "tester", Force: true,
	}); !errors.As(err, &immutable) {
		t.Fatalf("expected ImmutableError on forced thaw, got %v", err)
	}

	// archival remains open
	transition(t, env, id, lifecycle.StateArchived)
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		DatasetID: id, Target: lifecycle.StateDraft, ActorID: "tester", Force: true,
	}); !errors.As(err, &immutable) {
		t.Fatalf("expected ImmutableError on archived dataset, got %v", err)
	}
}

func TestStageAuthorizationAndPhiGate(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	transition(t, env, id, lifecycle.StateSpecDefined)
	transition(t, env, id, lifecycle.StateExtractionComplete)

	// stage 5 needs the QA attestation before it may run
	dec, err := env.Engine.AuthorizeStage(env.Ctx, id, 5, "tester")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Allowed || !dec.NeedsAttestation {
		t.Fatalf("stage 5 should be blocked on attestation: %+v", dec)
	}
	attest(t, env, id, lifecycle.StateQAPassed, 5)
	dec, err = env.Engine.AuthorizeStage(env.Ctx, id, 5, "tester")
	if err != nil || !dec.Allowed {
		t.Fatalf("stage 5 should be allowed after attestation: %+v err=%v", dec, err)
	}
	if _, err := env.Engine.CompleteStage(env.Ctx, engine.CompleteStageOptions{
		DatasetID: id, StageID: 5, ActorID: "tester",
	}); err != nil {
		t.Fatalf("complete stage 5: %v", err)
	}
	d, err := env.Engine.Repo.GetDataset(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if d.State != string(lifecycle.StateQAPassed) {
		t.Fatalf("stage completion should advance to QA_PASSED, got %s", d.State)
	}

	// stage 9 is PHI-gated: a FAIL scan blocks it
	attest(t, env, id, lifecycle.StateAnalysisReady, 9)
	if _, err := env.Engine.RecordScan(env.Ctx, engine.RecordScanOptions{
		DatasetID: id,
		GateID:    lifecycle.PhiGatePreAnalysis,
		Status:    lifecycle.PhiFail,
		Findings:  []lifecycle.PhiFinding{{Category: "ssn", Location: "col notes"}},
		ActorID:   "scanner",
	}); err != nil {
		t.Fatalf("record fail scan: %v", err)
	}
	dec, err = env.Engine.AuthorizeStage(env.Ctx, id, 9, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.EffectivePhiStatus != lifecycle.PhiFail {
		t.Fatalf("stage 9 should be PHI-blocked: %+v", dec)
	}

	// a later PASS rescan clears the gate
	if _, err := env.Engine.RecordScan(env.Ctx, engine.RecordScanOptions{
		DatasetID: id,
		GateID:    lifecycle.PhiGatePreAnalysis,
		Status:    lifecycle.PhiPass,
		ActorID:   "scanner",
	}); err != nil {
		t.Fatalf("record pass scan: %v", err)
	}
	dec, err = env.Engine.AuthorizeStage(env.Ctx, id, 9, "tester")
	if err != nil || !dec.Allowed {
		t.Fatalf("stage 9 should pass after clean rescan: %+v err=%v", dec, err)
	}
}

func TestOverrideLiftsFailedScan(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	scan, err := env.Engine.RecordScan(env.Ctx, engine.RecordScanOptions{
		DatasetID: id,
		GateID:    lifecycle.PhiGatePreExport,
		Status:    lifecycle.PhiFail,
		Findings:  []lifecycle.PhiFinding{{Category: "mrn", Location: "export.csv"}},
		ActorID:   "scanner",
	})
	if err != nil {
		t.Fatal(err)
	}

	// short justification refused
	if _, err := env.Engine.OverrideScan(env.Ctx, engine.OverrideScanOptions{
		ScanID: scan.ID, ActorID: "tester", Justification: "ok",
	}); err == nil {
		t.Fatal("short justification accepted")
	}

	// actor without an override authority role refused
	_, err = env.Engine.OverrideScan(env.Ctx, engine.OverrideScanOptions{
		ScanID:        scan.ID,
		ActorID:       "tester",
		Justification: "false positive, value is a synthetic test identifier",
	})
	if err == nil {
		t.Fatal("override without authority accepted")
	}

	grantRole(t, env, "tester", "compliance")
	o, err := env.Engine.OverrideScan(env.Ctx, engine.OverrideScanOptions{
		ScanID:        scan.ID,
		ActorID:       "tester",
		Justification: "false positive, value is a synthetic test identifier",
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if o.PreviousStatus != string(lifecycle.PhiFail) {
		t.Fatalf("previous status = %s", o.PreviousStatus)
	}
	status, err := env.Engine.EffectivePhiStatus(env.Ctx, id, lifecycle.PhiGatePreExport)
	if err != nil || status != lifecycle.PhiOverridden {
		t.Fatalf("effective status = %s err=%v", status, err)
	}
	// the scan row itself is never rewritten
	stored, err := env.Engine.Repo.GetPhiScan(env.Ctx, scan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != string(lifecycle.PhiFail) {
		t.Fatalf("scan row status = %s, want the original FAIL", stored.Status)
	}
	// an already-overridden scan cannot be overridden again
	if _, err := env.Engine.OverrideScan(env.Ctx, engine.OverrideScanOptions{
		ScanID:        scan.ID,
		ActorID:       "tester",
		Justification: "repeat override of the same scan should not work",
	}); err == nil {
		t.Fatal("double override accepted")
	}
}

func grantRole(t *testing.T, env testEnv, actorID, roleID string) {
	t.Helper()
	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.EnsureActor(env.Ctx, tx, actorID, now); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AssignRole(env.Ctx, tx, actorID, roleID); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestEffectiveStatusDefaultsUnchecked(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	status, err := env.Engine.EffectivePhiStatus(env.Ctx, id, lifecycle.PhiGatePreAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	if status != lifecycle.PhiUnchecked {
		t.Fatalf("status = %s, want UNCHECKED", status)
	}
}

func TestTopicVersionStaleness(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	transition(t, env, id, lifecycle.StateSpecDefined)
	if _, err := env.Engine.CompleteStage(env.Ctx, engine.CompleteStageOptions{
		DatasetID: id, StageID: 3, ActorID: "tester",
	}); err != nil {
		t.Fatalf("complete stage 3: %v", err)
	}

	_, err := env.Engine.SetTopicVersion(env.Ctx, engine.SetTopicVersionOptions{
		DatasetID: id, Version: "v2", ActorID: "tester",
	})
	var stale engine.StaleStagesError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleStagesError, got %v", err)
	}
	if len(stale.Stages) != 1 || stale.Stages[0] != 3 {
		t.Fatalf("stale stages = %v, want [3]", stale.Stages)
	}

	d, err := env.Engine.SetTopicVersion(env.Ctx, engine.SetTopicVersionOptions{
		DatasetID: id, Version: "v2", ActorID: "tester", Force: true,
	})
	if err != nil {
		t.Fatalf("forced version change: %v", err)
	}
	if d.TopicVersion != "v2" {
		t.Fatalf("topic version = %s", d.TopicVersion)
	}
	outdated, err := env.Engine.OutdatedStages(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(outdated) != 1 || outdated[0] != 3 {
		t.Fatalf("outdated = %v, want [3]", outdated)
	}
}

func TestAICallGating(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	if err := env.Engine.RecordAICall(env.Ctx, engine.AICallOptions{
		DatasetID: id, StageID: 9, ActorID: "tester", Purpose: "chart summarization",
	}); err != nil {
		t.Fatalf("stage 9 is AI-enabled: %v", err)
	}
	if err := env.Engine.RecordAICall(env.Ctx, engine.AICallOptions{
		DatasetID: id, StageID: 5, ActorID: "tester", Purpose: "chart summarization",
	}); err == nil {
		t.Fatal("stage 5 should block AI calls")
	}
	// both outcomes land in the ledger
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM audit_entries WHERE action IN ('ai.call.approved','ai.call.blocked')`)
	var count int
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("ai audit entries = %d, want 2", count)
	}
}

func TestAuditTrailOnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := registerDataset(t, env)
	transition(t, env, id, lifecycle.StateSpecDefined)
	transition(t, env, id, lifecycle.StateExtractionComplete)

	entries, err := env.Engine.Repo.ListAuditEntries(env.Ctx, repo.AuditFilters{DatasetID: id})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("expected registration plus two transitions, got %d entries", len(entries))
	}
	for _, e := range entries {
		if e.EntryID == "" || e.TS == "" {
			t.Fatalf("audit entry missing id or timestamp: %+v", e)
		}
	}
}
