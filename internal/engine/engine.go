package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/events"
	"gateline/internal/lifecycle"
	"gateline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  events.Writer
	Rules  *lifecycle.Ruleset
	Config *config.Config
	Auth   auth.Service
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	rules := lifecycle.DefaultRuleset()
	if cfg != nil {
		rules = lifecycle.NewRuleset(cfg.RulesetOptions())
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  events.Writer{DB: db},
		Rules:  rules,
		Config: cfg,
		Auth:   auth.Service{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) rules() *lifecycle.Ruleset {
	if e.Rules != nil {
		return e.Rules
	}
	return lifecycle.DefaultRuleset()
}

// ImmutableError rejects mutation of a dataset in an immutable state.
type ImmutableError struct {
	DatasetID string
	State     lifecycle.State
}

func (e ImmutableError) Error() string {
	return fmt.Sprintf("dataset %s is %s and cannot be modified", e.DatasetID, e.State)
}

// InvalidTransitionError rejects a state change with no edge in the graph.
type InvalidTransitionError struct {
	From, To lifecycle.State
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// AttestationRequiredError rejects entry into a gated state without a
// recorded attestation.
type AttestationRequiredError struct {
	TargetState lifecycle.State
}

func (e AttestationRequiredError) Error() string {
	return fmt.Sprintf("attestation required before entering %s", e.TargetState)
}

// PhiBlockedError rejects stage authorization while the gate's effective
// scan status does not clear the gate.
type PhiBlockedError struct {
	GateID string
	Status lifecycle.PhiStatus
}

func (e PhiBlockedError) Error() string {
	return fmt.Sprintf("phi gate %s blocked: status %s", e.GateID, e.Status)
}

// StaleStagesError rejects a topic version change that would silently
// invalidate completed downstream work.
type StaleStagesError struct {
	DatasetID string
	Stages    []int
}

func (e StaleStagesError) Error() string {
	return fmt.Sprintf("dataset %s has executed downstream stages %v; re-run them or pass force", e.DatasetID, e.Stages)
}

// SyncRBAC writes the config's roles and permissions into the database so
// permission checks reflect the loaded config. Idempotent.
func (e Engine) SyncRBAC(ctx context.Context) error {
	if e.Config == nil || len(e.Config.RBAC.Roles) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		if err := e.Repo.ClearRolePermissions(ctx, tx, roleID); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// RegisterDatasetOptions are parameters for registering a dataset.
type RegisterDatasetOptions struct {
	ID           string
	Title        string
	Topic        string
	TopicVersion string
	Description  string
	ActorID      string
}

// RegisterDataset creates a dataset in DRAFT.
func (e Engine) RegisterDataset(ctx context.Context, opts RegisterDatasetOptions) (domain.Dataset, error) {
	if opts.Title == "" {
		return domain.Dataset{}, errors.New("title is required")
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Topic+"|"+opts.Title+"|"+now)).String()
	}
	d := domain.Dataset{
		ID:           id,
		Title:        opts.Title,
		Topic:        opts.Topic,
		TopicVersion: opts.TopicVersion,
		State:        string(lifecycle.StateDraft),
		Description:  opts.Description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDataset(ctx, tx, d); err != nil {
		return d, fmt.Errorf("insert dataset: %w", err)
	}
	if _, err := e.Audit.Append(ctx, tx, "dataset.registered", d.ID, opts.ActorID, events.Payload{
		"title": d.Title,
		"topic": d.Topic,
		"state": d.State,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// TransitionOptions are parameters for a state transition.
type TransitionOptions struct {
	DatasetID string
	Target    lifecycle.State
	ActorID   string
	Force     bool
}

// Transition moves a dataset along one edge of the lifecycle graph. The
// dataset is reread inside the transaction so concurrent transitions see a
// consistent current state. Force bypasses edge and gate checks but never
// immutability (an ARCHIVED dataset stays put; FROZEN may only archive) and
// is always audited as a forced transition.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Dataset, error) {
	rules := e.rules()
	if !lifecycle.Known(opts.Target) {
		return domain.Dataset{}, fmt.Errorf("unknown state %s", opts.Target)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dataset{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDatasetTx(ctx, tx, opts.DatasetID)
	if err != nil {
		return d, err
	}
	current := lifecycle.State(d.State)
	if rules.IsImmutable(current) && !rules.IsValidTransition(current, opts.Target) {
		return d, ImmutableError{DatasetID: d.ID, State: current}
	}
	if !opts.Force && !rules.IsValidTransition(current, opts.Target) {
		return d, InvalidTransitionError{From: current, To: opts.Target}
	}
	if !opts.Force && rules.RequiresAttestation(opts.Target) {
		if _, err := e.Repo.LatestAttestation(ctx, tx, d.ID, string(opts.Target)); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return d, AttestationRequiredError{TargetState: opts.Target}
			}
			return d, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateDatasetState(ctx, tx, d.ID, string(opts.Target), now); err != nil {
		return d, err
	}
	action := "dataset.transitioned"
	if opts.Force {
		action = "dataset.transition.forced"
	}
	if _, err := e.Audit.Append(ctx, tx, action, d.ID, opts.ActorID, events.Payload{
		"from": d.State,
		"to":   string(opts.Target),
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	d.State = string(opts.Target)
	d.UpdatedAt = now
	switch opts.Target {
	case lifecycle.StateFrozen:
		d.FrozenAt = &now
	case lifecycle.StateArchived:
		d.ArchivedAt = &now
	}
	return d, nil
}

// AttestOptions are parameters for recording a gate attestation.
type AttestOptions struct {
	DatasetID   string
	TargetState lifecycle.State
	StageID     int
	ActorID     string
	Affirmed    []string
}

// Attest records an attestation for a gated state. Every checklist item of
// the gate must be affirmed, in order; a partial affirmation is rejected.
func (e Engine) Attest(ctx context.Context, opts AttestOptions) (domain.Attestation, error) {
	rules := e.rules()
	gate, ok := rules.AttestationGateFor(opts.TargetState)
	if !ok {
		return domain.Attestation{}, fmt.Errorf("state %s has no attestation gate", opts.TargetState)
	}
	if opts.ActorID == "" {
		return domain.Attestation{}, errors.New("actor_id required")
	}
	if len(opts.Affirmed) != len(gate.Checklist) {
		return domain.Attestation{}, fmt.Errorf("attestation requires all %d checklist items affirmed", len(gate.Checklist))
	}
	for i, item := range gate.Checklist {
		if opts.Affirmed[i] != item {
			return domain.Attestation{}, fmt.Errorf("checklist item %d mismatch: expected %q", i+1, item)
		}
	}
	affirmed, err := json.Marshal(opts.Affirmed)
	if err != nil {
		return domain.Attestation{}, err
	}
	att := domain.Attestation{
		ID:           uuid.New().String(),
		DatasetID:    opts.DatasetID,
		TargetState:  string(opts.TargetState),
		StageID:      opts.StageID,
		ActorID:      opts.ActorID,
		AffirmedJSON: string(affirmed),
		TS:           e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return att, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDatasetTx(ctx, tx, opts.DatasetID)
	if err != nil {
		return att, err
	}
	if rules.IsImmutable(lifecycle.State(d.State)) {
		return att, ImmutableError{DatasetID: d.ID, State: lifecycle.State(d.State)}
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return att, err
	}
	if err := e.Repo.InsertAttestation(ctx, tx, att); err != nil {
		return att, err
	}
	if _, err := e.Audit.Append(ctx, tx, "attestation.recorded", d.ID, opts.ActorID, events.Payload{
		"target_state": att.TargetState,
		"stage_id":     opts.StageID,
		"items":        len(gate.Checklist),
	}); err != nil {
		return att, err
	}
	if err := tx.Commit(); err != nil {
		return att, err
	}
	return att, nil
}

// StageDecision is the outcome of a stage authorization check.
type StageDecision struct {
	Allowed            bool                `json:"allowed"`
	Reason             string              `json:"reason,omitempty"`
	RequiredState      lifecycle.State     `json:"required_state"`
	CurrentState       lifecycle.State     `json:"current_state"`
	NeedsAttestation   bool                `json:"needs_attestation"`
	PhiGateID          string              `json:"phi_gate_id,omitempty"`
	EffectivePhiStatus lifecycle.PhiStatus `json:"effective_phi_status,omitempty"`
}

// AuthorizeStage evaluates whether a pipeline stage may run against the
// dataset right now: the state machine must permit it, a gated stage must
// have its attestation on file, and a PHI-gated stage must have a clearing
// scan status. Blocks are audited; the decision itself is not a mutation.
func (e Engine) AuthorizeStage(ctx context.Context, datasetID string, stageID int, actorID string) (StageDecision, error) {
	rules := e.rules()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StageDecision{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDatasetTx(ctx, tx, datasetID)
	if err != nil {
		return StageDecision{}, err
	}
	current := lifecycle.State(d.State)
	decision := StageDecision{
		RequiredState: rules.StateForStage(stageID),
		CurrentState:  current,
	}
	deny := func(reason, action string, extra events.Payload) (StageDecision, error) {
		decision.Allowed = false
		decision.Reason = reason
		payload := events.Payload{"stage_id": stageID, "reason": reason}
		for k, v := range extra {
			payload[k] = v
		}
		if _, err := e.Audit.Append(ctx, tx, action, d.ID, actorID, payload); err != nil {
			return decision, err
		}
		return decision, tx.Commit()
	}

	if current == lifecycle.StateArchived {
		return deny("dataset is archived", "stage.blocked", nil)
	}
	if !rules.CanExecuteInCurrentState(stageID, current) {
		return deny(fmt.Sprintf("stage %d requires state %s reachable from current state", stageID, decision.RequiredState), "stage.blocked", nil)
	}
	if gate, ok := rules.AttestationGateForStage(stageID); ok {
		if _, err := e.Repo.LatestAttestation(ctx, tx, d.ID, string(gate.TargetState)); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				decision.NeedsAttestation = true
				return deny(fmt.Sprintf("attestation for %s required", gate.TargetState), "gate.blocked", events.Payload{"target_state": string(gate.TargetState)})
			}
			return decision, err
		}
	}
	if gate, ok := rules.PhiGateForStage(stageID); ok {
		decision.PhiGateID = gate.ID
		status := lifecycle.PhiUnchecked
		scan, err := e.Repo.LatestPhiScanTx(ctx, tx, d.ID, gate.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return decision, err
		}
		if err == nil {
			status = lifecycle.PhiStatus(scan.Status)
			if _, oerr := e.Repo.OverrideForScanTx(ctx, tx, scan.ID); oerr == nil {
				status = lifecycle.PhiOverridden
			} else if !errors.Is(oerr, repo.ErrNotFound) {
				return decision, oerr
			}
		}
		decision.EffectivePhiStatus = status
		if !status.CanProceed() {
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("phi gate %s not cleared: status %s", gate.ID, status)
			if _, err := e.Audit.AppendPhi(ctx, tx, "gate.blocked", d.ID, actorID, status, events.Payload{
				"stage_id": stageID,
				"gate_id":  gate.ID,
			}); err != nil {
				return decision, err
			}
			return decision, tx.Commit()
		}
	}
	decision.Allowed = true
	if _, err := e.Audit.Append(ctx, tx, "stage.authorized", d.ID, actorID, events.Payload{"stage_id": stageID}); err != nil {
		return decision, err
	}
	return decision, tx.Commit()
}

// CompleteStageOptions are parameters for recording a finished stage.
type CompleteStageOptions struct {
	DatasetID string
	StageID   int
	ActorID   string
	Force     bool
}

// CompleteStage records a stage as completed, stamping the topic version it
// executed against, and advances the dataset when the stage's mapped state
// is one valid edge away.
func (e Engine) CompleteStage(ctx context.Context, opts CompleteStageOptions) (domain.StageRecord, error) {
	rules := e.rules()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StageRecord{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDatasetTx(ctx, tx, opts.DatasetID)
	if err != nil {
		return domain.StageRecord{}, err
	}
	current := lifecycle.State(d.State)
	if rules.IsImmutable(current) {
		return domain.StageRecord{}, ImmutableError{DatasetID: d.ID, State: current}
	}
	if !opts.Force && !rules.CanExecuteInCurrentState(opts.StageID, current) {
		return domain.StageRecord{}, fmt.Errorf("stage %d cannot run in state %s", opts.StageID, current)
	}
	now := e.now().UTC().Format(time.RFC3339)
	version := d.TopicVersion
	rec := domain.StageRecord{
		DatasetID:   d.ID,
		StageID:     opts.StageID,
		Status:      lifecycle.StageStatusCompleted,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if version != "" {
		rec.TopicVersionAtExecution = &version
	}
	if existing, err := e.Repo.GetStageRecordTx(ctx, tx, d.ID, opts.StageID); err == nil {
		rec.StartedAt = existing.StartedAt
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return rec, err
	}
	if err := e.Repo.UpsertStageRecord(ctx, tx, rec); err != nil {
		return rec, err
	}
	if _, err := e.Audit.Append(ctx, tx, "stage.completed", d.ID, opts.ActorID, events.Payload{
		"stage_id":      opts.StageID,
		"topic_version": version,
	}); err != nil {
		return rec, err
	}
	// Advance the dataset when the stage's mapped state is directly reachable.
	target := rules.StateForStage(opts.StageID)
	if target != current && rules.IsValidTransition(current, target) {
		if !rules.RequiresAttestation(target) || e.attestationOnFile(ctx, tx, d.ID, target) {
			if err := e.Repo.UpdateDatasetState(ctx, tx, d.ID, string(target), now); err != nil {
				return rec, err
			}
			if _, err := e.Audit.Append(ctx, tx, "dataset.transitioned", d.ID, opts.ActorID, events.Payload{
				"from":     d.State,
				"to":       string(target),
				"stage_id": opts.StageID,
			}); err != nil {
				return rec, err
			}
		}
	}
	return rec, tx.Commit()
}

func (e Engine) attestationOnFile(ctx context.Context, tx *sql.Tx, datasetID string, target lifecycle.State) bool {
	_, err := e.Repo.LatestAttestation(ctx, tx, datasetID, string(target))
	return err == nil
}

// RecordScanOptions are parameters for recording a PHI scan result.
type RecordScanOptions struct {
	DatasetID   string
	GateID      string
	Status      lifecycle.PhiStatus
	Findings    []lifecycle.PhiFinding
	Scope       string
	DurationMs  int64
	ContentHash string
	ActorID     string
}

// RecordScan persists a PHI scan result for one of the fixed gates.
func (e Engine) RecordScan(ctx context.Context, opts RecordScanOptions) (domain.PhiScan, error) {
	rules := e.rules()
	if _, ok := rules.PhiGateByID(opts.GateID); !ok {
		return domain.PhiScan{}, fmt.Errorf("unknown phi gate %s", opts.GateID)
	}
	if !lifecycle.KnownPhiStatus(opts.Status) {
		return domain.PhiScan{}, fmt.Errorf("unknown phi status %s", opts.Status)
	}
	if opts.Status == lifecycle.PhiOverridden {
		return domain.PhiScan{}, errors.New("OVERRIDDEN can only result from an override, not a scan")
	}
	for _, f := range opts.Findings {
		if !lifecycle.KnownFindingCategory(f.Category) {
			return domain.PhiScan{}, fmt.Errorf("unknown finding category %s", f.Category)
		}
	}
	s := domain.PhiScan{
		ID:        uuid.New().String(),
		DatasetID: opts.DatasetID,
		GateID:    opts.GateID,
		Status:    string(opts.Status),
		Scope:     opts.Scope,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if len(opts.Findings) > 0 {
		data, err := json.Marshal(opts.Findings)
		if err != nil {
			return s, err
		}
		payload := string(data)
		s.FindingsJSON = &payload
	}
	if opts.DurationMs > 0 {
		s.DurationMs = &opts.DurationMs
	}
	if opts.ContentHash != "" {
		s.ContentHash = &opts.ContentHash
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDatasetTx(ctx, tx, opts.DatasetID)
	if err != nil {
		return s, err
	}
	if lifecycle.State(d.State) == lifecycle.StateArchived {
		return s, ImmutableError{DatasetID: d.ID, State: lifecycle.StateArchived}
	}
	if err := e.Repo.InsertPhiScan(ctx, tx, s); err != nil {
		return s, err
	}
	if _, err := e.Audit.AppendPhi(ctx, tx, "phi.scan.recorded", d.ID, opts.ActorID, opts.Status, events.Payload{
		"gate_id":  opts.GateID,
		"scan_id":  s.ID,
		"findings": len(opts.Findings),
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// OverrideScanOptions are parameters for overriding a blocking scan.
type OverrideScanOptions struct {
	ScanID        string
	ActorID       string
	Justification string
}

// OverrideScan lifts a FAIL or QUARANTINED scan to an effective OVERRIDDEN
// status. The scan row itself is never rewritten; the override is a separate
// append-only record carrying the previous status and findings, and the
// effective status is derived from it on read. The actor must hold an
// override authority role and supply a substantive justification.
func (e Engine) OverrideScan(ctx context.Context, opts OverrideScanOptions) (domain.PhiOverride, error) {
	if !lifecycle.IsValidOverrideJustification(opts.Justification) {
		return domain.PhiOverride{}, errors.New("justification must be at least 20 characters")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhiOverride{}, err
	}
	defer tx.Rollback()

	scan, err := e.Repo.GetPhiScanTx(ctx, tx, opts.ScanID)
	if err != nil {
		return domain.PhiOverride{}, err
	}
	status := lifecycle.PhiStatus(scan.Status)
	if _, err := e.Repo.OverrideForScanTx(ctx, tx, scan.ID); err == nil {
		status = lifecycle.PhiOverridden
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.PhiOverride{}, err
	}
	if status != lifecycle.PhiFail && status != lifecycle.PhiQuarantined {
		return domain.PhiOverride{}, fmt.Errorf("scan status %s cannot be overridden", status)
	}
	if err := e.requireOverrideAuthority(ctx, tx, opts.ActorID); err != nil {
		return domain.PhiOverride{}, err
	}
	o := domain.PhiOverride{
		ID:             uuid.New().String(),
		DatasetID:      scan.DatasetID,
		ScanID:         scan.ID,
		ActorID:        opts.ActorID,
		Justification:  opts.Justification,
		PreviousStatus: scan.Status,
		FindingsJSON:   scan.FindingsJSON,
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertPhiOverride(ctx, tx, o); err != nil {
		return o, err
	}
	if _, err := e.Audit.AppendPhi(ctx, tx, "phi.scan.overridden", scan.DatasetID, opts.ActorID, lifecycle.PhiOverridden, events.Payload{
		"scan_id":         scan.ID,
		"gate_id":         scan.GateID,
		"previous_status": scan.Status,
		"justification":   opts.Justification,
	}); err != nil {
		return o, err
	}
	return o, tx.Commit()
}

func (e Engine) requireOverrideAuthority(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	// No RBAC configured: fall back to the phi.override permission when
	// roles exist in the database, else allow.
	var authorities []string
	if e.Config != nil {
		authorities = e.Config.RBAC.OverrideAuthorities
	}
	if len(authorities) > 0 {
		ok, err := e.Auth.ActorHoldsAnyRole(ctx, tx, actorID, authorities)
		if err != nil {
			return err
		}
		if !ok {
			return auth.ForbiddenOverrideError{ActorID: actorID}
		}
		return nil
	}
	if e.Config != nil && len(e.Config.RBAC.Roles) > 0 {
		ok, err := e.Auth.ActorHasPermission(ctx, tx, actorID, "phi.override")
		if err != nil {
			return err
		}
		if !ok {
			return auth.ForbiddenError{Permission: "phi.override"}
		}
	}
	return nil
}

// EffectivePhiStatus returns the latest scan status for a gate, OVERRIDDEN
// when that scan carries an override record, or UNCHECKED when no scan has
// been recorded.
func (e Engine) EffectivePhiStatus(ctx context.Context, datasetID, gateID string) (lifecycle.PhiStatus, error) {
	if _, ok := e.rules().PhiGateByID(gateID); !ok {
		return lifecycle.PhiUnchecked, fmt.Errorf("unknown phi gate %s", gateID)
	}
	scan, err := e.Repo.LatestPhiScan(ctx, datasetID, gateID)
	if errors.Is(err, repo.ErrNotFound) {
		return lifecycle.PhiUnchecked, nil
	}
	if err != nil {
		return lifecycle.PhiUnchecked, err
	}
	if _, err := e.Repo.OverrideForScan(ctx, scan.ID); err == nil {
		return lifecycle.PhiOverridden, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return lifecycle.PhiUnchecked, err
	}
	return lifecycle.PhiStatus(scan.Status), nil
}

// SetTopicVersionOptions are parameters for changing a dataset's topic version.
type SetTopicVersionOptions struct {
	DatasetID string
	Version   string
	ActorID   string
	Force     bool
}

// SetTopicVersion changes the dataset's topic version. When completed stages
// already executed against the old version the change is refused unless
// forced, so staleness is an explicit decision, never a silent one.
func (e Engine) SetTopicVersion(ctx context.Context, opts SetTopicVersionOptions) (domain.Dataset, error) {
	if opts.Version == "" {
		return domain.Dataset{}, errors.New("version required")
	}
	rules := e.rules()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dataset{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDatasetTx(ctx, tx, opts.DatasetID)
	if err != nil {
		return d, err
	}
	if rules.IsImmutable(lifecycle.State(d.State)) {
		return d, ImmutableError{DatasetID: d.ID, State: lifecycle.State(d.State)}
	}
	records, err := e.Repo.ListStageRecordsTx(ctx, tx, d.ID)
	if err != nil {
		return d, err
	}
	stages := make([]lifecycle.StageRecord, 0, len(records))
	for _, r := range records {
		s := lifecycle.StageRecord{StageID: r.StageID, Status: r.Status}
		if r.TopicVersionAtExecution != nil {
			s.TopicVersionAtExecution = *r.TopicVersionAtExecution
		}
		stages = append(stages, s)
	}
	outdated := lifecycle.OutdatedStages(stages, opts.Version)
	if len(outdated) > 0 && !opts.Force {
		return d, StaleStagesError{DatasetID: d.ID, Stages: outdated}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateDatasetTopicVersion(ctx, tx, d.ID, opts.Version, now); err != nil {
		return d, err
	}
	if _, err := e.Audit.Append(ctx, tx, "topic.version.updated", d.ID, opts.ActorID, events.Payload{
		"from":            d.TopicVersion,
		"to":              opts.Version,
		"outdated_stages": outdated,
		"forced":          opts.Force,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	d.TopicVersion = opts.Version
	d.UpdatedAt = now
	return d, nil
}

// OutdatedStages reports completed stages whose recorded topic version no
// longer matches the dataset's current one.
func (e Engine) OutdatedStages(ctx context.Context, datasetID string) ([]int, error) {
	d, err := e.Repo.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	records, err := e.Repo.ListStageRecords(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	stages := make([]lifecycle.StageRecord, 0, len(records))
	for _, r := range records {
		s := lifecycle.StageRecord{StageID: r.StageID, Status: r.Status}
		if r.TopicVersionAtExecution != nil {
			s.TopicVersionAtExecution = *r.TopicVersionAtExecution
		}
		stages = append(stages, s)
	}
	return lifecycle.OutdatedStages(stages, d.TopicVersion), nil
}

// AICallOptions are parameters for gating an AI model call.
type AICallOptions struct {
	DatasetID string
	StageID   int
	ActorID   string
	Purpose   string
}

// RecordAICall approves and audits an AI model call for an AI-enabled stage,
// or blocks it. Either outcome is written to the ledger.
func (e Engine) RecordAICall(ctx context.Context, opts AICallOptions) error {
	rules := e.rules()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDatasetTx(ctx, tx, opts.DatasetID)
	if err != nil {
		return err
	}
	if !rules.AIEnabled(opts.StageID) {
		if _, err := e.Audit.Append(ctx, tx, "ai.call.blocked", d.ID, opts.ActorID, events.Payload{
			"stage_id": opts.StageID,
			"purpose":  opts.Purpose,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return fmt.Errorf("ai calls not enabled for stage %d", opts.StageID)
	}
	if _, err := e.Audit.Append(ctx, tx, "ai.call.approved", d.ID, opts.ActorID, events.Payload{
		"stage_id": opts.StageID,
		"purpose":  opts.Purpose,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateDataset updates mutable metadata fields.
func (e Engine) UpdateDataset(ctx context.Context, datasetID string, title, description *string, actorID string) (domain.Dataset, error) {
	rules := e.rules()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dataset{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDatasetTx(ctx, tx, datasetID)
	if err != nil {
		return d, err
	}
	if rules.IsImmutable(lifecycle.State(d.State)) {
		return d, ImmutableError{DatasetID: d.ID, State: lifecycle.State(d.State)}
	}
	if title == nil && description == nil {
		return d, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateDatasetMeta(ctx, tx, d.ID, title, description, now); err != nil {
		return d, err
	}
	if _, err := e.Audit.Append(ctx, tx, "dataset.updated", d.ID, actorID, events.Payload{}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	if title != nil {
		d.Title = *title
	}
	if description != nil {
		d.Description = *description
	}
	d.UpdatedAt = now
	return d, nil
}
