package server

import (
	"encoding/json"

	"gateline/internal/domain"
	"gateline/internal/lifecycle"
)

type RegisterDatasetRequest struct {
	ID           *string `json:"id,omitempty"`
	Title        string  `json:"title"`
	Topic        string  `json:"topic,omitempty"`
	TopicVersion string  `json:"topic_version,omitempty"`
	Description  *string `json:"description,omitempty"`
}

type DatasetResponse struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Topic        string  `json:"topic,omitempty"`
	TopicVersion string  `json:"topic_version,omitempty"`
	State        string  `json:"state"`
	Description  string  `json:"description,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	FrozenAt     *string `json:"frozen_at,omitempty"`
	ArchivedAt   *string `json:"archived_at,omitempty"`
}

func datasetResponse(d domain.Dataset) DatasetResponse {
	return DatasetResponse{
		ID:           d.ID,
		Title:        d.Title,
		Topic:        d.Topic,
		TopicVersion: d.TopicVersion,
		State:        d.State,
		Description:  d.Description,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		FrozenAt:     d.FrozenAt,
		ArchivedAt:   d.ArchivedAt,
	}
}

func mapDatasets(items []domain.Dataset) []DatasetResponse {
	res := make([]DatasetResponse, 0, len(items))
	for _, d := range items {
		res = append(res, datasetResponse(d))
	}
	return res
}

type paginatedDatasets struct {
	Items      []DatasetResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type TransitionRequest struct {
	Target string `json:"target"`
}

type UpdateDatasetRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type SetTopicVersionRequest struct {
	Version string `json:"version"`
}

type AttestRequest struct {
	TargetState string   `json:"target_state"`
	StageID     int      `json:"stage_id,omitempty"`
	Affirmed    []string `json:"affirmed"`
}

type AttestationResponse struct {
	ID          string   `json:"id"`
	DatasetID   string   `json:"dataset_id"`
	TargetState string   `json:"target_state"`
	StageID     int      `json:"stage_id"`
	ActorID     string   `json:"actor_id"`
	Affirmed    []string `json:"affirmed"`
	TS          string   `json:"ts"`
}

func attestationResponse(a domain.Attestation) AttestationResponse {
	var affirmed []string
	if a.AffirmedJSON != "" {
		_ = json.Unmarshal([]byte(a.AffirmedJSON), &affirmed)
	}
	return AttestationResponse{
		ID:          a.ID,
		DatasetID:   a.DatasetID,
		TargetState: a.TargetState,
		StageID:     a.StageID,
		ActorID:     a.ActorID,
		Affirmed:    affirmed,
		TS:          a.TS,
	}
}

type StageRecordResponse struct {
	StageID                 int     `json:"stage_id"`
	Status                  string  `json:"status"`
	TopicVersionAtExecution *string `json:"topic_version_at_execution,omitempty"`
	StartedAt               *string `json:"started_at,omitempty"`
	CompletedAt             *string `json:"completed_at,omitempty"`
	Outdated                bool    `json:"outdated"`
}

func stageRecordResponse(s domain.StageRecord, currentVersion string) StageRecordResponse {
	rec := lifecycle.StageRecord{StageID: s.StageID, Status: s.Status}
	if s.TopicVersionAtExecution != nil {
		rec.TopicVersionAtExecution = *s.TopicVersionAtExecution
	}
	return StageRecordResponse{
		StageID:                 s.StageID,
		Status:                  s.Status,
		TopicVersionAtExecution: s.TopicVersionAtExecution,
		StartedAt:               s.StartedAt,
		CompletedAt:             s.CompletedAt,
		Outdated:                lifecycle.IsStageOutdated(rec, currentVersion),
	}
}

type RecordScanRequest struct {
	GateID      string                 `json:"gate_id"`
	Status      string                 `json:"status"`
	Findings    []lifecycle.PhiFinding `json:"findings,omitempty"`
	Scope       string                 `json:"scope,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	ContentHash string                 `json:"content_hash,omitempty"`
}

type PhiScanResponse struct {
	ID          string                 `json:"id"`
	DatasetID   string                 `json:"dataset_id"`
	GateID      string                 `json:"gate_id"`
	Status      string                 `json:"status"`
	Findings    []lifecycle.PhiFinding `json:"findings,omitempty"`
	Scope       string                 `json:"scope,omitempty"`
	DurationMs  *int64                 `json:"duration_ms,omitempty"`
	ContentHash *string                `json:"content_hash,omitempty"`
	CreatedAt   string                 `json:"created_at"`
}

func phiScanResponse(s domain.PhiScan) PhiScanResponse {
	var findings []lifecycle.PhiFinding
	if s.FindingsJSON != nil {
		_ = json.Unmarshal([]byte(*s.FindingsJSON), &findings)
	}
	return PhiScanResponse{
		ID:          s.ID,
		DatasetID:   s.DatasetID,
		GateID:      s.GateID,
		Status:      s.Status,
		Findings:    findings,
		Scope:       s.Scope,
		DurationMs:  s.DurationMs,
		ContentHash: s.ContentHash,
		CreatedAt:   s.CreatedAt,
	}
}

type OverrideScanRequest struct {
	Justification string `json:"justification"`
}

type PhiOverrideResponse struct {
	ID             string `json:"id"`
	DatasetID      string `json:"dataset_id"`
	ScanID         string `json:"scan_id"`
	ActorID        string `json:"actor_id"`
	Justification  string `json:"justification"`
	PreviousStatus string `json:"previous_status"`
	CreatedAt      string `json:"created_at"`
}

func phiOverrideResponse(o domain.PhiOverride) PhiOverrideResponse {
	return PhiOverrideResponse{
		ID:             o.ID,
		DatasetID:      o.DatasetID,
		ScanID:         o.ScanID,
		ActorID:        o.ActorID,
		Justification:  o.Justification,
		PreviousStatus: o.PreviousStatus,
		CreatedAt:      o.CreatedAt,
	}
}

type AICallRequest struct {
	StageID int    `json:"stage_id"`
	Purpose string `json:"purpose,omitempty"`
}

type AuditEntryResponse struct {
	Seq       int64          `json:"seq"`
	EntryID   string         `json:"entry_id"`
	TS        string         `json:"ts"`
	Action    string         `json:"action"`
	DatasetID string         `json:"dataset_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	PhiStatus string         `json:"phi_status,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return AuditEntryResponse{
		Seq:       e.Seq,
		EntryID:   e.EntryID,
		TS:        e.TS,
		Action:    e.Action,
		DatasetID: e.DatasetID,
		ActorID:   e.ActorID,
		PhiStatus: e.PhiStatus,
		Payload:   payload,
	}
}

type paginatedAuditEntries struct {
	Items      []AuditEntryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type StateMetadataResponse struct {
	State       string   `json:"state"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Color       string   `json:"color,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Next        []string `json:"next"`
	Immutable   bool     `json:"immutable"`
	Terminal    bool     `json:"terminal"`
	Attested    bool     `json:"attestation_required"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}
