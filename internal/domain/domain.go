package domain

type Dataset struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Topic        string  `json:"topic,omitempty"`
	TopicVersion string  `json:"topic_version,omitempty"`
	State        string  `json:"state" enum:"DRAFT,SPEC_DEFINED,EXTRACTION_COMPLETE,QA_PASSED,QA_FAILED,LINKED,ANALYSIS_READY,IN_ANALYSIS,ANALYSIS_COMPLETE,FROZEN,ARCHIVED"`
	Description  string  `json:"description,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	FrozenAt     *string `json:"frozen_at,omitempty" format:"date-time"`
	ArchivedAt   *string `json:"archived_at,omitempty" format:"date-time"`
}

type StageRecord struct {
	DatasetID               string  `json:"dataset_id"`
	StageID                 int     `json:"stage_id"`
	Status                  string  `json:"status" enum:"pending,running,completed,failed"`
	TopicVersionAtExecution *string `json:"topic_version_at_execution,omitempty"`
	StartedAt               *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt             *string `json:"completed_at,omitempty" format:"date-time"`
}

type Attestation struct {
	ID           string `json:"id"`
	DatasetID    string `json:"dataset_id"`
	TargetState  string `json:"target_state"`
	StageID      int    `json:"stage_id"`
	ActorID      string `json:"actor_id"`
	AffirmedJSON string `json:"affirmed_json"`
	TS           string `json:"ts" format:"date-time"`
}

type PhiScan struct {
	ID           string  `json:"id"`
	DatasetID    string  `json:"dataset_id"`
	GateID       string  `json:"gate_id" enum:"pre-analysis,pre-generation,pre-export"`
	Status       string  `json:"status" enum:"UNCHECKED,SCANNING,PASS,FAIL,QUARANTINED,OVERRIDDEN"`
	FindingsJSON *string `json:"findings_json,omitempty"`
	Scope        string  `json:"scope,omitempty"`
	DurationMs   *int64  `json:"duration_ms,omitempty"`
	ContentHash  *string `json:"content_hash,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type PhiOverride struct {
	ID             string  `json:"id"`
	DatasetID      string  `json:"dataset_id"`
	ScanID         string  `json:"scan_id"`
	ActorID        string  `json:"actor_id"`
	Justification  string  `json:"justification"`
	PreviousStatus string  `json:"previous_status"`
	FindingsJSON   *string `json:"findings_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	Seq       int64  `json:"seq"`
	EntryID   string `json:"entry_id"`
	TS        string `json:"ts" format:"date-time"`
	Action    string `json:"action"`
	DatasetID string `json:"dataset_id,omitempty"`
	ActorID   string `json:"actor_id"`
	PhiStatus string `json:"phi_status,omitempty"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
