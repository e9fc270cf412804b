package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Dataset represents the API dataset model (partial).
type Dataset struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Topic        string `json:"topic,omitempty"`
	TopicVersion string `json:"topic_version,omitempty"`
	State        string `json:"state"`
}

// Attestation represents a recorded gate sign-off.
type Attestation struct {
	ID          string   `json:"id"`
	DatasetID   string   `json:"dataset_id"`
	TargetState string   `json:"target_state"`
	StageID     int      `json:"stage_id"`
	ActorID     string   `json:"actor_id"`
	Affirmed    []string `json:"affirmed"`
	TS          string   `json:"ts"`
}

// StageDecision is the outcome of a stage authorization request.
type StageDecision struct {
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason,omitempty"`
	RequiredState      string `json:"required_state"`
	CurrentState       string `json:"current_state"`
	NeedsAttestation   bool   `json:"needs_attestation"`
	PhiGateID          string `json:"phi_gate_id,omitempty"`
	EffectivePhiStatus string `json:"effective_phi_status,omitempty"`
}

// PhiScan represents a recorded PHI scan result.
type PhiScan struct {
	ID        string `json:"id"`
	DatasetID string `json:"dataset_id"`
	GateID    string `json:"gate_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// AuditEntry is one row of the governance ledger.
type AuditEntry struct {
	Seq       int64          `json:"seq"`
	EntryID   string         `json:"entry_id"`
	TS        string         `json:"ts"`
	Action    string         `json:"action"`
	DatasetID string         `json:"dataset_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	PhiStatus string         `json:"phi_status,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// PaginatedAuditEntries wraps audit listings with a cursor.
type PaginatedAuditEntries struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterDataset registers a dataset in DRAFT.
func (c *Client) RegisterDataset(ctx context.Context, title, topic, topicVersion string) (Dataset, error) {
	body := map[string]any{
		"title":         title,
		"topic":         topic,
		"topic_version": topicVersion,
	}
	var resp Dataset
	err := c.do(ctx, http.MethodPost, "v0/datasets", body, &resp)
	return resp, err
}

// GetDataset fetches a dataset by id.
func (c *Client) GetDataset(ctx context.Context, id string) (Dataset, error) {
	var resp Dataset
	err := c.do(ctx, http.MethodGet, "v0/datasets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition moves a dataset to a new lifecycle state.
func (c *Client) Transition(ctx context.Context, id, target string) (Dataset, error) {
	var resp Dataset
	endpoint := fmt.Sprintf("v0/datasets/%s/transition", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"target": target}, &resp)
	return resp, err
}

// Attest records a gate attestation with the affirmed checklist items.
func (c *Client) Attest(ctx context.Context, datasetID, targetState string, affirmed []string) (Attestation, error) {
	body := map[string]any{
		"target_state": targetState,
		"affirmed":     affirmed,
	}
	var resp Attestation
	endpoint := fmt.Sprintf("v0/datasets/%s/attestations", url.PathEscape(datasetID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AuthorizeStage asks whether a stage may run against the dataset.
func (c *Client) AuthorizeStage(ctx context.Context, datasetID string, stageID int) (StageDecision, error) {
	var resp StageDecision
	endpoint := fmt.Sprintf("v0/datasets/%s/stages/%d/authorize", url.PathEscape(datasetID), stageID)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecordScan records a PHI scan result against a gate.
func (c *Client) RecordScan(ctx context.Context, datasetID, gateID, status string, findings []map[string]any) (PhiScan, error) {
	body := map[string]any{
		"gate_id":  gateID,
		"status":   status,
		"findings": findings,
	}
	var resp PhiScan
	endpoint := fmt.Sprintf("v0/datasets/%s/phi/scans", url.PathEscape(datasetID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// OverrideScan lifts a blocking scan with a justification.
func (c *Client) OverrideScan(ctx context.Context, scanID, justification string) error {
	endpoint := fmt.Sprintf("v0/phi/scans/%s/override", url.PathEscape(scanID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"justification": justification}, nil)
}

// AuditPage returns a page of audit entries, newest first.
func (c *Client) AuditPage(ctx context.Context, datasetID string, limit int, cursor string) (PaginatedAuditEntries, error) {
	endpoint := "v0/audit"
	params := url.Values{}
	if datasetID != "" {
		params.Set("dataset_id", datasetID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedAuditEntries
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
