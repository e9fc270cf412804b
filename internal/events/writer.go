// Package events appends governance actions to the append-only audit ledger.
// Entries are written inside the caller's transaction so a failed operation
// never leaves a stray audit record.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gateline/internal/lifecycle"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes a plain audit entry and returns its generated id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, action, datasetID, actorID string, payload Payload) (string, error) {
	entry := lifecycle.NewAuditEntryAt(w.now(), action, payload)
	return entry.ID, w.insert(ctx, tx, entry.ID, entry.Timestamp, action, datasetID, actorID, nil, payload)
}

// AppendPhi writes a PHI audit entry carrying the scan status at entry time.
func (w Writer) AppendPhi(ctx context.Context, tx *sql.Tx, action, datasetID, actorID string, status lifecycle.PhiStatus, payload Payload) (string, error) {
	entry := lifecycle.NewPhiAuditEntryAt(w.now(), action, status, payload)
	s := string(status)
	return entry.ID, w.insert(ctx, tx, entry.ID, entry.Timestamp, action, datasetID, actorID, &s, payload)
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, entryID, ts, action, datasetID, actorID string, phiStatus *string, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	var status any
	if phiStatus != nil {
		status = *phiStatus
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(entry_id,ts,action,dataset_id,actor_id,phi_status,payload) VALUES (?,?,?,?,?,?,?)`,
		entryID, ts, action, datasetID, actorID, status, string(data))
	return err
}
