package repo

import (
	"context"
	"database/sql"
	"strings"

	"gateline/internal/domain"
)

func scanPhiScan(scan func(dest ...any) error) (domain.PhiScan, error) {
	var s domain.PhiScan
	var findings, contentHash sql.NullString
	var durationMs sql.NullInt64
	err := scan(&s.ID, &s.DatasetID, &s.GateID, &s.Status, &findings, &s.Scope, &durationMs, &contentHash, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if findings.Valid {
		s.FindingsJSON = &findings.String
	}
	if durationMs.Valid {
		s.DurationMs = &durationMs.Int64
	}
	if contentHash.Valid {
		s.ContentHash = &contentHash.String
	}
	return s, nil
}

func (r Repo) InsertPhiScan(ctx context.Context, tx *sql.Tx, s domain.PhiScan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phi_scans(id,dataset_id,gate_id,status,findings_json,scope,duration_ms,content_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.DatasetID, s.GateID, s.Status, nullableStringPtr(s.FindingsJSON), s.Scope, nullableInt64Ptr(s.DurationMs), nullableStringPtr(s.ContentHash), s.CreatedAt)
	return err
}

func scanPhiOverride(scan func(dest ...any) error) (domain.PhiOverride, error) {
	var o domain.PhiOverride
	var findings sql.NullString
	err := scan(&o.ID, &o.DatasetID, &o.ScanID, &o.ActorID, &o.Justification, &o.PreviousStatus, &findings, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if findings.Valid {
		o.FindingsJSON = &findings.String
	}
	return o, nil
}

// OverrideForScan returns the override recorded against a scan, if any.
// Scan rows themselves are never rewritten; the override is a separate
// append-only record.
func (r Repo) OverrideForScan(ctx context.Context, scanID string) (domain.PhiOverride, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,dataset_id,scan_id,actor_id,justification,previous_status,findings_json,created_at FROM phi_overrides WHERE scan_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, scanID)
	return scanPhiOverride(row.Scan)
}

func (r Repo) OverrideForScanTx(ctx context.Context, tx *sql.Tx, scanID string) (domain.PhiOverride, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,dataset_id,scan_id,actor_id,justification,previous_status,findings_json,created_at FROM phi_overrides WHERE scan_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, scanID)
	return scanPhiOverride(row.Scan)
}

func (r Repo) GetPhiScan(ctx context.Context, id string) (domain.PhiScan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,dataset_id,gate_id,status,findings_json,scope,duration_ms,content_hash,created_at FROM phi_scans WHERE id=?`, id)
	return scanPhiScan(row.Scan)
}

func (r Repo) GetPhiScanTx(ctx context.Context, tx *sql.Tx, id string) (domain.PhiScan, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,dataset_id,gate_id,status,findings_json,scope,duration_ms,content_hash,created_at FROM phi_scans WHERE id=?`, id)
	return scanPhiScan(row.Scan)
}

// LatestPhiScan returns the newest scan for a dataset/gate pair.
func (r Repo) LatestPhiScan(ctx context.Context, datasetID, gateID string) (domain.PhiScan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,dataset_id,gate_id,status,findings_json,scope,duration_ms,content_hash,created_at FROM phi_scans WHERE dataset_id=? AND gate_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, datasetID, gateID)
	return scanPhiScan(row.Scan)
}

func (r Repo) LatestPhiScanTx(ctx context.Context, tx *sql.Tx, datasetID, gateID string) (domain.PhiScan, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,dataset_id,gate_id,status,findings_json,scope,duration_ms,content_hash,created_at FROM phi_scans WHERE dataset_id=? AND gate_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, datasetID, gateID)
	return scanPhiScan(row.Scan)
}

type PhiScanFilters struct {
	DatasetID       string
	GateID          string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListPhiScans(ctx context.Context, f PhiScanFilters) ([]domain.PhiScan, error) {
	var clauses []string
	var args []any
	if f.DatasetID != "" {
		clauses = append(clauses, "dataset_id=?")
		args = append(args, f.DatasetID)
	}
	if f.GateID != "" {
		clauses = append(clauses, "gate_id=?")
		args = append(args, f.GateID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,dataset_id,gate_id,status,findings_json,scope,duration_ms,content_hash,created_at FROM phi_scans ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhiScan
	for rows.Next() {
		s, err := scanPhiScan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertPhiOverride(ctx context.Context, tx *sql.Tx, o domain.PhiOverride) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phi_overrides(id,dataset_id,scan_id,actor_id,justification,previous_status,findings_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.DatasetID, o.ScanID, o.ActorID, o.Justification, o.PreviousStatus, nullableStringPtr(o.FindingsJSON), o.CreatedAt)
	return err
}

func (r Repo) ListPhiOverrides(ctx context.Context, datasetID string) ([]domain.PhiOverride, error) {
	query := `SELECT id,dataset_id,scan_id,actor_id,justification,previous_status,findings_json,created_at FROM phi_overrides`
	var args []any
	if datasetID != "" {
		query += ` WHERE dataset_id=?`
		args = append(args, datasetID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhiOverride
	for rows.Next() {
		var o domain.PhiOverride
		var findings sql.NullString
		if err := rows.Scan(&o.ID, &o.DatasetID, &o.ScanID, &o.ActorID, &o.Justification, &o.PreviousStatus, &findings, &o.CreatedAt); err != nil {
			return nil, err
		}
		if findings.Valid {
			o.FindingsJSON = &findings.String
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
