package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const datasetColumns = `id,title,topic,topic_version,state,COALESCE(description,'') AS description,created_at,updated_at,frozen_at,archived_at`

func scanDataset(scan func(dest ...any) error) (domain.Dataset, error) {
	var d domain.Dataset
	var frozenAt, archivedAt sql.NullString
	err := scan(&d.ID, &d.Title, &d.Topic, &d.TopicVersion, &d.State, &d.Description, &d.CreatedAt, &d.UpdatedAt, &frozenAt, &archivedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if frozenAt.Valid {
		d.FrozenAt = &frozenAt.String
	}
	if archivedAt.Valid {
		d.ArchivedAt = &archivedAt.String
	}
	return d, nil
}

func (r Repo) InsertDataset(ctx context.Context, tx *sql.Tx, d domain.Dataset) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO datasets(id,title,topic,topic_version,state,description,created_at,updated_at,frozen_at,archived_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Title, d.Topic, d.TopicVersion, d.State, d.Description, d.CreatedAt, d.UpdatedAt,
		nullableStringPtr(d.FrozenAt), nullableStringPtr(d.ArchivedAt))
	return err
}

func (r Repo) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id=?`, id)
	return scanDataset(row.Scan)
}

func (r Repo) GetDatasetTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dataset, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id=?`, id)
	return scanDataset(row.Scan)
}

type DatasetFilters struct {
	State           string
	Topic           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDatasets(ctx context.Context, f DatasetFilters) ([]domain.Dataset, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Topic != "" {
		clauses = append(clauses, "topic=?")
		args = append(args, f.Topic)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + datasetColumns + ` FROM datasets ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dataset
	for rows.Next() {
		d, err := scanDataset(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDatasetState moves a dataset to a new state and stamps the
// milestone columns for FROZEN and ARCHIVED.
func (r Repo) UpdateDatasetState(ctx context.Context, tx *sql.Tx, id, state, now string) error {
	fields := []string{"state=?", "updated_at=?"}
	args := []any{state, now}
	switch state {
	case "FROZEN":
		fields = append(fields, "frozen_at=?")
		args = append(args, now)
	case "ARCHIVED":
		fields = append(fields, "archived_at=?")
		args = append(args, now)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE datasets SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateDatasetTopicVersion(ctx context.Context, tx *sql.Tx, id, topicVersion, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE datasets SET topic_version=?, updated_at=? WHERE id=?`, topicVersion, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateDatasetMeta(ctx context.Context, tx *sql.Tx, id string, title, description *string, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if title != nil {
		fields = append(fields, "title=?")
		args = append(args, *title)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, *description)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE datasets SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStageRecord(scan func(dest ...any) error) (domain.StageRecord, error) {
	var s domain.StageRecord
	var version, startedAt, completedAt sql.NullString
	err := scan(&s.DatasetID, &s.StageID, &s.Status, &version, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if version.Valid {
		s.TopicVersionAtExecution = &version.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) UpsertStageRecord(ctx context.Context, tx *sql.Tx, s domain.StageRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_records(dataset_id,stage_id,status,topic_version_at_execution,started_at,completed_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(dataset_id,stage_id) DO UPDATE SET status=excluded.status, topic_version_at_execution=excluded.topic_version_at_execution, started_at=COALESCE(stage_records.started_at, excluded.started_at), completed_at=excluded.completed_at`,
		s.DatasetID, s.StageID, s.Status, nullableStringPtr(s.TopicVersionAtExecution), nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt))
	return err
}

func (r Repo) GetStageRecord(ctx context.Context, datasetID string, stageID int) (domain.StageRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT dataset_id,stage_id,status,topic_version_at_execution,started_at,completed_at FROM stage_records WHERE dataset_id=? AND stage_id=?`, datasetID, stageID)
	return scanStageRecord(row.Scan)
}

func (r Repo) GetStageRecordTx(ctx context.Context, tx *sql.Tx, datasetID string, stageID int) (domain.StageRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT dataset_id,stage_id,status,topic_version_at_execution,started_at,completed_at FROM stage_records WHERE dataset_id=? AND stage_id=?`, datasetID, stageID)
	return scanStageRecord(row.Scan)
}

func (r Repo) ListStageRecords(ctx context.Context, datasetID string) ([]domain.StageRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT dataset_id,stage_id,status,topic_version_at_execution,started_at,completed_at FROM stage_records WHERE dataset_id=? ORDER BY stage_id ASC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageRecord
	for rows.Next() {
		s, err := scanStageRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListStageRecordsTx(ctx context.Context, tx *sql.Tx, datasetID string) ([]domain.StageRecord, error) {
	rows, err := tx.QueryContext(ctx, `SELECT dataset_id,stage_id,status,topic_version_at_execution,started_at,completed_at FROM stage_records WHERE dataset_id=? ORDER BY stage_id ASC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageRecord
	for rows.Next() {
		s, err := scanStageRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertAttestation(ctx context.Context, tx *sql.Tx, att domain.Attestation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attestations(id,dataset_id,target_state,stage_id,actor_id,affirmed_json,ts) VALUES (?,?,?,?,?,?,?)`,
		att.ID, att.DatasetID, att.TargetState, att.StageID, att.ActorID, att.AffirmedJSON, att.TS)
	return err
}

// LatestAttestation returns the newest attestation for a dataset/target pair.
func (r Repo) LatestAttestation(ctx context.Context, tx *sql.Tx, datasetID, targetState string) (domain.Attestation, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,dataset_id,target_state,stage_id,actor_id,affirmed_json,ts FROM attestations WHERE dataset_id=? AND target_state=? ORDER BY ts DESC, id DESC LIMIT 1`, datasetID, targetState)
	var a domain.Attestation
	err := row.Scan(&a.ID, &a.DatasetID, &a.TargetState, &a.StageID, &a.ActorID, &a.AffirmedJSON, &a.TS)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

type AttestationFilters struct {
	DatasetID   string
	TargetState string
	Limit       int
	CursorTS    string
	CursorID    string
}

func (r Repo) ListAttestations(ctx context.Context, f AttestationFilters) ([]domain.Attestation, error) {
	var clauses []string
	var args []any
	if f.DatasetID != "" {
		clauses = append(clauses, "dataset_id=?")
		args = append(args, f.DatasetID)
	}
	if f.TargetState != "" {
		clauses = append(clauses, "target_state=?")
		args = append(args, f.TargetState)
	}
	if f.CursorTS != "" && f.CursorID != "" {
		clauses = append(clauses, "(ts < ? OR (ts = ? AND id < ?))")
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,dataset_id,target_state,stage_id,actor_id,affirmed_json,ts FROM attestations ` + where + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attestation
	for rows.Next() {
		var a domain.Attestation
		if err := rows.Scan(&a.ID, &a.DatasetID, &a.TargetState, &a.StageID, &a.ActorID, &a.AffirmedJSON, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type AuditFilters struct {
	DatasetID string
	Action    string
	PhiOnly   bool
	Limit     int
	Cursor    int64
}

func (r Repo) ListAuditEntries(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.DatasetID != "" {
		clauses = append(clauses, "dataset_id=?")
		args = append(args, f.DatasetID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.PhiOnly {
		clauses = append(clauses, "phi_status IS NOT NULL")
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT seq,entry_id,ts,action,dataset_id,actor_id,phi_status,payload FROM audit_entries %s ORDER BY seq DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var phiStatus sql.NullString
		if err := rows.Scan(&e.Seq, &e.EntryID, &e.TS, &e.Action, &e.DatasetID, &e.ActorID, &phiStatus, &e.Payload); err != nil {
			return nil, err
		}
		if phiStatus.Valid {
			e.PhiStatus = phiStatus.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AuditEntriesAfter returns entries with seq greater than the cursor in ascending order.
func (r Repo) AuditEntriesAfter(ctx context.Context, limit int, cursor int64, datasetID string) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if datasetID != "" {
		clauses = append(clauses, "dataset_id=?")
		args = append(args, datasetID)
	}
	if cursor > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT seq,entry_id,ts,action,dataset_id,actor_id,phi_status,payload FROM audit_entries %s ORDER BY seq ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var phiStatus sql.NullString
		if err := rows.Scan(&e.Seq, &e.EntryID, &e.TS, &e.Action, &e.DatasetID, &e.ActorID, &phiStatus, &e.Payload); err != nil {
			return nil, err
		}
		if phiStatus.Valid {
			e.PhiStatus = phiStatus.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestAuditSeq returns the most recent audit sequence number.
func (r Repo) LatestAuditSeq(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM audit_entries`)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r Repo) CountDatasetsByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM datasets GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
