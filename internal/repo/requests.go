package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"certline/internal/domain"
)

const requestColumns = `id,client_id,client_name,client_email,organization_name,certificate_type,description,purpose,requested_data_json,status,created_at`

func scanRequest(scan func(dest ...any) error) (domain.CertificateRequest, error) {
	var q domain.CertificateRequest
	var clientEmail, organizationName, description, purpose, requestedData sql.NullString
	err := scan(&q.ID, &q.ClientID, &q.ClientName, &clientEmail, &organizationName, &q.CertificateType, &description, &purpose, &requestedData, &q.Status, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	if clientEmail.Valid {
		q.ClientEmail = clientEmail.String
	}
	if organizationName.Valid {
		q.OrganizationName = organizationName.String
	}
	if description.Valid {
		q.Description = description.String
	}
	if purpose.Valid {
		q.Purpose = purpose.String
	}
	if requestedData.Valid && requestedData.String != "" {
		if err := json.Unmarshal([]byte(requestedData.String), &q.RequestedData); err != nil {
			return q, err
		}
	}
	return q, nil
}

func (r Repo) InsertRequest(ctx context.Context, q domain.CertificateRequest) error {
	var dataJSON any
	if len(q.RequestedData) > 0 {
		b, err := json.Marshal(q.RequestedData)
		if err != nil {
			return err
		}
		dataJSON = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO requests(id,client_id,client_name,client_email,organization_name,certificate_type,description,purpose,requested_data_json,status,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.ClientID, q.ClientName, nullable(q.ClientEmail), nullable(q.OrganizationName), q.CertificateType,
		nullable(q.Description), nullable(q.Purpose), dataJSON, q.Status, q.CreatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.CertificateRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.CertificateRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

type RequestFilters struct {
	ClientID        string
	Status          string
	CertificateType string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.CertificateRequest, error) {
	var clauses []string
	var args []any
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CertificateType != "" {
		clauses = append(clauses, "certificate_type=?")
		args = append(args, f.CertificateType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CertificateRequest
	for rows.Next() {
		q, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// SetRequestStatusTx moves a request between statuses if it still has the
// expected one. Returns rows changed (0: gone, or a concurrent writer won).
func (r Repo) SetRequestStatusTx(ctx context.Context, tx *sql.Tx, id, expectStatus, newStatus string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=? WHERE id=? AND status=?`, newStatus, id, expectStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendApprovalRecordTx appends one history record, assigning the next
// sequence number inside the caller's transaction. The stored Seq is
// returned on the copy.
func (r Repo) AppendApprovalRecordTx(ctx context.Context, tx *sql.Tx, rec domain.ApprovalRecord) (domain.ApprovalRecord, error) {
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM approval_records WHERE request_id=?`, rec.RequestID).Scan(&seq); err != nil {
		return rec, err
	}
	rec.Seq = seq
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_records(id,request_id,seq,reviewer_id,reviewer_name,action,comments,ts) VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RequestID, rec.Seq, rec.ReviewerID, nullable(rec.ReviewerName), rec.Action, nullableStringPtr(rec.Comments), rec.TS)
	return rec, err
}

// ListApprovalRecords returns a request's history in append order.
func (r Repo) ListApprovalRecords(ctx context.Context, requestID string) ([]domain.ApprovalRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,seq,reviewer_id,reviewer_name,action,comments,ts FROM approval_records WHERE request_id=? ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRecord
	for rows.Next() {
		var rec domain.ApprovalRecord
		var reviewerName, comments sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Seq, &rec.ReviewerID, &reviewerName, &rec.Action, &comments, &rec.TS); err != nil {
			return nil, err
		}
		if reviewerName.Valid {
			rec.ReviewerName = reviewerName.String
		}
		if comments.Valid {
			rec.Comments = &comments.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LastStatusRecord returns the most recent status-changing history record,
// or ErrNotFound if the request has none yet.
func (r Repo) LastStatusRecord(ctx context.Context, requestID string) (domain.ApprovalRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,request_id,seq,reviewer_id,reviewer_name,action,comments,ts FROM approval_records
WHERE request_id=? AND action NOT IN (?,?,?) ORDER BY seq DESC LIMIT 1`,
		requestID, domain.ActionAssigned, domain.ActionForwarded, domain.ActionInfoRequested)
	var rec domain.ApprovalRecord
	var reviewerName, comments sql.NullString
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.Seq, &rec.ReviewerID, &reviewerName, &rec.Action, &comments, &rec.TS)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if reviewerName.Valid {
		rec.ReviewerName = reviewerName.String
	}
	if comments.Valid {
		rec.Comments = &comments.String
	}
	return rec, nil
}
