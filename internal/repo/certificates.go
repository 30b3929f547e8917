package repo

import (
	"context"
	"database/sql"
	"strings"

	"certline/internal/domain"
)

const certificateColumns = `id,recipient_id,recipient_name,type,template_id,issued_at,expires_at,status,verification_code,reminder_sent`

func scanCertificate(scan func(dest ...any) error) (domain.Certificate, error) {
	var c domain.Certificate
	var templateID, expiresAt sql.NullString
	var reminderSent int
	err := scan(&c.ID, &c.RecipientID, &c.RecipientName, &c.Type, &templateID, &c.IssuedAt, &expiresAt, &c.Status, &c.VerificationCode, &reminderSent)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if templateID.Valid {
		c.TemplateID = &templateID.String
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.String
	}
	c.ReminderSent = reminderSent != 0
	return c, nil
}

func (r Repo) InsertCertificateTx(ctx context.Context, tx *sql.Tx, c domain.Certificate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO certificates(id,recipient_id,recipient_name,type,template_id,issued_at,expires_at,status,verification_code,reminder_sent) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.RecipientID, c.RecipientName, c.Type, nullableStringPtr(c.TemplateID), c.IssuedAt,
		nullableStringPtr(c.ExpiresAt), c.Status, c.VerificationCode, boolInt(c.ReminderSent))
	return err
}

func (r Repo) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id=?`, id)
	return scanCertificate(row.Scan)
}

func (r Repo) GetCertificateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Certificate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id=?`, id)
	return scanCertificate(row.Scan)
}

func (r Repo) GetCertificateByCode(ctx context.Context, code string) (domain.Certificate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE verification_code=?`, code)
	return scanCertificate(row.Scan)
}

type CertificateFilters struct {
	RecipientID     string
	Status          string
	Type            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCertificates(ctx context.Context, f CertificateFilters) ([]domain.Certificate, error) {
	var clauses []string
	var args []any
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(issued_at < ? OR (issued_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + certificateColumns + ` FROM certificates ` + where + ` ORDER BY issued_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetCertificateStatusTx revokes (or otherwise moves) a certificate if its
// status is still one of the expected values. Returns rows changed.
func (r Repo) SetCertificateStatusTx(ctx context.Context, tx *sql.Tx, id, newStatus string, expectStatuses ...string) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(expectStatuses)), ",")
	args := []any{newStatus, id}
	for _, s := range expectStatuses {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx, `UPDATE certificates SET status=? WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpiringCertificates returns live certificates expiring on or before the
// deadline that have not had a reminder yet.
func (r Repo) ExpiringCertificates(ctx context.Context, deadline string, limit int) ([]domain.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates
WHERE status IN (?,?) AND reminder_sent=0 AND expires_at IS NOT NULL AND expires_at<=? ORDER BY expires_at ASC, id ASC`
	args := []any{domain.CertificateIssued, domain.CertificateActive, deadline}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) MarkReminderSent(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE certificates SET reminder_sent=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertVerification(ctx context.Context, v domain.Verification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO verifications(id,certificate_id,code,result,source,ts) VALUES (?,?,?,?,?,?)`,
		v.ID, nullableStringPtr(v.CertificateID), v.Code, v.Result, nullable(v.Source), v.TS)
	return err
}

// ListVerifications returns recorded lookups for a certificate, newest first.
func (r Repo) ListVerifications(ctx context.Context, certificateID string, limit int) ([]domain.Verification, error) {
	query := `SELECT id,certificate_id,code,result,source,ts FROM verifications WHERE certificate_id=? ORDER BY ts DESC, id DESC`
	args := []any{certificateID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Verification
	for rows.Next() {
		var v domain.Verification
		var certID, source sql.NullString
		if err := rows.Scan(&v.ID, &certID, &v.Code, &v.Result, &source, &v.TS); err != nil {
			return nil, err
		}
		if certID.Valid {
			v.CertificateID = &certID.String
		}
		if source.Valid {
			v.Source = source.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
