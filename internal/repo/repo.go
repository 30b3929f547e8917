package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"certline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
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

const documentColumns = `id,uploader_id,file_name,mime_type,file_size,type,status,uploaded_at,reviewed_by,reviewed_at,rejection_reason,template_created`

func scanDocument(scan func(dest ...any) error) (domain.Document, error) {
	var d domain.Document
	var mimeType, docType, reviewedBy, reviewedAt, rejectionReason sql.NullString
	var templateCreated int
	err := scan(&d.ID, &d.UploaderID, &d.FileName, &mimeType, &d.FileSize, &docType, &d.Status, &d.UploadedAt, &reviewedBy, &reviewedAt, &rejectionReason, &templateCreated)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if mimeType.Valid {
		d.MimeType = mimeType.String
	}
	if docType.Valid {
		d.Type = docType.String
	}
	if reviewedBy.Valid {
		d.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		d.ReviewedAt = &reviewedAt.String
	}
	if rejectionReason.Valid {
		d.RejectionReason = &rejectionReason.String
	}
	d.TemplateCreated = templateCreated != 0
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, d domain.Document) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(id,uploader_id,file_name,mime_type,file_size,type,status,uploaded_at,reviewed_by,reviewed_at,rejection_reason,template_created) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.UploaderID, d.FileName, nullable(d.MimeType), d.FileSize, nullable(d.Type), d.Status, d.UploadedAt,
		nullableStringPtr(d.ReviewedBy), nullableStringPtr(d.ReviewedAt), nullableStringPtr(d.RejectionReason), boolInt(d.TemplateCreated))
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

type DocumentFilters struct {
	UploaderID      string
	Status          string
	Type            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDocuments(ctx context.Context, f DocumentFilters) ([]domain.Document, error) {
	var clauses []string
	var args []any
	if f.UploaderID != "" {
		clauses = append(clauses, "uploader_id=?")
		args = append(args, f.UploaderID)
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
		clauses = append(clauses, "(uploaded_at < ? OR (uploaded_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + documentColumns + ` FROM documents ` + where + ` ORDER BY uploaded_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// SetDocumentReviewTx applies a review decision if the document still has
// the expected status. Returns the number of rows changed (0 means the
// document is gone or the status moved underneath the caller).
func (r Repo) SetDocumentReviewTx(ctx context.Context, tx *sql.Tx, id, expectStatus, newStatus, reviewedBy, reviewedAt string, rejectionReason *string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET status=?, reviewed_by=?, reviewed_at=?, rejection_reason=? WHERE id=? AND status=?`,
		newStatus, reviewedBy, reviewedAt, nullableStringPtr(rejectionReason), id, expectStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkTemplateCreatedTx flips the soft link on a verified document.
func (r Repo) MarkTemplateCreatedTx(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET template_created=1 WHERE id=? AND status=?`, id, domain.DocumentVerified)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const templateColumns = `id,name,description,source_document_id,created_by,created_at,status`

func scanTemplate(scan func(dest ...any) error) (domain.Template, error) {
	var t domain.Template
	var description, sourceDocumentID sql.NullString
	err := scan(&t.ID, &t.Name, &description, &sourceDocumentID, &t.CreatedBy, &t.CreatedAt, &t.Status)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if sourceDocumentID.Valid {
		t.SourceDocumentID = &sourceDocumentID.String
	}
	return t, nil
}

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO templates(id,name,description,source_document_id,created_by,created_at,status) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.Description), nullableStringPtr(t.SourceDocumentID), t.CreatedBy, t.CreatedAt, t.Status)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

func (r Repo) GetTemplateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Template, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

type TemplateFilters struct {
	Status           string
	SourceDocumentID string
	CreatedBy        string
	Limit            int
	CursorCreatedAt  string
	CursorID         string
}

func (r Repo) ListTemplates(ctx context.Context, f TemplateFilters) ([]domain.Template, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SourceDocumentID != "" {
		clauses = append(clauses, "source_document_id=?")
		args = append(args, f.SourceDocumentID)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + templateColumns + ` FROM templates ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LiveTemplateForDocumentTx returns the template derived from the document
// that is still pending review, approved, or active, if any.
func (r Repo) LiveTemplateForDocumentTx(ctx context.Context, tx *sql.Tx, documentID string) (domain.Template, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE source_document_id=? AND status IN (?,?,?) ORDER BY created_at DESC, id DESC LIMIT 1`,
		documentID, domain.TemplatePendingClientReview, domain.TemplateClientApproved, domain.TemplateActive)
	return scanTemplate(row.Scan)
}

// SetTemplateStatusTx moves a template between statuses if it still has the
// expected one. Returns rows changed.
func (r Repo) SetTemplateStatusTx(ctx context.Context, tx *sql.Tx, id, expectStatus, newStatus string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE templates SET status=? WHERE id=? AND status=?`, newStatus, id, expectStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
