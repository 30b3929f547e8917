package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity kinds referenced by audit entries.
const (
	KindDocument    = "document"
	KindTemplate    = "template"
	KindRequest     = "request"
	KindCertificate = "certificate"
)

// Audit action tags, one per engine operation.
const (
	DocumentRegistered   = "document_registered"
	DocumentReviewed     = "document_reviewed"
	TemplateCreated      = "template_created"
	TemplateReviewed     = "template_reviewed"
	RequestCreated       = "request_created"
	RequestSubmitted     = "request_submitted"
	RequestReviewStarted = "request_review_started"
	RequestReviewed      = "request_reviewed"
	RequestResubmitted   = "request_resubmitted"
	RequestCancelled     = "request_cancelled"
	CertificateIssued    = "certificate_issued"
	CertificateCreated   = "certificate_created"
	CertificateRevoked   = "certificate_revoked"
	CertificateReminded  = "certificate_reminded"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

// Record appends one audit entry. It runs outside the entity transaction:
// the entity write is authoritative and callers treat a failure here as
// best-effort (logged, surfaced to alerting, never returned to the user).
func (w Writer) Record(ctx context.Context, actorID, action, description, entityKind, entityID string, meta Metadata) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if meta == nil {
		meta = Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal activity metadata: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO activity(ts,actor_id,action,description,entity_kind,entity_id,metadata_json) VALUES (?,?,?,?,?,?,?)`,
		ts, actorID, action, nullable(description), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
