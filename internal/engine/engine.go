package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"certline/internal/activity"
	"certline/internal/config"
	"certline/internal/domain"
	"certline/internal/engine/auth"
	"certline/internal/notify"
	"certline/internal/repo"
)

// Engine applies guarded state transitions to documents, templates,
// requests, and certificates. It holds no state of its own between
// calls; everything durable lives in the store.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Outbox   notify.Outbox
	Config   *config.Config
	Logger   *zap.Logger
	Now      func() time.Time

	auditDrops *atomic.Int64
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Activity:   activity.Writer{DB: db},
		Outbox:     notify.Outbox{DB: db},
		Config:     cfg,
		Logger:     logger,
		Now:        time.Now,
		auditDrops: new(atomic.Int64),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// record appends one audit entry after the entity write committed.
// Failures are logged and counted, never returned.
func (e Engine) record(ctx context.Context, actorID, action, description, entityKind, entityID string, meta activity.Metadata) {
	if err := e.Activity.Record(ctx, actorID, action, description, entityKind, entityID, meta); err != nil {
		drops := int64(1)
		if e.auditDrops != nil {
			drops = e.auditDrops.Add(1)
		}
		e.logger().Error("activity append failed",
			zap.String("action", action),
			zap.String("entity_id", entityID),
			zap.Int64("engine_audit_drops", drops),
			zap.Error(err))
	}
}

// enqueue hands a notification to the outbox. Enqueue failure is logged,
// never returned.
func (e Engine) enqueue(ctx context.Context, recipientID, title, message, kind string, data map[string]any) {
	if err := e.Outbox.Enqueue(ctx, recipientID, title, message, kind, data); err != nil {
		e.logger().Error("notification enqueue failed",
			zap.String("type", kind),
			zap.String("recipient_id", recipientID),
			zap.Error(err))
	}
}

// DocumentRegisterOptions are parameters for registering an uploaded
// file. The upload itself happens elsewhere; only metadata is recorded.
type DocumentRegisterOptions struct {
	ID       string
	FileName string
	MimeType string
	FileSize int64
	Type     string
}

// RegisterDocument records an uploaded file with status pending.
func (e Engine) RegisterDocument(ctx context.Context, actor domain.Identity, opts DocumentRegisterOptions) (domain.Document, error) {
	if e.Config == nil {
		return domain.Document{}, errors.New("config not loaded")
	}
	if err := auth.RequireActive(actor); err != nil {
		return domain.Document{}, err
	}
	if opts.FileName == "" {
		return domain.Document{}, ValidationError{Field: "file_name", Reason: "required"}
	}
	if opts.FileSize <= 0 {
		return domain.Document{}, ValidationError{Field: "file_size", Reason: "must be positive"}
	}
	if limit := e.Config.Documents.MaxFileSize; limit > 0 && opts.FileSize > limit {
		return domain.Document{}, ValidationError{Field: "file_size", Reason: fmt.Sprintf("exceeds maximum %d", limit)}
	}
	if types := e.Config.Documents.Types; len(types) > 0 && !contains(types, opts.Type) {
		return domain.Document{}, ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a configured document type", opts.Type)}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	d := domain.Document{
		ID:         id,
		UploaderID: actor.UserID,
		FileName:   opts.FileName,
		MimeType:   opts.MimeType,
		FileSize:   opts.FileSize,
		Type:       opts.Type,
		Status:     domain.DocumentPending,
		UploadedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertDocument(ctx, d); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	e.record(ctx, actor.UserID, activity.DocumentRegistered, d.FileName, activity.KindDocument, d.ID, activity.Metadata{
		"document_id": d.ID,
		"file_name":   d.FileName,
	})
	return d, nil
}

// ReviewDocument applies a CA review decision to a pending document.
// decision is approve or reject; reject requires a reason.
func (e Engine) ReviewDocument(ctx context.Context, actor domain.Identity, documentID, decision, reason string) (domain.Document, error) {
	if err := auth.RequireRole(actor, domain.RoleCA); err != nil {
		return domain.Document{}, err
	}
	var target string
	switch decision {
	case "approve":
		target = domain.DocumentVerified
	case "reject":
		target = domain.DocumentRejected
	default:
		return domain.Document{}, ValidationError{Field: "decision", Reason: fmt.Sprintf("%q is not approve or reject", decision)}
	}
	if target == domain.DocumentRejected && reason == "" {
		return domain.Document{}, ValidationError{Field: "reason", Reason: "required when rejecting"}
	}
	d, err := e.Repo.GetDocument(ctx, documentID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Document{}, NotFoundError{Kind: "document", ID: documentID}
	}
	if err != nil {
		return domain.Document{}, err
	}
	if err := ensureDocumentTransition(d.ID, d.Status, target); err != nil {
		return d, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	var rejection *string
	if target == domain.DocumentRejected {
		rejection = &reason
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	n, err := e.Repo.SetDocumentReviewTx(ctx, tx, d.ID, domain.DocumentPending, target, actor.UserID, now, rejection)
	if err != nil {
		return d, err
	}
	if n == 0 {
		cur, err := e.Repo.GetDocumentTx(ctx, tx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return d, NotFoundError{Kind: "document", ID: d.ID}
		}
		if err != nil {
			return d, err
		}
		return cur, InvalidStateError{Kind: "document", ID: d.ID, Status: cur.Status, Want: domain.DocumentPending}
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	d.Status = target
	d.ReviewedBy = &actor.UserID
	d.ReviewedAt = &now
	d.RejectionReason = rejection

	e.record(ctx, actor.UserID, activity.DocumentReviewed, target, activity.KindDocument, d.ID, activity.Metadata{
		"document_id": d.ID,
		"decision":    decision,
		"status":      target,
	})
	data := map[string]any{"document_id": d.ID, "status": target}
	if target == domain.DocumentVerified {
		e.enqueue(ctx, d.UploaderID, "Document verified", fmt.Sprintf("%s was verified", d.FileName), "document_reviewed", data)
		e.enqueue(ctx, actor.UserID, "Document ready", fmt.Sprintf("%s is ready for template creation", d.FileName), "template_ready", data)
	} else {
		e.enqueue(ctx, d.UploaderID, "Document rejected", fmt.Sprintf("%s was rejected: %s", d.FileName, reason), "document_reviewed", data)
	}
	return d, nil
}

// TemplateCreateOptions are parameters for deriving a template from a
// verified document.
type TemplateCreateOptions struct {
	ID          string
	DocumentID  string
	Name        string
	Description string
}

// CreateTemplate derives a new template, pending client review, from a
// verified document. Only one live template may exist per document; a
// rejected or changes-requested predecessor stays in the record and a
// fresh entity takes its place.
func (e Engine) CreateTemplate(ctx context.Context, actor domain.Identity, opts TemplateCreateOptions) (domain.Template, error) {
	if err := auth.RequireRole(actor, domain.RoleCA); err != nil {
		return domain.Template{}, err
	}
	if opts.Name == "" {
		return domain.Template{}, ValidationError{Field: "name", Reason: "required"}
	}
	if opts.DocumentID == "" {
		return domain.Template{}, ValidationError{Field: "document_id", Reason: "required"}
	}
	d, err := e.Repo.GetDocument(ctx, opts.DocumentID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Template{}, NotFoundError{Kind: "document", ID: opts.DocumentID}
	}
	if err != nil {
		return domain.Template{}, err
	}
	if d.Status != domain.DocumentVerified {
		return domain.Template{}, InvalidStateError{Kind: "document", ID: d.ID, Status: d.Status, Want: domain.DocumentVerified}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Template{
		ID:               id,
		Name:             opts.Name,
		Description:      opts.Description,
		SourceDocumentID: &d.ID,
		CreatedBy:        actor.UserID,
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
		Status:           domain.TemplatePendingClientReview,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.LiveTemplateForDocumentTx(ctx, tx, d.ID); err == nil {
		return domain.Template{}, InvalidStateError{Kind: "document", ID: d.ID, Status: d.Status, Want: "no live template"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Template{}, err
	}
	if err := e.Repo.InsertTemplateTx(ctx, tx, t); err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	n, err := e.Repo.MarkTemplateCreatedTx(ctx, tx, d.ID)
	if err != nil {
		return domain.Template{}, err
	}
	if n == 0 {
		cur, err := e.Repo.GetDocumentTx(ctx, tx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Template{}, NotFoundError{Kind: "document", ID: d.ID}
		}
		if err != nil {
			return domain.Template{}, err
		}
		return domain.Template{}, InvalidStateError{Kind: "document", ID: d.ID, Status: cur.Status, Want: domain.DocumentVerified}
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	e.record(ctx, actor.UserID, activity.TemplateCreated, t.Name, activity.KindTemplate, t.ID, activity.Metadata{
		"template_id": t.ID,
		"document_id": d.ID,
	})
	return t, nil
}

// ReviewTemplate applies a client review to a pending template. action
// is approve, requestChanges, or reject; approval activates the template
// in a single step.
func (e Engine) ReviewTemplate(ctx context.Context, actor domain.Identity, templateID, action, comments string) (domain.Template, error) {
	if err := auth.RequireRole(actor, domain.RoleClient); err != nil {
		return domain.Template{}, err
	}
	var target string
	switch action {
	case "approve":
		target = domain.TemplateActive
	case "requestChanges":
		target = domain.TemplateChangesRequested
	case "reject":
		target = domain.TemplateRejected
	default:
		return domain.Template{}, ValidationError{Field: "action", Reason: fmt.Sprintf("%q is not approve, requestChanges or reject", action)}
	}
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Template{}, NotFoundError{Kind: "template", ID: templateID}
	}
	if err != nil {
		return domain.Template{}, err
	}
	if err := ensureTemplateTransition(t.ID, t.Status, target); err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	n, err := e.Repo.SetTemplateStatusTx(ctx, tx, t.ID, t.Status, target)
	if err != nil {
		return t, err
	}
	if n == 0 {
		cur, err := e.Repo.GetTemplateTx(ctx, tx, t.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return t, NotFoundError{Kind: "template", ID: t.ID}
		}
		if err != nil {
			return t, err
		}
		return cur, InvalidStateError{Kind: "template", ID: t.ID, Status: cur.Status, Want: domain.TemplatePendingClientReview}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.Status = target

	meta := activity.Metadata{
		"template_id":   t.ID,
		"status":        target,
		"reviewer_role": actor.Role,
	}
	if comments != "" {
		meta["comments"] = comments
	}
	e.record(ctx, actor.UserID, activity.TemplateReviewed, target, activity.KindTemplate, t.ID, meta)
	msg := fmt.Sprintf("%s moved to %s", t.Name, target)
	if comments != "" {
		msg += ": " + comments
	}
	e.enqueue(ctx, t.CreatedBy, "Template reviewed", msg, "template_reviewed", map[string]any{
		"template_id": t.ID,
		"status":      target,
	})
	return t, nil
}

// Documents only move pending -> verified or pending -> rejected; both
// outcomes are final.
func ensureDocumentTransition(id, oldStatus, newStatus string) error {
	if oldStatus == domain.DocumentPending &&
		(newStatus == domain.DocumentVerified || newStatus == domain.DocumentRejected) {
		return nil
	}
	return InvalidStateError{Kind: "document", ID: id, Status: oldStatus, Want: domain.DocumentPending}
}

// Client approval activates a template directly; changesRequested and
// rejected are final, revision means a new template entity.
func ensureTemplateTransition(id, oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TemplatePendingClientReview:
		switch newStatus {
		case domain.TemplateClientApproved, domain.TemplateActive, domain.TemplateChangesRequested, domain.TemplateRejected:
			return nil
		}
	case domain.TemplateClientApproved:
		if newStatus == domain.TemplateActive {
			return nil
		}
	}
	return InvalidStateError{Kind: "template", ID: id, Status: oldStatus, Want: domain.TemplatePendingClientReview}
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
