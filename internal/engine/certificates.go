package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"certline/internal/activity"
	"certline/internal/domain"
	"certline/internal/engine/auth"
	"certline/internal/repo"
)

// IssueOptions are parameters for issuing from an approved request.
type IssueOptions struct {
	ID           string
	TemplateID   string
	ValidityDays int
}

// IssueCertificate mints the certificate for an approved request and
// closes the request as issued, in one transaction. A template, when
// given, must be active. ValidityDays overrides the configured default;
// zero for both means the certificate never expires.
func (e Engine) IssueCertificate(ctx context.Context, actor domain.Identity, requestID string, opts IssueOptions) (domain.Certificate, error) {
	if e.Config == nil {
		return domain.Certificate{}, errors.New("config not loaded")
	}
	if err := auth.RequireRole(actor, domain.RoleCA); err != nil {
		return domain.Certificate{}, err
	}
	q, err := e.Repo.GetRequest(ctx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Certificate{}, NotFoundError{Kind: "request", ID: requestID}
	}
	if err != nil {
		return domain.Certificate{}, err
	}
	if err := ensureRequestTransition(q.ID, q.Status, domain.RequestIssued); err != nil {
		return domain.Certificate{}, err
	}
	templateID, err := e.activeTemplateID(ctx, opts.TemplateID)
	if err != nil {
		return domain.Certificate{}, err
	}
	code, err := newVerificationCode()
	if err != nil {
		return domain.Certificate{}, err
	}
	now := e.now().UTC()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Certificate{
		ID:               id,
		RecipientID:      q.ClientID,
		RecipientName:    q.ClientName,
		Type:             q.CertificateType,
		TemplateID:       templateID,
		IssuedAt:         now.Format(time.RFC3339),
		ExpiresAt:        expiry(now, e.Config.ValidityDays(opts.ValidityDays)),
		Status:           domain.CertificateIssued,
		VerificationCode: code,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Certificate{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCertificateTx(ctx, tx, c); err != nil {
		return domain.Certificate{}, fmt.Errorf("insert certificate: %w", err)
	}
	n, err := e.Repo.SetRequestStatusTx(ctx, tx, q.ID, domain.RequestApproved, domain.RequestIssued)
	if err != nil {
		return domain.Certificate{}, err
	}
	if n == 0 {
		_, err := e.requestConflict(ctx, tx, q.ID, domain.RequestApproved)
		return domain.Certificate{}, err
	}
	rec := domain.ApprovalRecord{
		ID:           uuid.New().String(),
		RequestID:    q.ID,
		ReviewerID:   actor.UserID,
		ReviewerName: actor.Name,
		Action:       domain.ActionIssued,
		TS:           now.Format(time.RFC3339),
	}
	if _, err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return domain.Certificate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Certificate{}, err
	}
	e.record(ctx, actor.UserID, activity.CertificateIssued, c.Type, activity.KindCertificate, c.ID, activity.Metadata{
		"certificate_id": c.ID,
		"request_id":     q.ID,
	})
	data := map[string]any{
		"certificate_id":    c.ID,
		"verification_code": c.VerificationCode,
	}
	if q.ClientEmail != "" {
		data["email"] = q.ClientEmail
	}
	e.enqueue(ctx, c.RecipientID, "Certificate issued", fmt.Sprintf("Your %s certificate was issued, verification code %s", c.Type, c.VerificationCode), "certificate_issued", data)
	return c, nil
}

// CertificateCreateOptions are parameters for minting a certificate
// outside the request pipeline.
type CertificateCreateOptions struct {
	ID            string
	RecipientID   string
	RecipientName string
	Type          string
	TemplateID    string
	ValidityDays  int
}

// CreateCertificate mints a certificate directly, without a request;
// it starts active.
func (e Engine) CreateCertificate(ctx context.Context, actor domain.Identity, opts CertificateCreateOptions) (domain.Certificate, error) {
	if e.Config == nil {
		return domain.Certificate{}, errors.New("config not loaded")
	}
	if err := auth.RequireRole(actor, domain.RoleCA); err != nil {
		return domain.Certificate{}, err
	}
	if opts.RecipientID == "" {
		return domain.Certificate{}, ValidationError{Field: "recipient_id", Reason: "required"}
	}
	if opts.RecipientName == "" {
		return domain.Certificate{}, ValidationError{Field: "recipient_name", Reason: "required"}
	}
	if opts.Type == "" {
		return domain.Certificate{}, ValidationError{Field: "type", Reason: "required"}
	}
	templateID, err := e.activeTemplateID(ctx, opts.TemplateID)
	if err != nil {
		return domain.Certificate{}, err
	}
	code, err := newVerificationCode()
	if err != nil {
		return domain.Certificate{}, err
	}
	now := e.now().UTC()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Certificate{
		ID:               id,
		RecipientID:      opts.RecipientID,
		RecipientName:    opts.RecipientName,
		Type:             opts.Type,
		TemplateID:       templateID,
		IssuedAt:         now.Format(time.RFC3339),
		ExpiresAt:        expiry(now, e.Config.ValidityDays(opts.ValidityDays)),
		Status:           domain.CertificateActive,
		VerificationCode: code,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Certificate{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCertificateTx(ctx, tx, c); err != nil {
		return domain.Certificate{}, fmt.Errorf("insert certificate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Certificate{}, err
	}
	e.record(ctx, actor.UserID, activity.CertificateCreated, c.Type, activity.KindCertificate, c.ID, activity.Metadata{
		"certificate_id": c.ID,
		"recipient_id":   c.RecipientID,
	})
	e.enqueue(ctx, c.RecipientID, "Certificate issued", fmt.Sprintf("Your %s certificate is active, verification code %s", c.Type, c.VerificationCode), "certificate_created", map[string]any{
		"certificate_id":    c.ID,
		"verification_code": c.VerificationCode,
	})
	return c, nil
}

// RevokeCertificate permanently invalidates an issued or active
// certificate.
func (e Engine) RevokeCertificate(ctx context.Context, actor domain.Identity, certificateID, reason string) (domain.Certificate, error) {
	if err := auth.RequireRole(actor, domain.RoleCA); err != nil {
		return domain.Certificate{}, err
	}
	c, err := e.Repo.GetCertificate(ctx, certificateID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Certificate{}, NotFoundError{Kind: "certificate", ID: certificateID}
	}
	if err != nil {
		return domain.Certificate{}, err
	}
	if err := ensureCertificateTransition(c.ID, c.Status, domain.CertificateRevoked); err != nil {
		return c, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	n, err := e.Repo.SetCertificateStatusTx(ctx, tx, c.ID, domain.CertificateRevoked, domain.CertificateIssued, domain.CertificateActive)
	if err != nil {
		return c, err
	}
	if n == 0 {
		cur, err := e.Repo.GetCertificateTx(ctx, tx, c.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return c, NotFoundError{Kind: "certificate", ID: c.ID}
		}
		if err != nil {
			return c, err
		}
		return cur, InvalidStateError{Kind: "certificate", ID: c.ID, Status: cur.Status, Want: domain.CertificateIssued + " or " + domain.CertificateActive}
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.Status = domain.CertificateRevoked

	meta := activity.Metadata{"certificate_id": c.ID}
	if reason != "" {
		meta["reason"] = reason
	}
	e.record(ctx, actor.UserID, activity.CertificateRevoked, "revoked", activity.KindCertificate, c.ID, meta)
	msg := fmt.Sprintf("Your %s certificate was revoked", c.Type)
	if reason != "" {
		msg += ": " + reason
	}
	e.enqueue(ctx, c.RecipientID, "Certificate revoked", msg, "certificate_revoked", map[string]any{
		"certificate_id": c.ID,
	})
	return c, nil
}

// VerifyCertificate resolves a verification code and records the lookup.
// It is the one unauthenticated operation; a failure to record the
// lookup is logged, never returned.
func (e Engine) VerifyCertificate(ctx context.Context, code, source string) (domain.Verification, domain.Certificate, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Verification{}, domain.Certificate{}, ValidationError{Field: "code", Reason: "required"}
	}
	now := e.now().UTC()
	v := domain.Verification{
		ID:     uuid.New().String(),
		Code:   code,
		Result: domain.VerifyNotFound,
		Source: source,
		TS:     now.Format(time.RFC3339),
	}
	var c domain.Certificate
	cert, err := e.Repo.GetCertificateByCode(ctx, code)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return v, c, err
	default:
		c = cert
		v.CertificateID = &c.ID
		v.Result = domain.VerifyValid
		if c.Status == domain.CertificateRevoked {
			v.Result = domain.VerifyRevoked
		} else if c.ExpiresAt != nil {
			if exp, err := time.Parse(time.RFC3339, *c.ExpiresAt); err == nil && now.After(exp) {
				v.Result = domain.VerifyExpired
			}
		}
	}
	if err := e.Repo.InsertVerification(ctx, v); err != nil {
		e.logger().Error("verification record failed",
			zap.String("code", code),
			zap.Error(err))
	}
	return v, c, nil
}

// activeTemplateID resolves an optional template reference, requiring it
// to be active.
func (e Engine) activeTemplateID(ctx context.Context, templateID string) (*string, error) {
	if templateID == "" {
		return nil, nil
	}
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, NotFoundError{Kind: "template", ID: templateID}
	}
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TemplateActive {
		return nil, InvalidStateError{Kind: "template", ID: t.ID, Status: t.Status, Want: domain.TemplateActive}
	}
	return &t.ID, nil
}

// Certificates only ever move to revoked.
func ensureCertificateTransition(id, oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.CertificateIssued, domain.CertificateActive:
		if newStatus == domain.CertificateRevoked {
			return nil
		}
	}
	return InvalidStateError{Kind: "certificate", ID: id, Status: oldStatus, Want: domain.CertificateIssued + " or " + domain.CertificateActive}
}

// newVerificationCode returns 16 uppercase hex characters from a CSPRNG.
func newVerificationCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

func expiry(now time.Time, days int) *string {
	if days <= 0 {
		return nil
	}
	s := now.AddDate(0, 0, days).Format(time.RFC3339)
	return &s
}
