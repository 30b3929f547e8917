package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"certline/internal/activity"
	"certline/internal/domain"
	"certline/internal/engine/auth"
	"certline/internal/repo"
)

// RequestCreateOptions are parameters for opening a certificate request.
type RequestCreateOptions struct {
	ID               string
	ClientName       string
	ClientEmail      string
	OrganizationName string
	CertificateType  string
	Description      string
	Purpose          string
	RequestedData    map[string]string
}

// CreateRequest opens a request in draft owned by the acting client.
// CAs do not originate requests.
func (e Engine) CreateRequest(ctx context.Context, actor domain.Identity, opts RequestCreateOptions) (domain.CertificateRequest, error) {
	if err := auth.RequireRole(actor, domain.RoleUser, domain.RoleClient); err != nil {
		return domain.CertificateRequest{}, err
	}
	if opts.ClientName == "" {
		return domain.CertificateRequest{}, ValidationError{Field: "client_name", Reason: "required"}
	}
	if opts.CertificateType == "" {
		return domain.CertificateRequest{}, ValidationError{Field: "certificate_type", Reason: "required"}
	}
	if opts.ClientEmail != "" {
		if _, err := mail.ParseAddress(opts.ClientEmail); err != nil {
			return domain.CertificateRequest{}, ValidationError{Field: "client_email", Reason: "invalid address"}
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := domain.CertificateRequest{
		ID:               id,
		ClientID:         actor.UserID,
		ClientName:       opts.ClientName,
		ClientEmail:      opts.ClientEmail,
		OrganizationName: opts.OrganizationName,
		CertificateType:  opts.CertificateType,
		Description:      opts.Description,
		Purpose:          opts.Purpose,
		RequestedData:    opts.RequestedData,
		Status:           domain.RequestDraft,
		CreatedAt:        e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertRequest(ctx, q); err != nil {
		return domain.CertificateRequest{}, fmt.Errorf("insert request: %w", err)
	}
	e.record(ctx, actor.UserID, activity.RequestCreated, q.CertificateType, activity.KindRequest, q.ID, activity.Metadata{
		"request_id":       q.ID,
		"certificate_type": q.CertificateType,
	})
	return q, nil
}

// SubmitRequest moves a draft request into the review queue. Submission
// itself appends no approval record.
func (e Engine) SubmitRequest(ctx context.Context, actor domain.Identity, requestID string) (domain.CertificateRequest, error) {
	if err := auth.RequireActive(actor); err != nil {
		return domain.CertificateRequest{}, err
	}
	q, err := e.Repo.GetRequest(ctx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CertificateRequest{}, NotFoundError{Kind: "request", ID: requestID}
	}
	if err != nil {
		return domain.CertificateRequest{}, err
	}
	if err := auth.RequireOwner(actor, q.ClientID); err != nil {
		return q, err
	}
	if err := ensureRequestTransition(q.ID, q.Status, domain.RequestSubmitted); err != nil {
		return q, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()

	n, err := e.Repo.SetRequestStatusTx(ctx, tx, q.ID, domain.RequestDraft, domain.RequestSubmitted)
	if err != nil {
		return q, err
	}
	if n == 0 {
		return e.requestConflict(ctx, tx, q.ID, domain.RequestDraft)
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	q.Status = domain.RequestSubmitted
	e.record(ctx, actor.UserID, activity.RequestSubmitted, "submitted for review", activity.KindRequest, q.ID, activity.Metadata{
		"request_id": q.ID,
	})
	return q, nil
}

// StartRequestReview claims a submitted request, recording the
// underReview entry in its history. Reviewing straight from submitted is
// also permitted; this step only marks that someone picked the request
// up.
func (e Engine) StartRequestReview(ctx context.Context, actor domain.Identity, requestID string) (domain.CertificateRequest, error) {
	if err := auth.RequireRole(actor, domain.RoleClient); err != nil {
		return domain.CertificateRequest{}, err
	}
	q, err := e.Repo.GetRequest(ctx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CertificateRequest{}, NotFoundError{Kind: "request", ID: requestID}
	}
	if err != nil {
		return domain.CertificateRequest{}, err
	}
	if err := ensureRequestTransition(q.ID, q.Status, domain.RequestUnderReview); err != nil {
		return q, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()

	n, err := e.Repo.SetRequestStatusTx(ctx, tx, q.ID, domain.RequestSubmitted, domain.RequestUnderReview)
	if err != nil {
		return q, err
	}
	if n == 0 {
		return e.requestConflict(ctx, tx, q.ID, domain.RequestSubmitted)
	}
	rec := domain.ApprovalRecord{
		ID:           uuid.New().String(),
		RequestID:    q.ID,
		ReviewerID:   actor.UserID,
		ReviewerName: actor.Name,
		Action:       domain.ActionUnderReview,
		TS:           now,
	}
	if _, err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return q, err
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	q.Status = domain.RequestUnderReview
	e.record(ctx, actor.UserID, activity.RequestReviewStarted, "review started", activity.KindRequest, q.ID, activity.Metadata{
		"request_id": q.ID,
	})
	data := map[string]any{"request_id": q.ID}
	if q.ClientEmail != "" {
		data["email"] = q.ClientEmail
	}
	e.enqueue(ctx, q.ClientID, "Request under review", fmt.Sprintf("Your %s request is being reviewed", q.CertificateType), "request_review_started", data)
	return q, nil
}

// ReviewRequest appends one review action to a request's history.
// approved, rejected, and changesRequested move the status; assigned,
// forwarded, and infoRequested only annotate it. rejected and
// changesRequested require comments.
func (e Engine) ReviewRequest(ctx context.Context, actor domain.Identity, requestID, action, comments string) (domain.CertificateRequest, error) {
	if err := auth.RequireRole(actor, domain.RoleClient); err != nil {
		return domain.CertificateRequest{}, err
	}
	switch action {
	case domain.ActionApproved, domain.ActionRejected, domain.ActionChangesRequested,
		domain.ActionAssigned, domain.ActionForwarded, domain.ActionInfoRequested:
	default:
		return domain.CertificateRequest{}, ValidationError{Field: "action", Reason: fmt.Sprintf("%q is not a review action", action)}
	}
	if (action == domain.ActionRejected || action == domain.ActionChangesRequested) && comments == "" {
		return domain.CertificateRequest{}, ValidationError{Field: "comments", Reason: "required for " + action}
	}
	decides := action == domain.ActionApproved || action == domain.ActionRejected || action == domain.ActionChangesRequested

	q, err := e.Repo.GetRequest(ctx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CertificateRequest{}, NotFoundError{Kind: "request", ID: requestID}
	}
	if err != nil {
		return domain.CertificateRequest{}, err
	}
	reviewable := domain.RequestSubmitted + " or " + domain.RequestUnderReview
	if decides {
		if err := ensureRequestTransition(q.ID, q.Status, action); err != nil {
			return q, err
		}
	} else if q.Status != domain.RequestSubmitted && q.Status != domain.RequestUnderReview {
		return q, InvalidStateError{Kind: "request", ID: q.ID, Status: q.Status, Want: reviewable}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()

	if decides {
		n, err := e.Repo.SetRequestStatusTx(ctx, tx, q.ID, q.Status, action)
		if err != nil {
			return q, err
		}
		if n == 0 {
			return e.requestConflict(ctx, tx, q.ID, q.Status)
		}
	} else {
		cur, err := e.Repo.GetRequestTx(ctx, tx, q.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return q, NotFoundError{Kind: "request", ID: q.ID}
		}
		if err != nil {
			return q, err
		}
		if cur.Status != domain.RequestSubmitted && cur.Status != domain.RequestUnderReview {
			return cur, InvalidStateError{Kind: "request", ID: q.ID, Status: cur.Status, Want: reviewable}
		}
	}
	rec := domain.ApprovalRecord{
		ID:           uuid.New().String(),
		RequestID:    q.ID,
		ReviewerID:   actor.UserID,
		ReviewerName: actor.Name,
		Action:       action,
		Comments:     optionalString(comments),
		TS:           now,
	}
	if _, err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return q, err
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	if decides {
		q.Status = action
	}
	meta := activity.Metadata{
		"request_id": q.ID,
		"action":     action,
	}
	if comments != "" {
		meta["comments"] = comments
	}
	e.record(ctx, actor.UserID, activity.RequestReviewed, action, activity.KindRequest, q.ID, meta)
	if decides {
		var title, verb string
		switch action {
		case domain.ActionApproved:
			title, verb = "Request approved", "was approved"
		case domain.ActionRejected:
			title, verb = "Request rejected", "was rejected"
		default:
			title, verb = "Request changes requested", "needs changes"
		}
		msg := fmt.Sprintf("Your %s request %s", q.CertificateType, verb)
		if comments != "" {
			msg += ": " + comments
		}
		data := map[string]any{"request_id": q.ID, "action": action}
		if q.ClientEmail != "" {
			data["email"] = q.ClientEmail
		}
		e.enqueue(ctx, q.ClientID, title, msg, "request_reviewed", data)
	}
	return q, nil
}

// ResubmitRequest returns a changesRequested request to the queue, the
// single back-edge in the machine.
func (e Engine) ResubmitRequest(ctx context.Context, actor domain.Identity, requestID string) (domain.CertificateRequest, error) {
	if err := auth.RequireActive(actor); err != nil {
		return domain.CertificateRequest{}, err
	}
	q, err := e.Repo.GetRequest(ctx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CertificateRequest{}, NotFoundError{Kind: "request", ID: requestID}
	}
	if err != nil {
		return domain.CertificateRequest{}, err
	}
	if err := auth.RequireOwner(actor, q.ClientID); err != nil {
		return q, err
	}
	if err := ensureRequestTransition(q.ID, q.Status, domain.RequestSubmitted); err != nil {
		return q, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()

	n, err := e.Repo.SetRequestStatusTx(ctx, tx, q.ID, domain.RequestChangesRequested, domain.RequestSubmitted)
	if err != nil {
		return q, err
	}
	if n == 0 {
		return e.requestConflict(ctx, tx, q.ID, domain.RequestChangesRequested)
	}
	rec := domain.ApprovalRecord{
		ID:           uuid.New().String(),
		RequestID:    q.ID,
		ReviewerID:   actor.UserID,
		ReviewerName: actor.Name,
		Action:       domain.ActionResubmitted,
		TS:           now,
	}
	if _, err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return q, err
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	q.Status = domain.RequestSubmitted
	e.record(ctx, actor.UserID, activity.RequestResubmitted, "resubmitted", activity.KindRequest, q.ID, activity.Metadata{
		"request_id": q.ID,
	})
	return q, nil
}

// CancelRequest withdraws a submitted or in-review request. Cancelled is
// absorbing.
func (e Engine) CancelRequest(ctx context.Context, actor domain.Identity, requestID string) (domain.CertificateRequest, error) {
	if err := auth.RequireActive(actor); err != nil {
		return domain.CertificateRequest{}, err
	}
	q, err := e.Repo.GetRequest(ctx, requestID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CertificateRequest{}, NotFoundError{Kind: "request", ID: requestID}
	}
	if err != nil {
		return domain.CertificateRequest{}, err
	}
	if err := auth.RequireOwner(actor, q.ClientID); err != nil {
		return q, err
	}
	if err := ensureRequestTransition(q.ID, q.Status, domain.RequestCancelled); err != nil {
		return q, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()

	n, err := e.Repo.SetRequestStatusTx(ctx, tx, q.ID, q.Status, domain.RequestCancelled)
	if err != nil {
		return q, err
	}
	if n == 0 {
		return e.requestConflict(ctx, tx, q.ID, q.Status)
	}
	rec := domain.ApprovalRecord{
		ID:           uuid.New().String(),
		RequestID:    q.ID,
		ReviewerID:   actor.UserID,
		ReviewerName: actor.Name,
		Action:       domain.ActionCancelled,
		TS:           now,
	}
	if _, err := e.Repo.AppendApprovalRecordTx(ctx, tx, rec); err != nil {
		return q, err
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	q.Status = domain.RequestCancelled
	e.record(ctx, actor.UserID, activity.RequestCancelled, "cancelled", activity.KindRequest, q.ID, activity.Metadata{
		"request_id": q.ID,
	})
	return q, nil
}

// requestConflict resolves a zero rows-affected update: the row is
// either gone or its status moved underneath the caller.
func (e Engine) requestConflict(ctx context.Context, tx *sql.Tx, id, want string) (domain.CertificateRequest, error) {
	cur, err := e.Repo.GetRequestTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CertificateRequest{}, NotFoundError{Kind: "request", ID: id}
	}
	if err != nil {
		return domain.CertificateRequest{}, err
	}
	return cur, InvalidStateError{Kind: "request", ID: id, Status: cur.Status, Want: want}
}

// ensureRequestTransition checks one edge of the request machine.
// cancelled and issued have no outgoing edges; the only back-edge is
// changesRequested -> submitted.
func ensureRequestTransition(id, oldStatus, newStatus string) error {
	var want []string
	switch newStatus {
	case domain.RequestSubmitted:
		want = []string{domain.RequestDraft, domain.RequestChangesRequested}
	case domain.RequestUnderReview:
		want = []string{domain.RequestSubmitted}
	case domain.RequestApproved, domain.RequestRejected, domain.RequestChangesRequested:
		want = []string{domain.RequestSubmitted, domain.RequestUnderReview}
	case domain.RequestCancelled:
		want = []string{domain.RequestSubmitted, domain.RequestUnderReview}
	case domain.RequestIssued:
		want = []string{domain.RequestApproved}
	}
	for _, from := range want {
		if oldStatus == from {
			return nil
		}
	}
	return InvalidStateError{Kind: "request", ID: id, Status: oldStatus, Want: strings.Join(want, " or ")}
}
