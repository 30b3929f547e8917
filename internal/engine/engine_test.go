package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"certline/internal/activity"
	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/migrate"
	"certline/internal/repo"
)

var (
	uploader    = domain.Identity{UserID: "user-1", Name: "Dana Uploader", Role: domain.RoleUser, Status: domain.ActorActive}
	caActor     = domain.Identity{UserID: "ca-1", Name: "Casey Reviewer", Role: domain.RoleCA, Status: domain.ActorActive}
	clientActor = domain.Identity{UserID: "client-1", Name: "Avery Client", Role: domain.RoleClient, Status: domain.ActorActive}
	reviewer    = domain.Identity{UserID: "client-2", Name: "Robin Approver", Role: domain.RoleClient, Status: domain.ActorActive}
	adminActor  = domain.Identity{UserID: "admin-1", Role: domain.RoleAdmin, Status: domain.ActorActive}
	suspendedCA = domain.Identity{UserID: "ca-2", Role: domain.RoleCA, Status: domain.ActorSuspended}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("authority-1"), nil)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) registerDocument(t *testing.T, id string) domain.Document {
	t.Helper()
	d, err := env.Engine.RegisterDocument(env.Ctx, uploader, engine.DocumentRegisterOptions{
		ID:       id,
		FileName: id + ".pdf",
		MimeType: "application/pdf",
		FileSize: 2048,
		Type:     "identity",
	})
	if err != nil {
		t.Fatalf("register document: %v", err)
	}
	return d
}

func (env *testEnv) verifiedDocument(t *testing.T, id string) domain.Document {
	t.Helper()
	env.registerDocument(t, id)
	d, err := env.Engine.ReviewDocument(env.Ctx, caActor, id, "approve", "")
	if err != nil {
		t.Fatalf("verify document: %v", err)
	}
	return d
}

func (env *testEnv) draftRequest(t *testing.T, id string) domain.CertificateRequest {
	t.Helper()
	q, err := env.Engine.CreateRequest(env.Ctx, clientActor, engine.RequestCreateOptions{
		ID:              id,
		ClientName:      "Acme GmbH",
		ClientEmail:     "certs@acme.example",
		CertificateType: "compliance",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return q
}

func (env *testEnv) submittedRequest(t *testing.T, id string) domain.CertificateRequest {
	t.Helper()
	env.draftRequest(t, id)
	q, err := env.Engine.SubmitRequest(env.Ctx, clientActor, id)
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	return q
}

func (env *testEnv) approvedRequest(t *testing.T, id string) domain.CertificateRequest {
	t.Helper()
	env.submittedRequest(t, id)
	q, err := env.Engine.ReviewRequest(env.Ctx, reviewer, id, domain.ActionApproved, "")
	if err != nil {
		t.Fatalf("approve request: %v", err)
	}
	return q
}

func TestDocumentReviewApprove(t *testing.T) {
	env := newTestEnv(t)
	d := env.registerDocument(t, "doc-1")
	if d.Status != domain.DocumentPending {
		t.Fatalf("expected pending, got %s", d.Status)
	}
	d, err := env.Engine.ReviewDocument(env.Ctx, caActor, d.ID, "approve", "")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if d.Status != domain.DocumentVerified {
		t.Fatalf("expected verified, got %s", d.Status)
	}
	if d.ReviewedBy == nil || *d.ReviewedBy != caActor.UserID {
		t.Fatalf("expected reviewer recorded")
	}
	entries, err := env.Engine.Repo.ActivityByEntity(env.Ctx, activity.KindDocument, d.ID, 10)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	reviewed := 0
	for _, e := range entries {
		if e.Action == activity.DocumentReviewed {
			reviewed++
		}
	}
	if reviewed != 1 {
		t.Fatalf("expected one document_reviewed entry, got %d", reviewed)
	}
	mine, err := env.Engine.Repo.ActivityByActor(env.Ctx, caActor.UserID, 10)
	if err != nil {
		t.Fatalf("activity by actor: %v", err)
	}
	if len(mine) == 0 || mine[0].Action != activity.DocumentReviewed {
		t.Fatalf("expected the review at the head of the reviewer's feed, got %+v", mine)
	}
	ns, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{RecipientID: uploader.UserID})
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(ns) == 0 || ns[0].Type != "document_reviewed" {
		t.Fatalf("expected uploader notification, got %+v", ns)
	}
	// verified is final
	_, err = env.Engine.ReviewDocument(env.Ctx, caActor, d.ID, "reject", "changed my mind")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestDocumentRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	d := env.registerDocument(t, "doc-2")
	_, err := env.Engine.ReviewDocument(env.Ctx, caActor, d.ID, "reject", "")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	cur, err := env.Engine.Repo.GetDocument(env.Ctx, d.ID)
	if err != nil || cur.Status != domain.DocumentPending {
		t.Fatalf("expected document untouched, got %s (%v)", cur.Status, err)
	}
	// with a reason the rejection lands and is final
	cur, err = env.Engine.ReviewDocument(env.Ctx, caActor, d.ID, "reject", "illegible scan")
	if err != nil || cur.Status != domain.DocumentRejected {
		t.Fatalf("expected rejected, got %s (%v)", cur.Status, err)
	}
	if cur.RejectionReason == nil || *cur.RejectionReason != "illegible scan" {
		t.Fatalf("expected rejection reason kept")
	}
	_, err = env.Engine.ReviewDocument(env.Ctx, caActor, d.ID, "approve", "")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestDocumentReviewConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	d := env.registerDocument(t, "doc-race")
	type outcome struct {
		decision string
		err      error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, c := range []struct{ decision, reason string }{
		{"approve", ""},
		{"reject", "duplicate upload"},
	} {
		wg.Add(1)
		go func(decision, reason string) {
			defer wg.Done()
			_, err := env.Engine.ReviewDocument(env.Ctx, caActor, d.ID, decision, reason)
			results <- outcome{decision, err}
		}(c.decision, c.reason)
	}
	wg.Wait()
	close(results)

	var winner string
	losses := 0
	for r := range results {
		if r.err == nil {
			if winner != "" {
				t.Fatalf("both reviews succeeded")
			}
			winner = r.decision
			continue
		}
		var ise engine.InvalidStateError
		if !errors.As(r.err, &ise) {
			t.Fatalf("loser: expected InvalidState, got %v", r.err)
		}
		losses++
	}
	if winner == "" || losses != 1 {
		t.Fatalf("expected exactly one winner, winner=%q losses=%d", winner, losses)
	}
	cur, err := env.Engine.Repo.GetDocument(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := domain.DocumentVerified
	if winner == "reject" {
		want = domain.DocumentRejected
	}
	if cur.Status != want {
		t.Fatalf("final status %s does not match winner %s", cur.Status, winner)
	}
}

func TestTemplateRequiresVerifiedDocument(t *testing.T) {
	env := newTestEnv(t)
	d := env.registerDocument(t, "doc-3")
	_, err := env.Engine.CreateTemplate(env.Ctx, caActor, engine.TemplateCreateOptions{DocumentID: d.ID, Name: "T1"})
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState on pending document, got %v", err)
	}
	ts, err := env.Engine.Repo.ListTemplates(env.Ctx, repo.TemplateFilters{SourceDocumentID: d.ID})
	if err != nil || len(ts) != 0 {
		t.Fatalf("expected no template created, got %d (%v)", len(ts), err)
	}

	env.verifiedDocument(t, "doc-4")
	tpl, err := env.Engine.CreateTemplate(env.Ctx, caActor, engine.TemplateCreateOptions{ID: "tpl-1", DocumentID: "doc-4", Name: "T1", Description: "desc"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if tpl.Status != domain.TemplatePendingClientReview {
		t.Fatalf("expected pendingClientReview, got %s", tpl.Status)
	}
	cur, _ := env.Engine.Repo.GetDocument(env.Ctx, "doc-4")
	if !cur.TemplateCreated {
		t.Fatalf("expected templateCreated flag set")
	}
	// a second live template per document is refused
	_, err = env.Engine.CreateTemplate(env.Ctx, caActor, engine.TemplateCreateOptions{DocumentID: "doc-4", Name: "T2"})
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState for second live template, got %v", err)
	}
}

func TestTemplateReview(t *testing.T) {
	env := newTestEnv(t)
	env.verifiedDocument(t, "doc-5")
	tpl, err := env.Engine.CreateTemplate(env.Ctx, caActor, engine.TemplateCreateOptions{ID: "tpl-2", DocumentID: "doc-5", Name: "Compliance v1"})
	if err != nil {
		t.Fatal(err)
	}
	tpl, err = env.Engine.ReviewTemplate(env.Ctx, clientActor, tpl.ID, "reject", "insufficient detail")
	if err != nil || tpl.Status != domain.TemplateRejected {
		t.Fatalf("expected rejected, got %s (%v)", tpl.Status, err)
	}
	// CA author is told; the document itself does not move
	ns, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{RecipientID: caActor.UserID})
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	found := false
	for _, n := range ns {
		if n.Type == "template_reviewed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected template_reviewed notification for author")
	}
	d, _ := env.Engine.Repo.GetDocument(env.Ctx, "doc-5")
	if d.Status != domain.DocumentVerified {
		t.Fatalf("document moved unexpectedly to %s", d.Status)
	}
	// rejected is final
	_, err = env.Engine.ReviewTemplate(env.Ctx, clientActor, tpl.ID, "approve", "")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	// a rejected predecessor does not block a replacement
	next, err := env.Engine.CreateTemplate(env.Ctx, caActor, engine.TemplateCreateOptions{DocumentID: "doc-5", Name: "Compliance v2"})
	if err != nil {
		t.Fatalf("replacement template: %v", err)
	}
	next, err = env.Engine.ReviewTemplate(env.Ctx, clientActor, next.ID, "approve", "")
	if err != nil || next.Status != domain.TemplateActive {
		t.Fatalf("expected active after approval, got %s (%v)", next.Status, err)
	}
}

func TestRequestReviewCycle(t *testing.T) {
	env := newTestEnv(t)
	q := env.draftRequest(t, "req-1")
	if q.Status != domain.RequestDraft {
		t.Fatalf("expected draft, got %s", q.Status)
	}
	q, err := env.Engine.SubmitRequest(env.Ctx, clientActor, q.ID)
	if err != nil || q.Status != domain.RequestSubmitted {
		t.Fatalf("submit: %s (%v)", q.Status, err)
	}
	q, err = env.Engine.ReviewRequest(env.Ctx, reviewer, q.ID, domain.ActionChangesRequested, "add organization name")
	if err != nil || q.Status != domain.RequestChangesRequested {
		t.Fatalf("changesRequested: %s (%v)", q.Status, err)
	}
	history, err := env.Engine.Repo.ListApprovalRecords(env.Ctx, q.ID)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d (%v)", len(history), err)
	}
	q, err = env.Engine.ResubmitRequest(env.Ctx, clientActor, q.ID)
	if err != nil || q.Status != domain.RequestSubmitted {
		t.Fatalf("resubmit: %s (%v)", q.Status, err)
	}
	history, _ = env.Engine.Repo.ListApprovalRecords(env.Ctx, q.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history))
	}
	// only the resubmit edge leaves changesRequested; plain submit is for drafts
	q, err = env.Engine.ReviewRequest(env.Ctx, reviewer, q.ID, domain.ActionChangesRequested, "still missing")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SubmitRequest(env.Ctx, clientActor, q.ID)
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState for submit from changesRequested, got %v", err)
	}
	_, err = env.Engine.ReviewRequest(env.Ctx, reviewer, q.ID, domain.ActionApproved, "")
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState for approve from changesRequested, got %v", err)
	}
}

func TestRequestStatusFollowsHistory(t *testing.T) {
	env := newTestEnv(t)
	q := env.submittedRequest(t, "req-2")
	if _, err := env.Engine.StartRequestReview(env.Ctx, reviewer, q.ID); err != nil {
		t.Fatalf("start review: %v", err)
	}
	// annotations never move the status
	if _, err := env.Engine.ReviewRequest(env.Ctx, reviewer, q.ID, domain.ActionInfoRequested, "send proof of registration"); err != nil {
		t.Fatalf("infoRequested: %v", err)
	}
	cur, _ := env.Engine.Repo.GetRequest(env.Ctx, q.ID)
	if cur.Status != domain.RequestUnderReview {
		t.Fatalf("annotation moved status to %s", cur.Status)
	}
	if _, err := env.Engine.ReviewRequest(env.Ctx, reviewer, q.ID, domain.ActionApproved, "looks complete"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	cur, _ = env.Engine.Repo.GetRequest(env.Ctx, q.ID)
	last, err := env.Engine.Repo.LastStatusRecord(env.Ctx, q.ID)
	if err != nil {
		t.Fatalf("last status record: %v", err)
	}
	if last.Action != cur.Status {
		t.Fatalf("status %s does not match last status record %s", cur.Status, last.Action)
	}
}

func TestRequestAbsorbingStates(t *testing.T) {
	env := newTestEnv(t)
	var ise engine.InvalidStateError

	q := env.submittedRequest(t, "req-3")
	if _, err := env.Engine.CancelRequest(env.Ctx, clientActor, q.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := env.Engine.ReviewRequest(env.Ctx, reviewer, q.ID, domain.ActionApproved, "")
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState on cancelled, got %v", err)
	}
	_, err = env.Engine.ResubmitRequest(env.Ctx, clientActor, q.ID)
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState resubmitting cancelled, got %v", err)
	}

	env.approvedRequest(t, "req-4")
	if _, err := env.Engine.IssueCertificate(env.Ctx, caActor, "req-4", engine.IssueOptions{}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = env.Engine.ReviewRequest(env.Ctx, reviewer, "req-4", domain.ActionRejected, "too late")
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState on issued, got %v", err)
	}
	// approving an already approved request also conflicts
	env.approvedRequest(t, "req-5")
	_, err = env.Engine.ReviewRequest(env.Ctx, reviewer, "req-5", domain.ActionApproved, "")
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState on second approve, got %v", err)
	}
}

func TestIssueCertificate(t *testing.T) {
	env := newTestEnv(t)
	env.approvedRequest(t, "req-6")
	c, err := env.Engine.IssueCertificate(env.Ctx, caActor, "req-6", engine.IssueOptions{ID: "cert-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if c.Status != domain.CertificateIssued {
		t.Fatalf("expected issued, got %s", c.Status)
	}
	if len(c.VerificationCode) != 16 {
		t.Fatalf("expected 16-char code, got %q", c.VerificationCode)
	}
	// default validity from config: 365 days
	if c.ExpiresAt == nil || !strings.HasPrefix(*c.ExpiresAt, "2027-03-01") {
		t.Fatalf("expected expiry one year out, got %v", c.ExpiresAt)
	}
	q, _ := env.Engine.Repo.GetRequest(env.Ctx, "req-6")
	if q.Status != domain.RequestIssued {
		t.Fatalf("expected request issued, got %s", q.Status)
	}
	history, _ := env.Engine.Repo.ListApprovalRecords(env.Ctx, "req-6")
	if len(history) == 0 || history[len(history)-1].Action != domain.ActionIssued {
		t.Fatalf("expected issued history record")
	}
	// issuing from any state but approved fails
	env.submittedRequest(t, "req-7")
	_, err = env.Engine.IssueCertificate(env.Ctx, caActor, "req-7", engine.IssueOptions{})
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	// a referenced template must be active
	env.verifiedDocument(t, "doc-6")
	tpl, err := env.Engine.CreateTemplate(env.Ctx, caActor, engine.TemplateCreateOptions{DocumentID: "doc-6", Name: "T"})
	if err != nil {
		t.Fatal(err)
	}
	env.approvedRequest(t, "req-8")
	_, err = env.Engine.IssueCertificate(env.Ctx, caActor, "req-8", engine.IssueOptions{TemplateID: tpl.ID})
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState for pending template, got %v", err)
	}
}

func TestRevokeAndVerify(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCertificate(env.Ctx, caActor, engine.CertificateCreateOptions{
		ID:            "cert-2",
		RecipientID:   clientActor.UserID,
		RecipientName: "Acme GmbH",
		Type:          "completion",
	})
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	if c.Status != domain.CertificateActive {
		t.Fatalf("expected active, got %s", c.Status)
	}
	v, got, err := env.Engine.VerifyCertificate(env.Ctx, c.VerificationCode, "test")
	if err != nil || v.Result != domain.VerifyValid || got.ID != c.ID {
		t.Fatalf("expected valid verification, got %s (%v)", v.Result, err)
	}
	// codes match case-insensitively
	v, _, err = env.Engine.VerifyCertificate(env.Ctx, strings.ToLower(c.VerificationCode), "test")
	if err != nil || v.Result != domain.VerifyValid {
		t.Fatalf("expected valid for lowercase code, got %s (%v)", v.Result, err)
	}

	c, err = env.Engine.RevokeCertificate(env.Ctx, caActor, c.ID, "terms violated")
	if err != nil || c.Status != domain.CertificateRevoked {
		t.Fatalf("revoke: %s (%v)", c.Status, err)
	}
	v, _, err = env.Engine.VerifyCertificate(env.Ctx, c.VerificationCode, "test")
	if err != nil || v.Result != domain.VerifyRevoked {
		t.Fatalf("expected revoked, got %s (%v)", v.Result, err)
	}
	_, err = env.Engine.RevokeCertificate(env.Ctx, caActor, c.ID, "again")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidState on second revoke, got %v", err)
	}

	v, _, err = env.Engine.VerifyCertificate(env.Ctx, "DOESNOTEXIST0000", "test")
	if err != nil || v.Result != domain.VerifyNotFound {
		t.Fatalf("expected not_found, got %s (%v)", v.Result, err)
	}
	// every lookup is recorded
	vs, err := env.Engine.Repo.ListVerifications(env.Ctx, c.ID, 10)
	if err != nil || len(vs) != 3 {
		t.Fatalf("expected 3 recorded verifications, got %d (%v)", len(vs), err)
	}
}

func TestVerifyExpired(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return now }
	c, err := env.Engine.CreateCertificate(env.Ctx, caActor, engine.CertificateCreateOptions{
		RecipientID:   clientActor.UserID,
		RecipientName: "Acme GmbH",
		Type:          "completion",
		ValidityDays:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	now = now.AddDate(0, 0, 2)
	v, _, err := env.Engine.VerifyCertificate(env.Ctx, c.VerificationCode, "test")
	if err != nil || v.Result != domain.VerifyExpired {
		t.Fatalf("expected expired, got %s (%v)", v.Result, err)
	}
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t)
	d := env.registerDocument(t, "doc-7")

	// only CAs review documents
	if _, err := env.Engine.ReviewDocument(env.Ctx, clientActor, d.ID, "approve", ""); err == nil {
		t.Fatalf("expected client blocked from document review")
	}
	// only clients review templates
	env.verifiedDocument(t, "doc-8")
	tpl, err := env.Engine.CreateTemplate(env.Ctx, caActor, engine.TemplateCreateOptions{DocumentID: "doc-8", Name: "T"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReviewTemplate(env.Ctx, caActor, tpl.ID, "approve", ""); err == nil {
		t.Fatalf("expected ca blocked from template review")
	}
	// CAs do not originate requests
	if _, err := env.Engine.CreateRequest(env.Ctx, caActor, engine.RequestCreateOptions{ClientName: "x", CertificateType: "completion"}); err == nil {
		t.Fatalf("expected ca blocked from request creation")
	}
	// suspended actors are rejected outright
	if _, err := env.Engine.ReviewDocument(env.Ctx, suspendedCA, d.ID, "approve", ""); err == nil {
		t.Fatalf("expected suspended actor rejected")
	}
	// only the owner (or an admin) drives a request's lifecycle
	env.draftRequest(t, "req-9")
	if _, err := env.Engine.SubmitRequest(env.Ctx, reviewer, "req-9"); err == nil {
		t.Fatalf("expected non-owner blocked from submit")
	}
	if _, err := env.Engine.SubmitRequest(env.Ctx, adminActor, "req-9"); err != nil {
		t.Fatalf("expected admin to pass owner gate: %v", err)
	}
	// admins pass every role gate
	d2 := env.registerDocument(t, "doc-9")
	if _, err := env.Engine.ReviewDocument(env.Ctx, adminActor, d2.ID, "approve", ""); err != nil {
		t.Fatalf("expected admin review to pass: %v", err)
	}
}

func TestActivityPerOperation(t *testing.T) {
	env := newTestEnv(t)
	env.registerDocument(t, "doc-10")
	entries, err := env.Engine.Repo.ActivityByEntity(env.Ctx, activity.KindDocument, "doc-10", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 entry after register, got %d (%v)", len(entries), err)
	}
	if !strings.Contains(entries[0].Metadata, "doc-10") {
		t.Fatalf("expected metadata to reference the document, got %s", entries[0].Metadata)
	}
	if _, err := env.Engine.ReviewDocument(env.Ctx, caActor, "doc-10", "approve", ""); err != nil {
		t.Fatal(err)
	}
	entries, _ = env.Engine.Repo.ActivityByEntity(env.Ctx, activity.KindDocument, "doc-10", 10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after review, got %d", len(entries))
	}

	env.submittedRequest(t, "req-10")
	entries, _ = env.Engine.Repo.ActivityByEntity(env.Ctx, activity.KindRequest, "req-10", 10)
	if len(entries) != 2 {
		t.Fatalf("expected create+submit entries, got %d", len(entries))
	}
	for _, e := range entries {
		if !strings.Contains(e.Metadata, "req-10") {
			t.Fatalf("entry %s metadata misses the request id: %s", e.Action, e.Metadata)
		}
	}
	// a failed transition appends nothing
	if _, err := env.Engine.SubmitRequest(env.Ctx, clientActor, "req-10"); err == nil {
		t.Fatalf("expected second submit to fail")
	}
	entries, _ = env.Engine.Repo.ActivityByEntity(env.Ctx, activity.KindRequest, "req-10", 10)
	if len(entries) != 2 {
		t.Fatalf("expected no entry for failed submit, got %d", len(entries))
	}
}

func TestNotFoundTaxonomy(t *testing.T) {
	env := newTestEnv(t)
	var nfe engine.NotFoundError
	if _, err := env.Engine.ReviewDocument(env.Ctx, caActor, "ghost", "approve", ""); !errors.As(err, &nfe) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := env.Engine.SubmitRequest(env.Ctx, clientActor, "ghost"); !errors.As(err, &nfe) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := env.Engine.RevokeCertificate(env.Ctx, caActor, "ghost", ""); !errors.As(err, &nfe) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := env.Engine.CreateTemplate(env.Ctx, caActor, engine.TemplateCreateOptions{DocumentID: "ghost", Name: "T"}); !errors.As(err, &nfe) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDocumentValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError
	_, err := env.Engine.RegisterDocument(env.Ctx, uploader, engine.DocumentRegisterOptions{FileName: "big.pdf", FileSize: 1 << 30, Type: "identity"})
	if !errors.As(err, &ve) || ve.Field != "file_size" {
		t.Fatalf("expected file_size validation, got %v", err)
	}
	_, err = env.Engine.RegisterDocument(env.Ctx, uploader, engine.DocumentRegisterOptions{FileName: "odd.pdf", FileSize: 10, Type: "unconfigured"})
	if !errors.As(err, &ve) || ve.Field != "type" {
		t.Fatalf("expected type validation, got %v", err)
	}
	_, err = env.Engine.CreateRequest(env.Ctx, clientActor, engine.RequestCreateOptions{ClientName: "x", ClientEmail: "not-an-address", CertificateType: "completion"})
	if !errors.As(err, &ve) || ve.Field != "client_email" {
		t.Fatalf("expected client_email validation, got %v", err)
	}
	_, err = env.Engine.ReviewRequest(env.Ctx, reviewer, "any", "promote", "")
	if !errors.As(err, &ve) || ve.Field != "action" {
		t.Fatalf("expected action validation, got %v", err)
	}
}
