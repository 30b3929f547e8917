package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"certline/internal/activity"
	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/migrate"
	"certline/internal/notify"
	"certline/internal/repo"
)

var (
	uploader  = domain.Identity{UserID: "user-1", Name: "Dana Uploader", Role: domain.RoleUser, Status: domain.ActorActive}
	requester = domain.Identity{UserID: "client-1", Name: "Avery Client", Role: domain.RoleClient, Status: domain.ActorActive}
	approver  = domain.Identity{UserID: "client-2", Name: "Robin Approver", Role: domain.RoleClient, Status: domain.ActorActive}
	issuerCA  = domain.Identity{UserID: "ca-1", Name: "Casey Reviewer", Role: domain.RoleCA, Status: domain.ActorActive}
)

func newNotifyEnv(t *testing.T) (*sql.DB, engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("authority-1"), nil)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return conn, eng, context.Background()
}

func issueCert(t *testing.T, eng engine.Engine, ctx context.Context, id string, validityDays int) domain.Certificate {
	t.Helper()
	q, err := eng.CreateRequest(ctx, requester, engine.RequestCreateOptions{
		ID:              id,
		ClientName:      "Acme GmbH",
		CertificateType: "compliance",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := eng.SubmitRequest(ctx, requester, q.ID); err != nil {
		t.Fatalf("submit request: %v", err)
	}
	if _, err := eng.ReviewRequest(ctx, approver, q.ID, domain.ActionApproved, ""); err != nil {
		t.Fatalf("approve request: %v", err)
	}
	cert, err := eng.IssueCertificate(ctx, issuerCA, q.ID, engine.IssueOptions{ValidityDays: validityDays})
	if err != nil {
		t.Fatalf("issue certificate: %v", err)
	}
	return cert
}

func TestReminderSweep(t *testing.T) {
	conn, eng, ctx := newNotifyEnv(t)
	near := issueCert(t, eng, ctx, "req-near", 10)
	far := issueCert(t, eng, ctx, "req-far", 300)

	r := notify.NewReminder(conn, eng.Config, nil)
	r.Now = eng.Now
	r.Sweep(ctx)

	store := repo.Repo{DB: conn}
	countExpiring := func() int {
		items, err := store.ListNotifications(ctx, repo.NotificationFilters{Status: domain.NotificationPending, Limit: 100})
		if err != nil {
			t.Fatalf("list notifications: %v", err)
		}
		n := 0
		for _, item := range items {
			if item.Type == "certificate_expiring" {
				if item.RecipientID != near.RecipientID {
					t.Fatalf("reminder went to %s, want %s", item.RecipientID, near.RecipientID)
				}
				n++
			}
		}
		return n
	}
	if got := countExpiring(); got != 1 {
		t.Fatalf("expected 1 expiry reminder, got %d", got)
	}

	reloaded, err := store.GetCertificate(ctx, near.ID)
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	if !reloaded.ReminderSent {
		t.Fatalf("expected reminder_sent on %s", near.ID)
	}
	untouched, err := store.GetCertificate(ctx, far.ID)
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	if untouched.ReminderSent {
		t.Fatalf("certificate outside the window should not be flagged")
	}

	r.Sweep(ctx)
	if got := countExpiring(); got != 1 {
		t.Fatalf("sweep must be idempotent, got %d reminders", got)
	}
}

func TestForwarderDelivery(t *testing.T) {
	conn, eng, ctx := newNotifyEnv(t)

	type delivery struct {
		event     string
		signature string
		body      []byte
	}
	var mu sync.Mutex
	var got []delivery
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{
			event:     r.Header.Get("X-Certline-Event"),
			signature: r.Header.Get("X-Certline-Signature"),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	if _, err := eng.RegisterDocument(ctx, uploader, engine.DocumentRegisterOptions{
		ID: "wh-doc-1", FileName: "wh-doc-1.pdf", FileSize: 64, Type: "identity",
	}); err != nil {
		t.Fatalf("register document: %v", err)
	}

	cfg := *eng.Config
	cfg.Webhooks = []config.Webhook{{
		Name:    "audit",
		URL:     receiver.URL,
		Secret:  "hook-secret",
		Actions: []string{activity.DocumentRegistered},
	}}
	f := notify.NewForwarder(conn, &cfg, nil)

	// First pass initializes the cursor at the feed head: nothing that
	// happened before the hook existed is replayed.
	f.ForwardAll(ctx)
	mu.Lock()
	replayed := len(got)
	mu.Unlock()
	if replayed != 0 {
		t.Fatalf("new hook must not replay history, got %d deliveries", replayed)
	}

	if _, err := eng.RegisterDocument(ctx, uploader, engine.DocumentRegisterOptions{
		ID: "wh-doc-2", FileName: "wh-doc-2.pdf", FileSize: 64, Type: "identity",
	}); err != nil {
		t.Fatalf("register document: %v", err)
	}
	if _, err := eng.CreateRequest(ctx, requester, engine.RequestCreateOptions{
		ID: "wh-req-1", ClientName: "Acme GmbH", CertificateType: "compliance",
	}); err != nil {
		t.Fatalf("create request: %v", err)
	}

	f.ForwardAll(ctx)
	mu.Lock()
	delivered := append([]delivery(nil), got...)
	mu.Unlock()
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivery (request_created is filtered), got %d", len(delivered))
	}
	d := delivered[0]
	if d.event != activity.DocumentRegistered {
		t.Fatalf("expected %s event, got %s", activity.DocumentRegistered, d.event)
	}
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(d.body)
	if want := hex.EncodeToString(mac.Sum(nil)); d.signature != want {
		t.Fatalf("signature mismatch: got %s want %s", d.signature, want)
	}
	var payload struct {
		Action     string `json:"action"`
		EntityKind string `json:"entity_kind"`
		EntityID   string `json:"entity_id"`
	}
	if err := json.Unmarshal(d.body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.EntityID != "wh-doc-2" || payload.EntityKind != activity.KindDocument {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	// Cursor has advanced past the filtered entry too.
	f.ForwardAll(ctx)
	mu.Lock()
	final := len(got)
	mu.Unlock()
	if final != 1 {
		t.Fatalf("expected no redelivery, got %d total", final)
	}
}

func TestDispatcherDrain(t *testing.T) {
	conn, eng, ctx := newNotifyEnv(t)

	outbox := notify.Outbox{DB: conn, Now: eng.Now}
	if err := outbox.Enqueue(ctx, "user-9", "Welcome", "Workspace ready", "workspace_ready", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := notify.NewDispatcher(conn, eng.Config, nil)
	d.Now = eng.Now
	d.Drain(ctx)

	store := repo.Repo{DB: conn}
	sent, err := store.ListNotifications(ctx, repo.NotificationFilters{Status: domain.NotificationSent, Limit: 10})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(sent) != 1 || sent[0].Type != "workspace_ready" {
		t.Fatalf("expected the drained notification, got %+v", sent)
	}
	if sent[0].SentAt == nil {
		t.Fatalf("expected sent_at to be recorded")
	}
	pending, err := store.PendingNotifications(ctx, 10, eng.Config.NotificationAttempts())
	if err != nil {
		t.Fatalf("pending notifications: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("outbox should be drained, got %d pending", len(pending))
	}
}
