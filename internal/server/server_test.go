package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/migrate"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("authority-1"), nil)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func signedToken(t *testing.T, sub, name, role string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    sub,
		"name":   name,
		"role":   role,
		"status": "active",
		"exp":    time.Now().Add(ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func bearer(t *testing.T, sub, name, role string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + signedToken(t, sub, name, role, time.Hour)}
}

func asUser(t *testing.T) map[string]string     { return bearer(t, "user-1", "Dana Uploader", "user") }
func asCA(t *testing.T) map[string]string       { return bearer(t, "ca-1", "Casey Reviewer", "ca") }
func asClient(t *testing.T) map[string]string   { return bearer(t, "client-1", "Avery Client", "client") }
func asReviewer(t *testing.T) map[string]string { return bearer(t, "client-2", "Robin Approver", "client") }
func asAdmin(t *testing.T) map[string]string    { return bearer(t, "admin-1", "Root", "admin") }

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d %s", res.StatusCode, string(data))
	}
	var health HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Status != "ok" || health.Schema < 1 {
		t.Fatalf("unexpected health response: %+v", health)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}

	expired := signedToken(t, "user-1", "Dana Uploader", "user", -time.Hour)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents", nil, map[string]string{
		"Authorization": "Bearer " + expired,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials for expired token, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents", nil, map[string]string{
		"X-Api-Key": "no-such-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown api key, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials for unknown api key, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/verify/DOESNOTEXIST0000", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify should not need credentials: %d %s", res.StatusCode, string(data))
	}
}

func TestForbiddenByRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"file_name": "passport.pdf",
		"file_size": 2048,
		"type":      "identity",
	}, asUser(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register document: %d %s", res.StatusCode, string(data))
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/review", map[string]any{
		"decision": "approve",
	}, asUser(t))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("uploader should not review: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"document_id": doc.ID,
		"name":        "Identity Certificate",
	}, asClient(t))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client should not create templates: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"client_name":      "Acme GmbH",
		"certificate_type": "compliance",
	}, asCA(t))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("ca should not create requests: %d %s", res.StatusCode, string(data))
	}
}

func TestDocumentTemplatePipeline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"file_name": "passport.pdf",
		"mime_type": "application/pdf",
		"file_size": 2048,
		"type":      "identity",
	}, asUser(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register document: %d %s", res.StatusCode, string(data))
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	if doc.Status != domain.DocumentPending || doc.UploaderID != "user-1" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"file_name": "huge.pdf",
		"file_size": 1 << 30,
		"type":      "identity",
	}, asUser(t))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("oversized file: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"file_size": 10,
	}, asUser(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing file_name should be a schema error: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("expected bad_request, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/review", map[string]any{
		"decision": "approve",
	}, asCA(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review document: %d %s", res.StatusCode, string(data))
	}
	var verified domain.Document
	if err := json.Unmarshal(data, &verified); err != nil {
		t.Fatalf("unmarshal verified: %v", err)
	}
	if verified.Status != domain.DocumentVerified || verified.ReviewedBy == nil || *verified.ReviewedBy != "ca-1" {
		t.Fatalf("unexpected verified document: %+v", verified)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"document_id": doc.ID,
		"name":        "Identity Certificate",
	}, asCA(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tpl domain.Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		t.Fatalf("unmarshal template: %v", err)
	}
	if tpl.Status != domain.TemplatePendingClientReview {
		t.Fatalf("expected pendingClientReview, got %s", tpl.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates/"+tpl.ID+"/review", map[string]any{
		"action": "approve",
	}, asClient(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review template: %d %s", res.StatusCode, string(data))
	}
	var active domain.Template
	if err := json.Unmarshal(data, &active); err != nil {
		t.Fatalf("unmarshal reviewed template: %v", err)
	}
	if active.Status != domain.TemplateActive {
		t.Fatalf("expected active, got %s", active.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/"+doc.ID, nil, asUser(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get document: %d %s", res.StatusCode, string(data))
	}
	var fetched domain.Document
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal fetched: %v", err)
	}
	if !fetched.TemplateCreated {
		t.Fatalf("expected template_created after template creation: %+v", fetched)
	}
}

func TestRequestLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"client_name":      "Acme GmbH",
		"client_email":     "certs@acme.example",
		"certificate_type": "compliance",
	}, asClient(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request: %d %s", res.StatusCode, string(data))
	}
	var q domain.CertificateRequest
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if q.Status != domain.RequestDraft || q.ClientID != "client-1" {
		t.Fatalf("unexpected request: %+v", q)
	}
	base := srv.URL + "/v0/requests/" + q.ID

	res, data = doJSON(t, client, http.MethodPost, base+"/submit", nil, asClient(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/review", map[string]any{
		"action": "changesRequested",
	}, asReviewer(t))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("changesRequested without comments: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/review", map[string]any{
		"action":   "changesRequested",
		"comments": "attach the registry excerpt",
	}, asReviewer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("request changes: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/submit", nil, asClient(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("submit after changesRequested should conflict: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/resubmit", nil, asClient(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resubmit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/review/start", nil, asReviewer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start review: %d %s", res.StatusCode, string(data))
	}
	var reviewing domain.CertificateRequest
	if err := json.Unmarshal(data, &reviewing); err != nil {
		t.Fatalf("unmarshal reviewing: %v", err)
	}
	if reviewing.Status != domain.RequestUnderReview {
		t.Fatalf("expected underReview, got %s", reviewing.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/review", map[string]any{
		"action": "approved",
	}, asReviewer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/issue", map[string]any{
		"validity_days": 30,
	}, asCA(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue: %d %s", res.StatusCode, string(data))
	}
	var cert domain.Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		t.Fatalf("unmarshal certificate: %v", err)
	}
	if len(cert.VerificationCode) != 16 {
		t.Fatalf("expected 16-char verification code, got %q", cert.VerificationCode)
	}
	if cert.RecipientName != "Acme GmbH" || cert.ExpiresAt == nil {
		t.Fatalf("unexpected certificate: %+v", cert)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/review", map[string]any{
		"action": "approved",
	}, asReviewer(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("review after issue should conflict: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/cancel", nil, asClient(t))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("cancel after issue should conflict: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, asClient(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get request: %d %s", res.StatusCode, string(data))
	}
	var detail RequestDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Request.Status != domain.RequestIssued {
		t.Fatalf("expected issued, got %s", detail.Request.Status)
	}
	if len(detail.History) != 5 {
		t.Fatalf("expected 5 history records, got %d: %+v", len(detail.History), detail.History)
	}
	if last := detail.History[len(detail.History)-1]; last.Action != domain.ActionIssued {
		t.Fatalf("expected issued as last record, got %s", last.Action)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/ghost", nil, asClient(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func issueTestCertificate(t *testing.T, srv *testServer) domain.Certificate {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"client_name":      "Acme GmbH",
		"certificate_type": "compliance",
	}, asClient(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request: %d %s", res.StatusCode, string(data))
	}
	var q domain.CertificateRequest
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	base := srv.URL + "/v0/requests/" + q.ID
	if res, data = doJSON(t, client, http.MethodPost, base+"/submit", nil, asClient(t)); res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, base+"/review", map[string]any{
		"action": "approved",
	}, asReviewer(t)); res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/issue", map[string]any{}, asCA(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue: %d %s", res.StatusCode, string(data))
	}
	var cert domain.Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		t.Fatalf("unmarshal certificate: %v", err)
	}
	return cert
}

func TestVerifyWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cert := issueTestCertificate(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/verify/"+cert.VerificationCode, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify: %d %s", res.StatusCode, string(data))
	}
	var verdict VerifyResponse
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if verdict.Result != domain.VerifyValid {
		t.Fatalf("expected valid, got %s", verdict.Result)
	}
	if verdict.Certificate == nil || verdict.Certificate.ID != cert.ID {
		t.Fatalf("expected certificate summary for %s: %+v", cert.ID, verdict)
	}

	lower := strings.ToLower(cert.VerificationCode)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/verify/"+lower, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify lowercase: %d %s", res.StatusCode, string(data))
	}
	verdict = VerifyResponse{}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal lowercase verify: %v", err)
	}
	if verdict.Result != domain.VerifyValid {
		t.Fatalf("expected valid for lowercase code, got %s", verdict.Result)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/certificates/"+cert.ID+"/revoke", map[string]any{
		"reason": "superseded",
	}, asCA(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke: %d %s", res.StatusCode, string(data))
	}
	var revoked domain.Certificate
	if err := json.Unmarshal(data, &revoked); err != nil {
		t.Fatalf("unmarshal revoked: %v", err)
	}
	if revoked.Status != domain.CertificateRevoked {
		t.Fatalf("expected revoked, got %s", revoked.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/verify/"+cert.VerificationCode, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify revoked: %d %s", res.StatusCode, string(data))
	}
	verdict = VerifyResponse{}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal revoked verify: %v", err)
	}
	if verdict.Result != domain.VerifyRevoked {
		t.Fatalf("expected revoked, got %s", verdict.Result)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/verify/DOESNOTEXIST0000", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify unknown: %d %s", res.StatusCode, string(data))
	}
	verdict = VerifyResponse{}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal unknown verify: %v", err)
	}
	if verdict.Result != domain.VerifyNotFound || verdict.Certificate != nil {
		t.Fatalf("expected bare not_found, got %+v", verdict)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/certificates/"+cert.ID+"/verifications", nil, asCA(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list verifications: %d %s", res.StatusCode, string(data))
	}
	var lookups []domain.Verification
	if err := json.Unmarshal(data, &lookups); err != nil {
		t.Fatalf("unmarshal verifications: %v", err)
	}
	if len(lookups) != 3 {
		t.Fatalf("expected 3 recorded lookups, got %d", len(lookups))
	}
}

func TestAPIKeyFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	const rawKey = "ops-secret-1"

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name":       "ops automation",
		"key":        rawKey,
		"actor_id":   "ops-1",
		"actor_name": "Ops Bot",
		"role":       "ca",
	}, asAdmin(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var key domain.APIKey
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if key.KeyHash == "" || key.KeyHash == rawKey {
		t.Fatalf("key must be stored hashed: %+v", key)
	}
	if key.Status != "active" {
		t.Fatalf("expected active key, got %s", key.Status)
	}

	keyHeaders := map[string]string{"X-Api-Key": rawKey}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents", nil, keyHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"file_name": "charter.pdf",
		"file_size": 512,
		"type":      "legal",
	}, asUser(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register document: %d %s", res.StatusCode, string(data))
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/review", map[string]any{
		"decision": "approve",
	}, keyHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("key-backed actor should carry its role: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"key":      "another",
		"actor_id": "ops-2",
		"role":     "ca",
	}, asClient(t))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin create key: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"key": "incomplete", "role": "ca",
	}, asAdmin(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("incomplete key payload: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+key.ID, nil, asAdmin(t))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke api key: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents", nil, keyHeaders)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should not authenticate: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}
}

func TestDocumentPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
			"id":        id,
			"file_name": id + ".pdf",
			"file_size": 100,
			"type":      "identity",
		}, asUser(t))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %s: %d %s", id, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents?limit=2", nil, asCA(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first page: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items      []domain.Document `json:"items"`
		NextCursor string            `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "doc-c" || page.Items[1].ID != "doc-b" {
		t.Fatalf("unexpected first page: %+v", page.Items)
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next_cursor on first page")
	}

	query := url.Values{"limit": {"2"}, "cursor": {page.NextCursor}}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents?"+query.Encode(), nil, asCA(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
	page.Items = nil
	page.NextCursor = ""
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "doc-a" {
		t.Fatalf("unexpected second page: %+v", page.Items)
	}
	if page.NextCursor != "" {
		t.Fatalf("expected exhausted cursor, got %q", page.NextCursor)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents?cursor=garbage", nil, asCA(t))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed cursor: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("expected bad_request, got %s", code)
	}
}
