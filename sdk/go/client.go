package certlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Certline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Document represents the API document model (partial).
type Document struct {
	ID         string `json:"id"`
	UploaderID string `json:"uploader_id"`
	FileName   string `json:"file_name"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	UploadedAt string `json:"uploaded_at"`
}

// Template represents the API template model (partial).
type Template struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	SourceDocumentID *string `json:"source_document_id,omitempty"`
	Status           string  `json:"status"`
	CreatedBy        string  `json:"created_by"`
	CreatedAt        string  `json:"created_at"`
}

// Request represents the API certificate request model (partial).
type Request struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id"`
	ClientName      string `json:"client_name"`
	CertificateType string `json:"certificate_type"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

// ApprovalRecord is one entry in a request's approval history.
type ApprovalRecord struct {
	ID         string  `json:"id"`
	RequestID  string  `json:"request_id"`
	Seq        int     `json:"seq"`
	ReviewerID string  `json:"reviewer_id"`
	Action     string  `json:"action"`
	Comments   *string `json:"comments,omitempty"`
	TS         string  `json:"ts"`
}

// RequestDetail pairs a request with its full approval history.
type RequestDetail struct {
	Request Request          `json:"request"`
	History []ApprovalRecord `json:"history"`
}

// Certificate represents the API certificate model (partial).
type Certificate struct {
	ID               string  `json:"id"`
	RecipientID      string  `json:"recipient_id"`
	RecipientName    string  `json:"recipient_name"`
	Type             string  `json:"type"`
	Status           string  `json:"status"`
	VerificationCode string  `json:"verification_code"`
	IssuedAt         string  `json:"issued_at"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
}

// VerifyResult is the outcome of a public verification check.
type VerifyResult struct {
	Result      string       `json:"result"`
	Code        string       `json:"code"`
	CheckedAt   string       `json:"checked_at"`
	Certificate *Certificate `json:"certificate,omitempty"`
}

// ActivityEntry is one audit log record.
type ActivityEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	ActorID     string `json:"actor_id"`
	Action      string `json:"action"`
	Description string `json:"description"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedActivity wraps activity listings with cursors.
type PaginatedActivity struct {
	Items      []ActivityEntry `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// PaginatedRequests wraps request listings with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedCertificates wraps certificate listings with cursors.
type PaginatedCertificates struct {
	Items      []Certificate `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// RegisterDocument records an uploaded file for CA review.
func (c *Client) RegisterDocument(ctx context.Context, fileName, mimeType string, fileSize int64, docType string) (Document, error) {
	body := map[string]any{
		"file_name": fileName,
		"mime_type": mimeType,
		"file_size": fileSize,
		"type":      docType,
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "v0/documents", body, &resp)
	return resp, err
}

// ReviewDocument verifies or rejects a pending document.
func (c *Client) ReviewDocument(ctx context.Context, id, decision, reason string) (Document, error) {
	body := map[string]any{"decision": decision}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Document
	endpoint := fmt.Sprintf("v0/documents/%s/review", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReviewTemplate records the client's verdict on a pending template.
func (c *Client) ReviewTemplate(ctx context.Context, id, action, comments string) (Template, error) {
	body := map[string]any{"action": action}
	if comments != "" {
		body["comments"] = comments
	}
	var resp Template
	endpoint := fmt.Sprintf("v0/templates/%s/review", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateRequest opens a draft certificate request.
func (c *Client) CreateRequest(ctx context.Context, clientName, certificateType string, requestedData map[string]string) (Request, error) {
	body := map[string]any{
		"client_name":      clientName,
		"certificate_type": certificateType,
	}
	if len(requestedData) > 0 {
		body["requested_data"] = requestedData
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// SubmitRequest moves a draft request to submitted.
func (c *Client) SubmitRequest(ctx context.Context, id string) (Request, error) {
	return c.requestAction(ctx, id, "submit")
}

// StartRequestReview moves a submitted request under review.
func (c *Client) StartRequestReview(ctx context.Context, id string) (Request, error) {
	return c.requestAction(ctx, id, "review/start")
}

// ResubmitRequest returns a changes-requested request to submitted.
func (c *Client) ResubmitRequest(ctx context.Context, id string) (Request, error) {
	return c.requestAction(ctx, id, "resubmit")
}

// CancelRequest cancels a request that has not reached a final state.
func (c *Client) CancelRequest(ctx context.Context, id string) (Request, error) {
	return c.requestAction(ctx, id, "cancel")
}

// ReviewRequest records a review action (approved, rejected,
// changesRequested, or an annotation) on a pending request.
func (c *Client) ReviewRequest(ctx context.Context, id, action, comments string) (Request, error) {
	body := map[string]any{"action": action}
	if comments != "" {
		body["comments"] = comments
	}
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/review", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetRequest fetches a request with its approval history.
func (c *Client) GetRequest(ctx context.Context, id string) (RequestDetail, error) {
	var resp RequestDetail
	endpoint := fmt.Sprintf("v0/requests/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestsPage returns a paginated request listing filtered by status.
func (c *Client) RequestsPage(ctx context.Context, status string, limit int, cursor string) (PaginatedRequests, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, listEndpoint("v0/requests", q, limit, cursor), nil, &resp)
	return resp, err
}

// IssueCertificate mints the certificate for an approved request.
func (c *Client) IssueCertificate(ctx context.Context, requestID, templateID string, validityDays int) (Certificate, error) {
	body := map[string]any{}
	if templateID != "" {
		body["template_id"] = templateID
	}
	if validityDays > 0 {
		body["validity_days"] = validityDays
	}
	var resp Certificate
	endpoint := fmt.Sprintf("v0/requests/%s/issue", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetCertificate fetches a certificate by id.
func (c *Client) GetCertificate(ctx context.Context, id string) (Certificate, error) {
	var resp Certificate
	endpoint := fmt.Sprintf("v0/certificates/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RevokeCertificate revokes a certificate.
func (c *Client) RevokeCertificate(ctx context.Context, id, reason string) (Certificate, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Certificate
	endpoint := fmt.Sprintf("v0/certificates/%s/revoke", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CertificatesPage returns a paginated certificate listing.
func (c *Client) CertificatesPage(ctx context.Context, status string, limit int, cursor string) (PaginatedCertificates, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp PaginatedCertificates
	err := c.do(ctx, http.MethodGet, listEndpoint("v0/certificates", q, limit, cursor), nil, &resp)
	return resp, err
}

// Verify checks a verification code. This endpoint needs no credentials.
func (c *Client) Verify(ctx context.Context, code string) (VerifyResult, error) {
	var resp VerifyResult
	endpoint := fmt.Sprintf("v0/verify/%s", url.PathEscape(code))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Activity returns recent activity entries.
func (c *Client) Activity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	page, err := c.ActivityPage(ctx, limit, "")
	return page.Items, err
}

// ActivityPage returns a paginated activity listing.
func (c *Client) ActivityPage(ctx context.Context, limit int, cursor string) (PaginatedActivity, error) {
	var resp PaginatedActivity
	err := c.do(ctx, http.MethodGet, listEndpoint("v0/activity", url.Values{}, limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) requestAction(ctx context.Context, id, action string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/%s", url.PathEscape(id), action)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func listEndpoint(base string, q url.Values, limit int, cursor string) string {
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if enc := q.Encode(); enc != "" {
		return base + "?" + enc
	}
	return base
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
