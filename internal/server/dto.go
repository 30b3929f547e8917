package server

import (
	"certline/internal/domain"
)

// Request payloads

type RegisterDocumentRequest struct {
	ID       string `json:"id,omitempty"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size"`
	Type     string `json:"type"`
}

type ReviewDocumentRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Reason   string `json:"reason,omitempty"`
}

type CreateTemplateRequest struct {
	ID          string `json:"id,omitempty"`
	DocumentID  string `json:"document_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ReviewActionRequest is the shared body for template and request
// review decisions.
type ReviewActionRequest struct {
	Action   string `json:"action"`
	Comments string `json:"comments,omitempty"`
}

type CreateRequestRequest struct {
	ID               string            `json:"id,omitempty"`
	ClientName       string            `json:"client_name"`
	ClientEmail      string            `json:"client_email,omitempty"`
	OrganizationName string            `json:"organization_name,omitempty"`
	CertificateType  string            `json:"certificate_type"`
	Description      string            `json:"description,omitempty"`
	Purpose          string            `json:"purpose,omitempty"`
	RequestedData    map[string]string `json:"requested_data,omitempty"`
}

type IssueCertificateRequest struct {
	ID           string `json:"id,omitempty"`
	TemplateID   string `json:"template_id,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

type CreateCertificateRequest struct {
	ID            string `json:"id,omitempty"`
	RecipientID   string `json:"recipient_id"`
	RecipientName string `json:"recipient_name"`
	Type          string `json:"type"`
	TemplateID    string `json:"template_id,omitempty"`
	ValidityDays  int    `json:"validity_days,omitempty"`
}

type RevokeCertificateRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateAPIKeyRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`
	Role      string `json:"role" enum:"user,client,ca,admin"`
}

// Response payloads. Entity reads return the domain structs directly;
// the types below are the composite shapes.

type RequestDetailResponse struct {
	Request domain.CertificateRequest `json:"request"`
	History []domain.ApprovalRecord   `json:"history"`
}

type CertificateSummary struct {
	ID            string  `json:"id"`
	RecipientName string  `json:"recipient_name"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	IssuedAt      string  `json:"issued_at" format:"date-time"`
	ExpiresAt     *string `json:"expires_at,omitempty" format:"date-time"`
}

type VerifyResponse struct {
	Result      string              `json:"result" enum:"valid,revoked,expired,not_found"`
	Code        string              `json:"code"`
	CheckedAt   string              `json:"checked_at" format:"date-time"`
	Certificate *CertificateSummary `json:"certificate,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Schema int    `json:"schema"`
}

type paginatedDocuments struct {
	Items      []domain.Document `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedTemplates struct {
	Items      []domain.Template `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedRequests struct {
	Items      []domain.CertificateRequest `json:"items"`
	NextCursor string                      `json:"next_cursor,omitempty"`
}

type paginatedCertificates struct {
	Items      []domain.Certificate `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedActivity struct {
	Items      []domain.ActivityEntry `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func certificateSummary(c domain.Certificate) *CertificateSummary {
	return &CertificateSummary{
		ID:            c.ID,
		RecipientName: c.RecipientName,
		Type:          c.Type,
		Status:        c.Status,
		IssuedAt:      c.IssuedAt,
		ExpiresAt:     c.ExpiresAt,
	}
}
