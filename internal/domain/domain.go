package domain

// Actor roles and account statuses supplied by the identity layer.
const (
	RoleUser   = "user"
	RoleClient = "client"
	RoleCA     = "ca"
	RoleAdmin  = "admin"

	ActorActive    = "active"
	ActorPending   = "pending"
	ActorSuspended = "suspended"
)

// Identity is the acting caller, passed explicitly into every engine
// operation. It is resolved at the edge (JWT, API key, CLI flags) and
// never read from ambient state.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role" enum:"user,client,ca,admin"`
	Status string `json:"status" enum:"pending,active,suspended"`
}

const (
	DocumentPending  = "pending"
	DocumentVerified = "verified"
	DocumentRejected = "rejected"
)

type Document struct {
	ID              string  `json:"id"`
	UploaderID      string  `json:"uploader_id"`
	FileName        string  `json:"file_name"`
	MimeType        string  `json:"mime_type,omitempty"`
	FileSize        int64   `json:"file_size"`
	Type            string  `json:"type,omitempty"`
	Status          string  `json:"status" enum:"pending,verified,rejected"`
	UploadedAt      string  `json:"uploaded_at" format:"date-time"`
	ReviewedBy      *string `json:"reviewed_by,omitempty"`
	ReviewedAt      *string `json:"reviewed_at,omitempty" format:"date-time"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	TemplateCreated bool    `json:"template_created"`
}

const (
	TemplatePendingClientReview = "pendingClientReview"
	TemplateClientApproved      = "clientApproved"
	TemplateChangesRequested    = "changesRequested"
	TemplateRejected            = "rejected"
	TemplateActive              = "active"
)

type Template struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description,omitempty"`
	SourceDocumentID *string `json:"source_document_id,omitempty"`
	CreatedBy        string  `json:"created_by"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	Status           string  `json:"status" enum:"pendingClientReview,clientApproved,changesRequested,rejected,active"`
}

const (
	RequestDraft            = "draft"
	RequestSubmitted        = "submitted"
	RequestUnderReview      = "underReview"
	RequestApproved         = "approved"
	RequestRejected         = "rejected"
	RequestChangesRequested = "changesRequested"
	RequestIssued           = "issued"
	RequestCancelled        = "cancelled"
)

// Approval actions recorded in a request's history. ReviewRequest accepts
// the first six; the rest are appended by their lifecycle operations.
const (
	ActionApproved         = "approved"
	ActionRejected         = "rejected"
	ActionChangesRequested = "changesRequested"
	ActionAssigned         = "assigned"
	ActionForwarded        = "forwarded"
	ActionInfoRequested    = "infoRequested"
	ActionUnderReview      = "underReview"
	ActionResubmitted      = "resubmitted"
	ActionCancelled        = "cancelled"
	ActionIssued           = "issued"
)

type CertificateRequest struct {
	ID               string            `json:"id"`
	ClientID         string            `json:"client_id"`
	ClientName       string            `json:"client_name"`
	ClientEmail      string            `json:"client_email,omitempty"`
	OrganizationName string            `json:"organization_name,omitempty"`
	CertificateType  string            `json:"certificate_type"`
	Description      string            `json:"description,omitempty"`
	Purpose          string            `json:"purpose,omitempty"`
	RequestedData    map[string]string `json:"requested_data,omitempty"`
	Status           string            `json:"status" enum:"draft,submitted,underReview,approved,rejected,changesRequested,issued,cancelled"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
}

// ApprovalRecord is one immutable entry in a request's approval history,
// ordered by Seq (append order).
type ApprovalRecord struct {
	ID           string  `json:"id"`
	RequestID    string  `json:"request_id"`
	Seq          int     `json:"seq"`
	ReviewerID   string  `json:"reviewer_id"`
	ReviewerName string  `json:"reviewer_name,omitempty"`
	Action       string  `json:"action" enum:"approved,rejected,changesRequested,assigned,forwarded,infoRequested,underReview,resubmitted,cancelled,issued"`
	Comments     *string `json:"comments,omitempty"`
	TS           string  `json:"ts" format:"date-time"`
}

const (
	CertificateIssued  = "issued"
	CertificateActive  = "active"
	CertificateRevoked = "revoked"
)

type Certificate struct {
	ID               string  `json:"id"`
	RecipientID      string  `json:"recipient_id"`
	RecipientName    string  `json:"recipient_name"`
	Type             string  `json:"type"`
	TemplateID       *string `json:"template_id,omitempty"`
	IssuedAt         string  `json:"issued_at" format:"date-time"`
	ExpiresAt        *string `json:"expires_at,omitempty" format:"date-time"`
	Status           string  `json:"status" enum:"issued,active,revoked"`
	VerificationCode string  `json:"verification_code"`
	ReminderSent     bool    `json:"reminder_sent,omitempty"`
}

type ActivityEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	ActorID     string `json:"actor_id"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	Metadata    string `json:"metadata_json,omitempty"`
}

const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Notification is one outbox row, drained by the dispatcher.
type Notification struct {
	ID          string  `json:"id"`
	RecipientID string  `json:"recipient_id"`
	Title       string  `json:"title"`
	Message     string  `json:"message"`
	Type        string  `json:"type"`
	Data        string  `json:"data_json,omitempty"`
	Status      string  `json:"status" enum:"pending,sent,failed"`
	Attempts    int     `json:"attempts"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	SentAt      *string `json:"sent_at,omitempty" format:"date-time"`
	LastError   *string `json:"last_error,omitempty"`
}

const (
	VerifyValid    = "valid"
	VerifyRevoked  = "revoked"
	VerifyExpired  = "expired"
	VerifyNotFound = "not_found"
)

// Verification is one recorded certificate lookup by code.
type Verification struct {
	ID            string  `json:"id"`
	CertificateID *string `json:"certificate_id,omitempty"`
	Code          string  `json:"code"`
	Result        string  `json:"result" enum:"valid,revoked,expired,not_found"`
	Source        string  `json:"source,omitempty"`
	TS            string  `json:"ts" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`
	Role      string `json:"role" enum:"user,client,ca,admin"`
	Status    string `json:"status" enum:"active,revoked"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
