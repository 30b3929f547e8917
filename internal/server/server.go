package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/engine/auth"
	"certline/internal/migrate"
	"certline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"request r1 is draft, want submitted or underReview"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Certline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema-level request errors are 400; 422 is reserved for
			// the engine's field validations.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Certline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(api, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerCertificates(group, cfg.Engine)
	registerVerify(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine error taxonomy onto HTTP statuses:
// Unauthorized 403, NotFound 404, InvalidState 409, Validation 422.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"need": ue.Need})
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var se engine.InvalidStateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"status": se.Status, "want": se.Want})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		version, err := migrate.Version(e.DB)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "store unavailable", nil)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Schema: version}}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Register document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RegisterDocument(ctx, actor, engine.DocumentRegisterOptions{
			ID:       input.Body.ID,
			FileName: input.Body.FileName,
			MimeType: input.Body.MimeType,
			FileSize: input.Body.FileSize,
			Type:     input.Body.Type,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,verified,rejected"`
		Type       string `query:"type"`
		UploaderID string `query:"uploader_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedDocuments `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		docs, err := e.Repo.ListDocuments(ctx, repo.DocumentFilters{
			UploaderID:      input.UploaderID,
			Status:          input.Status,
			Type:            input.Type,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDocuments{Items: []domain.Document{}}
		if len(docs) > limit {
			docs = docs[:limit]
			resp.NextCursor = composeCursor(docs[limit-1].UploadedAt, docs[limit-1].ID)
		}
		resp.Items = docs
		return &struct {
			Body paginatedDocuments `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		d, err := e.Repo.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/review",
		Summary:     "Review document",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ReviewDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReviewDocument(ctx, actor, input.ID, input.Body.Decision, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: d}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTemplate(ctx, actor, engine.TemplateCreateOptions{
			ID:          input.Body.ID,
			DocumentID:  input.Body.DocumentID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pendingClientReview,clientApproved,changesRequested,rejected,active"`
		DocumentID string `query:"document_id"`
		CreatedBy  string `query:"created_by"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTemplates `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListTemplates(ctx, repo.TemplateFilters{
			Status:           input.Status,
			SourceDocumentID: input.DocumentID,
			CreatedBy:        input.CreatedBy,
			Limit:            limit + 1,
			CursorCreatedAt:  cursorTS,
			CursorID:         cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTemplates{Items: []domain.Template{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
		}
		resp.Items = items
		return &struct {
			Body paginatedTemplates `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-template",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/review",
		Summary:     "Review template",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ReviewActionRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReviewTemplate(ctx, actor, input.ID, input.Body.Action, input.Body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create certificate request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*struct {
		Body domain.CertificateRequest `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.CreateRequest(ctx, actor, engine.RequestCreateOptions{
			ID:               input.Body.ID,
			ClientName:       input.Body.ClientName,
			ClientEmail:      input.Body.ClientEmail,
			OrganizationName: input.Body.OrganizationName,
			CertificateType:  input.Body.CertificateType,
			Description:      input.Body.Description,
			Purpose:          input.Body.Purpose,
			RequestedData:    input.Body.RequestedData,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificateRequest `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List certificate requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"draft,submitted,underReview,approved,rejected,changesRequested,issued,cancelled"`
		ClientID string `query:"client_id"`
		Type     string `query:"type"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
			ClientID:        input.ClientID,
			Status:          input.Status,
			CertificateType: input.Type,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []domain.CertificateRequest{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
		}
		resp.Items = items
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get certificate request with approval history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestDetailResponse `json:"body"`
	}, error) {
		q, err := e.Repo.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		history, err := e.Repo.ListApprovalRecords(ctx, q.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if history == nil {
			history = []domain.ApprovalRecord{}
		}
		return &struct {
			Body RequestDetailResponse `json:"body"`
		}{Body: RequestDetailResponse{Request: q, History: history}}, nil
	})

	type requestPath struct {
		ID string `path:"id"`
	}
	lifecycle := []struct {
		id      string
		path    string
		summary string
		call    func(context.Context, domain.Identity, string) (domain.CertificateRequest, error)
	}{
		{"submit-request", "/requests/{id}/submit", "Submit request for review", e.SubmitRequest},
		{"start-request-review", "/requests/{id}/review/start", "Start request review", e.StartRequestReview},
		{"resubmit-request", "/requests/{id}/resubmit", "Resubmit request after changes", e.ResubmitRequest},
		{"cancel-request", "/requests/{id}/cancel", "Cancel request", e.CancelRequest},
	}
	for _, op := range lifecycle {
		call := op.call
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *requestPath) (*struct {
			Body domain.CertificateRequest `json:"body"`
		}, error) {
			actor, authErr := identityFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			q, err := call(ctx, actor, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.CertificateRequest `json:"body"`
			}{Body: q}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "review-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/review",
		Summary:     "Record a review action",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ReviewActionRequest `json:"body"`
	}) (*struct {
		Body domain.CertificateRequest `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.ReviewRequest(ctx, actor, input.ID, input.Body.Action, input.Body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificateRequest `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-certificate",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/issue",
		Summary:       "Issue certificate for approved request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body IssueCertificateRequest `json:"body"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.IssueCertificate(ctx, actor, input.ID, engine.IssueOptions{
			ID:           input.Body.ID,
			TemplateID:   input.Body.TemplateID,
			ValidityDays: input.Body.ValidityDays,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: c}, nil
	})
}

func registerCertificates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-certificate",
		Method:        http.MethodPost,
		Path:          "/certificates",
		Summary:       "Create certificate directly",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCertificateRequest `json:"body"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCertificate(ctx, actor, engine.CertificateCreateOptions{
			ID:            input.Body.ID,
			RecipientID:   input.Body.RecipientID,
			RecipientName: input.Body.RecipientName,
			Type:          input.Body.Type,
			TemplateID:    input.Body.TemplateID,
			ValidityDays:  input.Body.ValidityDays,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-certificates",
		Method:      http.MethodGet,
		Path:        "/certificates",
		Summary:     "List certificates",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"issued,active,revoked"`
		RecipientID string `query:"recipient_id"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedCertificates `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListCertificates(ctx, repo.CertificateFilters{
			RecipientID:     input.RecipientID,
			Status:          input.Status,
			Type:            input.Type,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCertificates{Items: []domain.Certificate{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].IssuedAt, items[limit-1].ID)
		}
		resp.Items = items
		return &struct {
			Body paginatedCertificates `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-certificate",
		Method:      http.MethodGet,
		Path:        "/certificates/{id}",
		Summary:     "Get certificate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		c, err := e.Repo.GetCertificate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-certificate",
		Method:      http.MethodPost,
		Path:        "/certificates/{id}/revoke",
		Summary:     "Revoke certificate",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body RevokeCertificateRequest `json:"body"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RevokeCertificate(ctx, actor, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-certificate-verifications",
		Method:      http.MethodGet,
		Path:        "/certificates/{id}/verifications",
		Summary:     "List verification lookups for a certificate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Verification `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCertificate(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListVerifications(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Verification{}
		}
		return &struct {
			Body []domain.Verification `json:"body"`
		}{Body: items}, nil
	})
}

func registerVerify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-certificate",
		Method:      http.MethodGet,
		Path:        "/verify/{code}",
		Summary:     "Verify a certificate by its code",
		Description: "Public endpoint; no authentication required.",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Code   string `path:"code"`
		Source string `query:"source"`
	}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		v, c, err := e.VerifyCertificate(ctx, input.Code, input.Source)
		if err != nil {
			return nil, handleError(err)
		}
		resp := VerifyResponse{Result: v.Result, Code: v.Code, CheckedAt: v.TS}
		if v.Result != domain.VerifyNotFound {
			resp.Certificate = certificateSummary(c)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "List activity entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID    string `query:"actor_id"`
		Action     string `query:"action"`
		EntityKind string `query:"entity_kind" enum:"document,template,request,certificate"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedActivity `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, rawID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		var cursorID int64
		if rawID != "" {
			cursorID, err = strconv.ParseInt(rawID, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		items, err := e.Repo.ListActivity(ctx, repo.ActivityFilters{
			ActorID:    input.ActorID,
			Action:     input.Action,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			CursorTS:   cursorTS,
			CursorID:   cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedActivity{Items: []domain.ActivityEntry{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.TS, strconv.FormatInt(last.ID, 10))
		}
		resp.Items = items
		return &struct {
			Body paginatedActivity `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List outbox notifications",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RecipientID string `query:"recipient_id"`
		Status      string `query:"status" enum:"pending,sent,failed"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actor, authErr := identityFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recipient := input.RecipientID
		// Non-admins only see their own notifications.
		if actor.Role != domain.RoleAdmin {
			recipient = actor.UserID
		}
		items, err := e.Repo.ListNotifications(ctx, repo.NotificationFilters{
			RecipientID: recipient,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body domain.APIKey `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if input.Body.Key == "" || input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "key, actor_id and role are required", nil)
		}
		key := domain.APIKey{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(input.Body.Key),
			ActorID:   input.Body.ActorID,
			ActorName: input.Body.ActorName,
			Role:      input.Body.Role,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if key.ID == "" {
			key.ID = uuid.New().String()
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.APIKey `json:"body"`
		}{Body: key}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Revoke API key",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.RevokeAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// --- helpers ---

func requireAdmin(ctx context.Context) huma.StatusError {
	actor, authErr := identityFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if err := auth.RequireRole(actor, domain.RoleAdmin); err != nil {
		return handleError(err)
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	verifyPrefix := path.Join(basePath, "verify") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == "/healthz" || strings.HasPrefix(route, verifyPrefix) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Certline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
