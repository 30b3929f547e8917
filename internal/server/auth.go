package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"certline/internal/domain"
	"certline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	Logger    *zap.Logger
}

type identityKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func withIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok
}

func identityFromRequest(ctx context.Context) (domain.Identity, huma.StatusError) {
	if id, ok := identityFromContext(ctx); ok && id.UserID != "" {
		return id, nil
	}
	return domain.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	Status string `json:"status,omitempty"`
}

func authenticateJWT(token, secret string) (domain.Identity, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	if !parsed.Valid {
		return domain.Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return domain.Identity{}, errors.New("subject claim required")
	}
	status := claims.Status
	if status == "" {
		status = domain.ActorActive
	}
	return domain.Identity{
		UserID: claims.Subject,
		Name:   claims.Name,
		Role:   claims.Role,
		Status: status,
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (domain.Identity, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Identity{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return domain.Identity{}, err
	}
	if apiKey.ActorID == "" {
		return domain.Identity{}, errors.New("api key missing actor")
	}
	return domain.Identity{
		UserID: apiKey.ActorID,
		Name:   apiKey.ActorName,
		Role:   apiKey.Role,
		Status: domain.ActorActive,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller to a domain.Identity from a
// bearer JWT or an X-Api-Key header. Certificate verification and the
// OpenAPI document are the public routes under the base path.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	verifyPrefix := path.Join(basePath, "verify") + "/"
	specPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.Method == http.MethodGet &&
				(strings.HasPrefix(req.URL.Path, verifyPrefix) || req.URL.Path == specPath) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				id, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), id)))
				return
			}

			if apiKeyHeader != "" {
				id, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), id)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
