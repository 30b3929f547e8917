package auth

import (
	"fmt"
	"strings"

	"certline/internal/domain"
)

// UnauthorizedError indicates the acting identity may not perform an
// operation.
type UnauthorizedError struct {
	Actor string
	Need  string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %s: %s required", e.Actor, e.Need)
}

// RequireActive rejects identities that are missing or not in good
// standing. Every gate runs this before touching any entity.
func RequireActive(actor domain.Identity) error {
	if actor.UserID == "" {
		return UnauthorizedError{Actor: "unknown", Need: "an authenticated identity"}
	}
	if actor.Status != domain.ActorActive {
		return UnauthorizedError{Actor: actor.UserID, Need: "an active account"}
	}
	return nil
}

// RequireRole checks the actor is active and holds one of the given
// roles. Admins pass every role check.
func RequireRole(actor domain.Identity, roles ...string) error {
	if err := RequireActive(actor); err != nil {
		return err
	}
	if actor.Role == domain.RoleAdmin {
		return nil
	}
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return UnauthorizedError{Actor: actor.UserID, Need: "role " + strings.Join(roles, " or ")}
}

// RequireOwner checks the actor is active and either owns the entity or
// is an admin.
func RequireOwner(actor domain.Identity, ownerID string) error {
	if err := RequireActive(actor); err != nil {
		return err
	}
	if actor.Role == domain.RoleAdmin || actor.UserID == ownerID {
		return nil
	}
	return UnauthorizedError{Actor: actor.UserID, Need: "ownership of the entity"}
}
