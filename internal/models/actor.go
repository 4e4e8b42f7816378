package models

import (
	"github.com/google/uuid"
	"github.com/social-marketplace/backend/internal/rbac"
)

// Actor identifies who issues a command. It is passed explicitly into every
// lifecycle operation instead of being read from request context.
type Actor struct {
	UserID uuid.UUID `json:"user_id"`
	Role   rbac.Role `json:"role"`
}

// SystemActor is used for timer expiry and carrier signals.
var SystemActor = Actor{Role: rbac.RoleSystem}

func (a Actor) IsAdmin() bool  { return rbac.IsAdmin(a.Role) }
func (a Actor) IsSystem() bool { return a.Role == rbac.RoleSystem }

// ActorType is the audit log classification.
func (a Actor) ActorType() string {
	switch {
	case a.IsSystem():
		return "system"
	case a.IsAdmin():
		return "admin"
	default:
		return "user"
	}
}

func (a Actor) UserIDPtr() *uuid.UUID {
	if a.UserID == uuid.Nil {
		return nil
	}
	id := a.UserID
	return &id
}
