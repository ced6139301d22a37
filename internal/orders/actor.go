package orders

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
)

// Actor is the caller on whose behalf an order operation runs.
type Actor struct {
	UserID uuid.UUID
	Role   enums.Role
}

// SystemActor is used by background jobs and by flows acting for guests.
func SystemActor() Actor {
	return Actor{Role: enums.RoleSystem}
}

func (a Actor) IsAdmin() bool {
	return a.Role == enums.RoleAdmin
}

// IsPrivileged reports whether the actor may act on any order.
func (a Actor) IsPrivileged() bool {
	return a.Role == enums.RoleAdmin || a.Role == enums.RoleSystem
}

// CanAccess reports whether the actor may read or mutate order.
func (a Actor) CanAccess(order *models.Order) bool {
	if order == nil {
		return false
	}
	if a.IsPrivileged() {
		return true
	}
	return a.UserID != uuid.Nil && order.OwnedBy(a.UserID)
}

// Ref converts the actor into the outbox envelope form.
func (a Actor) Ref() *outbox.ActorRef {
	ref := &outbox.ActorRef{Role: string(a.Role)}
	if a.UserID != uuid.Nil {
		id := a.UserID
		ref.UserID = &id
	}
	return ref
}
