// Package auth implements the role based authorization gate of the draw
// service. Subjects arrive already authenticated.
package auth

import (
	"giveaway/internal/models"
	"giveaway/internal/services"
)

// RoleGate grants draws to players and admins and confines non-admins to
// their own draw history.
type RoleGate struct{}

// NewRoleGate returns a RoleGate.
func NewRoleGate() RoleGate { return RoleGate{} }

func (RoleGate) CanCreateDraw(subject models.Subject, userID string, game *models.Game) error {
	if subject.UserID == "" || game == nil {
		return services.ErrPermissionDenied
	}
	if !subject.HasRole(models.RolePlayer) && !subject.IsAdmin() {
		return services.ErrPermissionDenied
	}
	return nil
}

func (RoleGate) CanReadDraws(subject models.Subject, filter models.DrawFilter) error {
	if subject.UserID == "" {
		return services.ErrPermissionDenied
	}
	if subject.IsAdmin() {
		return nil
	}
	if filter.UserID != subject.UserID {
		return services.ErrPermissionDenied
	}
	return nil
}

var _ services.AuthorizationGate = RoleGate{}
