package authz

import (
	"context"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
)

// ClaimsAuthorizer trusts the memberships carried in the actor's access token
type ClaimsAuthorizer struct{}

func NewClaimsAuthorizer() outbound.Authorizer {
	return ClaimsAuthorizer{}
}

func (ClaimsAuthorizer) Authorize(ctx context.Context, actor entity.Actor, organizationID string) (entity.Role, error) {
	role, ok := actor.RoleIn(organizationID)
	if !ok || !role.Valid() {
		return "", outbound.ErrAuthorizationDenied
	}
	return role, nil
}
