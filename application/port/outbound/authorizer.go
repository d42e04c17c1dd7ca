package outbound

import (
	"context"
	"errors"

	"github.com/fixora/flagsync/domain/entity"
)

var ErrAuthorizationDenied = errors.New("authorization denied")

// Authorizer resolves the actor's role in an organization.
// It returns ErrAuthorizationDenied when the actor is not a member.
type Authorizer interface {
	Authorize(ctx context.Context, actor entity.Actor, organizationID string) (entity.Role, error)
}
