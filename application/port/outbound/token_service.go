package outbound

import "github.com/fixora/flagsync/domain/entity"

type TokenClaims struct {
	UserID      string                 `json:"user_id"`
	Email       string                 `json:"email"`
	Memberships map[string]entity.Role `json:"orgs"`
}

// Actor converts validated claims into the principal used by the core
func (c *TokenClaims) Actor() entity.Actor {
	actor := entity.NewActor(c.UserID)
	for org, role := range c.Memberships {
		actor.Memberships[org] = role
	}
	return actor
}

type TokenService interface {
	GenerateAccessToken(claims TokenClaims) (string, error)
	ValidateAccessToken(token string) (*TokenClaims, error)
}
