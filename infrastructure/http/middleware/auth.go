package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/http/response"
	"github.com/fixora/flagsync/infrastructure/http/validator"
)

type contextKey string

const (
	AuthUserKey contextKey = "auth_user"

	// AccessTokenQueryParam lets EventSource clients, which cannot set
	// headers, authenticate the stream endpoint.
	AccessTokenQueryParam = "access_token"
)

type AuthMiddleware struct {
	tokenService outbound.TokenService
}

func NewAuthMiddleware(tokenService outbound.TokenService) *AuthMiddleware {
	return &AuthMiddleware{
		tokenService: tokenService,
	}
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			response.Unauthorized(w, "Authorization header required")
			return
		}
		if !validator.ValidateJWT(token) {
			response.Unauthorized(w, "Invalid authorization header format")
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(token)
		if err != nil {
			response.Unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := WithUserClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get(AccessTokenQueryParam); t != "" {
			return t, true
		}
		return "", false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// WithUserClaims stores validated claims in ctx
func WithUserClaims(ctx context.Context, claims *outbound.TokenClaims) context.Context {
	return context.WithValue(ctx, AuthUserKey, claims)
}

// GetUserClaims retrieves user claims from context
func GetUserClaims(ctx context.Context) *outbound.TokenClaims {
	if claims, ok := ctx.Value(AuthUserKey).(*outbound.TokenClaims); ok {
		return claims
	}
	return nil
}

// ActorFromContext returns the authenticated actor, if any
func ActorFromContext(ctx context.Context) (entity.Actor, bool) {
	claims := GetUserClaims(ctx)
	if claims == nil {
		return entity.Actor{}, false
	}
	return claims.Actor(), true
}
