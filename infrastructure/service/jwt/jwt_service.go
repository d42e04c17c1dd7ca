package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
	"github.com/fixora/flagsync/infrastructure/config"
)

type JWTService struct {
	config     *config.Config
	hmacSecret []byte
	now        func() time.Time
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// accessClaims is the token body issued by the identity provider.
// Orgs maps organization IDs to the holder's role there.
type accessClaims struct {
	UserID string            `json:"user_id"`
	Email  string            `json:"email,omitempty"`
	Type   string            `json:"type"`
	Orgs   map[string]string `json:"orgs,omitempty"`
	jwt.RegisteredClaims
}

func NewJWTService(cfg *config.Config) (*JWTService, error) {
	if cfg.JWTAlgorithm != "HS256" {
		return nil, fmt.Errorf("unsupported JWT algorithm: %s", cfg.JWTAlgorithm)
	}
	if cfg.JWTSecret == "" {
		return nil, config.ErrMissingJWTSecret
	}
	return &JWTService{
		config:     cfg,
		hmacSecret: []byte(cfg.JWTSecret),
		now:        time.Now,
	}, nil
}

var _ outbound.TokenService = (*JWTService)(nil)

// GenerateAccessToken mints a token; used by tooling and tests, the service
// itself only validates tokens.
func (s *JWTService) GenerateAccessToken(claims outbound.TokenClaims) (string, error) {
	now := s.now()
	orgs := make(map[string]string, len(claims.Memberships))
	for org, role := range claims.Memberships {
		orgs[org] = string(role)
	}

	tokenClaims := accessClaims{
		UserID: claims.UserID,
		Email:  claims.Email,
		Type:   "access",
		Orgs:   orgs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    s.config.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims)
	tokenString, err := token.SignedString(s.hmacSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return tokenString, nil
}

func (s *JWTService) ValidateAccessToken(tokenString string) (*outbound.TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.JWTIssuer))
	}

	var claims accessClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.hmacSecret, nil
	}, opts...)
	if err != nil {
		return nil, s.handleValidationError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.UserID == "" || claims.Type != "access" {
		return nil, ErrInvalidToken
	}

	memberships := make(map[string]entity.Role, len(claims.Orgs))
	for org, role := range claims.Orgs {
		r := entity.Role(role)
		if entity.ValidateOrganizationID(org) != nil || !r.Valid() {
			continue
		}
		memberships[org] = r
	}

	return &outbound.TokenClaims{
		UserID:      claims.UserID,
		Email:       claims.Email,
		Memberships: memberships,
	}, nil
}

func (s *JWTService) handleValidationError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	return ErrInvalidToken
}
