package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
)

// MembershipAuthorizer reads roles from the organization_members table
type MembershipAuthorizer struct {
	db *sql.DB
}

func NewMembershipAuthorizer(db *sql.DB) outbound.Authorizer {
	return &MembershipAuthorizer{db: db}
}

func (a *MembershipAuthorizer) Authorize(ctx context.Context, actor entity.Actor, organizationID string) (entity.Role, error) {
	if actor.ID == "" {
		return "", outbound.ErrAuthorizationDenied
	}

	var role entity.Role
	err := a.db.QueryRowContext(ctx, `
		SELECT role
		FROM organization_members
		WHERE organization_id = $1 AND user_id = $2
	`, organizationID, actor.ID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", outbound.ErrAuthorizationDenied
		}
		return "", fmt.Errorf("failed to find membership: %w", err)
	}
	if !role.Valid() {
		return "", outbound.ErrAuthorizationDenied
	}
	return role, nil
}

// UpsertMember grants role to userID in organizationID
func UpsertMember(ctx context.Context, db *sql.DB, organizationID, userID string, role entity.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, organizationID, userID, role)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}
