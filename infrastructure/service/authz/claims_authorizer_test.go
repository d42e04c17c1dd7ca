package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fixora/flagsync/application/port/outbound"
	"github.com/fixora/flagsync/domain/entity"
)

func TestClaimsAuthorizer(t *testing.T) {
	actor := entity.Actor{ID: "alice", Memberships: map[string]entity.Role{
		"org-a": entity.RoleAdmin,
		"org-b": entity.RoleViewer,
		"org-c": "superuser",
	}}
	a := NewClaimsAuthorizer()

	tests := []struct {
		org     string
		want    entity.Role
		wantErr error
	}{
		{org: "org-a", want: entity.RoleAdmin},
		{org: "org-b", want: entity.RoleViewer},
		{org: "org-c", wantErr: outbound.ErrAuthorizationDenied},
		{org: "org-d", wantErr: outbound.ErrAuthorizationDenied},
	}
	for _, tt := range tests {
		t.Run(tt.org, func(t *testing.T) {
			role, err := a.Authorize(context.Background(), actor, tt.org)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, role)
		})
	}
}
