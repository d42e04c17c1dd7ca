package entity

// Role is an actor's role inside one organization
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// CanToggle reports whether r may mutate flags and create them
func (r Role) CanToggle() bool {
	return r == RoleOwner || r == RoleAdmin
}

// CanRead reports whether r may list flags and subscribe
func (r Role) CanRead() bool {
	return r.Valid()
}

// Actor is the principal behind a request. Memberships is populated
// from token claims and may be empty when roles live in the database.
type Actor struct {
	ID          string          `json:"id"`
	Memberships map[string]Role `json:"memberships,omitempty"`
}

// NewActor creates an actor without membership information
func NewActor(id string) Actor {
	return Actor{ID: id, Memberships: map[string]Role{}}
}

// RoleIn returns the role carried for organizationID, if any
func (a Actor) RoleIn(organizationID string) (Role, bool) {
	role, ok := a.Memberships[organizationID]
	return role, ok
}
