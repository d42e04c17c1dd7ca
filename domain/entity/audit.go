package entity

import "time"

const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// AuditRecord is an immutable entry for one accepted toggle.
// (OrganizationID, Key, Version) identifies it; appends are idempotent on that triple.
type AuditRecord struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Key            string    `json:"key"`
	OldValue       bool      `json:"old_value"`
	NewValue       bool      `json:"new_value"`
	Version        int64     `json:"version"`
	Actor          string    `json:"actor"`
	Timestamp      time.Time `json:"timestamp"`
}

// AuditFilter narrows an audit query. OrganizationID is mandatory.
type AuditFilter struct {
	OrganizationID string
	Key            string
	Actor          string
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Matches reports whether the record passes the filter
func (f AuditFilter) Matches(r *AuditRecord) bool {
	if r.OrganizationID != f.OrganizationID {
		return false
	}
	if f.Key != "" && r.Key != f.Key {
		return false
	}
	if f.Actor != "" && r.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// EffectiveLimit clamps the limit into [1, MaxAuditLimit]
func (f AuditFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultAuditLimit
	case f.Limit > MaxAuditLimit:
		return MaxAuditLimit
	default:
		return f.Limit
	}
}
