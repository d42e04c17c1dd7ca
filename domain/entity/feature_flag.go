package entity

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// DefaultCategory is the group a flag without a category is rendered under
const DefaultCategory = "General"

var (
	flagKeyRegex        = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,127}$`)
	organizationIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

var (
	ErrInvalidFlagKey        = errors.New("invalid flag key")
	ErrInvalidOrganizationID = errors.New("invalid organization id")
	ErrMissingActor          = errors.New("actor is required")
)

// FeatureFlag is a named boolean switch scoped to one organization.
// Version is the only concurrency-control token; it starts at 0 and
// grows by exactly one per accepted mutation.
type FeatureFlag struct {
	OrganizationID string    `json:"organization_id"`
	Key            string    `json:"key"`
	Description    string    `json:"description"`
	Category       string    `json:"category"`
	IsEnabled      bool      `json:"is_enabled"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBy      string    `json:"updated_by"`
}

// NewFeatureFlag creates a flag at version 0
func NewFeatureFlag(organizationID, key, description, category string, enabled bool, createdBy string) *FeatureFlag {
	return &FeatureFlag{
		OrganizationID: organizationID,
		Key:            key,
		Description:    strings.TrimSpace(description),
		Category:       strings.TrimSpace(category),
		IsEnabled:      enabled,
		Version:        0,
		UpdatedAt:      time.Now().UTC(),
		UpdatedBy:      createdBy,
	}
}

// Validate checks the natural key of the flag
func (f *FeatureFlag) Validate() error {
	if err := ValidateOrganizationID(f.OrganizationID); err != nil {
		return err
	}
	return ValidateFlagKey(f.Key)
}

// Transition returns the flag as it looks after one accepted mutation.
func (f FeatureFlag) Transition(value bool, actor string, at time.Time) FeatureFlag {
	next := f
	next.IsEnabled = value
	next.Version = f.Version + 1
	next.UpdatedAt = at.UTC()
	next.UpdatedBy = actor
	return next
}

// ChangeEvent builds the broadcast payload for this state of the flag
func (f FeatureFlag) ChangeEvent() ChangeEvent {
	return ChangeEvent{
		OrganizationID: f.OrganizationID,
		Key:            f.Key,
		IsEnabled:      f.IsEnabled,
		Version:        f.Version,
		UpdatedAt:      f.UpdatedAt,
		UpdatedBy:      f.UpdatedBy,
	}
}

// CategoryOrDefault returns the display category
func (f FeatureFlag) CategoryOrDefault() string {
	if f.Category == "" {
		return DefaultCategory
	}
	return f.Category
}

// ValidateFlagKey checks the key format
func ValidateFlagKey(key string) error {
	if !flagKeyRegex.MatchString(key) {
		return ErrInvalidFlagKey
	}
	return nil
}

// ValidateOrganizationID checks that the id can be used as a routing key
func ValidateOrganizationID(id string) error {
	if !organizationIDRegex.MatchString(id) {
		return ErrInvalidOrganizationID
	}
	return nil
}

// ToggleIntent is a one-shot request to mutate a flag.
// A nil RequestedValue means "flip whatever is stored", resolved inside the store.
type ToggleIntent struct {
	OrganizationID  string `json:"organization_id"`
	Key             string `json:"key"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	RequestedValue  *bool  `json:"is_enabled,omitempty"`
}

// Validate checks the intent addresses a well-formed flag
func (i ToggleIntent) Validate() error {
	if err := ValidateOrganizationID(i.OrganizationID); err != nil {
		return err
	}
	return ValidateFlagKey(i.Key)
}

// Resolve computes the value to store given the value currently stored
func (i ToggleIntent) Resolve(current bool) bool {
	if i.RequestedValue != nil {
		return *i.RequestedValue
	}
	return !current
}

// ChangeEvent is what subscribers of an organization receive after a commit
type ChangeEvent struct {
	OrganizationID string    `json:"organization_id"`
	Key            string    `json:"key"`
	IsEnabled      bool      `json:"is_enabled"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBy      string    `json:"updated_by"`
}

// FlagTransition is the before/after pair of one committed compare-and-swap
type FlagTransition struct {
	Previous FeatureFlag `json:"previous"`
	Current  FeatureFlag `json:"current"`
}

// AuditRecord describes the transition for the audit trail
func (t FlagTransition) AuditRecord(id string) *AuditRecord {
	return &AuditRecord{
		ID:             id,
		OrganizationID: t.Current.OrganizationID,
		Key:            t.Current.Key,
		OldValue:       t.Previous.IsEnabled,
		NewValue:       t.Current.IsEnabled,
		Version:        t.Current.Version,
		Actor:          t.Current.UpdatedBy,
		Timestamp:      t.Current.UpdatedAt,
	}
}
