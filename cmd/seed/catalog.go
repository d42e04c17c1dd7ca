package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fixora/flagsync/domain/entity"
)

type memberSpec struct {
	UserID string `toml:"user_id"`
	Role   string `toml:"role"`
}

type flagSpec struct {
	Key         string `toml:"key"`
	Description string `toml:"description"`
	Category    string `toml:"category"`
	Enabled     bool   `toml:"enabled"`
}

type catalog struct {
	Organization string       `toml:"organization"`
	Actor        string       `toml:"actor"`
	Members      []memberSpec `toml:"members"`
	Flags        []flagSpec   `toml:"flags"`
}

func loadCatalog(path string) (catalog, error) {
	var c catalog
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return catalog{}, fmt.Errorf("load catalog: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return catalog{}, fmt.Errorf("load catalog: unknown keys %s", strings.Join(keys, ", "))
	}

	if !meta.IsDefined("actor") {
		c.Actor = "seed"
	}
	return c, c.validate()
}

func (c catalog) validate() error {
	if err := entity.ValidateOrganizationID(c.Organization); err != nil {
		return fmt.Errorf("organization %q: %w", c.Organization, err)
	}

	seen := make(map[string]struct{}, len(c.Flags))
	for _, f := range c.Flags {
		if err := entity.ValidateFlagKey(f.Key); err != nil {
			return fmt.Errorf("flag %q: %w", f.Key, err)
		}
		if _, dup := seen[f.Key]; dup {
			return fmt.Errorf("flag %q listed twice", f.Key)
		}
		seen[f.Key] = struct{}{}
	}

	for _, m := range c.Members {
		if strings.TrimSpace(m.UserID) == "" {
			return fmt.Errorf("member without user_id")
		}
		if !entity.Role(m.Role).Valid() {
			return fmt.Errorf("member %q: invalid role %q", m.UserID, m.Role)
		}
	}
	return nil
}

// featureFlags returns the catalog's flags as version 0 records, with an
// organization override when one is given
func (c catalog) featureFlags(organizationID string) []*entity.FeatureFlag {
	if organizationID == "" {
		organizationID = c.Organization
	}
	out := make([]*entity.FeatureFlag, 0, len(c.Flags))
	for _, f := range c.Flags {
		out = append(out, entity.NewFeatureFlag(organizationID, f.Key, f.Description, f.Category, f.Enabled, c.Actor))
	}
	return out
}
