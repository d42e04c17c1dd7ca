package validator

import (
	"strconv"
	"strings"
	"time"

	"github.com/fixora/flagsync/domain/entity"
)

func ValidateRequired(value string) bool {
	return strings.TrimSpace(value) != ""
}

func ValidateOrganizationID(id string) bool {
	return entity.ValidateOrganizationID(id) == nil
}

func ValidateFlagKey(key string) bool {
	return entity.ValidateFlagKey(key) == nil
}

// ParseTime accepts RFC3339 timestamps; empty input is the zero time
func ParseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// ParseLimit accepts a positive integer; empty input is 0 (use the default)
func ParseLimit(value string) (int, bool) {
	if value == "" {
		return 0, true
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func ValidateJWT(token string) bool {
	if token == "" {
		return false
	}

	// JWT token harus memiliki 3 bagian yang dipisahkan oleh titik
	parts := strings.Split(token, ".")
	return len(parts) == 3
}
