package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixora/flagsync/domain/entity"
	domainerr "github.com/fixora/flagsync/domain/error"
)

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestFromError(t *testing.T) {
	current := &entity.FeatureFlag{OrganizationID: "org-a", Key: "beta-ui", IsEnabled: true, Version: 7}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantReason string
		hasCurrent bool
	}{
		{
			name:       "stale version carries current flag",
			err:        domainerr.NewRejection(domainerr.RejectStaleVersion, current, domainerr.ErrVersionConflict("beta-ui", 5, 7)),
			wantStatus: http.StatusConflict,
			wantCode:   string(domainerr.ErrCodeVersionConflict),
			wantReason: string(domainerr.RejectStaleVersion),
			hasCurrent: true,
		},
		{
			name:       "unknown flag",
			err:        domainerr.NewRejection(domainerr.RejectUnknownFlag, nil, domainerr.ErrFlagNotFound("org-a", "ghost")),
			wantStatus: http.StatusNotFound,
			wantCode:   string(domainerr.ErrCodeFlagNotFound),
			wantReason: string(domainerr.RejectUnknownFlag),
		},
		{
			name:       "storage failure",
			err:        domainerr.ErrDatabaseError("compare-and-swap", errors.New("dial tcp: refused")),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   string(domainerr.ErrCodeDatabaseError),
		},
		{
			name:       "plain error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			FromError(rr, tt.err)

			assert.Equal(t, tt.wantStatus, rr.Code)
			body := decode(t, rr)
			assert.Equal(t, false, body["status"])
			if tt.wantCode == "" {
				assert.Nil(t, body["data"])
				return
			}
			data := body["data"].(map[string]interface{})
			assert.Equal(t, tt.wantCode, data["code"])
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, data["reason"])
			}
			_, ok := data["current"]
			assert.Equal(t, tt.hasCurrent, ok)
			if tt.wantStatus >= 500 {
				assert.NotContains(t, rr.Body.String(), "refused")
			}
		})
	}
}
