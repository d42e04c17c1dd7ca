// Package error decodes failed responses of the flagsync HTTP API on the client side.
package error

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/fixora/flagsync/domain/entity"
)

// AppError is a non-2xx response of the service
type AppError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Status  int                 `json:"status"`
	Reason  string              `json:"reason,omitempty"`
	Current *entity.FeatureFlag `json:"current,omitempty"`
}

func (e *AppError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%d %s: %s (%s)", e.Status, e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// IsRejection reports whether the service refused a toggle intent
func (e *AppError) IsRejection() bool {
	return e.Reason != ""
}

// Temporary reports whether retrying later may succeed
func (e *AppError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type errorData struct {
	Code    string              `json:"code"`
	Reason  string              `json:"reason"`
	Current *entity.FeatureFlag `json:"current"`
}

// FromResponse builds an AppError from a failed response body
func FromResponse(status int, body []byte) *AppError {
	appErr := &AppError{Status: status, Message: http.StatusText(status)}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return appErr
	}
	if env.Message != "" {
		appErr.Message = env.Message
	}

	var data errorData
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &data) == nil {
		appErr.Code = data.Code
		appErr.Reason = data.Reason
		appErr.Current = data.Current
	}
	return appErr
}

// AsRejection extracts a rejected-intent error from err
func AsRejection(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.IsRejection() {
		return appErr, true
	}
	return nil, false
}
