package response

import (
	"encoding/json"
	"errors"
	"net/http"

	domainerr "github.com/fixora/flagsync/domain/error"
)

type Envelope struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// ErrorData is the data payload of a failed response that carries a catalog code
type ErrorData struct {
	Code    domainerr.ErrorCode    `json:"code"`
	Details string                 `json:"details,omitempty"`
	Reason  domainerr.RejectReason `json:"reason,omitempty"`
	Current interface{}            `json:"current,omitempty"`
}

func WriteJSON(w http.ResponseWriter, statusCode int, status bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	envelope := Envelope{
		Status:  status,
		Message: message,
		Data:    data,
	}

	json.NewEncoder(w).Encode(envelope)
}

func Success(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	WriteJSON(w, statusCode, true, message, data)
}

func Error(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, false, message, nil)
}

// FromError writes err with the status its catalog code maps to. Rejections
// carry their reason, and stale-version rejections the current flag.
func FromError(w http.ResponseWriter, err error) {
	var appErr *domainerr.AppError
	if !errors.As(err, &appErr) {
		InternalServerError(w, "Internal server error")
		return
	}

	data := ErrorData{Code: appErr.Code, Details: appErr.Details}
	if rej, ok := domainerr.AsRejection(err); ok {
		data.Reason = rej.Reason
		if rej.Current != nil {
			data.Current = rej.Current
		}
	}
	status := domainerr.GetHTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		// Causes of server-side failures stay in the logs.
		data.Details = ""
	}
	WriteJSON(w, status, false, appErr.Message, data)
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, message)
}

func Forbidden(w http.ResponseWriter, message string) {
	Error(w, http.StatusForbidden, message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, message)
}

func TooManyRequests(w http.ResponseWriter, message string) {
	Error(w, http.StatusTooManyRequests, message)
}

func ServiceUnavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, message)
}

func InternalServerError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, message)
}
