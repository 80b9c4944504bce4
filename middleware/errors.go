package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrEthical07/tenantauth"
)

// ErrorBody is the JSON error envelope written by every middleware.
type ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// StatusFor maps an Engine error to an HTTP status code by its Kind.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch tenantauth.KindOf(err) {
	case tenantauth.KindUnauthenticated:
		return http.StatusUnauthorized
	case tenantauth.KindForbidden:
		return http.StatusForbidden
	case tenantauth.KindNotFound:
		return http.StatusNotFound
	case tenantauth.KindConflict:
		return http.StatusConflict
	case tenantauth.KindRateLimited:
		return http.StatusTooManyRequests
	case tenantauth.KindValidation:
		return http.StatusBadRequest
	case tenantauth.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as an ErrorBody. Unclassified errors are reported
// without their message.
func WriteError(w http.ResponseWriter, err error) {
	kind := tenantauth.KindOf(err)
	body := ErrorBody{Error: kind.String()}

	var fe *tenantauth.FieldError
	switch {
	case errors.As(err, &fe):
		body.ErrorDescription = fe.Error()
	case kind != tenantauth.KindUnknown && kind != tenantauth.KindUnavailable:
		body.ErrorDescription = err.Error()
	}
	writeJSON(w, StatusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
