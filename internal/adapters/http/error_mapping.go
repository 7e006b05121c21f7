package httpadapter

import (
	"errors"
	"net/http"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrSessionNotFound), domain.IsKind(err, domain.ErrUnrecoverableSession):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrPolicyViolation):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody maps err to a status and payload. Oracle failures that cannot be
// retried surface as 502 with their reason.
func errorBody(err error) (int, errorResponse) {
	status := mapErrorToHTTPStatus(err)
	resp := errorResponse{
		Error:     err.Error(),
		Retryable: status == http.StatusServiceUnavailable,
	}
	var failure *domain.GradingFailure
	if errors.As(err, &failure) {
		resp.Reason = string(failure.Reason)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	return status, resp
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := errorBody(err)
	writeJSON(w, status, resp)
}
