package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/librarylend/ledger/lending"
)

// statusFor maps a boundary code onto an HTTP status.
func statusFor(code lending.Code) int {
	switch code {
	case lending.CodeNotFound:
		return http.StatusNotFound
	case lending.CodeInvalidArgument:
		return http.StatusBadRequest
	case lending.CodeAlreadyExists:
		return http.StatusConflict
	case lending.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case lending.CodePermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as {"error":{"code","message"}}. Internal errors are logged
// with their cause; the client only sees the generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := lending.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:    string(code),
		Message: lending.MessageOf(err),
	}})
}
