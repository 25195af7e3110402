// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market/internal/logger"
	"market/internal/modules/catalog"
	"market/internal/modules/chat"
	"market/internal/modules/lifecycle"
	"market/internal/modules/profile"
	"market/internal/modules/request"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// isValidID accepts uuid-style and Firebase uid-style identifiers.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps module errors to HTTP. The reason field carries the
// stable rejection code clients switch on.
func writeDomainError(c *gin.Context, err error) {
	status, reason := classify(err)
	switch status {
	case http.StatusInternalServerError:
		logger.Error("unhandled error", zap.String("path", c.Request.URL.Path), zap.Error(err))
		writeJSON(c, status, errorResponse{Error: "internal error"})
		return
	case http.StatusServiceUnavailable:
		// The cause names hosts and drivers; keep it in the log.
		logger.Warn("store unavailable", zap.String("path", c.Request.URL.Path), zap.Error(err))
		writeJSON(c, status, errorResponse{Error: "store unavailable", Reason: reason})
		return
	}
	_ = c.Error(err)
	writeJSON(c, status, errorResponse{Error: err.Error(), Reason: reason})
}

func classify(err error) (int, string) {
	if reason := lifecycle.ReasonOf(err); reason != "" {
		switch {
		case errors.Is(err, lifecycle.ErrForbidden):
			return http.StatusForbidden, reason
		case errors.Is(err, lifecycle.ErrAuthCodeMismatch):
			return http.StatusUnprocessableEntity, reason
		case errors.Is(err, lifecycle.ErrBadRequest):
			return http.StatusBadRequest, reason
		default:
			return http.StatusConflict, reason
		}
	}
	switch {
	case errors.Is(err, request.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, request.ErrNotFound), errors.Is(err, profile.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, "not-found"
	case errors.Is(err, request.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store-unavailable"
	case errors.Is(err, profile.ErrBadRequest), errors.Is(err, chat.ErrBadThread), errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusBadRequest, "bad-request"
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, catalog.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, catalog.ErrBadRequest):
		return http.StatusBadRequest, "bad-request"
	case errors.Is(err, catalog.ErrUnavailable):
		return http.StatusConflict, "unavailable"
	}
	return http.StatusInternalServerError, ""
}
