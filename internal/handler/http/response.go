package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
)

// ResponseError is the wire shape of every error the API returns.
type ResponseError struct {
	Error      string                        `json:"error"`
	Code       string                        `json:"code"`
	Violations []domainErrors.FieldViolation `json:"violations,omitempty"`
}

// handleDomainError maps a domain error to its HTTP representation. Errors
// outside the taxonomy are logged in full server-side and reduced to a
// generic envelope, so schema and query internals never reach the caller.
func handleDomainError(c *gin.Context, err error, logger *zap.Logger) {
	var verr *domainErrors.ValidationError
	if errors.As(err, &verr) {
		respondError(c, http.StatusBadRequest, "invalid_request", verr.Error(), verr.Violations, logger)
		return
	}

	switch {
	case errors.Is(err, domainErrors.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil, logger)
	case errors.Is(err, domainErrors.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", "user not found", nil, logger)
	case errors.Is(err, domainErrors.ErrConflict):
		respondError(c, http.StatusConflict, "conflict", "uniqueness conflict", nil, logger)
	case errors.Is(err, domainErrors.ErrPatchFailed):
		respondError(c, http.StatusBadRequest, "patch_failed", err.Error(), nil, logger)
	case errors.Is(err, domainErrors.ErrInvalidPatchResult):
		respondError(c, http.StatusUnprocessableEntity, "invalid_patch_result", err.Error(), nil, logger)
	default:
		logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, ResponseError{
			Error: "internal server error",
			Code:  "internal",
		})
	}
}

func respondError(c *gin.Context, status int, code, message string, violations []domainErrors.FieldViolation, logger *zap.Logger) {
	logger.Warn("API error response",
		zap.Int("status_code", status),
		zap.String("error_code", code),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
	)
	c.JSON(status, ResponseError{Error: message, Code: code, Violations: violations})
}
