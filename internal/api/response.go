package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "artmarket-notifier/internal/common/errors"
)

const codeInternal = "INTERNAL_ERROR"

// Envelope is the body of every API response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, code, message string, details ...string) {
	c.JSON(status, Envelope{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message, Details: details},
	})
}

func respondValidationError(c *gin.Context, details []string) {
	respondError(c, http.StatusBadRequest, string(apperrors.ErrCodeValidationFailed), "Validation failed", details...)
}

// respondAppError maps err onto a status code. Errors outside the taxonomy
// are reported as internal without leaking their text.
func respondAppError(c *gin.Context, err error) {
	stdErr, ok := apperrors.As(err)
	if !ok {
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, codeInternal, "Internal server error")
		return
	}

	status := statusFor(stdErr.Code)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	var details []string
	if stdErr.Details != "" {
		details = []string{stdErr.Details}
	}
	respondError(c, status, string(stdErr.Code), stdErr.Message, details...)
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeTemplateNotFound,
		apperrors.ErrCodeSubscriberNotFound,
		apperrors.ErrCodeNotificationNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
