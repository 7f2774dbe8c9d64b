package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/usageledger/internal/errs"
	pipelinedomain "github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"gorm.io/gorm"
)

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrTooManyRequests    = errors.New("too_many_requests")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// fieldErrors are sentinel errors reported as a single invalid field.
var fieldErrors = []struct {
	err   error
	field string
	code  string
}{
	{ErrInvalidRequest, "request", "invalid_request"},
	{pipelinedomain.ErrInvalidPageToken, "page_token", "invalid_page_token"},
	{pipelinedomain.ErrInvalidDateRange, "date_range", "invalid_date_range"},
	{pipelinedomain.ErrNoPlatforms, "platforms", "invalid_platforms"},
}

var statusErrors = []struct {
	errs    []error
	status  int
	typ     string
	message string
}{
	{[]error{ErrNotFound, pipelinedomain.ErrRunNotFound, gorm.ErrRecordNotFound}, http.StatusNotFound, "not_found", "not found"},
	{[]error{ErrTooManyRequests}, http.StatusTooManyRequests, "too_many_requests", "too many requests"},
	{[]error{ErrServiceUnavailable}, http.StatusServiceUnavailable, "service_unavailable", "service unavailable"},
}

// ErrorHandlingMiddleware renders the last handler error as the JSON error
// envelope unless the handler already wrote a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, validationPayload(vErr.Errors...)
	}

	for _, fe := range fieldErrors {
		if errors.Is(err, fe.err) {
			message := "invalid value"
			if fe.code == "invalid_request" {
				message = "invalid request"
			}
			return http.StatusBadRequest, validationPayload(ValidationError{Field: fe.field, Code: fe.code, Message: message})
		}
	}

	for _, se := range statusErrors {
		for _, target := range se.errs {
			if errors.Is(err, target) {
				return se.status, errorPayload{Type: se.typ, Message: se.message}
			}
		}
	}

	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

func validationPayload(items ...ValidationError) errorPayload {
	return errorPayload{Type: "validation_error", Message: "validation error", Errors: items}
}

// classifyErrorForLog returns the error type and code written to request logs.
// Internal errors are coded by their pipeline error kind.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	switch {
	case len(payload.Errors) > 0:
		return payload.Type, payload.Errors[0].Code
	case payload.Type == "internal_error":
		return payload.Type, errs.Kind(err)
	default:
		return payload.Type, payload.Type
	}
}
