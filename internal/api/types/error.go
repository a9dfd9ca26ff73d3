package types

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Error represents error information in API responses
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// APIError is an error bound to an HTTP status.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// ValidationError reports invalid input.
func ValidationError(details string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: "Invalid input data", Details: details}
}

// NotFoundError reports a missing resource.
func NotFoundError(resource string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "Resource not found", Details: resource + " not found"}
}

// ConflictError reports a request the current state cannot serve.
func ConflictError(details string) *APIError {
	return &APIError{Status: http.StatusConflict, Code: "CONFLICT", Message: "Request conflicts with current state", Details: details}
}

// InternalError wraps an unexpected failure. The cause is logged, not
// returned to the client.
func InternalError(message string, err error) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "Internal server error", Details: message, Err: err}
}

// TimeoutError reports a request that ran out of time.
func TimeoutError(details string) *APIError {
	return &APIError{Status: http.StatusGatewayTimeout, Code: "TIMEOUT", Message: "Request timeout", Details: details}
}

// AbortWithError writes err as an error envelope and aborts the chain.
func AbortWithError(c *gin.Context, err *APIError) {
	if err.Status >= http.StatusInternalServerError {
		log.Error().
			Err(err.Err).
			Str("request_id", c.GetString(RequestIDKey)).
			Str("path", c.FullPath()).
			Msg(err.Details)
	}
	c.AbortWithStatusJSON(err.Status, ErrorResponse(err.Code, err.Message, err.Details))
}

// ErrorResponse creates an error API response
func ErrorResponse(code, message, details string) Response {
	return Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
