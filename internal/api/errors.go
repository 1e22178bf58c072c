package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	cerrors "github.com/javi11/metafs/internal/errors"
)

// Standard error codes
const (
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeQueryFailed        = "QUERY_FAILED"
	ErrCodeInvariant          = "INVARIANT_VIOLATION"
)

// Standard error messages
const (
	ErrMsgInternalServer     = "An internal server error occurred"
	ErrMsgBadRequest         = "Invalid request format"
	ErrMsgNotFound           = "Resource not found"
	ErrMsgServiceUnavailable = "Service temporarily unavailable"
)

// APIErrorResponse represents a structured error response
type APIErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewAPIError creates a new API error
func NewAPIError(code, message, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewAPIErrorResponse creates a new API error response
func NewAPIErrorResponse(code, message, details string) *APIErrorResponse {
	return &APIErrorResponse{
		Success: false,
		Error:   NewAPIError(code, message, details),
	}
}

// RespondCacheError maps a cache error to its HTTP status and writes it.
func RespondCacheError(c *fiber.Ctx, resource string, err error) error {
	switch cerrors.KindOf(err) {
	case cerrors.KindNotFound:
		return RespondNotFound(c, resource, err.Error())
	case cerrors.KindInvalidArgument:
		return RespondBadRequest(c, "Invalid request", err.Error())
	case cerrors.KindQueryFailed:
		return RespondError(c, fiber.StatusServiceUnavailable, ErrCodeQueryFailed, "Metadata engine unavailable", err.Error())
	case cerrors.KindInvariantViolation:
		return RespondError(c, fiber.StatusInternalServerError, ErrCodeInvariant, "Cache invariant violated", err.Error())
	}
	return RespondInternalError(c, ErrMsgInternalServer, err.Error())
}

// ErrorHandler writes errors that escape the route handlers, such as unknown
// routes or panics recovered by middleware, in the unified error format.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}

		code, message := ErrCodeInternalServer, ErrMsgInternalServer
		switch {
		case status == fiber.StatusNotFound:
			code, message = ErrCodeNotFound, ErrMsgNotFound
		case status == fiber.StatusServiceUnavailable:
			code, message = ErrCodeServiceUnavailable, ErrMsgServiceUnavailable
		case status >= fiber.StatusBadRequest && status < fiber.StatusInternalServerError:
			code, message = ErrCodeBadRequest, ErrMsgBadRequest
		}

		if status >= fiber.StatusInternalServerError {
			logger.Error("Fiber error", "path", c.Path(), "method", c.Method(), "error", err)
		} else {
			logger.Debug("Fiber error", "path", c.Path(), "method", c.Method(), "error", err)
		}

		return c.Status(status).JSON(NewAPIErrorResponse(code, message, err.Error()))
	}
}
