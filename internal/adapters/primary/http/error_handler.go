package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	mw "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http/middleware"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
)

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	return mw.GetRequestID(ctx)
}

// ErrorResponse is the standard JSON error response format
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ValidationErrorResponse includes field-level validation errors
type ValidationErrorResponse struct {
	Error  string              `json:"error"`
	Code   string              `json:"code"`
	Fields map[string][]string `json:"fields,omitempty"`
}

// ErrorHandler provides centralized error handling with logging
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates a new error handler with the given logger
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle processes an error and writes the appropriate HTTP response
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	requestID := GetRequestID(r.Context())

	// Check for AppError first (our custom error type)
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		h.logError(r, appErr.StatusCode, appErr.Err, requestID)
		h.writeErrorResponse(w, appErr.StatusCode, ErrorResponse{
			Error:   appErr.Message,
			Code:    appErr.Code,
			Details: appErr.Details,
		})
		return
	}

	// Check for ValidationErrors
	var validationErrs *apperrors.ValidationErrors
	if errors.As(err, &validationErrs) {
		h.logError(r, http.StatusUnprocessableEntity, err, requestID)
		h.writeValidationErrorResponse(w, validationErrs)
		return
	}

	// Map known domain errors to HTTP responses
	mapped := mapDomainError(err)
	h.logError(r, mapped.StatusCode, err, requestID)
	h.writeErrorResponse(w, mapped.StatusCode, ErrorResponse{
		Error: mapped.Message,
		Code:  mapped.Code,
	})
}

// mapDomainError converts domain errors to application errors
func mapDomainError(err error) *apperrors.AppError {
	switch {
	// Authentication & Authorization
	case errors.Is(err, apperrors.ErrUnauthorized):
		return apperrors.NewUnauthorizedError("Authentication required")
	case errors.Is(err, apperrors.ErrForbidden):
		return apperrors.NewForbiddenError("You do not have permission to perform this action")

	// Not Found errors
	case errors.Is(err, apperrors.ErrUnknownNamespace):
		return withCode(apperrors.NewNotFoundError(err, "Stream namespace not found"), "NAMESPACE_NOT_FOUND")
	case errors.Is(err, apperrors.ErrConnectionNotFound):
		return withCode(apperrors.NewNotFoundError(err, "Connection not found"), "CONNECTION_NOT_FOUND")

	// Gone
	case errors.Is(err, apperrors.ErrConnectionClosed):
		return &apperrors.AppError{
			Err:        err,
			Message:    "Connection is closed",
			Code:       "CONNECTION_CLOSED",
			StatusCode: http.StatusGone,
		}

	// Unavailable
	case errors.Is(err, apperrors.ErrShuttingDown):
		return &apperrors.AppError{
			Err:        err,
			Message:    "Server is shutting down",
			Code:       "SHUTTING_DOWN",
			StatusCode: http.StatusServiceUnavailable,
		}

	// Validation errors
	case errors.Is(err, apperrors.ErrMalformedMessage),
		errors.Is(err, apperrors.ErrInvalidRoom),
		errors.Is(err, apperrors.ErrUnknownScope),
		errors.Is(err, apperrors.ErrBadRequest):
		return apperrors.NewBadRequestError(err, err.Error())

	// Rate limiting
	case errors.Is(err, apperrors.ErrRateLimited):
		return apperrors.NewRateLimitError()

	// Default to internal server error
	default:
		return apperrors.NewInternalError(err)
	}
}

func withCode(err *apperrors.AppError, code string) *apperrors.AppError {
	err.Code = code
	return err
}

// logError logs the error with appropriate context
func (h *ErrorHandler) logError(r *http.Request, statusCode int, err error, requestID string) {
	logAttrs := []any{
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"status_code", statusCode,
		"error", err.Error(),
	}

	// Log at different levels based on status code
	switch {
	case statusCode >= 500:
		h.logger.Error("server error", logAttrs...)
	case statusCode >= 400:
		h.logger.Warn("client error", logAttrs...)
	default:
		h.logger.Info("request error", logAttrs...)
	}
}

// writeErrorResponse writes a JSON error response
func (h *ErrorHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// writeValidationErrorResponse writes a validation error response
func (h *ErrorHandler) writeValidationErrorResponse(w http.ResponseWriter, errs *apperrors.ValidationErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(ValidationErrorResponse{
		Error:  "Validation failed",
		Code:   "VALIDATION_ERROR",
		Fields: errs.Errors,
	})
}

// HandleError Helper function to handle errors inline in handlers
// Usage: if HandleError(w, r, err, h.errorHandler) { return }
func HandleError(w http.ResponseWriter, r *http.Request, err error, handler *ErrorHandler) bool {
	if err != nil {
		handler.Handle(w, r, err)
		return true
	}
	return false
}
