package validation

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
)

// Validator accumulates field errors for a request
type Validator struct {
	errors *apperrors.ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		errors: apperrors.NewValidationErrors(),
	}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return v.errors.HasErrors()
}

// Err returns the accumulated errors, or nil when there are none.
func (v *Validator) Err() error {
	if !v.errors.HasErrors() {
		return nil
	}
	return v.errors
}

// Required validates that a string is not empty
func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.errors.Add(field, "This field is required")
	}
	return v
}

// MaxLength validates maximum string length
func (v *Validator) MaxLength(field, value string, max int) *Validator {
	if len(value) > max {
		v.errors.Add(field, "Must be at most "+strconv.Itoa(max)+" characters")
	}
	return v
}

// Matches validates value matches a regex pattern
func (v *Validator) Matches(field, value string, pattern *regexp.Regexp, message string) *Validator {
	if value != "" && !pattern.MatchString(value) {
		v.errors.Add(field, message)
	}
	return v
}

// Custom adds a custom validation
func (v *Validator) Custom(field string, valid bool, message string) *Validator {
	if !valid {
		v.errors.Add(field, message)
	}
	return v
}

// Room parses a room ID, recording the parse error against field.
func (v *Validator) Room(field, value string) domain.Room {
	if strings.TrimSpace(value) == "" {
		v.errors.Add(field, "This field is required")
		return domain.Room{}
	}
	room, err := domain.ParseRoomID(value)
	if err != nil {
		v.errors.Add(field, err.Error())
	}
	return room
}

// JSON validates that a raw value, when present, is well-formed JSON.
func (v *Validator) JSON(field string, raw json.RawMessage) *Validator {
	if len(raw) > 0 && !json.Valid(raw) {
		v.errors.Add(field, "Must be valid JSON")
	}
	return v
}

// DecodeStrict decodes a JSON body of at most maxBytes, rejecting unknown
// fields and trailing data. An oversized body yields a 413.
func DecodeStrict[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (*T, error) {
	var req T

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, decodeError(err)
	}
	if dec.More() {
		return nil, apperrors.NewBadRequestError(errors.New("trailing data"), "Invalid request body")
	}

	return &req, nil
}

func decodeError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &apperrors.AppError{
			Err:        err,
			Message:    "Request body too large",
			StatusCode: http.StatusRequestEntityTooLarge,
			Code:       "PAYLOAD_TOO_LARGE",
		}
	}
	return apperrors.NewBadRequestError(err, "Invalid request body")
}
