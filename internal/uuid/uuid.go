// Package uuid generates and validates the identifiers used for actions,
// sessions, conflicts and devices.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a random UUID v4. Action and device ids use this form.
func New() string {
	return uuid.New().String()
}

// NewTimeOrdered generates a UUID v7 whose prefix sorts by creation time.
// Session ids use this form so server logs list them chronologically.
func NewTimeOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Validate returns an error unless s is a canonical v4 or v7 UUID.
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return fmt.Errorf("unsupported UUID version v%d", v)
	}
	return nil
}

// IsValid reports whether Validate accepts s.
func IsValid(s string) bool {
	return Validate(s) == nil
}
