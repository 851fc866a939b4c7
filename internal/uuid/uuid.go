// Package uuid generates and validates the identifiers the sync subsystem hands out.
//
// Invoice IDs double as idempotency keys sent to the remote endpoint, so they must be
// unique per device and stable for the lifetime of the record.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// NewInvoiceID generates a time-ordered UUID v7 for a locally created invoice.
// Falls back to v4 if the v7 generator cannot read the clock.
func NewInvoiceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewDeviceID generates a random UUID v4 identifying this installation.
func NewDeviceID() string {
	return uuid.New().String()
}

// IsValid reports whether s is a canonical UUID v4 or v7 string.
func IsValid(s string) bool {
	return Validate(s) == nil
}

// Validate returns an error if s cannot serve as an invoice ID / idempotency key.
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("invalid invoice id %q: want 36-character UUID", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid invoice id %q: %w", s, err)
	}
	switch id.Version() {
	case 4, 7:
		return nil
	default:
		return fmt.Errorf("invalid invoice id %q: unsupported UUID version %d", s, id.Version())
	}
}
