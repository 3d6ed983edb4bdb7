package booking

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound         = errors.New("slot not found")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrProviderNotFound     = errors.New("provider not found")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrConflict is returned by SlotStore when the expected version is stale
	// or the slot is not in the state the transition requires.
	ErrConflict = errors.New("slot state changed concurrently")

	ErrSlotUnavailable   = errors.New("slot no longer available, choose another slot")
	ErrSpecialtyMismatch = errors.New("provider does not offer the requested specialty")
	ErrProviderMismatch  = errors.New("slot does not belong to the requested provider")
	ErrForbidden         = errors.New("forbidden: insufficient permissions")

	ErrReservationCancelled = fmt.Errorf("%w: reservation is cancelled", ErrReservationNotFound)
)

// IsNotFound reports whether err is any of the unknown-id errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSlotNotFound) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrProviderNotFound) ||
		errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrNotificationNotFound)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

const maxReasonLength = 500

var externalIDPattern = regexp.MustCompile(`^\d{7,8}-\d$`)

// ValidateExternalID checks the national id format, e.g. 12345678-9.
func ValidateExternalID(id string) error {
	if !externalIDPattern.MatchString(id) {
		return &ValidationError{Field: "external_id", Reason: "must look like 12345678-9"}
	}
	return nil
}

func validateReason(reason string) error {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return &ValidationError{Field: "reason", Reason: "is required"}
	}
	if len(trimmed) > maxReasonLength {
		return &ValidationError{Field: "reason", Reason: fmt.Sprintf("must be at most %d characters", maxReasonLength)}
	}
	return nil
}

func requireID(field string, id uuid.UUID) error {
	if id == uuid.Nil {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

func (r CreateRequest) validate() error {
	for _, f := range []struct {
		name string
		id   uuid.UUID
	}{
		{"patient_id", r.PatientID},
		{"slot_id", r.SlotID},
		{"provider_id", r.ProviderID},
		{"specialty_id", r.SpecialtyID},
	} {
		if err := requireID(f.name, f.id); err != nil {
			return err
		}
	}
	return validateReason(r.Reason)
}

func (r ModifyRequest) validate() error {
	if err := requireID("slot_id", r.SlotID); err != nil {
		return err
	}
	if r.Reason != nil {
		return validateReason(*r.Reason)
	}
	return nil
}
