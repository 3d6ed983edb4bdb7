package booking

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// SlotStore owns slot state. Every mutation is a single compare-and-transition
// on (status, version): it either applies atomically and returns the new
// version, or fails with ErrConflict / ErrSlotNotFound and changes nothing.
type SlotStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Slot, error)

	// TryOccupy moves a Free slot to Occupied.
	TryOccupy(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, error)
	// Release moves an Occupied slot back to Free.
	Release(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, error)

	// ListFree yields the Free slots of a provider starting at or after from,
	// by ascending start time. Each range over the sequence queries again, so
	// callers must still expect TryOccupy to conflict.
	ListFree(ctx context.Context, providerID uuid.UUID, from time.Time) iter.Seq2[Slot, error]

	// Availability management. Withdraw and Reschedule only apply to Free slots.
	AddSlot(ctx context.Context, providerID uuid.UUID, startsAt time.Time) (*Slot, error)
	Withdraw(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, error)
	Reschedule(ctx context.Context, id uuid.UUID, expectedVersion int64, startsAt time.Time) (int64, error)
}

// ReservationRepository persists reservations. At most one active
// reservation may reference a slot; inserting a second one fails with
// ErrConflict.
type ReservationRepository interface {
	CreateReservation(ctx context.Context, r Reservation) (*Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)

	// UpdateReservationSlot points an active reservation currently on fromSlot
	// to toSlot. It fails with ErrReservationCancelled when the reservation is
	// inactive and ErrConflict when it no longer references fromSlot.
	UpdateReservationSlot(ctx context.Context, id, fromSlot, toSlot, providerID uuid.UUID, reason string) (*Reservation, error)

	// DeactivateReservation marks a reservation cancelled. The bool is true
	// only for the call that performed the transition.
	DeactivateReservation(ctx context.Context, id uuid.UUID) (*Reservation, bool, error)

	ListActiveByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]ReservationDetail, error)
	ListActiveFrom(ctx context.Context, from time.Time, limit int) ([]ReservationDetail, error)
}

// Directory resolves providers and patients owned by the directory service.
type Directory interface {
	LookupProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	LookupPatient(ctx context.Context, externalID string) (*Patient, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// NotificationSink records a message for asynchronous delivery.
type NotificationSink interface {
	Enqueue(ctx context.Context, recipientID uuid.UUID, message string) error
}

// NotificationInbox is the recipient side of the notification log.
type NotificationInbox interface {
	ListUnread(ctx context.Context, recipientID uuid.UUID) ([]Notification, error)
	MarkRead(ctx context.Context, id, recipientID uuid.UUID) error
}
