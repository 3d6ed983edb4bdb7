package booking

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotFree     SlotStatus = "free"
	SlotOccupied SlotStatus = "occupied"
	// SlotWithdrawn is a soft delete. The row is kept because historical
	// reservations may still reference it.
	SlotWithdrawn SlotStatus = "withdrawn"
)

type Specialty struct {
	ID   uuid.UUID
	Name string
}

// Provider offers slots. OwnerID is the user that receives the provider's
// notifications.
type Provider struct {
	ID          uuid.UUID
	Name        string
	SpecialtyID uuid.UUID
	OwnerID     uuid.UUID
}

type Patient struct {
	ID         uuid.UUID
	ExternalID string
	Name       string
	Email      *string
}

// Slot is a bookable timestamp for one provider. Version grows by one on
// every successful transition and is the optimistic concurrency token.
type Slot struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	StartsAt   time.Time
	Status     SlotStatus
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Reservation struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	SlotID      uuid.UUID
	ProviderID  uuid.UUID
	SpecialtyID uuid.UUID
	Reason      string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
}

type ReservationDetail struct {
	Reservation
	Slot    Slot
	Patient Patient
}

// Notification is a message for a recipient, produced as a side effect of a
// reservation change.
type Notification struct {
	ID          uuid.UUID
	RecipientID uuid.UUID
	Message     string
	CreatedAt   time.Time
	Read        bool
}

type CreateRequest struct {
	PatientID   uuid.UUID
	SlotID      uuid.UUID
	ProviderID  uuid.UUID
	SpecialtyID uuid.UUID
	Reason      string
}

// ModifyRequest moves a reservation to SlotID. A nil Reason keeps the
// current one.
type ModifyRequest struct {
	SlotID uuid.UUID
	Reason *string
}
