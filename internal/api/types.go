package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-reservations/internal/booking"
)

type CreateReservationRequest struct {
	PatientID   string `json:"patient_id"`
	SlotID      string `json:"slot_id"`
	ProviderID  string `json:"provider_id"`
	SpecialtyID string `json:"specialty_id"`
	Reason      string `json:"reason"`
}

type ModifyReservationRequest struct {
	SlotID string  `json:"slot_id"`
	Reason *string `json:"reason,omitempty"`
}

type AddSlotRequest struct {
	ProviderID string    `json:"provider_id,omitempty"`
	StartsAt   time.Time `json:"starts_at"`
}

type RescheduleSlotRequest struct {
	Version  int64     `json:"version"`
	StartsAt time.Time `json:"starts_at"`
}

type ReservationResponse struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	SlotID      uuid.UUID  `json:"slot_id"`
	ProviderID  uuid.UUID  `json:"provider_id"`
	SpecialtyID uuid.UUID  `json:"specialty_id"`
	Reason      string     `json:"reason"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

type SlotResponse struct {
	ID         uuid.UUID `json:"id"`
	ProviderID uuid.UUID `json:"provider_id"`
	StartsAt   time.Time `json:"starts_at"`
	Status     string    `json:"status"`
	Version    int64     `json:"version"`
}

type PatientResponse struct {
	ID         uuid.UUID `json:"id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Email      *string   `json:"email,omitempty"`
}

type ReservationDetailResponse struct {
	ReservationResponse
	StartsAt time.Time       `json:"starts_at"`
	Patient  PatientResponse `json:"patient"`
}

type NotificationResponse struct {
	ID        uuid.UUID `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toReservation(r *booking.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:          r.ID,
		PatientID:   r.PatientID,
		SlotID:      r.SlotID,
		ProviderID:  r.ProviderID,
		SpecialtyID: r.SpecialtyID,
		Reason:      r.Reason,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
		CancelledAt: r.CancelledAt,
	}
}

func toSlot(s *booking.Slot) SlotResponse {
	return SlotResponse{
		ID:         s.ID,
		ProviderID: s.ProviderID,
		StartsAt:   s.StartsAt,
		Status:     string(s.Status),
		Version:    s.Version,
	}
}

func toPatient(p *booking.Patient) PatientResponse {
	return PatientResponse{
		ID:         p.ID,
		ExternalID: p.ExternalID,
		Name:       p.Name,
		Email:      p.Email,
	}
}

func toDetails(details []booking.ReservationDetail) []ReservationDetailResponse {
	out := make([]ReservationDetailResponse, 0, len(details))
	for _, d := range details {
		out = append(out, ReservationDetailResponse{
			ReservationResponse: toReservation(&d.Reservation),
			StartsAt:            d.Slot.StartsAt,
			Patient:             toPatient(&d.Patient),
		})
	}
	return out
}
