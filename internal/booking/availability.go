package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AddSlot publishes a new free slot for a provider.
func (m *Manager) AddSlot(ctx context.Context, providerID uuid.UUID, startsAt time.Time) (*Slot, error) {
	if err := requireID("provider_id", providerID); err != nil {
		return nil, err
	}
	if startsAt.IsZero() {
		return nil, &ValidationError{Field: "starts_at", Reason: "is required"}
	}
	if !startsAt.After(m.now()) {
		return nil, &ValidationError{Field: "starts_at", Reason: "must be in the future"}
	}

	if _, err := m.directory.LookupProvider(ctx, providerID); err != nil {
		return nil, err
	}

	slot, err := m.slots.AddSlot(ctx, providerID, startsAt)
	if err != nil {
		return nil, fmt.Errorf("add slot: %w", err)
	}

	m.log.Info("slot added",
		zap.String("slot_id", slot.ID.String()),
		zap.String("provider_id", providerID.String()),
		zap.Time("starts_at", startsAt),
	)
	return slot, nil
}

// WithdrawSlot removes a free slot from booking. Occupied slots must be
// released through their reservation first.
func (m *Manager) WithdrawSlot(ctx context.Context, slotID uuid.UUID, expectedVersion int64) (*Slot, error) {
	if _, err := m.slots.Withdraw(ctx, slotID, expectedVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			m.conflict("withdraw")
		}
		return nil, err
	}
	return m.slots.Get(ctx, slotID)
}

// RescheduleSlot moves a free slot to another time.
func (m *Manager) RescheduleSlot(ctx context.Context, slotID uuid.UUID, expectedVersion int64, startsAt time.Time) (*Slot, error) {
	if !startsAt.After(m.now()) {
		return nil, &ValidationError{Field: "starts_at", Reason: "must be in the future"}
	}
	if _, err := m.slots.Reschedule(ctx, slotID, expectedVersion, startsAt); err != nil {
		if errors.Is(err, ErrConflict) {
			m.conflict("reschedule")
		}
		return nil, err
	}
	return m.slots.Get(ctx, slotID)
}

func (m *Manager) GetSlot(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	return m.slots.Get(ctx, slotID)
}
