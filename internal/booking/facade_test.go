package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryInbox struct {
	mu    sync.Mutex
	items []Notification
}

func (i *memoryInbox) ListUnread(_ context.Context, recipientID uuid.UUID) ([]Notification, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []Notification
	for _, n := range i.items {
		if n.RecipientID == recipientID && !n.Read {
			out = append(out, n)
		}
	}
	return out, nil
}

func (i *memoryInbox) MarkRead(_ context.Context, id, recipientID uuid.UUID) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for k, n := range i.items {
		if n.ID == id && n.RecipientID == recipientID {
			i.items[k].Read = true
			return nil
		}
	}
	return ErrNotificationNotFound
}

func TestRolePolicy(t *testing.T) {
	ctx := context.Background()
	policy := RolePolicy{}

	tests := []struct {
		name   string
		caller Caller
		action Action
		allow  bool
	}{
		{"reception creates", Caller{UserID: uuid.New(), Role: RoleReception}, ActionCreateReservation, true},
		{"reception cannot manage slots", Caller{UserID: uuid.New(), Role: RoleReception}, ActionManageSlots, false},
		{"provider manages slots", Caller{UserID: uuid.New(), Role: RoleProvider}, ActionManageSlots, true},
		{"provider cannot cancel", Caller{UserID: uuid.New(), Role: RoleProvider}, ActionCancelReservation, false},
		{"admin does anything", Caller{UserID: uuid.New(), Role: RoleAdmin}, ActionCancelReservation, true},
		{"anonymous", Caller{Role: RoleAdmin}, ActionReadReservation, false},
		{"unknown role", Caller{UserID: uuid.New(), Role: "janitor"}, ActionListSlots, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Authorize(ctx, tt.caller, tt.action)
			if tt.allow {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestReceptionDesk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	desk := NewReceptionDesk(f.manager, f.store, nil)
	reception := Caller{UserID: uuid.New(), Role: RoleReception}

	patient, err := desk.LookupPatient(ctx, reception, f.patient.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, f.patient.ID, patient.ID)

	_, err = desk.LookupPatient(ctx, reception, "123")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	slot := f.futureSlot(t, f.provider)
	res, err := desk.CreateReservation(ctx, reception, f.createReq(slot))
	require.NoError(t, err)

	got, err := desk.GetReservation(ctx, reception, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)

	provider := Caller{UserID: f.provider.OwnerID, Role: RoleProvider, ProviderID: f.provider.ID}
	_, err = desk.CancelReservation(ctx, provider, res.ID)
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, SlotOccupied, f.reload(t, slot.ID).Status)

	_, err = desk.CancelReservation(ctx, reception, res.ID)
	require.NoError(t, err)
}

func TestProviderDesk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inbox := &memoryInbox{}
	desk := NewProviderDesk(f.manager, inbox, nil)

	own := Caller{UserID: f.provider.OwnerID, Role: RoleProvider, ProviderID: f.provider.ID}
	startsAt := time.Now().Add(24 * time.Hour).Truncate(time.Minute)

	t.Run("adds slots for itself", func(t *testing.T) {
		slot, err := desk.AddSlot(ctx, own, uuid.Nil, startsAt)
		require.NoError(t, err)
		assert.Equal(t, f.provider.ID, slot.ProviderID)
		assert.Equal(t, SlotFree, slot.Status)
		assert.Equal(t, int64(1), slot.Version)
	})

	t.Run("cannot touch a colleague", func(t *testing.T) {
		_, err := desk.AddSlot(ctx, own, f.colleague.ID, startsAt)
		require.ErrorIs(t, err, ErrForbidden)

		theirs := f.futureSlot(t, f.colleague)
		_, err = desk.WithdrawSlot(ctx, own, theirs.ID, theirs.Version)
		require.ErrorIs(t, err, ErrForbidden)
		assert.Equal(t, SlotFree, f.reload(t, theirs.ID).Status)

		_, err = desk.TodayAgenda(ctx, own, f.colleague.ID)
		require.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("reschedules and withdraws own slots", func(t *testing.T) {
		slot := f.futureSlot(t, f.provider)
		later := slot.StartsAt.Add(2 * time.Hour)

		moved, err := desk.RescheduleSlot(ctx, own, slot.ID, slot.Version, later)
		require.NoError(t, err)
		assert.True(t, moved.StartsAt.Equal(later))
		assert.Equal(t, int64(2), moved.Version)

		_, err = desk.WithdrawSlot(ctx, own, slot.ID, slot.Version)
		require.ErrorIs(t, err, ErrConflict, "stale version")

		withdrawn, err := desk.WithdrawSlot(ctx, own, slot.ID, moved.Version)
		require.NoError(t, err)
		assert.Equal(t, SlotWithdrawn, withdrawn.Status)

		for s, err := range f.manager.ListFree(ctx, f.provider.ID, time.Time{}) {
			require.NoError(t, err)
			assert.NotEqual(t, slot.ID, s.ID)
		}
	})

	t.Run("occupied slots cannot be withdrawn", func(t *testing.T) {
		slot := f.futureSlot(t, f.provider)
		f.reserve(t, slot)
		current := f.reload(t, slot.ID)

		_, err := desk.WithdrawSlot(ctx, own, slot.ID, current.Version)
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("reads its inbox", func(t *testing.T) {
		mine := Notification{ID: uuid.New(), RecipientID: own.UserID, Message: "hello"}
		inbox.items = append(inbox.items, mine, Notification{ID: uuid.New(), RecipientID: uuid.New(), Message: "other"})

		unread, err := desk.UnreadNotifications(ctx, own)
		require.NoError(t, err)
		require.Len(t, unread, 1)
		assert.Equal(t, mine.ID, unread[0].ID)

		require.NoError(t, desk.MarkNotificationRead(ctx, own, mine.ID))
		unread, err = desk.UnreadNotifications(ctx, own)
		require.NoError(t, err)
		assert.Empty(t, unread)
	})

	t.Run("reception cannot use the provider desk", func(t *testing.T) {
		reception := Caller{UserID: uuid.New(), Role: RoleReception}
		_, err := desk.UnreadNotifications(ctx, reception)
		require.ErrorIs(t, err, ErrForbidden)
	})
}

func TestMessages(t *testing.T) {
	msgs := NewMessages(time.FixedZone("CLT", -4*60*60))
	patient := Patient{Name: "Ana Pérez"}
	slot := Slot{StartsAt: time.Date(2026, time.July, 15, 14, 30, 0, 0, time.UTC)}

	assert.Equal(t, "New reservation for patient Ana Pérez on 15/07/2026 10:30.", msgs.Created(patient, slot))
	assert.Equal(t, "Reservation for patient Ana Pérez was changed. New time: 15/07/2026 10:30.", msgs.Modified(patient, slot))
	assert.Equal(t, "Reservation for patient Ana Pérez scheduled for 15/07/2026 10:30 was cancelled.", msgs.Cancelled(patient, slot))
}
