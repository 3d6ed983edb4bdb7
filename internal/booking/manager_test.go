package booking

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("occupies the slot and notifies the provider", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.provider)

		res, err := f.manager.CreateReservation(ctx, f.createReq(slot))
		require.NoError(t, err)

		assert.True(t, res.Active)
		assert.Equal(t, slot.ID, res.SlotID)
		assert.Equal(t, f.patient.ID, res.PatientID)
		assert.Equal(t, f.specialty.ID, res.SpecialtyID)

		got := f.reload(t, slot.ID)
		assert.Equal(t, SlotOccupied, got.Status)
		assert.Equal(t, int64(2), got.Version)

		sent := f.sink.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, f.provider.OwnerID, sent[0].recipient)
		assert.Contains(t, sent[0].message, f.patient.Name)
	})

	t.Run("occupied slot is unavailable", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.provider)
		f.reserve(t, slot)

		_, err := f.manager.CreateReservation(ctx, f.createReq(slot))
		require.ErrorIs(t, err, ErrSlotUnavailable)
		assert.Len(t, f.sink.messages(), 1)
	})

	t.Run("unknown slot is unavailable", func(t *testing.T) {
		f := newFixture(t)
		req := f.createReq(&Slot{ID: uuid.New(), ProviderID: f.provider.ID})

		_, err := f.manager.CreateReservation(ctx, req)
		require.ErrorIs(t, err, ErrSlotUnavailable)
		assert.ErrorIs(t, err, ErrSlotNotFound)
	})

	t.Run("slot of another provider", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.colleague)
		req := f.createReq(slot)
		req.ProviderID = f.provider.ID

		_, err := f.manager.CreateReservation(ctx, req)
		require.ErrorIs(t, err, ErrProviderMismatch)
		assert.Equal(t, SlotFree, f.reload(t, slot.ID).Status)
	})

	t.Run("provider without the specialty", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.dentist)

		_, err := f.manager.CreateReservation(ctx, f.createReq(slot))
		require.ErrorIs(t, err, ErrSpecialtyMismatch)

		got := f.reload(t, slot.ID)
		assert.Equal(t, SlotFree, got.Status)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("unknown patient leaves the slot free", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.provider)
		req := f.createReq(slot)
		req.PatientID = uuid.New()

		_, err := f.manager.CreateReservation(ctx, req)
		require.ErrorIs(t, err, ErrPatientNotFound)
		assert.Equal(t, int64(1), f.reload(t, slot.ID).Version)
	})

	t.Run("missing reason", func(t *testing.T) {
		f := newFixture(t)
		req := f.createReq(f.futureSlot(t, f.provider))
		req.Reason = "   "

		_, err := f.manager.CreateReservation(ctx, req)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "reason", verr.Field)
	})

	t.Run("sink failure does not fail the reservation", func(t *testing.T) {
		f := newFixture(t)
		f.sink.err = errSinkDown
		slot := f.futureSlot(t, f.provider)

		res, err := f.manager.CreateReservation(ctx, f.createReq(slot))
		require.NoError(t, err)
		assert.True(t, res.Active)
		assert.Equal(t, SlotOccupied, f.reload(t, slot.ID).Status)
	})
}

func TestCreateReservation_ConcurrentClaimsOnOneSlot(t *testing.T) {
	f := newFixture(t)
	slot := f.futureSlot(t, f.provider)

	const callers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		lost      int
	)
	start := make(chan struct{})

	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.manager.CreateReservation(context.Background(), f.createReq(slot))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrSlotUnavailable):
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, lost)

	got := f.reload(t, slot.ID)
	assert.Equal(t, SlotOccupied, got.Status)
	assert.Equal(t, int64(2), got.Version)
	assert.Len(t, f.sink.messages(), 1)
}

func TestCancelReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("create then cancel frees the slot", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.provider)
		res := f.reserve(t, slot)

		cancelled, err := f.manager.CancelReservation(ctx, res.ID)
		require.NoError(t, err)
		assert.False(t, cancelled.Active)
		assert.NotNil(t, cancelled.CancelledAt)

		got := f.reload(t, slot.ID)
		assert.Equal(t, SlotFree, got.Status)
		assert.Equal(t, int64(3), got.Version)

		sent := f.sink.messages()
		require.Len(t, sent, 2)
		assert.Contains(t, sent[1].message, "cancelled")
	})

	t.Run("repeat cancel is a no-op", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.provider)
		res := f.reserve(t, slot)

		_, err := f.manager.CancelReservation(ctx, res.ID)
		require.NoError(t, err)
		again, err := f.manager.CancelReservation(ctx, res.ID)
		require.NoError(t, err)
		assert.False(t, again.Active)

		assert.Equal(t, int64(3), f.reload(t, slot.ID).Version)
		assert.Len(t, f.sink.messages(), 2)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.CancelReservation(ctx, uuid.New())
		require.ErrorIs(t, err, ErrReservationNotFound)
	})

	t.Run("freed slot can be booked again", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.provider)
		res := f.reserve(t, slot)
		_, err := f.manager.CancelReservation(ctx, res.ID)
		require.NoError(t, err)

		again := f.reserve(t, slot)
		assert.NotEqual(t, res.ID, again.ID)
		assert.Equal(t, int64(4), f.reload(t, slot.ID).Version)
	})
}

func TestModifyReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("moves to a free slot", func(t *testing.T) {
		f := newFixture(t)
		oldSlot := f.futureSlot(t, f.provider)
		newSlot := f.slot(t, f.provider, time.Now().Add(72*time.Hour))
		res := f.reserve(t, oldSlot)

		updated, err := f.manager.ModifyReservation(ctx, res.ID, ModifyRequest{SlotID: newSlot.ID})
		require.NoError(t, err)
		assert.Equal(t, newSlot.ID, updated.SlotID)
		assert.Equal(t, res.Reason, updated.Reason)

		old := f.reload(t, oldSlot.ID)
		assert.Equal(t, SlotFree, old.Status)
		assert.Equal(t, int64(3), old.Version)

		moved := f.reload(t, newSlot.ID)
		assert.Equal(t, SlotOccupied, moved.Status)
		assert.Equal(t, int64(2), moved.Version)

		sent := f.sink.messages()
		require.Len(t, sent, 2, "one for create, exactly one for modify")
		assert.Contains(t, sent[1].message, "changed")
	})

	t.Run("occupied target leaves everything untouched", func(t *testing.T) {
		f := newFixture(t)
		oldSlot := f.futureSlot(t, f.provider)
		taken := f.slot(t, f.provider, time.Now().Add(72*time.Hour))
		res := f.reserve(t, oldSlot)
		f.reserve(t, taken)

		_, err := f.manager.ModifyReservation(ctx, res.ID, ModifyRequest{SlotID: taken.ID})
		require.ErrorIs(t, err, ErrSlotUnavailable)

		current, err := f.manager.GetReservation(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, oldSlot.ID, current.SlotID)
		assert.Equal(t, SlotOccupied, f.reload(t, oldSlot.ID).Status)
		assert.Equal(t, int64(2), f.reload(t, oldSlot.ID).Version)
	})

	t.Run("cancelled reservation", func(t *testing.T) {
		f := newFixture(t)
		res := f.reserve(t, f.futureSlot(t, f.provider))
		_, err := f.manager.CancelReservation(ctx, res.ID)
		require.NoError(t, err)

		target := f.futureSlot(t, f.provider)
		_, err = f.manager.ModifyReservation(ctx, res.ID, ModifyRequest{SlotID: target.ID})
		require.ErrorIs(t, err, ErrReservationCancelled)
		assert.True(t, IsNotFound(err))
		assert.Equal(t, SlotFree, f.reload(t, target.ID).Status)
	})

	t.Run("colleague with the same specialty notifies the new owner", func(t *testing.T) {
		f := newFixture(t)
		res := f.reserve(t, f.futureSlot(t, f.provider))
		target := f.futureSlot(t, f.colleague)

		updated, err := f.manager.ModifyReservation(ctx, res.ID, ModifyRequest{SlotID: target.ID})
		require.NoError(t, err)
		assert.Equal(t, f.colleague.ID, updated.ProviderID)

		sent := f.sink.messages()
		require.Len(t, sent, 2)
		assert.Equal(t, f.colleague.OwnerID, sent[1].recipient)
	})

	t.Run("provider with another specialty", func(t *testing.T) {
		f := newFixture(t)
		res := f.reserve(t, f.futureSlot(t, f.provider))
		target := f.futureSlot(t, f.dentist)

		_, err := f.manager.ModifyReservation(ctx, res.ID, ModifyRequest{SlotID: target.ID})
		require.ErrorIs(t, err, ErrSpecialtyMismatch)
		assert.Equal(t, SlotFree, f.reload(t, target.ID).Status)
	})

	t.Run("same slot only updates the reason", func(t *testing.T) {
		f := newFixture(t)
		slot := f.futureSlot(t, f.provider)
		res := f.reserve(t, slot)
		reason := "follow-up exam"

		updated, err := f.manager.ModifyReservation(ctx, res.ID, ModifyRequest{SlotID: slot.ID, Reason: &reason})
		require.NoError(t, err)
		assert.Equal(t, reason, updated.Reason)
		assert.Equal(t, int64(2), f.reload(t, slot.ID).Version)
		assert.Len(t, f.sink.messages(), 1)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.ModifyReservation(ctx, uuid.New(), ModifyRequest{SlotID: uuid.New()})
		require.ErrorIs(t, err, ErrReservationNotFound)
	})
}

// TestConcurrentOperationsKeepSlotsConsistent races creates, modifies and
// cancels over a small pool of slots and then checks that every occupied slot
// is held by exactly one active reservation and vice versa.
func TestConcurrentOperationsKeepSlotsConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slots := make([]*Slot, 8)
	for i := range slots {
		slots[i] = f.slot(t, f.provider, time.Now().Add(time.Duration(i+1)*time.Hour))
	}

	var (
		mu   sync.Mutex
		made []uuid.UUID
	)
	pick := func(r *rand.Rand) (uuid.UUID, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(made) == 0 {
			return uuid.Nil, false
		}
		return made[r.IntN(len(made))], true
	}

	var wg sync.WaitGroup
	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w), 42))
			for range 200 {
				slot := slots[r.IntN(len(slots))]
				current := f.reload(t, slot.ID)

				switch r.IntN(3) {
				case 0:
					res, err := f.manager.CreateReservation(ctx, f.createReq(current))
					if err == nil {
						mu.Lock()
						made = append(made, res.ID)
						mu.Unlock()
					} else if !errors.Is(err, ErrSlotUnavailable) {
						t.Errorf("create: %v", err)
					}
				case 1:
					id, ok := pick(r)
					if !ok {
						continue
					}
					_, err := f.manager.ModifyReservation(ctx, id, ModifyRequest{SlotID: slot.ID})
					if err != nil && !errors.Is(err, ErrSlotUnavailable) && !errors.Is(err, ErrReservationCancelled) {
						t.Errorf("modify: %v", err)
					}
				case 2:
					id, ok := pick(r)
					if !ok {
						continue
					}
					if _, err := f.manager.CancelReservation(ctx, id); err != nil {
						t.Errorf("cancel: %v", err)
					}
				}
			}
		}()
	}
	wg.Wait()

	holders := make(map[uuid.UUID]int)
	f.store.resMu.RLock()
	for _, res := range f.store.reservations {
		if res.Active {
			holders[res.SlotID]++
		}
	}
	f.store.resMu.RUnlock()

	for _, s := range slots {
		got := f.reload(t, s.ID)
		switch got.Status {
		case SlotOccupied:
			assert.Equal(t, 1, holders[s.ID], "occupied slot %s must have one active reservation", s.ID)
		case SlotFree:
			assert.Zero(t, holders[s.ID], "free slot %s must have no active reservation", s.ID)
		default:
			t.Fatalf("unexpected status %q", got.Status)
		}
	}
}

func TestListFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().Add(24 * time.Hour).Truncate(time.Hour)

	late := f.slot(t, f.provider, base.Add(3*time.Hour))
	early := f.slot(t, f.provider, base.Add(time.Hour))
	taken := f.slot(t, f.provider, base.Add(2*time.Hour))
	f.slot(t, f.colleague, base.Add(time.Hour))
	f.slot(t, f.provider, time.Now().Add(-time.Hour))
	f.reserve(t, taken)

	collect := func() []uuid.UUID {
		var ids []uuid.UUID
		for s, err := range f.manager.ListFree(ctx, f.provider.ID, time.Time{}) {
			require.NoError(t, err)
			assert.Equal(t, SlotFree, s.Status)
			ids = append(ids, s.ID)
		}
		return ids
	}

	assert.Equal(t, []uuid.UUID{early.ID, late.ID}, collect())

	t.Run("ranging again sees new state", func(t *testing.T) {
		added := f.slot(t, f.provider, base.Add(4*time.Hour))
		assert.Equal(t, []uuid.UUID{early.ID, late.ID, added.ID}, collect())
	})

	t.Run("early stop", func(t *testing.T) {
		var n int
		for range f.manager.ListFree(ctx, f.provider.ID, time.Time{}) {
			n++
			break
		}
		assert.Equal(t, 1, n)
	})

	t.Run("explicit from", func(t *testing.T) {
		var ids []uuid.UUID
		for s, err := range f.manager.ListFree(ctx, f.provider.ID, base.Add(2*time.Hour)) {
			require.NoError(t, err)
			ids = append(ids, s.ID)
		}
		require.NotEmpty(t, ids)
		assert.Equal(t, late.ID, ids[0])
	})
}

func TestTodayAgenda(t *testing.T) {
	loc := time.FixedZone("CLT", -4*60*60)
	now := time.Date(2026, time.July, 15, 10, 0, 0, 0, loc)

	f := newFixture(t)
	f.manager = NewManager(Dependencies{
		Slots:        f.store,
		Reservations: f.store,
		Directory:    f.store,
		Sink:         f.sink,
		Location:     loc,
		AgendaGrace:  5 * time.Minute,
		Now:          func() time.Time { return now },
	})

	long := f.slot(t, f.provider, now.Add(-10*time.Minute))
	recent := f.slot(t, f.provider, now.Add(-3*time.Minute))
	later := f.slot(t, f.provider, now.Add(5*time.Hour))
	tomorrow := f.slot(t, f.provider, now.Add(24*time.Hour))
	other := f.slot(t, f.colleague, now.Add(time.Hour))
	for _, s := range []*Slot{long, recent, later, tomorrow, other} {
		f.reserve(t, s)
	}

	agenda, err := f.manager.TodayAgenda(context.Background(), f.provider.ID)
	require.NoError(t, err)
	require.Len(t, agenda, 2)
	assert.Equal(t, recent.ID, agenda[0].Slot.ID)
	assert.Equal(t, later.ID, agenda[1].Slot.ID)
	assert.Equal(t, f.patient.Name, agenda[0].Patient.Name)
}

func TestUpcomingReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := f.slot(t, f.provider, time.Now().Add(-time.Hour))
	second := f.slot(t, f.provider, time.Now().Add(48*time.Hour))
	first := f.slot(t, f.colleague, time.Now().Add(24*time.Hour))
	cancelled := f.slot(t, f.provider, time.Now().Add(12*time.Hour))
	for _, s := range []*Slot{past, second, first} {
		f.reserve(t, s)
	}
	res := f.reserve(t, cancelled)
	_, err := f.manager.CancelReservation(ctx, res.ID)
	require.NoError(t, err)

	upcoming, err := f.manager.UpcomingReservations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, upcoming, 2)
	assert.Equal(t, first.ID, upcoming[0].SlotID)
	assert.Equal(t, second.ID, upcoming[1].SlotID)

	limited, err := f.manager.UpcomingReservations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
