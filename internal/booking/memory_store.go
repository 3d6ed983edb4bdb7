package booking

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ SlotStore             = (*MemoryStore)(nil)
	_ ReservationRepository = (*MemoryStore)(nil)
	_ Directory             = (*MemoryStore)(nil)
)

type memorySlot struct {
	mu   sync.Mutex
	slot Slot
}

// MemoryStore keeps slots, reservations and directory data in process. Each
// slot has its own mutex, so transitions on different slots never contend.
// Used by tests and the simulator's dry runs.
type MemoryStore struct {
	slotsMu sync.RWMutex
	slots   map[uuid.UUID]*memorySlot

	resMu        sync.RWMutex
	reservations map[uuid.UUID]Reservation
	activeBySlot map[uuid.UUID]uuid.UUID

	dirMu       sync.RWMutex
	specialties map[uuid.UUID]Specialty
	providers   map[uuid.UUID]Provider
	patients    map[uuid.UUID]Patient

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:        make(map[uuid.UUID]*memorySlot),
		reservations: make(map[uuid.UUID]Reservation),
		activeBySlot: make(map[uuid.UUID]uuid.UUID),
		specialties:  make(map[uuid.UUID]Specialty),
		providers:    make(map[uuid.UUID]Provider),
		patients:     make(map[uuid.UUID]Patient),
		now:          time.Now,
	}
}

// Directory seeding

func (s *MemoryStore) PutSpecialty(sp Specialty) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.specialties[sp.ID] = sp
}

func (s *MemoryStore) PutProvider(p Provider) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.providers[p.ID] = p
}

func (s *MemoryStore) PutPatient(p Patient) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.patients[p.ID] = p
}

func (s *MemoryStore) LookupProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (s *MemoryStore) LookupPatient(_ context.Context, externalID string) (*Patient, error) {
	if err := ValidateExternalID(externalID); err != nil {
		return nil, err
	}
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	for _, p := range s.patients {
		if strings.EqualFold(p.ExternalID, externalID) {
			return &p, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (s *MemoryStore) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

// Slots

func (s *MemoryStore) entry(id uuid.UUID) (*memorySlot, error) {
	s.slotsMu.RLock()
	defer s.slotsMu.RUnlock()
	e, ok := s.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return e, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Slot, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := e.slot
	return &slot, nil
}

// transition applies mutate when the slot is at expectedVersion and in the
// from status.
func (s *MemoryStore) transition(id uuid.UUID, expectedVersion int64, from SlotStatus, mutate func(*Slot)) (int64, error) {
	e, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.slot.Version != expectedVersion || e.slot.Status != from {
		return 0, ErrConflict
	}
	mutate(&e.slot)
	e.slot.Version++
	e.slot.UpdatedAt = s.now()
	return e.slot.Version, nil
}

func (s *MemoryStore) TryOccupy(_ context.Context, id uuid.UUID, expectedVersion int64) (int64, error) {
	return s.transition(id, expectedVersion, SlotFree, func(sl *Slot) { sl.Status = SlotOccupied })
}

func (s *MemoryStore) Release(_ context.Context, id uuid.UUID, expectedVersion int64) (int64, error) {
	return s.transition(id, expectedVersion, SlotOccupied, func(sl *Slot) { sl.Status = SlotFree })
}

func (s *MemoryStore) Withdraw(_ context.Context, id uuid.UUID, expectedVersion int64) (int64, error) {
	return s.transition(id, expectedVersion, SlotFree, func(sl *Slot) { sl.Status = SlotWithdrawn })
}

func (s *MemoryStore) Reschedule(_ context.Context, id uuid.UUID, expectedVersion int64, startsAt time.Time) (int64, error) {
	return s.transition(id, expectedVersion, SlotFree, func(sl *Slot) { sl.StartsAt = startsAt })
}

func (s *MemoryStore) AddSlot(_ context.Context, providerID uuid.UUID, startsAt time.Time) (*Slot, error) {
	now := s.now()
	slot := Slot{
		ID:         uuid.New(),
		ProviderID: providerID,
		StartsAt:   startsAt,
		Status:     SlotFree,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.slotsMu.Lock()
	s.slots[slot.ID] = &memorySlot{slot: slot}
	s.slotsMu.Unlock()

	return &slot, nil
}

func (s *MemoryStore) ListFree(_ context.Context, providerID uuid.UUID, from time.Time) iter.Seq2[Slot, error] {
	return func(yield func(Slot, error) bool) {
		s.slotsMu.RLock()
		entries := make([]*memorySlot, 0, len(s.slots))
		for _, e := range s.slots {
			entries = append(entries, e)
		}
		s.slotsMu.RUnlock()

		var free []Slot
		for _, e := range entries {
			e.mu.Lock()
			sl := e.slot
			e.mu.Unlock()
			if sl.ProviderID == providerID && sl.Status == SlotFree && !sl.StartsAt.Before(from) {
				free = append(free, sl)
			}
		}

		sort.Slice(free, func(i, j int) bool {
			if free[i].StartsAt.Equal(free[j].StartsAt) {
				return free[i].ID.String() < free[j].ID.String()
			}
			return free[i].StartsAt.Before(free[j].StartsAt)
		})

		for _, sl := range free {
			if !yield(sl, nil) {
				return
			}
		}
	}
}

// Reservations

func (s *MemoryStore) CreateReservation(_ context.Context, r Reservation) (*Reservation, error) {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	if _, taken := s.activeBySlot[r.SlotID]; taken && r.Active {
		return nil, ErrConflict
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := s.now()
	r.CreatedAt = now
	r.UpdatedAt = now

	s.reservations[r.ID] = r
	if r.Active {
		s.activeBySlot[r.SlotID] = r.ID
	}
	return &r, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id uuid.UUID) (*Reservation, error) {
	s.resMu.RLock()
	defer s.resMu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &r, nil
}

func (s *MemoryStore) UpdateReservationSlot(_ context.Context, id, fromSlot, toSlot, providerID uuid.UUID, reason string) (*Reservation, error) {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if !r.Active {
		return nil, ErrReservationCancelled
	}
	if r.SlotID != fromSlot {
		return nil, ErrConflict
	}
	if holder, taken := s.activeBySlot[toSlot]; taken && holder != id {
		return nil, ErrConflict
	}

	delete(s.activeBySlot, fromSlot)
	s.activeBySlot[toSlot] = id

	r.SlotID = toSlot
	r.ProviderID = providerID
	r.Reason = reason
	r.UpdatedAt = s.now()
	s.reservations[id] = r
	return &r, nil
}

func (s *MemoryStore) DeactivateReservation(_ context.Context, id uuid.UUID) (*Reservation, bool, error) {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, false, ErrReservationNotFound
	}
	if !r.Active {
		return &r, false, nil
	}

	now := s.now()
	r.Active = false
	r.CancelledAt = &now
	r.UpdatedAt = now
	s.reservations[id] = r
	delete(s.activeBySlot, r.SlotID)
	return &r, true, nil
}

func (s *MemoryStore) ListActiveByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]ReservationDetail, error) {
	return s.listActive(ctx, func(d ReservationDetail) bool {
		return d.ProviderID == providerID && !d.Slot.StartsAt.Before(from) && d.Slot.StartsAt.Before(to)
	}, 0)
}

func (s *MemoryStore) ListActiveFrom(ctx context.Context, from time.Time, limit int) ([]ReservationDetail, error) {
	return s.listActive(ctx, func(d ReservationDetail) bool {
		return !d.Slot.StartsAt.Before(from)
	}, limit)
}

func (s *MemoryStore) listActive(ctx context.Context, keep func(ReservationDetail) bool, limit int) ([]ReservationDetail, error) {
	s.resMu.RLock()
	active := make([]Reservation, 0, len(s.activeBySlot))
	for _, id := range s.activeBySlot {
		active = append(active, s.reservations[id])
	}
	s.resMu.RUnlock()

	var out []ReservationDetail
	for _, r := range active {
		slot, err := s.Get(ctx, r.SlotID)
		if err != nil {
			return nil, err
		}
		patient, err := s.GetPatient(ctx, r.PatientID)
		if err != nil {
			return nil, err
		}
		d := ReservationDetail{Reservation: r, Slot: *slot, Patient: *patient}
		if keep(d) {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Slot.StartsAt.Before(out[j].Slot.StartsAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
