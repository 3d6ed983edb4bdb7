package booking

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/metrics"
)

const (
	opCreate = "create"
	opModify = "modify"
	opCancel = "cancel"

	defaultUpcomingLimit = 50
	maxUpcomingLimit     = 200
)

type Dependencies struct {
	Slots        SlotStore
	Reservations ReservationRepository
	Directory    Directory
	Sink         NotificationSink
	Resolver     ConflictResolver // defaults to OptimisticResolver
	Log          *zap.Logger
	Metrics      *metrics.Collector // optional
	Location     *time.Location     // clinic timezone, defaults to UTC
	AgendaGrace  time.Duration      // how long a started slot stays on today's agenda
	Now          func() time.Time
}

// Manager composes SlotStore transitions into reservation level operations.
// It is the only caller of the store's mutating methods.
type Manager struct {
	slots        SlotStore
	reservations ReservationRepository
	directory    Directory
	sink         NotificationSink
	resolver     ConflictResolver
	log          *zap.Logger
	metrics      *metrics.Collector
	messages     Messages
	loc          *time.Location
	agendaGrace  time.Duration
	now          func() time.Time
}

func NewManager(deps Dependencies) *Manager {
	m := &Manager{
		slots:        deps.Slots,
		reservations: deps.Reservations,
		directory:    deps.Directory,
		sink:         deps.Sink,
		resolver:     deps.Resolver,
		log:          deps.Log,
		metrics:      deps.Metrics,
		loc:          deps.Location,
		agendaGrace:  deps.AgendaGrace,
		now:          deps.Now,
	}
	if m.resolver == nil {
		m.resolver = OptimisticResolver{}
	}
	if m.sink == nil {
		m.sink = discardSink{}
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.messages = NewMessages(m.loc)
	return m
}

// CreateReservation claims a free slot for a patient. A lost race is reported
// as ErrSlotUnavailable and is never retried here: the caller must pick
// another slot.
func (m *Manager) CreateReservation(ctx context.Context, req CreateRequest) (*Reservation, error) {
	res, err := m.createReservation(ctx, req)
	m.observe(opCreate, err)
	return res, err
}

func (m *Manager) createReservation(ctx context.Context, req CreateRequest) (*Reservation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	slot, err := m.slots.Get(ctx, req.SlotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.ProviderID != req.ProviderID {
		return nil, ErrProviderMismatch
	}

	provider, err := m.directory.LookupProvider(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrProviderMismatch, err)
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if provider.SpecialtyID != req.SpecialtyID {
		return nil, ErrSpecialtyMismatch
	}

	patient, err := m.directory.GetPatient(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	version, err := m.occupy(ctx, opCreate, slot)
	if err != nil {
		return nil, err
	}

	created, err := m.reservations.CreateReservation(ctx, Reservation{
		ID:          uuid.New(),
		PatientID:   patient.ID,
		SlotID:      slot.ID,
		ProviderID:  provider.ID,
		SpecialtyID: provider.SpecialtyID,
		Reason:      req.Reason,
		Active:      true,
	})
	if err != nil {
		m.undoOccupy(ctx, opCreate, slot.ID, version)
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
		}
		return nil, fmt.Errorf("persist reservation: %w", err)
	}

	m.notify(ctx, provider.OwnerID, m.messages.Created(*patient, *slot))

	return created, nil
}

// ModifyReservation moves a reservation to another slot. The new slot is
// secured before the old one is released, so the reservation always holds a
// valid slot. A failure to claim the new slot leaves everything untouched.
func (m *Manager) ModifyReservation(ctx context.Context, id uuid.UUID, req ModifyRequest) (*Reservation, error) {
	res, err := m.modifyReservation(ctx, id, req)
	m.observe(opModify, err)
	return res, err
}

func (m *Manager) modifyReservation(ctx context.Context, id uuid.UUID, req ModifyRequest) (*Reservation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	current, err := m.reservations.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Active {
		return nil, ErrReservationCancelled
	}

	reason := current.Reason
	if req.Reason != nil {
		reason = *req.Reason
	}

	if req.SlotID == current.SlotID {
		if reason == current.Reason {
			return current, nil
		}
		updated, err := m.reservations.UpdateReservationSlot(ctx, current.ID, current.SlotID, current.SlotID, current.ProviderID, reason)
		if err != nil {
			return nil, fmt.Errorf("update reservation: %w", err)
		}
		return updated, nil
	}

	newSlot, err := m.slots.Get(ctx, req.SlotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}

	provider, err := m.directory.LookupProvider(ctx, newSlot.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	if provider.SpecialtyID != current.SpecialtyID {
		return nil, ErrSpecialtyMismatch
	}

	patient, err := m.directory.GetPatient(ctx, current.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	version, err := m.occupy(ctx, opModify, newSlot)
	if err != nil {
		return nil, err
	}

	updated, err := m.reservations.UpdateReservationSlot(ctx, current.ID, current.SlotID, newSlot.ID, provider.ID, reason)
	if err != nil {
		m.undoOccupy(ctx, opModify, newSlot.ID, version)
		switch {
		case errors.Is(err, ErrReservationNotFound):
			return nil, err
		case errors.Is(err, ErrConflict):
			return nil, fmt.Errorf("%w: reservation changed concurrently", ErrSlotUnavailable)
		}
		return nil, fmt.Errorf("update reservation: %w", err)
	}

	m.releaseHeld(ctx, opModify, current.SlotID)

	m.notify(ctx, provider.OwnerID, m.messages.Modified(*patient, *newSlot))

	return updated, nil
}

// CancelReservation deactivates a reservation and frees its slot. Cancelling
// an inactive reservation succeeds without touching the slot again.
func (m *Manager) CancelReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, err := m.cancelReservation(ctx, id)
	m.observe(opCancel, err)
	return res, err
}

func (m *Manager) cancelReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, deactivated, err := m.reservations.DeactivateReservation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("deactivate reservation: %w", err)
	}
	if !deactivated {
		return res, nil
	}

	slot := m.releaseHeld(ctx, opCancel, res.SlotID)
	if slot == nil {
		return res, nil
	}

	provider, err := m.directory.LookupProvider(ctx, res.ProviderID)
	if err != nil {
		m.log.Warn("cancel notification skipped, provider lookup failed",
			zap.String("reservation_id", res.ID.String()),
			zap.Error(err),
		)
		return res, nil
	}
	patient, err := m.directory.GetPatient(ctx, res.PatientID)
	if err != nil {
		m.log.Warn("cancel notification skipped, patient lookup failed",
			zap.String("reservation_id", res.ID.String()),
			zap.Error(err),
		)
		return res, nil
	}

	m.notify(ctx, provider.OwnerID, m.messages.Cancelled(*patient, *slot))

	return res, nil
}

func (m *Manager) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return m.reservations.GetReservation(ctx, id)
}

// ListFree yields a provider's free slots from the given time. A zero from
// means now.
func (m *Manager) ListFree(ctx context.Context, providerID uuid.UUID, from time.Time) iter.Seq2[Slot, error] {
	if from.IsZero() {
		from = m.now()
	}
	return m.slots.ListFree(ctx, providerID, from)
}

// UpcomingReservations lists active reservations whose slot has not started.
func (m *Manager) UpcomingReservations(ctx context.Context, limit int) ([]ReservationDetail, error) {
	if limit <= 0 {
		limit = defaultUpcomingLimit
	}
	if limit > maxUpcomingLimit {
		limit = maxUpcomingLimit
	}
	return m.reservations.ListActiveFrom(ctx, m.now(), limit)
}

// TodayAgenda lists the provider's active reservations for the current local
// day, keeping slots that started less than the agenda grace ago.
func (m *Manager) TodayAgenda(ctx context.Context, providerID uuid.UUID) ([]ReservationDetail, error) {
	now := m.now().In(m.loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.loc)
	endOfDay := startOfDay.AddDate(0, 0, 1)

	from := now.Add(-m.agendaGrace)
	if from.Before(startOfDay) {
		from = startOfDay
	}
	return m.reservations.ListActiveByProvider(ctx, providerID, from, endOfDay)
}

func (m *Manager) occupy(ctx context.Context, op string, slot *Slot) (int64, error) {
	var version int64
	err := m.resolver.WithSlotLock(ctx, slot.ID, func(ctx context.Context) error {
		v, err := m.slots.TryOccupy(ctx, slot.ID, slot.Version)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrSlotNotFound) {
			m.conflict(op)
			m.log.Debug("slot claim lost",
				zap.String("op", op),
				zap.String("slot_id", slot.ID.String()),
				zap.Int64("expected_version", slot.Version),
				zap.Error(err),
			)
			return 0, fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
		}
		return 0, fmt.Errorf("occupy slot: %w", err)
	}
	slot.Status = SlotOccupied
	slot.Version = version
	return version, nil
}

// undoOccupy frees a slot this call occupied when the rest of the operation
// failed. If that fails too the slot stays Occupied, which blocks it but never
// double books it.
func (m *Manager) undoOccupy(ctx context.Context, op string, slotID uuid.UUID, version int64) {
	if _, err := m.slots.Release(context.WithoutCancel(ctx), slotID, version); err != nil {
		m.log.Error("slot leak: could not undo occupy",
			zap.String("op", op),
			zap.String("slot_id", slotID.String()),
			zap.Int64("version", version),
			zap.Error(err),
		)
	}
}

// releaseHeld frees a slot held by a reservation that no longer uses it. It
// returns the slot as last read, or nil if it could not be read.
func (m *Manager) releaseHeld(ctx context.Context, op string, slotID uuid.UUID) *Slot {
	ctx = context.WithoutCancel(ctx)

	slot, err := m.slots.Get(ctx, slotID)
	if err != nil {
		m.log.Error("slot leak: could not load held slot",
			zap.String("op", op),
			zap.String("slot_id", slotID.String()),
			zap.Error(err),
		)
		return nil
	}

	version, err := m.slots.Release(ctx, slot.ID, slot.Version)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			m.conflict(op)
		}
		m.log.Error("slot leak: release failed, reconcile out of band",
			zap.String("op", op),
			zap.String("slot_id", slotID.String()),
			zap.String("status", string(slot.Status)),
			zap.Int64("version", slot.Version),
			zap.Error(err),
		)
		return slot
	}

	slot.Status = SlotFree
	slot.Version = version
	return slot
}

// notify hands a message to the sink after the slot change committed. A sink
// failure is logged and never fails the reservation operation.
func (m *Manager) notify(ctx context.Context, recipientID uuid.UUID, message string) {
	if err := m.sink.Enqueue(context.WithoutCancel(ctx), recipientID, message); err != nil {
		m.log.Warn("notification enqueue failed",
			zap.String("recipient_id", recipientID.String()),
			zap.Error(err),
		)
	}
}

type discardSink struct{}

func (discardSink) Enqueue(context.Context, uuid.UUID, string) error { return nil }

func (m *Manager) observe(op string, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.ReservationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
}

func (m *Manager) conflict(op string) {
	if m.metrics == nil {
		return
	}
	m.metrics.SlotConflicts.WithLabelValues(op).Inc()
}

func resultLabel(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrSpecialtyMismatch):
		return "specialty_mismatch"
	case errors.Is(err, ErrProviderMismatch):
		return "provider_mismatch"
	case IsNotFound(err):
		return "not_found"
	case errors.As(err, &verr):
		return "invalid"
	default:
		return "error"
	}
}
