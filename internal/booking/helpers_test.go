package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sentMessage struct {
	recipient uuid.UUID
	message   string
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSink) Enqueue(_ context.Context, recipientID uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{recipient: recipientID, message: message})
	return nil
}

func (s *recordingSink) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

var errSinkDown = errors.New("sink down")

type fixture struct {
	store   *MemoryStore
	sink    *recordingSink
	manager *Manager

	specialty Specialty
	provider  Provider
	// colleague shares the specialty with provider.
	colleague Provider
	// dentist has a different specialty.
	dentist Provider
	patient Patient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := NewMemoryStore()
	sink := &recordingSink{}

	general := Specialty{ID: uuid.New(), Name: "General medicine"}
	dental := Specialty{ID: uuid.New(), Name: "Dentistry"}
	store.PutSpecialty(general)
	store.PutSpecialty(dental)

	f := &fixture{
		store:     store,
		sink:      sink,
		specialty: general,
		provider:  Provider{ID: uuid.New(), Name: "Dr. Rojas", SpecialtyID: general.ID, OwnerID: uuid.New()},
		colleague: Provider{ID: uuid.New(), Name: "Dr. Soto", SpecialtyID: general.ID, OwnerID: uuid.New()},
		dentist:   Provider{ID: uuid.New(), Name: "Dr. Muñoz", SpecialtyID: dental.ID, OwnerID: uuid.New()},
		patient:   Patient{ID: uuid.New(), ExternalID: "12345678-9", Name: "Ana Pérez"},
	}
	store.PutProvider(f.provider)
	store.PutProvider(f.colleague)
	store.PutProvider(f.dentist)
	store.PutPatient(f.patient)

	f.manager = NewManager(Dependencies{
		Slots:        store,
		Reservations: store,
		Directory:    store,
		Sink:         sink,
		Log:          zaptest.NewLogger(t),
	})
	return f
}

func (f *fixture) slot(t *testing.T, provider Provider, startsAt time.Time) *Slot {
	t.Helper()
	s, err := f.store.AddSlot(context.Background(), provider.ID, startsAt)
	require.NoError(t, err)
	return s
}

func (f *fixture) futureSlot(t *testing.T, provider Provider) *Slot {
	t.Helper()
	return f.slot(t, provider, time.Now().Add(48*time.Hour).Truncate(time.Minute))
}

func (f *fixture) createReq(slot *Slot) CreateRequest {
	return CreateRequest{
		PatientID:   f.patient.ID,
		SlotID:      slot.ID,
		ProviderID:  slot.ProviderID,
		SpecialtyID: f.specialty.ID,
		Reason:      "control",
	}
}

func (f *fixture) reserve(t *testing.T, slot *Slot) *Reservation {
	t.Helper()
	res, err := f.manager.CreateReservation(context.Background(), f.createReq(slot))
	require.NoError(t, err)
	return res
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *Slot {
	t.Helper()
	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}
