package booking

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ SlotStore             = (*PgStore)(nil)
	_ ReservationRepository = (*PgStore)(nil)
	_ Directory             = (*PgStore)(nil)
)

const (
	listFreePageSize = 50

	uniqueViolation = "23505"

	slotColumns        = `id, provider_id, starts_at, status, version, created_at, updated_at`
	reservationColumns = `id, patient_id, slot_id, provider_id, specialty_id, reason, active, created_at, updated_at, cancelled_at`
)

// PgStore implements the slot store, reservation repository and directory on
// PostgreSQL. Slot transitions are single conditional UPDATE statements, so
// Postgres row locking makes them linearizable per slot.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.StartsAt,
		&s.Status,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var cancelledAt *time.Time

	err := row.Scan(
		&r.ID,
		&r.PatientID,
		&r.SlotID,
		&r.ProviderID,
		&r.SpecialtyID,
		&r.Reason,
		&r.Active,
		&r.CreatedAt,
		&r.UpdatedAt,
		&cancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}

	r.CancelledAt = cancelledAt
	return &r, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(&p.ID, &p.ExternalID, &p.Name, &email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanDetail(row pgx.Row) (*ReservationDetail, error) {
	var d ReservationDetail
	var cancelledAt *time.Time
	var email *string

	err := row.Scan(
		&d.ID, &d.PatientID, &d.SlotID, &d.ProviderID, &d.SpecialtyID,
		&d.Reason, &d.Active, &d.CreatedAt, &d.UpdatedAt, &cancelledAt,
		&d.Slot.ID, &d.Slot.ProviderID, &d.Slot.StartsAt, &d.Slot.Status,
		&d.Slot.Version, &d.Slot.CreatedAt, &d.Slot.UpdatedAt,
		&d.Patient.ID, &d.Patient.ExternalID, &d.Patient.Name, &email,
	)
	if err != nil {
		return nil, err
	}

	d.CancelledAt = cancelledAt
	d.Patient.Email = email
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Directory

func (s *PgStore) LookupProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, specialty_id, owner_id
		FROM providers
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.SpecialtyID, &p.OwnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *PgStore) LookupPatient(ctx context.Context, externalID string) (*Patient, error) {
	if err := ValidateExternalID(externalID); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_id, name, email
		FROM patients
		WHERE external_id = $1
	`, externalID)
	return scanPatient(row)
}

func (s *PgStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_id, name, email
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

// Slots

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

// transition runs a conditional UPDATE returning the new version. No row
// means either the slot does not exist or the condition failed.
func (s *PgStore) transition(ctx context.Context, id uuid.UUID, query string, args ...any) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM slots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("classify slot miss: %w", err)
	}
	if !exists {
		return 0, ErrSlotNotFound
	}
	return 0, ErrConflict
}

func (s *PgStore) TryOccupy(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, error) {
	return s.transition(ctx, id, `
		UPDATE slots
		SET status = 'occupied',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		  AND status = 'free'
		RETURNING version
	`, id, expectedVersion)
}

func (s *PgStore) Release(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, error) {
	return s.transition(ctx, id, `
		UPDATE slots
		SET status = 'free',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		  AND status = 'occupied'
		RETURNING version
	`, id, expectedVersion)
}

func (s *PgStore) Withdraw(ctx context.Context, id uuid.UUID, expectedVersion int64) (int64, error) {
	return s.transition(ctx, id, `
		UPDATE slots
		SET status = 'withdrawn',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		  AND status = 'free'
		RETURNING version
	`, id, expectedVersion)
}

func (s *PgStore) Reschedule(ctx context.Context, id uuid.UUID, expectedVersion int64, startsAt time.Time) (int64, error) {
	return s.transition(ctx, id, `
		UPDATE slots
		SET starts_at = $3,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		  AND status = 'free'
		RETURNING version
	`, id, expectedVersion, startsAt)
}

func (s *PgStore) AddSlot(ctx context.Context, providerID uuid.UUID, startsAt time.Time) (*Slot, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO slots (id, provider_id, starts_at, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, 'free', 1, now(), now())
		RETURNING `+slotColumns, uuid.New(), providerID, startsAt)
	return scanSlot(row)
}

// ListFree pages through free slots with a (starts_at, id) keyset, holding no
// connection while the caller consumes a page.
func (s *PgStore) ListFree(ctx context.Context, providerID uuid.UUID, from time.Time) iter.Seq2[Slot, error] {
	return func(yield func(Slot, error) bool) {
		afterTime := from
		afterID := uuid.Nil

		for {
			page, err := s.freePage(ctx, providerID, afterTime, afterID)
			if err != nil {
				yield(Slot{}, err)
				return
			}

			for _, sl := range page {
				if !yield(sl, nil) {
					return
				}
			}

			if len(page) < listFreePageSize {
				return
			}
			last := page[len(page)-1]
			afterTime, afterID = last.StartsAt, last.ID
		}
	}
}

func (s *PgStore) freePage(ctx context.Context, providerID uuid.UUID, afterTime time.Time, afterID uuid.UUID) ([]Slot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE provider_id = $1
		  AND status = 'free'
		  AND (starts_at, id) > ($2, $3)
		ORDER BY starts_at, id
		LIMIT $4
	`, providerID, afterTime, afterID, listFreePageSize)
	if err != nil {
		return nil, fmt.Errorf("list free slots: %w", err)
	}
	defer rows.Close()

	page := make([]Slot, 0, listFreePageSize)
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, *sl)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return page, nil
}

// Reservations

func (s *PgStore) CreateReservation(ctx context.Context, r Reservation) (*Reservation, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO reservations (id, patient_id, slot_id, provider_id, specialty_id, reason, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+reservationColumns,
		r.ID, r.PatientID, r.SlotID, r.ProviderID, r.SpecialtyID, r.Reason, r.Active)

	created, err := scanReservation(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return created, nil
}

func (s *PgStore) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
	`, id)
	return scanReservation(row)
}

func (s *PgStore) UpdateReservationSlot(ctx context.Context, id, fromSlot, toSlot, providerID uuid.UUID, reason string) (*Reservation, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE reservations
		SET slot_id = $3,
		    provider_id = $4,
		    reason = $5,
		    updated_at = now()
		WHERE id = $1
		  AND active
		  AND slot_id = $2
		RETURNING `+reservationColumns,
		id, fromSlot, toSlot, providerID, reason)

	updated, err := scanReservation(row)
	if err == nil {
		return updated, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if !errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}

	current, err := s.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Active {
		return nil, ErrReservationCancelled
	}
	return nil, ErrConflict
}

func (s *PgStore) DeactivateReservation(ctx context.Context, id uuid.UUID) (*Reservation, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE reservations
		SET active = false,
		    cancelled_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND active
		RETURNING `+reservationColumns, id)

	res, err := scanReservation(row)
	if err == nil {
		return res, true, nil
	}
	if !errors.Is(err, ErrReservationNotFound) {
		return nil, false, err
	}

	// Either unknown or already cancelled.
	res, err = s.GetReservation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return res, false, nil
}

const detailQuery = `
	SELECT r.id, r.patient_id, r.slot_id, r.provider_id, r.specialty_id,
	       r.reason, r.active, r.created_at, r.updated_at, r.cancelled_at,
	       s.id, s.provider_id, s.starts_at, s.status, s.version, s.created_at, s.updated_at,
	       p.id, p.external_id, p.name, p.email
	FROM reservations r
	JOIN slots s ON s.id = r.slot_id
	JOIN patients p ON p.id = r.patient_id
`

func (s *PgStore) ListActiveByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]ReservationDetail, error) {
	return s.listDetails(ctx, detailQuery+`
		WHERE r.active
		  AND r.provider_id = $1
		  AND s.starts_at >= $2
		  AND s.starts_at < $3
		ORDER BY s.starts_at
	`, providerID, from, to)
}

func (s *PgStore) ListActiveFrom(ctx context.Context, from time.Time, limit int) ([]ReservationDetail, error) {
	return s.listDetails(ctx, detailQuery+`
		WHERE r.active
		  AND s.starts_at >= $1
		ORDER BY s.starts_at
		LIMIT $2
	`, from, limit)
}

func (s *PgStore) listDetails(ctx context.Context, query string, args ...any) ([]ReservationDetail, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var result []ReservationDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
