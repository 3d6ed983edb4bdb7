package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/config"
	"github.com/hackgods/clinic-reservations/internal/db"
	"github.com/hackgods/clinic-reservations/internal/logger"
)

const (
	providersPerSpecialty = 4
	patientCount          = 2000
	slotDays              = 7
	slotLength            = 30 * time.Minute
	dayStartHour          = 9
	dayEndHour            = 17
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

type seededProvider struct {
	id      uuid.UUID
	ownerID uuid.UUID
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	providers, err := seedProviders(ctx, pool, faker, log)
	if err != nil {
		log.Fatal("seed providers", zap.Error(err))
	}
	if err := seedPatients(ctx, pool, faker, patientCount, log); err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}
	if err := seedSlots(ctx, pool, providers, cfg.Timezone, log); err != nil {
		log.Fatal("seed slots", zap.Error(err))
	}

	for _, p := range providers[:3] {
		log.Info("sample provider login",
			zap.String("provider_id", p.id.String()),
			zap.String("owner_id", p.ownerID.String()),
		)
	}
	log.Info("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, log *zap.Logger) ([]seededProvider, error) {
	log.Info("seeding providers", zap.Int("specialties", len(specialties)), zap.Int("per_specialty", providersPerSpecialty))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var providers []seededProvider
	for _, name := range specialties {
		var specialtyID uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO specialties (id, name)
			VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, uuid.New(), name).Scan(&specialtyID)
		if err != nil {
			return nil, fmt.Errorf("insert specialty %s: %w", name, err)
		}

		for range providersPerSpecialty {
			p := seededProvider{id: uuid.New(), ownerID: uuid.New()}
			_, err := tx.Exec(ctx, `
				INSERT INTO providers (id, name, specialty_id, owner_id)
				VALUES ($1, $2, $3, $4)
			`, p.id, "Dr. "+faker.LastName(), specialtyID, p.ownerID)
			if err != nil {
				return nil, fmt.Errorf("insert provider: %w", err)
			}
			providers = append(providers, p)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Info("providers seeded", zap.Int("count", len(providers)))
	return providers, nil
}

// externalID builds a national id with a mod 11 check digit.
func externalID(number int) string {
	sum, factor := 0, 2
	for n := number; n > 0; n /= 10 {
		sum += (n % 10) * factor
		factor++
		if factor > 7 {
			factor = 2
		}
	}
	check := 11 - sum%11
	switch check {
	case 11:
		check = 0
	case 10:
		// K is not accepted by the lookup format; remap to a digit.
		check = 1
	}
	return fmt.Sprintf("%d-%d", number, check)
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, log *zap.Logger) error {
	log.Info("seeding patients", zap.Int("count", count))

	const batchSize = 500
	base := faker.IntRange(10_000_000, 20_000_000)

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			email := faker.Email()
			batch.Queue(`
				INSERT INTO patients (id, external_id, name, email)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (external_id) DO NOTHING
			`, uuid.New(), externalID(base+i), faker.Name(), &email)
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert patients: %w", err)
		}

		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}

	return nil
}

func seedSlots(ctx context.Context, pool *pgxpool.Pool, providers []seededProvider, loc *time.Location, log *zap.Logger) error {
	now := time.Now().In(loc)
	firstDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	var rows [][]any
	for _, p := range providers {
		for d := range slotDays {
			day := firstDay.AddDate(0, 0, d)
			if day.Weekday() == time.Sunday {
				continue
			}
			start := day.Add(dayStartHour * time.Hour)
			end := day.Add(dayEndHour * time.Hour)
			for t := start; t.Before(end); t = t.Add(slotLength) {
				rows = append(rows, []any{uuid.New(), p.id, t, "free", int64(1)})
			}
		}
	}

	n, err := pool.CopyFrom(ctx,
		pgx.Identifier{"slots"},
		[]string{"id", "provider_id", "starts_at", "status", "version"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy slots: %w", err)
	}

	log.Info("slots seeded", zap.Int64("count", n), zap.Int("days", slotDays))
	return nil
}
