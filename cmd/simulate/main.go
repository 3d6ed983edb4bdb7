package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-reservations/internal/api"
	"github.com/hackgods/clinic-reservations/internal/config"
	"github.com/hackgods/clinic-reservations/internal/db"
	"github.com/hackgods/clinic-reservations/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	CreateRatio  float64
	ModifyRatio  float64
	CancelRatio  float64
	PatientLimit int
	SlotLimit    int
}

type slotRef struct {
	ID          uuid.UUID
	ProviderID  uuid.UUID
	SpecialtyID uuid.UUID
}

type DataPool struct {
	Patients []uuid.UUID
	Slots    []slotRef
	// bySpecialty indexes Slots so modifies stay within one specialty.
	bySpecialty map[uuid.UUID][]slotRef

	mu           sync.RWMutex
	reservations []uuid.UUID
}

func (dp *DataPool) AddReservation(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.reservations = append(dp.reservations, id)
}

func (dp *DataPool) RandomReservation(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.reservations) == 0 {
		return uuid.Nil, false
	}
	return dp.reservations[rng.IntN(len(dp.reservations))], true
}

type OperationMetrics struct {
	Total     atomic.Int64
	Success   atomic.Int64
	Conflict  atomic.Int64
	Error     atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	om.Total.Add(1)
	switch {
	case status >= 200 && status < 300:
		om.Success.Add(1)
	case status == http.StatusConflict:
		om.Conflict.Add(1)
	default:
		om.Error.Add(1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Percentiles() (p50, p95, peak time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0
	}
	slices.Sort(latencies)

	at := func(pct int) time.Duration {
		return latencies[min(len(latencies)*pct/100, len(latencies)-1)]
	}
	return at(50), at(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Create   OperationMetrics
	Modify   OperationMetrics
	Cancel   OperationMetrics
	ListFree OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *zap.Logger
	caller  uuid.UUID
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(baseCfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig()
	if cfg.Workers <= 0 || cfg.Duration <= 0 {
		log.Fatal("SIM_WORKERS and SIM_DURATION must be > 0")
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("create", cfg.CreateRatio),
		zap.Float64("modify", cfg.ModifyRatio),
		zap.Float64("cancel", cfg.CancelRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	log.Info("data pool loaded", zap.Int("patients", len(dataPool.Patients)), zap.Int("slots", len(dataPool.Slots)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		caller: uuid.New(),
	}

	sim.Run()
	sim.PrintReport()

	auditCtx, cancelAudit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelAudit()
	if err := audit(auditCtx, pgPool); err != nil {
		log.Error("consistency audit failed", zap.Error(err))
		os.Exit(2)
	}
	log.Info("consistency audit passed: no slot is double booked")
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		CreateRatio:  getFloat("SIM_CREATE_RATIO", 0.5),
		ModifyRatio:  getFloat("SIM_MODIFY_RATIO", 0.2),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 400),
	}

	// Whatever is left after the three ratios goes to free slot listings.
	total := cfg.CreateRatio + cfg.ModifyRatio + cfg.CancelRatio
	if total > 1 {
		cfg.CreateRatio /= total
		cfg.ModifyRatio /= total
		cfg.CancelRatio /= total
	}

	return cfg
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{bySpecialty: make(map[uuid.UUID][]slotRef)}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	// A small slot pool keeps contention high.
	rows, err = pool.Query(ctx, `
		SELECT s.id, s.provider_id, p.specialty_id
		FROM slots s
		JOIN providers p ON p.id = s.provider_id
		WHERE s.status = 'free' AND s.starts_at > now()
		ORDER BY s.starts_at
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s slotRef
		if err := rows.Scan(&s.ID, &s.ProviderID, &s.SpecialtyID); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
		dataPool.bySpecialty[s.SpecialtyID] = append(dataPool.bySpecialty[s.SpecialtyID], s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no free slots loaded, run cmd/seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := range s.config.Workers {
		g.Go(func() error {
			s.worker(ctx, i)
			return nil
		})
	}

	_ = g.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.CreateRatio:
			s.doCreate(ctx, rng)
		case r < s.config.CreateRatio+s.config.ModifyRatio:
			s.doModify(ctx, rng)
		case r < s.config.CreateRatio+s.config.ModifyRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			s.doListFree(ctx, rng)
		}
	}
}

// call sends one request as a reception user and returns the status code, or
// 0 on transport errors.
func (s *Simulator) call(ctx context.Context, method, path string, body any, out any) int {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderUserID, s.caller.String())
	req.Header.Set(api.HeaderUserRole, "reception")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

func (s *Simulator) doCreate(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.IntN(len(s.pool.Slots))]
	patient := s.pool.Patients[rng.IntN(len(s.pool.Patients))]

	var created api.ReservationResponse
	start := time.Now()
	status := s.call(ctx, http.MethodPost, "/reservations", api.CreateReservationRequest{
		PatientID:   patient.String(),
		SlotID:      slot.ID.String(),
		ProviderID:  slot.ProviderID.String(),
		SpecialtyID: slot.SpecialtyID.String(),
		Reason:      "load test",
	}, &created)
	s.record(ctx, &s.metrics.Create, time.Since(start), status)

	if status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddReservation(created.ID)
	}
}

func (s *Simulator) doModify(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomReservation(rng)
	if !ok {
		return
	}

	var current api.ReservationResponse
	if s.call(ctx, http.MethodGet, "/reservations/"+id.String(), nil, &current) != http.StatusOK || !current.Active {
		return
	}
	candidates := s.pool.bySpecialty[current.SpecialtyID]
	if len(candidates) == 0 {
		return
	}
	target := candidates[rng.IntN(len(candidates))]

	start := time.Now()
	status := s.call(ctx, http.MethodPut, "/reservations/"+id.String(), api.ModifyReservationRequest{
		SlotID: target.ID.String(),
	}, nil)
	s.record(ctx, &s.metrics.Modify, time.Since(start), status)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomReservation(rng)
	if !ok {
		return
	}

	start := time.Now()
	status := s.call(ctx, http.MethodPost, "/reservations/"+id.String()+"/cancel", nil, nil)
	s.record(ctx, &s.metrics.Cancel, time.Since(start), status)
}

func (s *Simulator) doListFree(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.IntN(len(s.pool.Slots))]

	start := time.Now()
	status := s.call(ctx, http.MethodGet, "/providers/"+slot.ProviderID.String()+"/slots?limit=20", nil, nil)
	s.record(ctx, &s.metrics.ListFree, time.Since(start), status)
}

// record skips requests cut short by the end of the run.
func (s *Simulator) record(ctx context.Context, om *OperationMetrics, latency time.Duration, status int) {
	if status == 0 && ctx.Err() != nil {
		return
	}
	om.Record(latency, status)
}

// audit checks the booking invariant directly in the database.
func audit(ctx context.Context, pool *pgxpool.Pool) error {
	var doubled, orphanOccupied, activeOnFree int

	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT slot_id FROM reservations WHERE active GROUP BY slot_id HAVING count(*) > 1
		) d
	`).Scan(&doubled)
	if err != nil {
		return err
	}

	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM slots s
		WHERE s.status = 'occupied'
		  AND NOT EXISTS (SELECT 1 FROM reservations r WHERE r.slot_id = s.id AND r.active)
	`).Scan(&orphanOccupied)
	if err != nil {
		return err
	}

	err = pool.QueryRow(ctx, `
		SELECT count(*) FROM reservations r
		JOIN slots s ON s.id = r.slot_id
		WHERE r.active AND s.status <> 'occupied'
	`).Scan(&activeOnFree)
	if err != nil {
		return err
	}

	fmt.Printf("Audit: double booked=%d occupied without reservation=%d active on free slot=%d\n",
		doubled, orphanOccupied, activeOnFree)

	if doubled > 0 || activeOnFree > 0 {
		return fmt.Errorf("%d double booked slots, %d active reservations on free slots", doubled, activeOnFree)
	}
	// Occupied slots without a holder are leaks from failed compensations,
	// not double bookings; they are reported above for reconciliation.
	return nil
}

func (s *Simulator) PrintReport() {
	line := strings.Repeat("=", 80)
	fmt.Println("\n" + line)
	fmt.Println("SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	printOperationReport("Create", &s.metrics.Create)
	printOperationReport("Modify", &s.metrics.Modify)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List free slots", &s.metrics.ListFree)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := om.Total.Load()
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	success, conflict, failed := om.Success.Load(), om.Conflict.Load(), om.Error.Load()
	p50, p95, peak := om.Percentiles()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Printf("  Latency: p50=%s p95=%s max=%s\n\n",
		p50.Round(time.Millisecond), p95.Round(time.Millisecond), peak.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
