package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/metrics"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 10
	defaultLease       = time.Minute
	publishTimeout     = 5 * time.Second
)

type RelayConfig struct {
	BatchSize   int
	MaxAttempts int
	Lease       time.Duration
}

// Relay moves notifications from the outbox to a broker.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	log       *zap.Logger
	metrics   *metrics.Collector
	cfg       RelayConfig
	now       func() time.Time
}

func NewRelay(outbox Outbox, publisher Publisher, cfg RelayConfig, log *zap.Logger, m *metrics.Collector) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		log:       log,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run calls RunOnce every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	r.log.Info("outbox relay started",
		zap.Duration("interval", interval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopping")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("outbox relay run failed", zap.Error(err))
			}
		}
	}
}

// RunOnce publishes one batch and returns how many records were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	start := r.now()

	batch, err := r.outbox.Claim(ctx, start, r.cfg.Lease, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		r.observeBacklog(ctx)
		return 0, nil
	}

	var delivered int
	for _, p := range batch {
		if ctx.Err() != nil {
			break
		}
		if r.deliver(ctx, p) {
			delivered++
		}
	}

	r.observeBacklog(ctx)

	r.log.Debug("outbox relay run",
		zap.Int("claimed", len(batch)),
		zap.Int("delivered", delivered),
		zap.Duration("took", time.Since(start)),
	)
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, p Pending) bool {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	err := r.publisher.Publish(pubCtx, p.Notification)
	cancel()

	if err == nil {
		if err := r.outbox.MarkDelivered(ctx, p.ID); err != nil {
			// The record will be published again after the lease.
			r.log.Warn("mark delivered failed", zap.String("notification_id", p.ID.String()), zap.Error(err))
		}
		r.count("ok")
		return true
	}

	attempts := p.Attempts + 1
	dead := attempts >= r.cfg.MaxAttempts
	next := r.now().Add(Backoff(attempts))

	if dead {
		r.count("dead")
		r.log.Error("notification is dead, replay manually",
			zap.String("notification_id", p.ID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	} else {
		r.count("failed")
		r.log.Warn("notification publish failed",
			zap.String("notification_id", p.ID.String()),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt", next),
			zap.Error(err),
		)
	}

	if err := r.outbox.MarkFailed(ctx, p.ID, next, dead, err.Error()); err != nil {
		r.log.Warn("record publish failure", zap.String("notification_id", p.ID.String()), zap.Error(err))
	}
	return false
}

func (r *Relay) observeBacklog(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	n, err := r.outbox.Backlog(ctx)
	if err != nil {
		r.log.Warn("count outbox backlog failed", zap.Error(err))
		return
	}
	r.metrics.OutboxPending.Set(float64(n))
}

func (r *Relay) count(result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.OutboxPublished.WithLabelValues(result).Inc()
}
