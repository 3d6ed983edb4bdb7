package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-reservations/internal/booking"
)

const (
	baseBackoff = time.Second
	maxBackoff  = 10 * time.Minute
)

// Pending is an undelivered notification claimed by a relay.
type Pending struct {
	booking.Notification
	Attempts int
}

// Outbox is the durable notification log. Producers append through Enqueue,
// recipients read it as an inbox, and the relay drains it towards a broker.
// Delivery state and read state are independent.
type Outbox interface {
	booking.NotificationSink
	booking.NotificationInbox

	// Claim returns up to limit records due at now and hides them from other
	// claimers for lease.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Pending, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	// MarkFailed records a failed attempt. A dead record is never claimed
	// again.
	MarkFailed(ctx context.Context, id uuid.UUID, nextAttempt time.Time, dead bool, cause string) error
	// Backlog counts records still waiting for delivery. Dead records are
	// not part of it.
	Backlog(ctx context.Context) (int, error)
}

// Backoff returns the delay before the next attempt after attempts failures:
// one second doubled per failure, capped at ten minutes.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return baseBackoff
	}
	if attempts >= 10 {
		return maxBackoff
	}
	d := baseBackoff << attempts
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
