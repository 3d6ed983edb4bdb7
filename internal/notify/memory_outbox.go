package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-reservations/internal/booking"
)

var _ Outbox = (*MemoryOutbox)(nil)

type memoryRecord struct {
	booking.Notification
	attempts    int
	nextAttempt time.Time
	delivered   bool
	dead        bool
	lastError   string
}

// MemoryOutbox is an in-process Outbox for tests and dry runs.
type MemoryOutbox struct {
	mu      sync.Mutex
	records []*memoryRecord
	now     func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{now: time.Now}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, recipientID uuid.UUID, message string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	o.records = append(o.records, &memoryRecord{
		Notification: booking.Notification{
			ID:          uuid.New(),
			RecipientID: recipientID,
			Message:     message,
			CreatedAt:   now,
		},
		nextAttempt: now,
	})
	return nil
}

func (o *MemoryOutbox) ListUnread(_ context.Context, recipientID uuid.UUID) ([]booking.Notification, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []booking.Notification
	for _, r := range o.records {
		if r.RecipientID == recipientID && !r.Read {
			out = append(out, r.Notification)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (o *MemoryOutbox) MarkRead(_ context.Context, id, recipientID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.find(id)
	if r == nil || r.RecipientID != recipientID {
		return booking.ErrNotificationNotFound
	}
	r.Read = true
	return nil
}

func (o *MemoryOutbox) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Pending, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Pending
	for _, r := range o.records {
		if len(out) == limit {
			break
		}
		if r.delivered || r.dead || r.nextAttempt.After(now) {
			continue
		}
		r.nextAttempt = now.Add(lease)
		out = append(out, Pending{Notification: r.Notification, Attempts: r.attempts})
	}
	return out, nil
}

func (o *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.find(id)
	if r == nil {
		return booking.ErrNotificationNotFound
	}
	r.delivered = true
	return nil
}

func (o *MemoryOutbox) MarkFailed(_ context.Context, id uuid.UUID, nextAttempt time.Time, dead bool, cause string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := o.find(id)
	if r == nil {
		return booking.ErrNotificationNotFound
	}
	r.attempts++
	r.nextAttempt = nextAttempt
	r.dead = dead
	r.lastError = cause
	return nil
}

func (o *MemoryOutbox) Backlog(_ context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var n int
	for _, r := range o.records {
		if !r.delivered && !r.dead {
			n++
		}
	}
	return n, nil
}

// Undelivered counts records not yet delivered, dead ones included.
func (o *MemoryOutbox) Undelivered() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var n int
	for _, r := range o.records {
		if !r.delivered {
			n++
		}
	}
	return n
}

func (o *MemoryOutbox) find(id uuid.UUID) *memoryRecord {
	for _, r := range o.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}
