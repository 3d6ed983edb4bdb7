package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-reservations/internal/booking"
)

var _ Outbox = (*PgOutbox)(nil)

// PgOutbox stores notifications in the notifications table.
type PgOutbox struct {
	pool *pgxpool.Pool
}

func NewPgOutbox(pool *pgxpool.Pool) *PgOutbox {
	return &PgOutbox{pool: pool}
}

func (o *PgOutbox) Enqueue(ctx context.Context, recipientID uuid.UUID, message string) error {
	_, err := o.pool.Exec(ctx, `
		INSERT INTO notifications (id, recipient_id, message, created_at, next_attempt_at)
		VALUES ($1, $2, $3, now(), now())
	`, uuid.New(), recipientID, message)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (o *PgOutbox) ListUnread(ctx context.Context, recipientID uuid.UUID) ([]booking.Notification, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, recipient_id, message, created_at
		FROM notifications
		WHERE recipient_id = $1
		  AND read_at IS NULL
		ORDER BY created_at DESC
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (booking.Notification, error) {
		var n booking.Notification
		err := row.Scan(&n.ID, &n.RecipientID, &n.Message, &n.CreatedAt)
		return n, err
	})
}

func (o *PgOutbox) MarkRead(ctx context.Context, id, recipientID uuid.UUID) error {
	tag, err := o.pool.Exec(ctx, `
		UPDATE notifications
		SET read_at = COALESCE(read_at, now())
		WHERE id = $1
		  AND recipient_id = $2
	`, id, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrNotificationNotFound
	}
	return nil
}

// Claim pushes next_attempt_at forward by lease for the rows it picks, so a
// relay that dies mid-batch only delays those records.
func (o *PgOutbox) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Pending, error) {
	rows, err := o.pool.Query(ctx, `
		UPDATE notifications
		SET next_attempt_at = $2
		WHERE id IN (
			SELECT id
			FROM notifications
			WHERE delivered_at IS NULL
			  AND NOT dead
			  AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient_id, message, created_at, attempts
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim notifications: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Pending, error) {
		var p Pending
		err := row.Scan(&p.ID, &p.RecipientID, &p.Message, &p.CreatedAt, &p.Attempts)
		return p, err
	})
}

func (o *PgOutbox) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := o.pool.Exec(ctx, `
		UPDATE notifications
		SET delivered_at = now(),
		    last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	return nil
}

func (o *PgOutbox) MarkFailed(ctx context.Context, id uuid.UUID, nextAttempt time.Time, dead bool, cause string) error {
	_, err := o.pool.Exec(ctx, `
		UPDATE notifications
		SET attempts = attempts + 1,
		    next_attempt_at = $2,
		    dead = $3,
		    last_error = $4
		WHERE id = $1
	`, id, nextAttempt, dead, cause)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

func (o *PgOutbox) Backlog(ctx context.Context) (int, error) {
	var n int
	err := o.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM notifications
		WHERE delivered_at IS NULL
		  AND NOT dead
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox backlog: %w", err)
	}
	return n, nil
}
