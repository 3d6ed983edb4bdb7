package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/booking"
	"github.com/hackgods/clinic-reservations/internal/metrics"
)

const (
	retryBufferSize  = 1_000
	retryMaxAttempts = 5
	enqueueTimeout   = 5 * time.Second
)

var (
	ErrRetryBufferFull = errors.New("notification retry buffer full")
	ErrSinkClosed      = errors.New("notification retry queue is shut down")
)

type retryItem struct {
	recipientID uuid.UUID
	message     string
	attempts    int
}

// RetryingSink writes to the outbox and, when that fails, keeps retrying in
// the background. Enqueue only fails once the retry buffer is full or the
// sink has been shut down. NotificationsEnqueued counts each message once, by
// final outcome.
type RetryingSink struct {
	sink    booking.NotificationSink
	log     *zap.Logger
	metrics *metrics.Collector

	// mu guards closed and the sends on items, so a late Enqueue never
	// races the close in Shutdown.
	mu     sync.RWMutex
	closed bool
	items  chan retryItem

	done    chan struct{}
	backoff func(attempts int) time.Duration
}

func NewRetryingSink(sink booking.NotificationSink, log *zap.Logger, m *metrics.Collector) *RetryingSink {
	s := &RetryingSink{
		sink:    sink,
		log:     log,
		metrics: m,
		items:   make(chan retryItem, retryBufferSize),
		done:    make(chan struct{}),
		backoff: Backoff,
	}
	go s.worker()
	return s
}

func (s *RetryingSink) Enqueue(ctx context.Context, recipientID uuid.UUID, message string) error {
	err := s.sink.Enqueue(ctx, recipientID, message)
	if err == nil {
		s.count("ok")
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.count("dropped")
		s.log.Error("outbox write failed after shutdown, notification dropped",
			zap.String("recipient_id", recipientID.String()),
			zap.Error(err),
		)
		return errors.Join(ErrSinkClosed, err)
	}

	s.log.Warn("outbox write failed, queued for retry",
		zap.String("recipient_id", recipientID.String()),
		zap.Error(err),
	)

	select {
	case s.items <- retryItem{recipientID: recipientID, message: message, attempts: 1}:
		return nil
	default:
		s.count("dropped")
		return errors.Join(ErrRetryBufferFull, err)
	}
}

// Shutdown stops accepting retries and waits for the queue to drain.
func (s *RetryingSink) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.items)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(timeout):
		s.log.Warn("notification retry queue shutdown timed out, some notifications may be lost")
	}
}

func (s *RetryingSink) worker() {
	defer close(s.done)
	for item := range s.items {
		s.retry(item)
	}
}

func (s *RetryingSink) retry(item retryItem) {
	for ; item.attempts < retryMaxAttempts; item.attempts++ {
		time.Sleep(s.backoff(item.attempts - 1))

		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		err := s.sink.Enqueue(ctx, item.recipientID, item.message)
		cancel()
		if err == nil {
			s.count("retried")
			return
		}
		s.log.Warn("notification retry failed",
			zap.String("recipient_id", item.recipientID.String()),
			zap.Int("attempt", item.attempts+1),
			zap.Error(err),
		)
	}

	s.count("dropped")
	s.log.Error("notification dropped after retries",
		zap.String("recipient_id", item.recipientID.String()),
		zap.String("message", item.message),
	)
}

func (s *RetryingSink) count(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.NotificationsEnqueued.WithLabelValues(result).Inc()
}
