package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hackgods/clinic-reservations/internal/booking"
	"github.com/hackgods/clinic-reservations/internal/metrics"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, n booking.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

var errBrokerDown = errors.New("broker down")

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 8*time.Second, Backoff(3))
	assert.Equal(t, 512*time.Second, Backoff(9))
	assert.Equal(t, 10*time.Minute, Backoff(10))
	assert.Equal(t, 10*time.Minute, Backoff(50))
}

func TestRelay_RunOnce(t *testing.T) {
	ctx := context.Background()
	recipient := uuid.New()

	t.Run("publishes and marks delivered", func(t *testing.T) {
		outbox := NewMemoryOutbox()
		require.NoError(t, outbox.Enqueue(ctx, recipient, "first"))
		require.NoError(t, outbox.Enqueue(ctx, recipient, "second"))

		pub := new(MockPublisher)
		pub.On("Publish", mock.Anything, mock.MatchedBy(func(n booking.Notification) bool {
			return n.RecipientID == recipient
		})).Return(nil).Twice()

		collector := metrics.NewCollector(prometheus.NewRegistry())
		relay := NewRelay(outbox, pub, RelayConfig{}, zaptest.NewLogger(t), collector)

		delivered, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, delivered)
		assert.Zero(t, outbox.Undelivered())
		assert.Equal(t, 2.0, testutil.ToFloat64(collector.OutboxPublished.WithLabelValues("ok")))
		pub.AssertExpectations(t)

		delivered, err = relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
	})

	t.Run("failure is rescheduled with backoff", func(t *testing.T) {
		outbox := NewMemoryOutbox()
		require.NoError(t, outbox.Enqueue(ctx, recipient, "hello"))

		pub := new(MockPublisher)
		pub.On("Publish", mock.Anything, mock.Anything).Return(errBrokerDown).Once()

		now := time.Now()
		relay := NewRelay(outbox, pub, RelayConfig{MaxAttempts: 3}, zaptest.NewLogger(t), nil)
		relay.now = func() time.Time { return now }

		delivered, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)

		rec := outbox.records[0]
		assert.Equal(t, 1, rec.attempts)
		assert.Equal(t, now.Add(2*time.Second), rec.nextAttempt)
		assert.False(t, rec.dead)
		assert.Equal(t, errBrokerDown.Error(), rec.lastError)

		// Not due yet.
		delivered, err = relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
		pub.AssertNumberOfCalls(t, "Publish", 1)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		outbox := NewMemoryOutbox()
		require.NoError(t, outbox.Enqueue(ctx, recipient, "hello"))

		pub := new(MockPublisher)
		pub.On("Publish", mock.Anything, mock.Anything).Return(errBrokerDown)

		now := time.Now()
		relay := NewRelay(outbox, pub, RelayConfig{MaxAttempts: 2}, zaptest.NewLogger(t), nil)

		for range 2 {
			relay.now = func() time.Time { return now }
			_, err := relay.RunOnce(ctx)
			require.NoError(t, err)
			now = now.Add(time.Hour)
		}

		rec := outbox.records[0]
		assert.True(t, rec.dead)
		assert.Equal(t, 2, rec.attempts)

		relay.now = func() time.Time { return now.Add(time.Hour) }
		_, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		pub.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("pending gauge tracks the backlog", func(t *testing.T) {
		outbox := NewMemoryOutbox()
		for range 3 {
			require.NoError(t, outbox.Enqueue(ctx, recipient, "hello"))
		}

		pub := new(MockPublisher)
		pub.On("Publish", mock.Anything, mock.Anything).Return(errBrokerDown)

		collector := metrics.NewCollector(prometheus.NewRegistry())
		now := time.Now()
		relay := NewRelay(outbox, pub, RelayConfig{BatchSize: 1, MaxAttempts: 1}, zaptest.NewLogger(t), collector)
		relay.now = func() time.Time { return now }

		// One record claimed and marked dead, two still waiting.
		_, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2.0, testutil.ToFloat64(collector.OutboxPending))

		backlog, err := outbox.Backlog(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, backlog)
		assert.Equal(t, 3, outbox.Undelivered())
	})

	t.Run("claimed records are leased", func(t *testing.T) {
		outbox := NewMemoryOutbox()
		require.NoError(t, outbox.Enqueue(ctx, recipient, "hello"))

		now := time.Now()
		first, err := outbox.Claim(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := outbox.Claim(ctx, now.Add(time.Second), time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, second)

		third, err := outbox.Claim(ctx, now.Add(2*time.Minute), time.Minute, 10)
		require.NoError(t, err)
		assert.Len(t, third, 1)
	})
}

func TestMemoryOutbox_Inbox(t *testing.T) {
	ctx := context.Background()
	outbox := NewMemoryOutbox()
	alice, bob := uuid.New(), uuid.New()

	require.NoError(t, outbox.Enqueue(ctx, alice, "for alice"))
	require.NoError(t, outbox.Enqueue(ctx, bob, "for bob"))

	unread, err := outbox.ListUnread(ctx, alice)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "for alice", unread[0].Message)

	err = outbox.MarkRead(ctx, unread[0].ID, bob)
	require.ErrorIs(t, err, booking.ErrNotificationNotFound)

	require.NoError(t, outbox.MarkRead(ctx, unread[0].ID, alice))
	unread, err = outbox.ListUnread(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, unread)

	// Reading does not deliver.
	assert.Equal(t, 2, outbox.Undelivered())
}

func TestBreakerPublisher(t *testing.T) {
	ctx := context.Background()
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errBrokerDown)

	breaker := NewBreakerPublisher(pub, zaptest.NewLogger(t))
	n := booking.Notification{ID: uuid.New(), RecipientID: uuid.New(), Message: "hello"}

	for range 5 {
		require.ErrorIs(t, breaker.Publish(ctx, n), errBrokerDown)
	}
	assert.Equal(t, gobreaker.StateOpen, breaker.State())

	err := breaker.Publish(ctx, n)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	pub.AssertNumberOfCalls(t, "Publish", 5)
}

func TestRoutingNames(t *testing.T) {
	recipient := uuid.MustParse("7b0c1d7e-8a55-4a39-9d55-0f3c2f1f5b10")
	n := booking.Notification{RecipientID: recipient}

	assert.Equal(t, "notifications:7b0c1d7e-8a55-4a39-9d55-0f3c2f1f5b10", RedisChannel(n))
	assert.Equal(t, "notification.7b0c1d7e-8a55-4a39-9d55-0f3c2f1f5b10", RoutingKey(n))
}
