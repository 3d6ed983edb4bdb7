package notify

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-reservations/internal/config"
)

// NewPublisher builds the configured broker publisher behind a circuit
// breaker. The returned close func releases broker connections it opened.
func NewPublisher(cfg config.NotifyConfig, rdb *redis.Client, log *zap.Logger) (Publisher, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Transport {
	case config.TransportRedis:
		if rdb == nil {
			return nil, noop, fmt.Errorf("redis transport needs a redis client")
		}
		return NewBreakerPublisher(NewRedisPublisher(rdb), log), noop, nil
	case config.TransportAMQP:
		pub, err := NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, noop, err
		}
		return NewBreakerPublisher(pub, log), pub.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown notification transport %q", cfg.Transport)
	}
}
