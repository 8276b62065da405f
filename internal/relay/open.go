package relay

import (
	"context"
	"log/slog"
	"strings"
)

const (
	KindNone  = "none"
	KindRedis = "redis"
	KindAMQP  = "amqp"
)

type Settings struct {
	Kind          string
	RedisAddr     string
	RedisChannel  string
	AMQPURL       string
	AMQPExchange  string
	RetryAttempts int
}

// Open builds the transport named by s.Kind. A broker that cannot be reached
// degrades to Noop so the instance still serves its own subscribers.
func Open(ctx context.Context, s Settings, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(s.Kind) {
	case KindRedis:
		t, err := NewRedisTransport(ctx, s.RedisAddr, s.RedisChannel, logger)
		if err != nil {
			logger.Warn("redis relay unavailable, running single instance", slog.Any("error", err))
			return NewNoop(logger)
		}
		logger.Info("relay connected", slog.String("kind", KindRedis), slog.String("addr", s.RedisAddr))
		return t
	case KindAMQP:
		t, err := NewAMQPTransport(ctx, AMQPOptions{
			URL:           s.AMQPURL,
			Exchange:      s.AMQPExchange,
			RetryAttempts: s.RetryAttempts,
			Logger:        logger,
		})
		if err != nil {
			logger.Warn("amqp relay unavailable, running single instance", slog.Any("error", err))
			return NewNoop(logger)
		}
		logger.Info("relay connected", slog.String("kind", KindAMQP))
		return t
	default:
		return NewNoop(logger)
	}
}
