package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultAMQPExchange = "gastro-chat.events"

type AMQPOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
	MaxDelay      time.Duration
	Logger        *slog.Logger
}

// AMQPTransport publishes to a fanout exchange. Each instance consumes
// through its own exclusive, auto-deleted queue.
type AMQPTransport struct {
	conn     *amqp.Connection
	exchange string
	log      *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

func NewAMQPTransport(ctx context.Context, opts AMQPOptions) (*AMQPTransport, error) {
	if opts.Exchange == "" {
		opts.Exchange = DefaultAMQPExchange
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, err := dialWithRetry(ctx, opts, amqp.Dial)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(opts.Exchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPTransport{conn: conn, exchange: opts.Exchange, log: opts.Logger, ch: ch}, nil
}

type dialFunc func(url string) (*amqp.Connection, error)

// dialWithRetry waits between attempts only, never after the last one.
func dialWithRetry(ctx context.Context, opts AMQPOptions, dial dialFunc) (*amqp.Connection, error) {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	wait := opts.Delay
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	ceiling := opts.MaxDelay
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := dial(opts.URL)
		if err == nil {
			if attempt > 1 {
				opts.Logger.Info("amqp connected", slog.Int("attempt", attempt))
			}
			return conn, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		opts.Logger.Warn("amqp dial failed",
			slog.Int("attempt", attempt),
			slog.Int("of", attempts),
			slog.Duration("retry_in", wait),
			slog.Any("error", err),
		)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, fmt.Errorf("amqp: dial abandoned: %w", err)
		}
		if wait *= 2; wait > ceiling || wait <= 0 {
			wait = ceiling
		}
	}
	return nil, fmt.Errorf("amqp: no connection after %d attempts: %w", attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (t *AMQPTransport) Publish(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch.PublishWithContext(ctx, t.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        payload,
	})
}

func (t *AMQPTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, "", t.exchange, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					t.log.Warn("amqp deliveries closed")
					return
				}
				select {
				case out <- d.Body:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *AMQPTransport) Close() error { return t.conn.Close() }
