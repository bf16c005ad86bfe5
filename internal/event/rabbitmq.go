package event

import (
	"context"
	"crop-ledger/internal/config"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

// RabbitMQConnection is the broker session the ledger publishes on.
type RabbitMQConnection struct {
	Connection *amqp.Connection
	Channel    *amqp.Channel
}

// ConnectRabbitMQ dials the broker with exponential backoff for at most
// maxRetries retries, then declares the ledger events queue on the channel.
func ConnectRabbitMQ(ctx context.Context, cfg config.RabbitMQConfig, maxRetries uint64) (*RabbitMQConnection, error) {
	backoff, err := newBackoff(500*time.Millisecond, 10*time.Second, maxRetries)
	if err != nil {
		return nil, err
	}

	var conn *RabbitMQConnection
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		c, err := dial(cfg)
		if err != nil {
			slog.Warn("RabbitMQ connection failed, retrying", "host", cfg.Host, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempt, err)
	}

	if err := DeclareLedgerQueue(conn.Channel); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("Connected to RabbitMQ", "host", cfg.Host, "port", cfg.Port, "queue", LedgerEventsQueue)
	return conn, nil
}

func dial(cfg config.RabbitMQConfig) (*RabbitMQConnection, error) {
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &RabbitMQConnection{Connection: conn, Channel: ch}, nil
}

// DeclareLedgerQueue declares the durable queue committed events go to.
func DeclareLedgerQueue(ch Channel) error {
	_, err := ch.QueueDeclare(
		LedgerEventsQueue, // queue name
		true,              // durable
		false,             // delete when unused
		false,             // exclusive
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", LedgerEventsQueue, err)
	}
	return nil
}

func newBackoff(base, maxDelay time.Duration, maxRetries uint64) (retry.Backoff, error) {
	backoff, err := retry.NewExponential(base)
	if err != nil {
		return nil, fmt.Errorf("failed to create backoff: %w", err)
	}
	return retry.WithMaxRetries(maxRetries, retry.WithCappedDuration(maxDelay, backoff)), nil
}

// Close closes the channel and the connection, reporting both failures.
func (r *RabbitMQConnection) Close() error {
	var errs *multierror.Error
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = multierror.Append(errs, fmt.Errorf("failed to close RabbitMQ channel: %w", err))
		}
	}
	if r.Connection != nil {
		if err := r.Connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = multierror.Append(errs, fmt.Errorf("failed to close RabbitMQ connection: %w", err))
		}
	}
	slog.Info("RabbitMQ connection closed")
	return errs.ErrorOrNil()
}
