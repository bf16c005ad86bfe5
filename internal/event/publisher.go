package event

import (
	"context"
	"crop-ledger/internal/models"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

const LedgerEventsQueue string = "ledger_events"

// DefaultMaxBacklog bounds the events held back while the broker is down.
const DefaultMaxBacklog = 10000

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// LedgerEventPublisher forwards committed ledger events to RabbitMQ. It is
// registered on the host as an event sink.
//
// Events that could not be sent stay in an ordered backlog and go out ahead
// of the next batch, so consumers see every event in commit order once the
// broker is reachable again. When the backlog is full the oldest events are
// dropped and counted.
type LedgerEventPublisher struct {
	channel Channel

	sendMu         sync.Mutex
	backlog        []models.Event
	maxBacklog     int
	declared       bool
	declareRetries uint64
	declareBackoff time.Duration

	mu                sync.Mutex
	messagesPublished int64
	messagesFailed    int64
	messagesDropped   int64
	lastPublishTime   time.Time
}

func NewLedgerEventPublisher(channel Channel) *LedgerEventPublisher {
	return &LedgerEventPublisher{
		channel:         channel,
		maxBacklog:      DefaultMaxBacklog,
		declareRetries:  3,
		declareBackoff:  100 * time.Millisecond,
		lastPublishTime: time.Now(),
	}
}

// Publish queues events behind any backlog and sends the backlog in order.
// It stops at the first failure and keeps the unsent remainder.
func (p *LedgerEventPublisher) Publish(ctx context.Context, events []models.Event) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.backlog = append(p.backlog, events...)
	if over := len(p.backlog) - p.maxBacklog; over > 0 {
		slog.Error("Ledger event backlog full, dropping oldest events", "dropped", over)
		p.backlog = append([]models.Event(nil), p.backlog[over:]...)
		p.mu.Lock()
		p.messagesDropped += int64(over)
		p.mu.Unlock()
	}

	if err := p.ensureQueue(ctx); err != nil {
		p.recordFailure(len(p.backlog))
		return err
	}

	for len(p.backlog) > 0 {
		ev := p.backlog[0]
		body, err := json.Marshal(ev)
		if err != nil {
			// Retrying cannot fix an event that does not encode.
			slog.Error("Dropping unencodable ledger event", "event", ev.Name, "error", err)
			p.pop()
			p.mu.Lock()
			p.messagesDropped++
			p.mu.Unlock()
			continue
		}
		if err := p.send(ctx, ev, body); err != nil {
			p.recordFailure(len(p.backlog))
			return err
		}
		p.pop()

		p.mu.Lock()
		p.messagesPublished++
		p.lastPublishTime = time.Now()
		p.mu.Unlock()

		slog.Debug("Ledger event published", "queue", LedgerEventsQueue, "event", ev.Name, "contract", ev.Contract.Hex())
	}
	p.backlog = nil
	return nil
}

func (p *LedgerEventPublisher) pop() {
	p.backlog[0] = models.Event{}
	p.backlog = p.backlog[1:]
}

func (p *LedgerEventPublisher) send(ctx context.Context, ev models.Event, body []byte) error {
	err := p.channel.PublishWithContext(
		ctx,
		"",                // exchange
		LedgerEventsQueue, // routing key (queue name)
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    ev.ID.String(),
			Type:         string(ev.Name),
			Body:         body,
			Timestamp:    ev.EmittedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish ledger event %s: %w", ev.Name, err)
	}
	return nil
}

// ensureQueue declares the queue once it succeeds. Failures are retried with
// backoff here and again on the next Publish.
func (p *LedgerEventPublisher) ensureQueue(ctx context.Context) error {
	if p.declared {
		return nil
	}

	backoff, err := newBackoff(p.declareBackoff, 2*time.Second, p.declareRetries)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, backoff, func(context.Context) error {
		if err := DeclareLedgerQueue(p.channel); err != nil {
			slog.Warn("Ledger queue declare failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.declared = true
	return nil
}

func (p *LedgerEventPublisher) recordFailure(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messagesFailed += int64(n)
}

// Stats returns publisher counters.
func (p *LedgerEventPublisher) Stats() map[string]interface{} {
	p.sendMu.Lock()
	pending := len(p.backlog)
	p.sendMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"messages_published": p.messagesPublished,
		"messages_failed":    p.messagesFailed,
		"messages_dropped":   p.messagesDropped,
		"messages_pending":   pending,
		"last_publish_time":  p.lastPublishTime,
	}
}
