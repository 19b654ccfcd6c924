package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/metrics"
	"github.com/iliyamo/paylink/internal/model"
)

// ErrNotConfirmed is returned when the broker nacks a publish.
var ErrNotConfirmed = errors.New("queue: broker did not confirm message")

type sendFunc func(ctx context.Context, queue string, body []byte) error

// Publisher owns one broker connection for the process and opens a short
// lived channel in confirm mode per message, so a caller knows the broker
// has the message before it returns.
type Publisher struct {
	url     string
	metrics *metrics.Metrics

	mu   sync.Mutex
	conn *amqp.Connection
	send sendFunc
}

// NewPublisher dials the broker and declares the queues.
func NewPublisher(url string, m *metrics.Metrics) (*Publisher, error) {
	p := &Publisher{url: url, metrics: m}
	p.send = p.publishConfirmed
	if _, err := p.connection(); err != nil {
		return nil, err
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	for _, q := range []string{QueueEmail, QueueSMS, QueueTransactionCompleted} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("queue: declare %s: %w", q, err)
		}
	}
	return p, nil
}

// Close tears down the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}

func (p *Publisher) connection() (*amqp.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial broker: %w", err)
	}
	p.conn = conn
	return conn, nil
}

func (p *Publisher) publishConfirmed(ctx context.Context, queue string, body []byte) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("queue: confirm mode: %w", err)
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"",    // default exchange
		queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", queue, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("queue: await confirm %s: %w", queue, err)
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}

func (p *Publisher) publishJSON(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}
	if err := p.send(ctx, queue, body); err != nil {
		p.metrics.RecordPublish(queue, "error")
		log.Warn().Err(err).Str("component", "queue").Str("queue", queue).Msg("publish failed")
		return err
	}
	p.metrics.RecordPublish(queue, "ok")
	return nil
}

// PublishTransaction announces a recorded transaction.
func (p *Publisher) PublishTransaction(ctx context.Context, tx model.Transaction) error {
	return p.publishJSON(ctx, QueueTransactionCompleted, TransactionCompletedEvent{
		TransactionID: tx.ID,
		CustomerID:    tx.CustomerID,
		CardID:        tx.CardID,
		Kind:          tx.Kind,
		Amount:        tx.Amount,
		ExternalRef:   tx.ExternalRef,
		GatewayRef:    tx.GatewayRef,
		Destination:   tx.Destination,
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
	})
}

// Notifier hands notifications of one channel to the broker.  It satisfies
// the challenge engine's Deliverer.
type Notifier struct {
	p       *Publisher
	queue   string
	subject string
}

// SMS returns a Notifier for text messages.
func (p *Publisher) SMS() *Notifier { return &Notifier{p: p, queue: QueueSMS} }

// Email returns a Notifier for e-mails with the given subject.
func (p *Publisher) Email(subject string) *Notifier {
	return &Notifier{p: p, queue: QueueEmail, subject: subject}
}

// Deliver returns once the broker has confirmed the message.
func (n *Notifier) Deliver(ctx context.Context, destination, message string) error {
	return n.p.publishJSON(ctx, n.queue, Notification{
		To:        destination,
		Subject:   n.subject,
		Body:      message,
		CreatedAt: time.Now().UTC(),
	})
}
