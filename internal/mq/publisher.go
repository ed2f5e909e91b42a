package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Tradeflow/internal/domain"
)

// Message — сообщение job'а в очереди.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип job.
	Type domain.JobType `json:"type"`

	// JobID — id job record. Одинаков для всех попыток.
	JobID uuid.UUID `json:"job_id"`

	// Attempt — номер попытки, начиная с 1.
	Attempt int `json:"attempt"`

	// Payload — ссылки на сущности, без секретов.
	Payload json.RawMessage `json:"payload"`

	// Timestamp — время публикации.
	Timestamp time.Time `json:"timestamp"`
}

// ParsePayload разбирает payload сообщения в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	if len(msg.Payload) == 0 {
		return result, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}

// EnqueueOptions — параметры публикации job'а.
type EnqueueOptions struct {
	// Delay — отложить доставку (через delay-очередь).
	Delay time.Duration

	// Priority — 0..MaxPriority.
	Priority uint8

	// JobID — id job record.
	JobID uuid.UUID

	// Attempt — номер попытки; 0 означает 1.
	Attempt int
}

// Publisher публикует job'ы и события.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger.With("component", "publisher"),
	}
}

// Enqueue публикует job типа jobType и возвращает id сообщения.
func (p *Publisher) Enqueue(ctx context.Context, jobType domain.JobType, payload any, opts EnqueueOptions) (string, error) {
	queue, err := QueueFor(jobType)
	if err != nil {
		return "", err
	}

	msg, err := newMessage(jobType, payload, opts)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(jobType),
		Priority:     min(opts.Priority, MaxPriority),
		Body:         body,
	}

	err = p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if opts.Delay <= 0 {
			return ch.PublishWithContext(ctx, string(ExchangeJobs), string(queue), false, false, pub)
		}

		delayName, args := delayQueue(queue, opts.Delay)
		if _, err := ch.QueueDeclare(string(delayName), true, false, false, false, args); err != nil {
			return fmt.Errorf("declare delay queue %s: %w", delayName, err)
		}
		// Default exchange: routing key = имя очереди.
		return ch.PublishWithContext(ctx, "", string(delayName), false, false, pub)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s to %s: %w", jobType, queue, err)
	}

	p.logger.Debug("job enqueued",
		"queue", queue,
		"message_id", msg.ID,
		"job_id", msg.JobID,
		"type", jobType,
		"attempt", msg.Attempt,
		"delay", opts.Delay,
	)
	return msg.ID, nil
}

// DeadLetter публикует сообщение в DLQ с причиной и исходной очередью.
func (p *Publisher) DeadLetter(ctx context.Context, msg *Message, queue Queue, reason string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, string(ExchangeDLQ), routingKeyDLQ, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    time.Now(),
			Type:         string(msg.Type),
			Headers: amqp.Table{
				HeaderDLQReason:     reason,
				HeaderOriginalQueue: string(queue),
			},
			Body: body,
		})
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}

	p.logger.Warn("job dead-lettered",
		"queue", queue,
		"message_id", msg.ID,
		"job_id", msg.JobID,
		"type", msg.Type,
		"reason", reason,
	)
	return nil
}

// PublishEvent публикует событие в tradeflow.events.
func (p *Publisher) PublishEvent(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(ExchangeEvents), routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish event %s: %w", routingKey, err)
		}
		return nil
	})
}

func newMessage(jobType domain.JobType, payload any, opts EnqueueOptions) (*Message, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	attempt := opts.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	return &Message{
		ID:        uuid.NewString(),
		Type:      jobType,
		JobID:     opts.JobID,
		Attempt:   attempt,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
