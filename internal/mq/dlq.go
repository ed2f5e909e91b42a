package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetter — сообщение из dlq.jobs.
type DeadLetter struct {
	// Message — исходное сообщение. Nil, если тело не разбирается.
	Message *Message

	Reason        string
	OriginalQueue Queue
	DeadAt        time.Time
}

// DLQ — операции оператора над dead-letter очередью.
type DLQ struct {
	conn   *Connection
	pub    *Publisher
	logger *slog.Logger
}

// NewDLQ создаёт DLQ.
func NewDLQ(conn *Connection, pub *Publisher, logger *slog.Logger) *DLQ {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQ{conn: conn, pub: pub, logger: logger.With("component", "dlq")}
}

// List возвращает до limit сообщений, не удаляя их из очереди.
func (q *DLQ) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.scan(ctx, limit, func(dl DeadLetter) bool {
		out = append(out, dl)
		return false
	})
	return out, err
}

// Replay переиздаёт в исходные очереди сообщения, для которых match
// вернул true (не более limit просмотренных), и удаляет их из DLQ.
// Попытка сбрасывается в 1.
func (q *DLQ) Replay(ctx context.Context, limit int, match func(DeadLetter) bool) ([]DeadLetter, error) {
	var replayed []DeadLetter
	err := q.scan(ctx, limit, func(dl DeadLetter) bool {
		if dl.Message == nil || !match(dl) {
			return false
		}
		_, err := q.pub.Enqueue(ctx, dl.Message.Type, dl.Message.Payload, EnqueueOptions{
			JobID:   dl.Message.JobID,
			Attempt: 1,
		})
		if err != nil {
			q.logger.Error("replay failed", "message_id", dl.Message.ID, "error", err)
			return false
		}
		q.logger.Info("job replayed",
			"job_id", dl.Message.JobID,
			"type", dl.Message.Type,
			"queue", dl.OriginalQueue,
		)
		replayed = append(replayed, dl)
		return true
	})
	return replayed, err
}

// scan забирает до limit сообщений через basic.get на отдельном канале.
// Сообщения, для которых fn вернул true, подтверждаются; остальные
// возвращаются в очередь при закрытии канала.
func (q *DLQ) scan(ctx context.Context, limit int, fn func(DeadLetter) bool) error {
	if limit <= 0 {
		limit = 100
	}

	ch, err := q.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	var pending []amqp.Delivery
	defer func() {
		for _, d := range pending {
			d.Nack(false, true)
		}
	}()

	for range limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok, err := ch.Get(string(QueueDLQ), false)
		if err != nil {
			return fmt.Errorf("get from %s: %w", QueueDLQ, err)
		}
		if !ok {
			return nil
		}

		if fn(parseDeadLetter(d)) {
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack dead letter: %w", err)
			}
			continue
		}
		pending = append(pending, d)
	}
	return nil
}

// parseDeadLetter разбирает сообщение DLQ.
// Для сообщений, попавших в DLQ через DLX очереди, причина и исходная
// очередь берутся из x-death.
func parseDeadLetter(d amqp.Delivery) DeadLetter {
	dl := DeadLetter{DeadAt: d.Timestamp}

	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err == nil {
		dl.Message = &msg
	}

	if reason, ok := d.Headers[HeaderDLQReason].(string); ok {
		dl.Reason = reason
	}
	if queue, ok := d.Headers[HeaderOriginalQueue].(string); ok {
		dl.OriginalQueue = Queue(queue)
	}

	if deaths, ok := d.Headers["x-death"].([]any); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			if dl.OriginalQueue == "" {
				if queue, ok := death["queue"].(string); ok {
					dl.OriginalQueue = Queue(queue)
				}
			}
			if dl.Reason == "" {
				if reason, ok := death["reason"].(string); ok {
					dl.Reason = reason
				}
			}
			if t, ok := death["time"].(time.Time); ok && dl.DeadAt.IsZero() {
				dl.DeadAt = t
			}
		}
	}

	if dl.Message == nil && dl.Reason == "" {
		dl.Reason = "malformed message"
	}
	return dl
}
