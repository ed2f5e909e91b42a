package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Disposition — что сделать с сообщением после обработки.
type Disposition int

const (
	// Ack — обработано (в том числе retry/DLQ уже опубликованы).
	Ack Disposition = iota

	// Requeue — вернуть в очередь (shutdown).
	Requeue

	// Reject — отклонить без requeue, сообщение уйдёт в DLX очереди.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Delivery — доставленное сообщение.
type Delivery struct {
	Message Message
	Queue   Queue

	// Redelivered — сообщение уже доставлялось (предыдущий consumer упал).
	Redelivered bool
}

// Handler обрабатывает сообщение и решает его судьбу.
type Handler func(ctx context.Context, d *Delivery) Disposition

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Concurrency — число параллельных обработчиков (и prefetch).
	Concurrency int

	Logger *slog.Logger
}

// Consumer читает очередь N горутинами.
type Consumer struct {
	conn        *Connection
	logger      *slog.Logger
	queue       Queue
	handler     Handler
	concurrency int
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, cfg ConsumerConfig) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		conn:        conn,
		logger:      cfg.Logger.With("component", "consumer", "queue", cfg.Queue),
		queue:       cfg.Queue,
		handler:     cfg.Handler,
		concurrency: cfg.Concurrency,
	}
}

// Run потребляет сообщения до отмены ctx.
// Разрыв соединения переживается: consumer ждёт reconnect и начинает заново.
func (c *Consumer) Run(ctx context.Context) error {
	reconnected := c.conn.ReconnectNotify()

	for {
		if ctx.Err() != nil {
			return nil
		}

		ch, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "error", err)
		} else {
			c.logger.Info("consumer started", "concurrency", c.concurrency)
			c.process(ctx, deliveries)
			ch.Close()
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-reconnected:
		}
	}
}

func (c *Consumer) setupConsume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(c.queue), // queue
		"",              // consumer tag (auto-generated)
		false,           // auto-ack (мы ack вручную)
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return ch, deliveries, nil
}

// process раздаёт сообщения concurrency горутинам и ждёт их завершения.
func (c *Consumer) process(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for range c.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-deliveries:
					if !ok {
						return
					}
					c.handleDelivery(ctx, raw)
				}
			}
		}()
	}
	wg.Wait()
}

func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "message_id", raw.MessageId)
		// Некорректное сообщение — в DLX очереди.
		c.settle(raw, Reject)
		return
	}

	d := &Delivery{Message: msg, Queue: c.queue, Redelivered: raw.Redelivered}
	c.settle(raw, c.handler(ctx, d))
}

func (c *Consumer) settle(raw amqp.Delivery, disp Disposition) {
	var err error
	switch disp {
	case Ack:
		err = raw.Ack(false)
	case Requeue:
		err = raw.Nack(false, true)
	default:
		err = raw.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", "disposition", disp, "message_id", raw.MessageId, "error", err)
	}
}
