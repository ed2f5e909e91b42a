package mq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Tradeflow/internal/domain"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// Exchanges.
const (
	ExchangeJobs   Exchange = "tradeflow.jobs"
	ExchangeDLQ    Exchange = "tradeflow.dlq"
	ExchangeEvents Exchange = "tradeflow.events"
)

// Очереди job'ов.
const (
	QueueDiscovery Queue = "jobs.discovery"
	QueueTrade     Queue = "jobs.trade"
	QueueSweep     Queue = "jobs.sweep"
	QueueNotify    Queue = "jobs.notify"
	QueueStatus    Queue = "jobs.status"

	// QueueDLQ — dead-letter очередь всех job'ов.
	QueueDLQ Queue = "dlq.jobs"
)

// routingKeyDLQ — routing key в ExchangeDLQ.
const routingKeyDLQ = "jobs"

// MaxPriority — максимальный приоритет сообщения (x-max-priority).
const MaxPriority = 10

// Заголовки dead-letter сообщений.
const (
	HeaderDLQReason     = "x-dlq-reason"
	HeaderOriginalQueue = "x-original-queue"
)

// JobQueues — все рабочие очереди.
var JobQueues = []Queue{QueueDiscovery, QueueTrade, QueueSweep, QueueNotify, QueueStatus}

// QueueFor возвращает очередь для типа job.
func QueueFor(t domain.JobType) (Queue, error) {
	switch t {
	case domain.JobTypePoolDiscover:
		return QueueDiscovery, nil
	case domain.JobTypeTradeBuy, domain.JobTypeTradeSell:
		return QueueTrade, nil
	case domain.JobTypeFundsSweep:
		return QueueSweep, nil
	case domain.JobTypeNotify:
		return QueueNotify, nil
	case domain.JobTypeStatusAggregate:
		return QueueStatus, nil
	default:
		return "", fmt.Errorf("unknown job type %q", t)
	}
}

// SetupTopology объявляет exchanges, очереди и bindings. Идемпотентно.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeJobs, amqp.ExchangeDirect},
		{ExchangeDLQ, amqp.ExchangeDirect},
		{ExchangeEvents, amqp.ExchangeTopic},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

// jobQueueArgs — аргументы рабочей очереди: приоритеты и DLX для
// сообщений, отклонённых без requeue (например, некорректный JSON).
func jobQueueArgs() amqp.Table {
	return amqp.Table{
		"x-max-priority":            int32(MaxPriority),
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": routingKeyDLQ,
	}
}

func declareQueues(ch *amqp.Channel) error {
	for _, q := range JobQueues {
		if _, err := ch.QueueDeclare(string(q), true, false, false, false, jobQueueArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	if _, err := ch.QueueDeclare(string(QueueDLQ), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueDLQ, err)
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	for _, q := range JobQueues {
		if err := ch.QueueBind(string(q), string(q), string(ExchangeJobs), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q, ExchangeJobs, err)
		}
	}
	if err := ch.QueueBind(string(QueueDLQ), routingKeyDLQ, string(ExchangeDLQ), false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", QueueDLQ, ExchangeDLQ, err)
	}
	return nil
}

// delayQueue описывает очередь ожидания для задержки delay.
//
// На каждую (очередь, задержка в секундах) своя delay-очередь с
// x-message-ttl: сообщения в ней истекают по порядку, без блокировки
// короткой задержки длинной. Неиспользуемая очередь удаляется через x-expires.
func delayQueue(target Queue, delay time.Duration) (Queue, amqp.Table) {
	secs := max(int64(delay.Round(time.Second)/time.Second), 1)
	ttl := secs * 1000
	name := Queue(fmt.Sprintf("%s.delay.%ds", target, secs))
	return name, amqp.Table{
		"x-message-ttl":             ttl,
		"x-expires":                 ttl + int64(time.Minute/time.Millisecond),
		"x-dead-letter-exchange":    string(ExchangeJobs),
		"x-dead-letter-routing-key": string(target),
	}
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Tradeflow RabbitMQ topology:

    tradeflow.jobs (direct, routing key = queue)
    ├── jobs.discovery  pool.discover
    ├── jobs.trade      trade.buy, trade.sell
    ├── jobs.sweep      funds.sweep
    ├── jobs.notify     notify
    └── jobs.status     status.aggregate
        each: x-max-priority 10, DLX tradeflow.dlq
        <queue>.delay.<N>s → TTL → back to <queue>

    tradeflow.dlq (direct)
    └── dlq.jobs [routing: jobs]   operator list / replay

    tradeflow.events (topic)       campaign.*, execution.*
`
}
