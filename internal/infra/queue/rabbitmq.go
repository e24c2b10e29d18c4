package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"discredit/internal/domain"
	"discredit/internal/infra/metrics"
)

// RabbitIngestQueue реализует очередь задач инжеста через AMQP.
type RabbitIngestQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string

	deliveries <-chan amqp.Delivery
}

// NewRabbitIngestQueue подключается к RabbitMQ и объявляет очередь.
func NewRabbitIngestQueue(amqpURL, queue string) (*RabbitIngestQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitIngestQueue{conn: conn, channel: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitIngestQueue) Enqueue(ctx context.Context, job domain.IngestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("queue", "enqueue", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Возвращённая функция
// подтверждает обработку либо возвращает задачу на повторную доставку.
func (q *RabbitIngestQueue) Receive(ctx context.Context) (domain.IngestJob, domain.IngestAckFunc, error) {
	if q.deliveries == nil {
		deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.IngestJob{}, nil, fmt.Errorf("consume queue: %w", err)
		}
		q.deliveries = deliveries
	}
	select {
	case <-ctx.Done():
		return domain.IngestJob{}, nil, ctx.Err()
	case delivery, ok := <-q.deliveries:
		if !ok {
			return domain.IngestJob{}, nil, errors.New("rabbitmq: канал доставки закрыт")
		}
		var job domain.IngestJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			_ = delivery.Nack(false, false)
			return domain.IngestJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close закрывает канал и подключение.
func (q *RabbitIngestQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
