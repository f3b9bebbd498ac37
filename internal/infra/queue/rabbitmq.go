package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/infra/metrics"
)

// RabbitScheduleQueue реализует очередь запросов на планирование через AMQP.
type RabbitScheduleQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
}

// NewRabbitScheduleQueue подключается к RabbitMQ и объявляет устойчивую очередь.
func NewRabbitScheduleQueue(amqpURL, queue string) (*RabbitScheduleQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitScheduleQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует запрос в очередь.
func (q *RabbitScheduleQueue) Enqueue(ctx context.Context, req domain.ScheduleRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

// Receive блокирующе читает запрос из очереди с ручным подтверждением.
func (q *RabbitScheduleQueue) Receive(ctx context.Context) (domain.ScheduleRequest, domain.ScheduleAckFunc, error) {
	if q.deliveries == nil {
		deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.ScheduleRequest{}, nil, fmt.Errorf("start consumer: %w", err)
		}
		q.deliveries = deliveries
	}
	select {
	case <-ctx.Done():
		return domain.ScheduleRequest{}, nil, ctx.Err()
	case delivery, ok := <-q.deliveries:
		if !ok {
			return domain.ScheduleRequest{}, nil, errors.New("amqp queue: delivery channel closed")
		}
		var req domain.ScheduleRequest
		if err := json.Unmarshal(delivery.Body, &req); err != nil {
			_ = delivery.Nack(false, false)
			return domain.ScheduleRequest{}, nil, fmt.Errorf("decode request: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return req, ack, nil
	}
}

// Close закрывает канал и соединение.
func (q *RabbitScheduleQueue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
