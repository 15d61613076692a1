package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel the queue uses.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
}

const amqpPollInterval = 500 * time.Millisecond

// AMQPQueue implements Queue over a durable RabbitMQ queue. Receipt handles
// are delivery tags; unacknowledged messages are redelivered when the
// channel closes.
type AMQPQueue struct {
	ch    AMQPChannel
	queue string
	mu    sync.Mutex
}

// NewAMQPQueue declares the durable queue and returns a Queue over it.
func NewAMQPQueue(ch AMQPChannel, queue string) (*AMQPQueue, error) {
	if ch == nil {
		return nil, fmt.Errorf("notify: amqp channel cannot be nil")
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		return nil, fmt.Errorf("notify: declare amqp queue %s: %w", queue, err)
	}
	return &AMQPQueue{ch: ch, queue: queue}, nil
}

func (q *AMQPQueue) Send(ctx context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         []byte(body),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: failed to publish amqp message: %w", err)
	}
	return nil
}

// Receive polls with basic.get until a message arrives or waitSeconds elapses.
func (q *AMQPQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)

	for {
		messages, err := q.fetch(maxMessages)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 || !time.Now().Before(deadline) {
			return messages, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(amqpPollInterval):
		}
	}
}

func (q *AMQPQueue) fetch(max int) ([]QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var messages []QueueMessage
	for len(messages) < max {
		d, ok, err := q.ch.Get(q.queue, false)
		if err != nil {
			return nil, fmt.Errorf("notify: amqp get: %w", err)
		}
		if !ok {
			break
		}
		tag := strconv.FormatUint(d.DeliveryTag, 10)
		messages = append(messages, QueueMessage{
			ID:            d.MessageId,
			Body:          string(d.Body),
			ReceiptHandle: tag,
		})
	}
	return messages, nil
}

func (q *AMQPQueue) Delete(_ context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	tag, err := strconv.ParseUint(receiptHandle, 10, 64)
	if err != nil {
		return fmt.Errorf("notify: invalid amqp receipt %q: %w", receiptHandle, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("notify: amqp ack: %w", err)
	}
	return nil
}
