// Package queue moves webhook orders through RabbitMQ to the worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/timmy/shopsync/internal/domain"
)

// OrderMessage is the queued unit of work: one order to invoice.
type OrderMessage struct {
	Order      domain.Order `json:"order"`
	Topic      string       `json:"topic,omitempty"`
	WebhookID  string       `json:"webhook_id,omitempty"`
	Attempt    int          `json:"attempt"`
	ReceivedAt time.Time    `json:"received_at"`
}

// RetryQueue and DeadLetterQueue name the companion queues of queue.
func RetryQueue(queue string) string      { return queue + ".retry" }
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// declareTopology declares the main queue, a retry queue whose expired
// messages dead-letter back to main, and a DLQ that main rejects land in.
func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(DeadLetterQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterQueue(queue), err)
	}
	if _, err := ch.QueueDeclare(RetryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", RetryQueue(queue), err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue(queue),
	}); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

// encode builds a persistent JSON publishing. A positive delay becomes the
// per-message TTL used by the retry queue.
func encode(msg OrderMessage, delay time.Duration) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	p := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.WebhookID,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if delay > 0 {
		p.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return p, nil
}

func decode(body []byte) (OrderMessage, error) {
	var msg OrderMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return OrderMessage{}, err
	}
	if msg.Order.ID <= 0 {
		return OrderMessage{}, errors.New("message has no order id")
	}
	return msg, nil
}

func publish(ctx context.Context, ch *amqp.Channel, routingKey string, msg OrderMessage, delay time.Duration) error {
	p, err := encode(msg, delay)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(cctx, "", routingKey, false, false, p)
}

// Publisher sends orders to the main queue.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewPublisher dials url and declares the queue topology.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// PublishOrder enqueues msg on the main queue.
func (p *Publisher) PublishOrder(ctx context.Context, msg OrderMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	return publish(ctx, p.ch, p.queue, msg, 0)
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
