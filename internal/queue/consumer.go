package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/retry"
)

// DefaultMaxAttempts bounds deliveries of one message before it is dead-lettered.
const DefaultMaxAttempts = 5

// Handler processes one queued order.
type Handler func(ctx context.Context, msg OrderMessage) error

// ConsumerConfig holds configuration for the consumer.
type ConsumerConfig struct {
	URL         string
	Queue       string
	Concurrency int
	MaxAttempts int
}

// Consumer delivers queued orders to a Handler with bounded concurrency.
// Retryable failures go through the retry queue; everything else ends in the DLQ.
type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
	maxAttempts int
	handler     Handler
	logger      *logger.Logger

	// requeue republishes to the retry queue; replaced in tests.
	requeue func(ctx context.Context, msg OrderMessage, delay time.Duration) error
}

// NewConsumer dials the broker, declares the topology and sets Qos.
func NewConsumer(cfg ConsumerConfig, handler Handler, log *logger.Logger) (*Consumer, error) {
	c := newConsumer(cfg, handler, log)

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := declareTopology(ch, cfg.Queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit qos: %w", err)
	}

	c.conn = conn
	c.ch = ch
	c.requeue = func(ctx context.Context, msg OrderMessage, delay time.Duration) error {
		return publish(ctx, ch, RetryQueue(c.queue), msg, delay)
	}
	return c, nil
}

func newConsumer(cfg ConsumerConfig, handler Handler, log *logger.Logger) *Consumer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	if concurrency > 50 {
		concurrency = 50
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Consumer{
		queue:       cfg.Queue,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		handler:     handler,
		logger:      log.WithField(logger.FieldComponent, "consumer"),
	}
}

// Run consumes until ctx is done, then waits for in-flight deliveries.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbit consume: %w", err)
	}

	c.logger.WithFields(logger.Fields{
		"queue":       c.queue,
		"concurrency": c.concurrency,
	}).Info("Worker started")

	deliveries := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				c.handle(ctx, workerID, d)
			}
		}(i)
	}

	defer func() {
		close(deliveries)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			deliveries <- d
		}
	}
}

// handle runs one delivery and settles it: ack on success or duplicate,
// requeue with backoff on retryable errors, nack to the DLQ otherwise.
func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	log := c.logger.WithField("worker", workerID)

	msg, err := decode(d.Body)
	if err != nil {
		log.WithError(err).Warn("Bad message, dead-lettering")
		_ = d.Nack(false, false)
		return
	}

	msgCtx := log.WithContext(ctx)
	msgCtx = logger.SetOrderID(msgCtx, msg.Order.ExternalID())
	log = logger.FromContext(msgCtx)

	start := time.Now()
	err = c.handler(msgCtx, msg)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Warn("Ack failed")
		}
		logger.With(logger.Fields{"worker": workerID}).WithDuration(time.Since(start).Milliseconds()).Debug(msgCtx, "Order handled")
		return
	}

	if c.retryable(err) && msg.Attempt+1 < c.maxAttempts {
		delay := retry.Delay(msg.Attempt)
		msg.Attempt++
		if rqErr := c.requeue(ctx, msg, delay); rqErr != nil {
			log.WithError(rqErr).Error("Requeue failed, dead-lettering")
			_ = d.Nack(false, false)
			return
		}
		log.WithError(err).WithFields(logger.Fields{
			logger.FieldAttempt: msg.Attempt,
			"delay":             delay.String(),
		}).Warn("Order failed, scheduled retry")
		_ = d.Ack(false)
		return
	}

	log.WithError(err).WithField(logger.FieldAttempt, msg.Attempt+1).Error("Order failed, dead-lettering")
	_ = d.Nack(false, false)
}

func (c *Consumer) retryable(err error) bool {
	return retry.IsRetryable(err) || errors.Is(err, idempotency.ErrInFlight)
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
