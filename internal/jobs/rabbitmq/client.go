package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/billscan/internal/jobs"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const consumerTag = "billscan-worker"

// channel is the subset of *amqp091.Channel the client uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Client publishes and consumes process-document jobs over a durable
// direct exchange. Failed deliveries are rejected without requeue.
type Client struct {
	conn         *amqp091.Connection
	channel      channel
	exchangeName string
	queueName    string
	workerCount  int
	store        jobs.JobStore
	log          zerolog.Logger
	now          func() time.Time

	wg       sync.WaitGroup
	mu       sync.Mutex
	consumed bool
}

// Options configures a Client.
type Options struct {
	URL          string
	ExchangeName string
	QueueName    string
	WorkerCount  int
	// Store receives job status updates; nil disables tracking.
	Store jobs.JobStore
	Log   zerolog.Logger
}

// NewClient dials the broker and declares the exchange, queue and binding.
func NewClient(opts Options) (*Client, error) {
	conn, err := amqp091.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declare(ch, opts.ExchangeName, opts.QueueName); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	c := newClient(ch, opts)
	c.conn = conn
	return c, nil
}

func newClient(ch channel, opts Options) *Client {
	workers := opts.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	return &Client{
		channel:      ch,
		exchangeName: opts.ExchangeName,
		queueName:    opts.QueueName,
		workerCount:  workers,
		store:        opts.Store,
		log:          logger.Component(opts.Log, "rabbitmq"),
		now:          time.Now,
	}
}

func declare(ch *amqp091.Channel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	// Routing key is the queue name.
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// PublishProcessDocument implements jobs.Publisher.
func (c *Client) PublishProcessDocument(ctx context.Context, job *jobs.ProcessDocumentJob) error {
	if err := job.Prepare(c.now()); err != nil {
		return err
	}

	if c.store != nil {
		if err := c.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("save job: %w", err)
		}
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = c.channel.PublishWithContext(pubCtx, c.exchangeName, c.queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    c.now(),
		MessageId:    job.JobID,
		Type:         string(jobs.JobTypeProcessDocument),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}

	c.log.Info().
		Str("job_id", job.JobID).
		Str("document_id", job.DocumentID).
		Str("queue", c.queueName).
		Msg("Published process-document job")
	return nil
}

// Start implements jobs.Consumer. It returns once the workers are running.
func (c *Client) Start(ctx context.Context, handler jobs.JobHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return fmt.Errorf("consumer already started")
	}

	if err := c.channel.Qos(c.workerCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.channel.Consume(c.queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	c.consumed = true

	c.log.Info().Str("queue", c.queueName).Int("workers", c.workerCount).Msg("Started consuming jobs")

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.handleDelivery(ctx, d, handler)
				}
			}
		}()
	}
	return nil
}

func (c *Client) handleDelivery(ctx context.Context, d amqp091.Delivery, handler jobs.JobHandler) {
	var job jobs.ProcessDocumentJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.DocumentID == "" {
		c.log.Error().Err(err).Msg("Rejecting malformed job message")
		_ = d.Nack(false, false)
		return
	}

	job.MarkRunning(c.now())
	c.saveJob(ctx, &job)

	err := handler(ctx, &job)
	job.MarkDone(c.now(), err)
	c.saveJob(ctx, &job)

	if err != nil {
		c.log.Error().Err(err).Str("job_id", job.JobID).Str("document_id", job.DocumentID).Msg("Job failed")
		_ = d.Nack(false, false)
		return
	}

	_ = d.Ack(false)
	c.log.Info().Str("job_id", job.JobID).Str("document_id", job.DocumentID).Msg("Job completed")
}

func (c *Client) saveJob(ctx context.Context, job *jobs.ProcessDocumentJob) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveJob(ctx, job); err != nil {
		c.log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to record job status")
	}
}

// Stop implements jobs.Consumer. In-flight jobs finish before it returns.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	consumed := c.consumed
	c.mu.Unlock()
	if consumed {
		if err := c.channel.Cancel(consumerTag, false); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cancel consumer")
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements jobs.Publisher.
func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ jobs.Publisher = (*Client)(nil)
var _ jobs.Consumer = (*Client)(nil)
