// Package queue carries transcript jobs and finished results over RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/transcript/internal/config"
	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

const (
	JobsQueueName = "transcript_jobs"
	ExchangeName  = "transcript"
	// ResultsExchangeName is a topic exchange; routing keys are webhook event names
	ResultsExchangeName = "transcript_results"
	maxPriority         = 10
)

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logging.Logger
}

// New creates a new queue client and declares the job and result topology
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &Queue{conn: conn, channel: channel, logger: logger}
	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) declare() error {
	err := q.channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = q.channel.QueueDeclare(
		JobsQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": maxPriority},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = q.channel.QueueBind(
		JobsQueueName,
		JobsQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	err = q.channel.ExchangeDeclare(
		ResultsExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare results exchange: %w", err)
	}

	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishJob publishes a transcript job to the queue
func (q *Queue) PublishJob(ctx context.Context, job *models.Job) error {
	return q.publishJob(ctx, ExchangeName, JobsQueueName, job, amqp.Publishing{
		Headers: amqp.Table{retryHeader: int32(0)},
	})
}

// ConsumeJobs delivers jobs to handler until ctx is done. A job whose handler
// fails is moved to the retry queue, and to the dead-letter queue once it has
// used MaxRetries.
func (q *Queue) ConsumeJobs(ctx context.Context, prefetch int, handler func(context.Context, *models.Job) error) error {
	if prefetch <= 0 {
		prefetch = 1
	}

	err := q.channel.Qos(
		prefetch, // prefetch count
		0,        // prefetch size
		false,    // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		JobsQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				q.handle(ctx, msg, handler)
			}
		}
	}()

	return nil
}

func (q *Queue) handle(ctx context.Context, msg amqp.Delivery, handler func(context.Context, *models.Job) error) {
	var job models.Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		q.logger.WithError(err).Warn("Dropping malformed job message")
		msg.Nack(false, false)
		return
	}

	retries := retryCount(msg.Headers)
	job.RetryCount = retries

	if err := handler(ctx, &job); err != nil {
		q.logger.WithJobID(job.ID).WithError(err).Warn("Job failed")
		if perr := q.PublishToRetryQueue(ctx, &job, retries); perr != nil {
			// could not park it; let the broker redeliver
			msg.Nack(false, true)
			return
		}
	}
	msg.Ack(false)
}

// PublishResult publishes one finished transcript on the results exchange
func (q *Queue) PublishResult(ctx context.Context, result *models.TranscriptResult) error {
	return q.publishJSON(ctx, ResultsExchangeName, ResultRoutingKey(result), result)
}

// PublishJobResult publishes the combined results of a job
func (q *Queue) PublishJobResult(ctx context.Context, result *models.JobResult) error {
	return q.publishJSON(ctx, ResultsExchangeName, models.WebhookEventJobCompleted, result)
}

// ResultRoutingKey is the event name a result is published under
func ResultRoutingKey(result *models.TranscriptResult) string {
	if result.Available() {
		return models.WebhookEventTranscriptReady
	}
	return models.WebhookEventTranscriptUnavailable
}

func (q *Queue) publishJSON(ctx context.Context, exchange, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}

	return nil
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(JobsQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

func jobPriority(job *models.Job) uint8 {
	switch {
	case job.Priority < 0:
		return 0
	case job.Priority > maxPriority:
		return maxPriority
	default:
		return uint8(job.Priority)
	}
}
