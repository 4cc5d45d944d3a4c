package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

const (
	DeadLetterQueueName    = "transcript_jobs_dlq"
	DeadLetterExchangeName = "transcript_dlq"
	RetryQueueName         = "transcript_jobs_retry"
	MaxRetries             = 5

	retryHeader = "x-retry-count"
)

// SetupDeadLetterQueue declares the dead-letter exchange and queue, and the
// retry queue whose expired messages flow back into the job queue.
func (q *Queue) SetupDeadLetterQueue() error {
	if err := q.channel.ExchangeDeclare(DeadLetterExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	queues := []struct {
		name string
		args amqp.Table
	}{
		{name: DeadLetterQueueName},
		{name: RetryQueueName, args: amqp.Table{
			"x-dead-letter-exchange":    ExchangeName,
			"x-dead-letter-routing-key": JobsQueueName,
		}},
	}
	for _, dq := range queues {
		if _, err := q.channel.QueueDeclare(dq.name, true, false, false, false, dq.args); err != nil {
			return fmt.Errorf("failed to declare %s: %w", dq.name, err)
		}
	}

	if err := q.channel.QueueBind(DeadLetterQueueName, DeadLetterQueueName, DeadLetterExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	q.logger.Info("Dead letter queue infrastructure set up")
	return nil
}

// PublishToRetryQueue parks a failed job until its backoff expires. Jobs that
// have used MaxRetries go to the dead-letter queue instead.
func (q *Queue) PublishToRetryQueue(ctx context.Context, job *models.Job, retries int) error {
	if retries >= MaxRetries {
		return q.PublishToDeadLetterQueue(ctx, job, "max retries exceeded")
	}

	delay := calculateBackoffDelay(retries)
	msg := amqp.Publishing{
		Headers:    amqp.Table{retryHeader: int32(retries + 1)},
		Expiration: fmt.Sprintf("%d", delay.Milliseconds()),
	}
	if err := q.publishJob(ctx, "", RetryQueueName, job, msg); err != nil {
		return err
	}

	q.logger.WithJobID(job.ID).Infof("Job queued for retry #%d in %v", retries+1, delay)
	return nil
}

// PublishToDeadLetterQueue parks a job for inspection with the reason it failed
func (q *Queue) PublishToDeadLetterQueue(ctx context.Context, job *models.Job, reason string) error {
	msg := amqp.Publishing{
		Headers: amqp.Table{
			"x-failure-reason": reason,
			"x-failed-at":      time.Now().Format(time.RFC3339),
		},
	}
	if err := q.publishJob(ctx, DeadLetterExchangeName, DeadLetterQueueName, job, msg); err != nil {
		return err
	}

	q.logger.WithJobID(job.ID).Warnf("Job moved to dead letter queue: %s", reason)
	return nil
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}
	return info.Messages, nil
}

// publishJob fills in the persistent JSON envelope around msg's headers and
// expiration.
func (q *Queue) publishJob(ctx context.Context, exchange, key string, job *models.Job, msg amqp.Publishing) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	msg.DeliveryMode = amqp.Persistent
	msg.ContentType = "application/json"
	msg.Body = body
	msg.Timestamp = time.Now()
	msg.Priority = jobPriority(job)

	if err := q.channel.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish job to %s: %w", key, err)
	}
	return nil
}

// calculateBackoffDelay doubles from one minute, capped at an hour
func calculateBackoffDelay(retries int) time.Duration {
	delay := time.Minute * (1 << retries)
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// retryCount reads the retry counter set by the publisher. AMQP tables decode
// integers into several widths.
func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
