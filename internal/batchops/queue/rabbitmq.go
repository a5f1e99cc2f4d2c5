package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPClient is the subset of the shared RabbitMQ client the queue uses.
type AMQPClient interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	SetPrefetch(count int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// RabbitMQ is the durable job queue.
type RabbitMQ struct {
	client   AMQPClient
	prefetch int
	logger   *slog.Logger
}

// NewRabbitMQ creates a RabbitMQ-backed queue. prefetch bounds unacked
// deliveries per consumer.
func NewRabbitMQ(client AMQPClient, prefetch int, logger *slog.Logger) *RabbitMQ {
	return &RabbitMQ{client: client, prefetch: prefetch, logger: logger}
}

func (q *RabbitMQ) Enqueue(ctx context.Context, jobID string) error {
	body, err := domain.JobMessage{JobID: jobID}.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}

	if err := q.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job message: %w", err)
	}

	q.logger.Info("Job message published to queue",
		slog.String("job_id", jobID),
	)
	return nil
}

func (q *RabbitMQ) Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error) {
	if q.prefetch > 0 {
		if err := q.client.SetPrefetch(q.prefetch); err != nil {
			return nil, err
		}
	}

	deliveries, err := q.client.Consume(consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					q.logger.Warn("RabbitMQ delivery channel closed")
					return
				}
				delivery := NewDelivery(d.Body, d.DeliveryTag,
					func() error { return d.Ack(false) },
					func(requeue bool) error { return d.Nack(false, requeue) },
				)
				select {
				case out <- delivery:
				case <-ctx.Done():
					// return the message so another consumer can take it
					if err := d.Nack(false, true); err != nil {
						q.logger.Error("Failed to NACK message on shutdown",
							slog.String("error", err.Error()),
						)
					}
					return
				}
			}
		}
	}()
	return out, nil
}
