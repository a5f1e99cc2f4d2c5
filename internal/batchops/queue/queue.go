// Package queue carries job ids from the API to the executors.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// Queue accepts jobs for background execution.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Source yields deliveries until ctx is done.
type Source interface {
	Consume(ctx context.Context, consumerTag string) (<-chan Delivery, error)
}

// Delivery is one queued job message awaiting acknowledgement.
type Delivery struct {
	Body []byte
	Tag  uint64

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a delivery with the given acknowledgement callbacks
func NewDelivery(body []byte, tag uint64, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, Tag: tag, ack: ack, nack: nack}
}

// Ack confirms the message was handled.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the message, optionally returning it to the queue.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Decode parses the job message carried by the delivery.
func (d Delivery) Decode() (*domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return nil, fmt.Errorf("%w: missing job_id", domain.ErrInvalidPayload)
	}
	return &msg, nil
}
