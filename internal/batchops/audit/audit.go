// Package audit records terminal and reversal events of batch operations.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// Event types
const (
	EventJobFinished  = "batch_operation.finished"
	EventJobCancelled = "batch_operation.cancelled"
	EventJobUndone    = "batch_operation.undone"
	EventJobRetried   = "batch_operation.retried"
)

// Event is one audit record.
type Event struct {
	Type          string               `json:"type"`
	JobID         string               `json:"job_id"`
	ParentJobID   string               `json:"parent_job_id,omitempty"`
	OperationType domain.OperationType `json:"operation_type"`
	Status        domain.Status        `json:"status"`
	ActorID       string               `json:"actor_id"`
	TotalItems    int                  `json:"total_items"`
	SuccessItems  int                  `json:"success_items"`
	FailedItems   int                  `json:"failed_items"`
	Message       string               `json:"message,omitempty"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

// FromJob builds an event of type eventType describing job.
func FromJob(eventType string, job *domain.Job) Event {
	return Event{
		Type:          eventType,
		JobID:         job.ID,
		ParentJobID:   job.ParentJobID,
		OperationType: job.Type,
		Status:        job.Status,
		ActorID:       job.CreatedBy,
		TotalItems:    job.TotalItems,
		SuccessItems:  job.SuccessItems,
		FailedItems:   job.FailedItems,
		Message:       job.Message,
		OccurredAt:    time.Now().UTC(),
	}
}

// Sink receives audit events. Failures are reported but never undo the
// operation being audited.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed sink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	s.logger.Info("Audit event",
		slog.String("type", e.Type),
		slog.String("job_id", e.JobID),
		slog.String("operation_type", string(e.OperationType)),
		slog.String("status", string(e.Status)),
		slog.String("actor_id", e.ActorID),
		slog.Int("success_items", e.SuccessItems),
		slog.Int("failed_items", e.FailedItems),
	)
	return nil
}

// Publisher publishes raw messages with a routing key.
type Publisher interface {
	PublishTo(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// AMQPSink publishes events to the message broker.
type AMQPSink struct {
	publisher  Publisher
	routingKey string
}

// NewAMQPSink creates a broker-backed sink
func NewAMQPSink(publisher Publisher, routingKey string) *AMQPSink {
	return &AMQPSink{publisher: publisher, routingKey: routingKey}
}

func (s *AMQPSink) Record(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if err := s.publisher.PublishTo(ctx, s.routingKey, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
