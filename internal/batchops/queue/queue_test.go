package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_EnqueueAndRequeue(t *testing.T) {
	ctx := context.Background()
	q := NewLocal(4)
	require.NoError(t, q.Enqueue(ctx, "job-1"))
	assert.Equal(t, 1, q.Len())

	d, ok := q.TryReceive()
	require.True(t, ok)
	msg, err := d.Decode()
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.JobID)

	require.NoError(t, d.Nack(true))
	assert.Equal(t, 1, q.Len())

	d, ok = q.TryReceive()
	require.True(t, ok)
	require.NoError(t, d.Nack(false))
	assert.Equal(t, 0, q.Len())

	q.Close()
	assert.Error(t, q.Enqueue(ctx, "job-2"))
}

func TestLocal_Consume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewLocal(4)
	deliveries, err := q.Consume(ctx, "test")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "job-1"))

	select {
	case d := <-deliveries:
		msg, err := d.Decode()
		require.NoError(t, err)
		assert.Equal(t, "job-1", msg.JobID)
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("no delivery received")
	}
}

func TestDelivery_Decode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"job_id":"job-1"}`},
		{name: "malformed", body: `{`, wantErr: true},
		{name: "missing id", body: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDelivery([]byte(tt.body), 1, nil, nil).Decode()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
		})
	}
}

type fakeAcknowledger struct {
	acked  []uint64
	nacked map[uint64]bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.nacked[tag] = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.nacked[tag] = requeue
	return nil
}

type fakeAMQP struct {
	published  [][]byte
	prefetch   int
	deliveries chan amqp.Delivery
}

func (f *fakeAMQP) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	f.published = append(f.published, body)
	return nil
}

func (f *fakeAMQP) SetPrefetch(count int) error {
	f.prefetch = count
	return nil
}

func (f *fakeAMQP) Consume(string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func TestRabbitMQ_EnqueueAndConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeAMQP{deliveries: make(chan amqp.Delivery, 1)}
	q := NewRabbitMQ(client, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	require.Len(t, client.published, 1)
	assert.JSONEq(t, `{"job_id":"job-1"}`, string(client.published[0]))

	deliveries, err := q.Consume(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 3, client.prefetch)

	acker := &fakeAcknowledger{nacked: map[uint64]bool{}}
	client.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 7, Body: client.published[0]}

	select {
	case d := <-deliveries:
		assert.Equal(t, uint64(7), d.Tag)
		require.NoError(t, d.Nack(true))
		assert.True(t, acker.nacked[7])
	case <-time.After(time.Second):
		t.Fatal("no delivery received")
	}
}
