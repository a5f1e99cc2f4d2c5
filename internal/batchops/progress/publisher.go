package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "batchops:progress"

// Publisher broadcasts progress snapshots to interested listeners.
type Publisher interface {
	PublishProgress(ctx context.Context, p *domain.Progress) error
}

// RedisPublisher publishes progress on a per-job Redis pub/sub channel.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher creates a Redis pub/sub publisher
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: strings.TrimRight(prefix, ":")}
}

// Channel returns the pub/sub channel carrying progress of jobID.
func (p *RedisPublisher) Channel(jobID string) string {
	return p.prefix + ":" + jobID
}

func (p *RedisPublisher) PublishProgress(ctx context.Context, progress *domain.Progress) error {
	body, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(progress.JobID), body).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Subscribe streams progress updates of jobID until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, jobID string) (<-chan *domain.Progress, error) {
	sub := p.client.Subscribe(ctx, p.Channel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to progress: %w", err)
	}

	out := make(chan *domain.Progress)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var progress domain.Progress
				if err := json.Unmarshal([]byte(msg.Payload), &progress); err != nil {
					continue
				}
				select {
				case out <- &progress:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
