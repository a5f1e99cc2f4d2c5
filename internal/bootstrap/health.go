package bootstrap

import (
	"context"
	"errors"
	"fmt"
)

// Pinger checks a dependency on demand
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Connection reports the state of a long-lived connection
type Connection interface {
	IsConnected() bool
}

var errBrokerDisconnected = errors.New("rabbitmq connection lost")

// HealthCheck reports a service unhealthy when its database does not answer
// or its broker connection is down
func HealthCheck(db Pinger, broker Connection) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if !broker.IsConnected() {
			return errBrokerDisconnected
		}
		return nil
	}
}
