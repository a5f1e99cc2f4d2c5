// Package lock guarantees that at most one executor runs a given job.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotHeld is returned when a lease was lost or never held.
var ErrNotHeld = errors.New("lock not held")

// Lease is proof of ownership of a job lock.
type Lease struct {
	Key      string
	Token    string
	ExpireAt time.Time
}

// Locker grants exclusive, expiring leases keyed by job id.
type Locker interface {
	// Acquire returns ok=false without error when another owner holds key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease *Lease, ok bool, err error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
}

func randomToken() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(raw)
}
