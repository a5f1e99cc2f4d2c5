package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker for single-process deployments.
type Local struct {
	mu     sync.Mutex
	leases map[string]*Lease
	now    func() time.Time
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{
		leases: make(map[string]*Lease),
		now:    time.Now,
	}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if held, ok := l.leases[key]; ok && now.Before(held.ExpireAt) {
		return nil, false, nil
	}

	lease := &Lease{Key: key, Token: randomToken(), ExpireAt: now.Add(ttl)}
	l.leases[key] = &Lease{Key: lease.Key, Token: lease.Token, ExpireAt: lease.ExpireAt}
	return lease, true, nil
}

func (l *Local) Renew(_ context.Context, lease *Lease, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.leases[lease.Key]
	if !ok || held.Token != lease.Token || !l.now().Before(held.ExpireAt) {
		return ErrNotHeld
	}
	held.ExpireAt = l.now().Add(ttl)
	lease.ExpireAt = held.ExpireAt
	return nil
}

func (l *Local) Release(_ context.Context, lease *Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.leases[lease.Key]
	if !ok || held.Token != lease.Token {
		return ErrNotHeld
	}
	delete(l.leases, lease.Key)
	return nil
}
