package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "inquest:lease:investigation:"

// LeaseManager hands out per-investigation execution leases backed by Redis.
// A lease keeps two workers from running the same investigation when a
// message is redelivered while the first delivery is still in flight. Leases
// expire on their own; a crashed worker frees its investigation after TTL.
type LeaseManager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLeaseManager creates a manager issuing leases with the given TTL.
func NewLeaseManager(client *redis.Client, ttl time.Duration) *LeaseManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LeaseManager{client: client, ttl: ttl}
}

// TTL reports the lease duration.
func (m *LeaseManager) TTL() time.Duration { return m.ttl }

// Lease is a held execution lease. The token identifies this holder so a
// worker never releases a lease that expired and was re-acquired elsewhere.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Acquire attempts to take the lease for an investigation. The second return
// value is false when another worker already holds it.
func (m *LeaseManager) Acquire(ctx context.Context, invID string) (*Lease, bool, error) {
	token := uuid.NewString()
	key := leaseKeyPrefix + invID
	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: m.client, key: key, token: token, ttl: m.ttl}, true, nil
}

// KeepAlive renews the lease TTL on a fraction of its duration until the
// context dies or the returned stop func is called. If the key disappears the
// renewal loop stops; the investigation row's status CAS still guards against
// a true double run.
func (l *Lease) KeepAlive(ctx context.Context, logger *log.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		interval := l.ttl / 3
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				ok, err := l.client.PExpire(ctx, l.key, l.ttl).Result()
				if err != nil {
					if ctx.Err() == nil && logger != nil {
						logger.Printf("warn: renew lease %s: %v", l.key, err)
					}
					continue
				}
				if !ok {
					if logger != nil {
						logger.Printf("warn: lease %s expired; stopping renewal", l.key)
					}
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// Release frees the lease if this holder still owns it. An expired or
// reassigned lease is left alone; the TTL cleans up anything missed.
func (l *Lease) Release(ctx context.Context) error {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if val != l.token {
		return nil
	}
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
