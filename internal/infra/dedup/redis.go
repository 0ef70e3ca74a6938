package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "vision:delivery:"

// An in-flight reservation expires so a crashed worker does not block the
// delivery forever; a confirmed delivery stays blocked long enough to
// outlive the infrastructure's redelivery window.
const (
	reserveTTL = 15 * time.Minute
	confirmTTL = 24 * time.Hour
)

// Guard is a redis-backed idempotency check on delivery identity. It
// exists because the vision call is billable and event delivery is
// at-least-once.
type Guard struct {
	client *redis.Client
	prefix string
}

func New(ctx context.Context, addr, password string, db int) (*Guard, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Guard{client: client, prefix: keyPrefix}, nil
}

func (g *Guard) key(id string) string { return g.prefix + id }

// Reserve claims a delivery id; false means another worker holds it or
// already completed it.
func (g *Guard) Reserve(ctx context.Context, id string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(id), "processing", reserveTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve delivery %s: %w", id, err)
	}
	return ok, nil
}

// Confirm marks the delivery completed so redeliveries stay blocked.
func (g *Guard) Confirm(ctx context.Context, id string) error {
	if err := g.client.Set(ctx, g.key(id), "done", confirmTTL).Err(); err != nil {
		return fmt.Errorf("confirm delivery %s: %w", id, err)
	}
	return nil
}

// Release frees the reservation after a failed run so the event can be
// redelivered and retried.
func (g *Guard) Release(ctx context.Context, id string) error {
	if err := g.client.Del(ctx, g.key(id)).Err(); err != nil {
		return fmt.Errorf("release delivery %s: %w", id, err)
	}
	return nil
}

// Check pings the backend for the health endpoint.
func (g *Guard) Check(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *Guard) Close() error {
	return g.client.Close()
}

// Noop accepts every delivery. Used when redis is not configured, so the
// orchestrator never branches on the guard being present.
type Noop struct{}

func (Noop) Reserve(context.Context, string) (bool, error) { return true, nil }
func (Noop) Confirm(context.Context, string) error         { return nil }
func (Noop) Release(context.Context, string) error         { return nil }
