package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper es el camino rápido de idempotencia por event id. La garantía
// definitiva es la clave única (event_id, recipient) del almacenamiento: una
// clave solo se marca cuando el evento quedó persistido para todos.
type EventDeduper interface {
	// Done indica si la clave se marcó como procesada dentro de su ttl.
	Done(ctx context.Context, key string) (bool, error)
	// MarkDone registra la clave como procesada durante ttl.
	MarkDone(ctx context.Context, key string, ttl time.Duration) error
}

type memoryEventDeduper struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]time.Time
}

func NewMemoryEventDeduper() EventDeduper {
	return &memoryEventDeduper{
		now:   func() time.Time { return time.Now().UTC() },
		items: make(map[string]time.Time),
	}
}

func (d *memoryEventDeduper) Done(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.items[key]
	return ok && d.now().Before(exp), nil
}

func (d *memoryEventDeduper) MarkDone(_ context.Context, key string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		return nil
	}
	now := d.now()
	d.items[key] = now.Add(ttl)
	d.sweep(now)
	return nil
}

// sweep purga vencidos de forma oportunista para no crecer sin límite.
func (d *memoryEventDeduper) sweep(now time.Time) {
	if len(d.items) < 1024 {
		return
	}
	for k, exp := range d.items {
		if !now.Before(exp) {
			delete(d.items, k)
		}
	}
}

type redisKVClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisEventDeduper struct {
	client redisKVClient
	prefix string
}

func NewRedisEventDeduper(client *redis.Client) EventDeduper {
	if client == nil {
		return nil
	}
	return &redisEventDeduper{
		client: client,
		prefix: "dedup:event:",
	}
}

func (d *redisEventDeduper) Done(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	return n > 0, err
}

func (d *redisEventDeduper) MarkDone(ctx context.Context, key string, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return d.client.Set(ctx, d.prefix+key, 1, ttl).Err()
}
