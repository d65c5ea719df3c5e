package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Amr2/wanna-help/internal/domain"
)

// PresenceStore guarda el estado online compartido por el cluster. Cada instancia
// registra su propia marca con vencimiento; la identidad está online mientras quede
// alguna marca vigente.
type PresenceStore interface {
	// SetOnline registra la instancia y la deja como la última en escribir.
	SetOnline(ctx context.Context, identity, instanceID string, ttl time.Duration) error
	// SetOffline retira solo la marca de instanceID; devuelve true si la identidad quedó offline.
	SetOffline(ctx context.Context, identity, instanceID string) (bool, error)
	Touch(ctx context.Context, identity, instanceID string, ttl time.Duration) error
	Get(ctx context.Context, identity string) (domain.PresenceRecord, error)
}

type memoryPresenceEntry struct {
	instances map[string]time.Time
	instance  string
	lastSeen  time.Time
	updatedAt time.Time
}

type memoryPresenceStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*memoryPresenceEntry
}

func NewMemoryPresenceStore() PresenceStore {
	return &memoryPresenceStore{
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*memoryPresenceEntry),
	}
}

func (s *memoryPresenceStore) entry(identity string) *memoryPresenceEntry {
	e, ok := s.entries[identity]
	if !ok {
		e = &memoryPresenceEntry{instances: make(map[string]time.Time)}
		s.entries[identity] = e
	}
	return e
}

func (s *memoryPresenceStore) SetOnline(_ context.Context, identity, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e := s.entry(identity)
	e.instances[instanceID] = now.Add(ttl)
	e.instance = instanceID
	e.lastSeen = now
	e.updatedAt = now
	return nil
}

func (s *memoryPresenceStore) SetOffline(_ context.Context, identity, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok {
		return false, nil
	}
	now := s.now()
	delete(e.instances, instanceID)
	if remaining := liveInstance(e.instances, now); remaining != "" {
		if e.instance == instanceID {
			e.instance = remaining
		}
		return false, nil
	}
	wasOnline := e.instance != ""
	e.instances = make(map[string]time.Time)
	e.instance = ""
	e.lastSeen = now
	e.updatedAt = now
	return wasOnline, nil
}

func (s *memoryPresenceStore) Touch(_ context.Context, identity, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok {
		return nil
	}
	if _, ok := e.instances[instanceID]; ok {
		now := s.now()
		e.instances[instanceID] = now.Add(ttl)
		e.lastSeen = now
	}
	return nil
}

func (s *memoryPresenceStore) Get(_ context.Context, identity string) (domain.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok {
		return domain.OfflineRecord(identity), nil
	}
	now := s.now()
	record := domain.PresenceRecord{Identity: identity, LastSeen: e.lastSeen, UpdatedAt: e.updatedAt}
	if exp, ok := e.instances[e.instance]; ok && exp.After(now) {
		record.Online = true
		record.InstanceID = e.instance
	} else if other := liveInstance(e.instances, now); other != "" {
		record.Online = true
		record.InstanceID = other
	}
	return record, nil
}

func liveInstance(instances map[string]time.Time, now time.Time) string {
	best, bestExp := "", time.Time{}
	for id, exp := range instances {
		if exp.After(now) && exp.After(bestExp) {
			best, bestExp = id, exp
		}
	}
	return best
}

const (
	presenceInstancePrefix = "inst:"

	// ARGV: instance, now ms, expiry ms, key ttl ms.
	redisPresenceOnlineScript = `
redis.call("HSET", KEYS[1], "inst:" .. ARGV[1], ARGV[3], "instance", ARGV[1], "last_seen", ARGV[2], "updated_at", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`
	// ARGV: instance, now ms, retention ms.
	redisPresenceOfflineScript = `
redis.call("HDEL", KEYS[1], "inst:" .. ARGV[1])
local now = tonumber(ARGV[2])
local remaining = nil
local flat = redis.call("HGETALL", KEYS[1])
for i = 1, #flat, 2 do
  local field = flat[i]
  if string.sub(field, 1, 5) == "inst:" then
    if tonumber(flat[i + 1]) > now then
      remaining = string.sub(field, 6)
    else
      redis.call("HDEL", KEYS[1], field)
    end
  end
end
if remaining then
  if redis.call("HGET", KEYS[1], "instance") == ARGV[1] then
    redis.call("HSET", KEYS[1], "instance", remaining)
  end
  return 0
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local was = redis.call("HGET", KEYS[1], "instance")
redis.call("HDEL", KEYS[1], "instance")
redis.call("HSET", KEYS[1], "last_seen", ARGV[2], "updated_at", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
if was then
  return 1
end
return 0
`
	// ARGV: instance, now ms, expiry ms, key ttl ms.
	redisPresenceTouchScript = `
local field = "inst:" .. ARGV[1]
if redis.call("HEXISTS", KEYS[1], field) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], field, ARGV[3], "last_seen", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`
)

type redisPresenceClient interface {
	redisEvaler
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

type redisPresenceStore struct {
	client    redisPresenceClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisPresenceStore usa un hash presence:<id>; retention conserva last_seen tras desconectar.
func NewRedisPresenceStore(client *redis.Client, retention time.Duration) PresenceStore {
	if client == nil {
		return nil
	}
	return newRedisPresenceStore(client, retention)
}

func newRedisPresenceStore(client redisPresenceClient, retention time.Duration) *redisPresenceStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &redisPresenceStore{
		client:    client,
		prefix:    "presence:",
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *redisPresenceStore) key(identity string) string {
	return s.prefix + strings.TrimSpace(identity)
}

func (s *redisPresenceStore) keyTTL(ttl time.Duration) int64 {
	if ttl > s.retention {
		return ttl.Milliseconds()
	}
	return s.retention.Milliseconds()
}

func (s *redisPresenceStore) SetOnline(ctx context.Context, identity, instanceID string, ttl time.Duration) error {
	now := s.now()
	return s.client.Eval(ctx, redisPresenceOnlineScript, []string{s.key(identity)},
		instanceID, now.UnixMilli(), now.Add(ttl).UnixMilli(), s.keyTTL(ttl)).Err()
}

func (s *redisPresenceStore) SetOffline(ctx context.Context, identity, instanceID string) (bool, error) {
	n, err := s.client.Eval(ctx, redisPresenceOfflineScript, []string{s.key(identity)},
		instanceID, s.now().UnixMilli(), s.retention.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisPresenceStore) Touch(ctx context.Context, identity, instanceID string, ttl time.Duration) error {
	now := s.now()
	return s.client.Eval(ctx, redisPresenceTouchScript, []string{s.key(identity)},
		instanceID, now.UnixMilli(), now.Add(ttl).UnixMilli(), s.keyTTL(ttl)).Err()
}

func (s *redisPresenceStore) Get(ctx context.Context, identity string) (domain.PresenceRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(identity)).Result()
	if err != nil {
		return domain.OfflineRecord(identity), err
	}
	return presenceFromHash(identity, fields, s.now()), nil
}

func presenceFromHash(identity string, fields map[string]string, now time.Time) domain.PresenceRecord {
	record := domain.OfflineRecord(identity)
	if len(fields) == 0 {
		return record
	}
	record.LastSeen = parseMillis(fields["last_seen"])
	record.UpdatedAt = parseMillis(fields["updated_at"])

	instances := make(map[string]time.Time)
	for field, value := range fields {
		if id, ok := strings.CutPrefix(field, presenceInstancePrefix); ok {
			instances[id] = parseMillis(value)
		}
	}
	last := fields["instance"]
	if exp, ok := instances[last]; ok && exp.After(now) {
		record.Online = true
		record.InstanceID = last
	} else if other := liveInstance(instances, now); other != "" {
		record.Online = true
		record.InstanceID = other
	}
	return record
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
