package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type mockRedisKVClient struct {
	lastSetKey   string
	lastSetTTL   time.Duration
	lastExists   []string
	existsResult int64

	setErr    error
	existsErr error
}

func (m *mockRedisKVClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.lastSetKey = key
	m.lastSetTTL = expiration
	cmd := redis.NewStatusCmd(ctx)
	if m.setErr != nil {
		cmd.SetErr(m.setErr)
		return cmd
	}
	cmd.SetVal("OK")
	return cmd
}

func (m *mockRedisKVClient) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	m.lastExists = keys
	cmd := redis.NewIntCmd(ctx)
	if m.existsErr != nil {
		cmd.SetErr(m.existsErr)
		return cmd
	}
	cmd.SetVal(m.existsResult)
	return cmd
}

func TestMemoryEventDeduper_Basics(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryEventDeduper()

	if done, err := d.Done(ctx, "e1"); err != nil || done {
		t.Fatalf("expected unseen key, got %v,%v", done, err)
	}
	if err := d.MarkDone(ctx, "e1", 50*time.Millisecond); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if done, _ := d.Done(ctx, "e1"); !done {
		t.Fatalf("expected key to be done")
	}

	time.Sleep(70 * time.Millisecond)
	if done, _ := d.Done(ctx, "e1"); done {
		t.Fatalf("expected key to expire after ttl")
	}
}

func TestRedisEventDeduper_Basics(t *testing.T) {
	ctx := context.Background()
	mock := &mockRedisKVClient{}
	d := &redisEventDeduper{client: mock, prefix: "dedup:event:"}

	if err := d.MarkDone(ctx, " e1 ", 0); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if mock.lastSetKey != "dedup:event:e1" {
		t.Fatalf("unexpected key %q", mock.lastSetKey)
	}
	if mock.lastSetTTL <= 0 {
		t.Fatalf("expected positive TTL fallback, got %v", mock.lastSetTTL)
	}

	mock.existsResult = 1
	done, err := d.Done(ctx, "e1")
	if err != nil || !done {
		t.Fatalf("expected done true,nil; got %v,%v", done, err)
	}
	if len(mock.lastExists) != 1 || mock.lastExists[0] != "dedup:event:e1" {
		t.Fatalf("unexpected exists keys %v", mock.lastExists)
	}

	mock.existsErr = errors.New("redis down")
	if _, err := d.Done(ctx, "e2"); err == nil {
		t.Fatalf("expected redis error to surface")
	}
}
