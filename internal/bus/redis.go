package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/metrics"
)

const (
	// StreamKey es el log único que consumen los grupos durables.
	StreamKey          = "bus:events"
	topicChannelPrefix = "bus:topic:"
	entryField         = "event"

	defaultReadCount  = 64
	defaultBlock      = 2 * time.Second
	defaultClaimIdle  = 30 * time.Second
	defaultClaimEvery = 10 * time.Second
	subscribeTimeout  = 5 * time.Second
)

// redisStreamClient es el subconjunto de go-redis que usa el transporte.
type redisStreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

type RedisConfig struct {
	InstanceID string
	MaxLen     int64
	ClaimIdle  time.Duration
	ClaimEvery time.Duration
	Block      time.Duration
}

// RedisBus publica en un stream (grupos durables) y en Pub/Sub (transitorios).
type RedisBus struct {
	client redisStreamClient
	logger *zap.Logger
	cfg    RedisConfig

	mu     sync.Mutex
	closed bool
	subs   map[string]Subscription
}

func NewRedisBus(client redisStreamClient, logger *zap.Logger, cfg RedisConfig) *RedisBus {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = defaultClaimIdle
	}
	if cfg.ClaimEvery <= 0 {
		cfg.ClaimEvery = defaultClaimEvery
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	return &RedisBus{
		client: client,
		logger: logger,
		cfg:    cfg,
		subs:   make(map[string]Subscription),
	}
}

func topicChannel(topic string) string { return topicChannelPrefix + topic }

func (b *RedisBus) Publish(ctx context.Context, topic string, payload json.RawMessage) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}
	event, err := newEvent(topic, producerFrom(ctx), payload)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]interface{}{entryField: string(data)},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	// Los transitorios toleran pérdidas: un fallo aquí no invalida la publicación.
	if err := b.client.Publish(ctx, topicChannel(event.Topic), data).Err(); err != nil {
		b.logger.Warn("pubsub publish failed", zap.String("topic", event.Topic), zap.Error(err))
	}
	metrics.BusPublished.WithLabelValues(event.Topic).Inc()
	return event.ID, nil
}

func (b *RedisBus) Subscribe(pattern string, opts Options, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{id: uuid.NewString(), cancel: cancel, bus: b}

	if opts.Durable() {
		if err := b.ensureGroup(ctx, opts.Group); err != nil {
			cancel()
			return nil, err
		}
		consumer := &streamConsumer{
			bus:      b,
			group:    opts.Group,
			name:     b.cfg.InstanceID + "-" + sub.id[:8],
			pattern:  pattern,
			handler:  handler,
			maxCount: defaultReadCount,
		}
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			consumer.run(ctx)
		}()
	} else {
		ps := b.client.PSubscribe(ctx, topicChannel(pattern))
		confirmCtx, confirmCancel := context.WithTimeout(ctx, subscribeTimeout)
		err := confirmSubscription(confirmCtx, ps)
		confirmCancel()
		if err != nil {
			_ = ps.Close()
			cancel()
			return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
		}
		sub.pubsub = ps
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			b.runTransient(ctx, ps, pattern, handler)
		}()
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

type pubsubReceiver interface {
	Receive(ctx context.Context) (interface{}, error)
}

// confirmSubscription espera la respuesta de PSUBSCRIBE; desde ahí ningún evento se pierde.
func confirmSubscription(ctx context.Context, ps pubsubReceiver) error {
	reply, err := ps.Receive(ctx)
	if err != nil {
		return err
	}
	if s, ok := reply.(*redis.Subscription); ok && (s.Kind == "psubscribe" || s.Kind == "subscribe") {
		return nil
	}
	return fmt.Errorf("unexpected pubsub reply %T", reply)
}

func (b *RedisBus) ensureGroup(ctx context.Context, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, StreamKey, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", group, err)
	}
	return nil
}

func (b *RedisBus) runTransient(ctx context.Context, ps *redis.PubSub, pattern string, handler Handler) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event domain.DomainEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("discarding malformed pubsub event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if !Match(pattern, event.Topic) {
				continue
			}
			if err := invoke(ctx, b.logger, handler, event); err != nil {
				metrics.BusHandlerErrors.WithLabelValues("transient").Inc()
				b.logger.Warn("transient handler failed",
					zap.String("topic", event.Topic),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

type redisSub struct {
	id     string
	cancel context.CancelFunc
	pubsub *redis.PubSub
	bus    *RedisBus
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.pubsub != nil {
			err = s.pubsub.Close()
		}
		s.wg.Wait()
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
	return err
}

// streamConsumer es un miembro de un grupo durable sobre el stream.
type streamConsumer struct {
	bus       *RedisBus
	group     string
	name      string
	pattern   string
	handler   Handler
	maxCount  int64
	lastClaim time.Time
}

func (c *streamConsumer) run(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	retry.MaxInterval = 10 * time.Second

	for ctx.Err() == nil {
		if time.Since(c.lastClaim) >= c.bus.cfg.ClaimEvery {
			c.claimStale(ctx)
			c.lastClaim = time.Now()
		}
		streams, err := c.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{StreamKey, ">"},
			Count:    c.maxCount,
			Block:    c.bus.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			retry.Reset()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retry.NextBackOff()
			c.bus.logger.Warn("xreadgroup failed",
				zap.String("group", c.group),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		for _, stream := range streams {
			c.process(ctx, stream.Messages)
		}
	}
}

// claimStale toma entradas que otro miembro dejó pendientes más de ClaimIdle.
func (c *streamConsumer) claimStale(ctx context.Context) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := c.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   StreamKey,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.bus.cfg.ClaimIdle,
			Start:    start,
			Count:    c.maxCount,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				c.bus.logger.Warn("xautoclaim failed", zap.String("group", c.group), zap.Error(err))
			}
			return
		}
		c.process(ctx, msgs)
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// process confirma las entradas manejadas o ajenas al patrón; un fallo del handler
// deja la entrada pendiente para que XAUTOCLAIM la reentregue.
func (c *streamConsumer) process(ctx context.Context, msgs []redis.XMessage) {
	for _, msg := range msgs {
		event, err := decodeEntry(msg)
		if err != nil {
			c.bus.logger.Warn("discarding malformed stream entry", zap.String("entry_id", msg.ID), zap.Error(err))
			c.ack(ctx, msg.ID)
			continue
		}
		if !Match(c.pattern, event.Topic) {
			c.ack(ctx, msg.ID)
			continue
		}
		if err := invoke(ctx, c.bus.logger, c.handler, event); err != nil {
			metrics.BusHandlerErrors.WithLabelValues(c.group).Inc()
			c.bus.logger.Warn("durable handler failed, leaving entry pending",
				zap.String("group", c.group),
				zap.String("topic", event.Topic),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		c.ack(ctx, msg.ID)
	}
}

func (c *streamConsumer) ack(ctx context.Context, id string) {
	if err := c.bus.client.XAck(ctx, StreamKey, c.group, id).Err(); err != nil {
		c.bus.logger.Warn("xack failed", zap.String("group", c.group), zap.String("entry_id", id), zap.Error(err))
	}
}

func decodeEntry(msg redis.XMessage) (domain.DomainEvent, error) {
	raw, ok := msg.Values[entryField]
	if !ok {
		return domain.DomainEvent{}, fmt.Errorf("entry %s has no %q field", msg.ID, entryField)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return domain.DomainEvent{}, fmt.Errorf("entry %s: unexpected value type %T", msg.ID, raw)
	}
	var event domain.DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.DomainEvent{}, err
	}
	return event, nil
}
