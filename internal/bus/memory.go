package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/metrics"
)

const defaultQueueSize = 256

// MemoryBus es el transporte de un solo proceso. Varias instancias de la app
// pueden compartir el mismo MemoryBus en tests.
type MemoryBus struct {
	logger    *zap.Logger
	queueSize int
	retry     func() backoff.BackOff

	mu        sync.RWMutex
	closed    bool
	transient map[string]*transientSub
	groups    map[string]*memoryGroup
}

type MemoryOption func(*MemoryBus)

// WithQueueSize fija la cola de cada suscriptor transitorio.
func WithQueueSize(n int) MemoryOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithRetryBackOff reemplaza la política de reintento de los grupos durables.
func WithRetryBackOff(fn func() backoff.BackOff) MemoryOption {
	return func(b *MemoryBus) { b.retry = fn }
}

func NewMemoryBus(logger *zap.Logger, opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		logger:    logger,
		queueSize: defaultQueueSize,
		retry: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 50 * time.Millisecond
			eb.MaxInterval = 5 * time.Second
			eb.MaxElapsedTime = 0
			return eb
		},
		transient: make(map[string]*transientSub),
		groups:    make(map[string]*memoryGroup),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload json.RawMessage) (string, error) {
	event, err := newEvent(topic, producerFrom(ctx), payload)
	if err != nil {
		return "", err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", ErrClosed
	}
	for _, sub := range b.transient {
		if !Match(sub.pattern, event.Topic) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			metrics.BusDropped.WithLabelValues(event.Topic).Inc()
			b.logger.Warn("transient subscriber queue full, dropping event",
				zap.String("topic", event.Topic),
				zap.String("event_id", event.ID),
				zap.String("pattern", sub.pattern),
			)
		}
	}
	for _, g := range b.groups {
		if Match(g.pattern, event.Topic) {
			g.push(event)
		}
	}
	metrics.BusPublished.WithLabelValues(event.Topic).Inc()
	return event.ID, nil
}

func (b *MemoryBus) Subscribe(pattern string, opts Options, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !opts.Durable() {
		sub := &transientSub{
			id:      uuid.NewString(),
			pattern: pattern,
			queue:   make(chan domain.DomainEvent, b.queueSize),
			cancel:  cancel,
			bus:     b,
		}
		b.transient[sub.id] = sub
		sub.wg.Add(1)
		go sub.run(ctx, handler)
		return sub, nil
	}

	g, ok := b.groups[opts.Group]
	if !ok {
		g = newMemoryGroup(opts.Group, pattern)
		b.groups[opts.Group] = g
	} else if g.pattern != pattern {
		cancel()
		return nil, ErrGroupMismatch
	}
	member := &groupMember{group: g, cancel: cancel}
	member.wg.Add(1)
	go member.run(ctx, b, handler)
	return member, nil
}

// Close detiene todos los workers. Los eventos en cola de grupos durables se pierden
// con el proceso; el transporte Redis es el que sobrevive reinicios.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]Subscription, 0, len(b.transient))
	for _, s := range b.transient {
		subs = append(subs, s)
	}
	groups := make([]*memoryGroup, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	for _, g := range groups {
		g.stopMembers()
	}
	return nil
}

type transientSub struct {
	id      string
	pattern string
	queue   chan domain.DomainEvent
	cancel  context.CancelFunc
	bus     *MemoryBus
	once    sync.Once
	wg      sync.WaitGroup
}

func (s *transientSub) run(ctx context.Context, handler Handler) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.queue:
			if err := invoke(ctx, s.bus.logger, handler, event); err != nil {
				metrics.BusHandlerErrors.WithLabelValues("transient").Inc()
				s.bus.logger.Warn("transient handler failed",
					zap.String("topic", event.Topic),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *transientSub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.transient, s.id)
		s.bus.mu.Unlock()
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// memoryGroup retiene los eventos aunque no haya miembros conectados.
type memoryGroup struct {
	name    string
	pattern string

	mu      sync.Mutex
	pending []domain.DomainEvent
	notify  chan struct{}
	members map[*groupMember]struct{}
}

func newMemoryGroup(name, pattern string) *memoryGroup {
	return &memoryGroup{
		name:    name,
		pattern: pattern,
		notify:  make(chan struct{}, 1),
		members: make(map[*groupMember]struct{}),
	}
}

func (g *memoryGroup) push(event domain.DomainEvent) {
	g.mu.Lock()
	g.pending = append(g.pending, event)
	g.mu.Unlock()
	g.signal()
}

func (g *memoryGroup) signal() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// pop entrega el siguiente evento a un solo miembro.
func (g *memoryGroup) pop() (domain.DomainEvent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		return domain.DomainEvent{}, false
	}
	event := g.pending[0]
	g.pending = g.pending[1:]
	if len(g.pending) > 0 {
		g.signal()
	}
	return event, true
}

// requeue devuelve un evento no procesado al frente para conservar el orden.
func (g *memoryGroup) requeue(event domain.DomainEvent) {
	g.mu.Lock()
	g.pending = append([]domain.DomainEvent{event}, g.pending...)
	g.mu.Unlock()
	g.signal()
}

func (g *memoryGroup) stopMembers() {
	g.mu.Lock()
	members := make([]*groupMember, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	g.mu.Unlock()
	for _, m := range members {
		_ = m.Unsubscribe()
	}
}

type groupMember struct {
	group  *memoryGroup
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func (m *groupMember) run(ctx context.Context, b *MemoryBus, handler Handler) {
	defer m.wg.Done()
	m.group.mu.Lock()
	m.group.members[m] = struct{}{}
	m.group.mu.Unlock()
	m.group.signal()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.group.notify:
		}
		for {
			event, ok := m.group.pop()
			if !ok {
				break
			}
			if !m.deliver(ctx, b, handler, event) {
				m.group.requeue(event)
				return
			}
		}
	}
}

// deliver reintenta hasta que el handler acepta el evento o el miembro se detiene.
func (m *groupMember) deliver(ctx context.Context, b *MemoryBus, handler Handler, event domain.DomainEvent) bool {
	op := func() error {
		err := invoke(ctx, b.logger, handler, event)
		if err != nil {
			metrics.BusHandlerErrors.WithLabelValues(m.group.name).Inc()
			b.logger.Warn("durable handler failed, will retry",
				zap.String("group", m.group.name),
				zap.String("topic", event.Topic),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b.retry(), ctx)) == nil
}

func (m *groupMember) Unsubscribe() error {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.group.mu.Lock()
		delete(m.group.members, m)
		m.group.mu.Unlock()
	})
	return nil
}
