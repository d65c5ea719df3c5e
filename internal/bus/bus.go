package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
)

var (
	ErrClosed          = errors.New("bus closed")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrInvalidPayload  = errors.New("payload is not valid JSON")
	ErrInvalidPattern  = errors.New("invalid topic pattern")
	ErrGroupMismatch   = errors.New("group already registered with a different pattern")
	ErrHandlerRequired = errors.New("handler required")
)

// Handler procesa un evento. Un error deja el evento pendiente en grupos durables.
type Handler func(ctx context.Context, event domain.DomainEvent) error

// Options configura una suscripción. Sin Group el suscriptor es transitorio.
type Options struct {
	Group string
}

func (o Options) Durable() bool { return o.Group != "" }

type Subscription interface {
	Unsubscribe() error
}

// Bus desacopla productores de consumidores. Publish nunca espera a los handlers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload json.RawMessage) (string, error)
	Subscribe(pattern string, opts Options, handler Handler) (Subscription, error)
	Close() error
}

// Match compara un tópico contra un patrón glob ("bid.*", "*", "chat.?essage").
func Match(pattern, topic string) bool {
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}

// MatchAny devuelve true si algún patrón acepta el tópico.
func MatchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	return nil
}

func newEvent(topic, producerID string, payload json.RawMessage) (domain.DomainEvent, error) {
	if topic == "" {
		return domain.DomainEvent{}, ErrInvalidTopic
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return domain.DomainEvent{}, ErrInvalidPayload
	}
	return domain.DomainEvent{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		ProducerID:  producerID,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// invoke ejecuta el handler recuperando pánicos como errores.
func invoke(ctx context.Context, logger *zap.Logger, handler Handler, event domain.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus handler panic",
				zap.String("topic", event.Topic),
				zap.String("event_id", event.ID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

type producerKey struct{}

// WithProducer marca el contexto con el id del productor que publica.
func WithProducer(ctx context.Context, producerID string) context.Context {
	return context.WithValue(ctx, producerKey{}, producerID)
}

func producerFrom(ctx context.Context) string {
	id, _ := ctx.Value(producerKey{}).(string)
	return id
}
