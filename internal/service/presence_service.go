package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
)

// PresenceListener recibe cada cambio observable de presencia o typing.
type PresenceListener func(record domain.PresenceRecord)

type typingState struct {
	conversationID string
	timer          *time.Timer
}

// PresenceService combina el estado online del cluster con el typing local de la instancia.
type PresenceService struct {
	logger        *zap.Logger
	store         PresenceStore
	ttl           time.Duration
	typingTimeout time.Duration

	mu        sync.Mutex
	typing    map[string]*typingState
	listeners []PresenceListener
}

func NewPresenceService(logger *zap.Logger, store PresenceStore, ttl, typingTimeout time.Duration) *PresenceService {
	if store == nil {
		store = NewMemoryPresenceStore()
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if typingTimeout <= 0 {
		typingTimeout = 5 * time.Second
	}
	return &PresenceService{
		logger:        logger,
		store:         store,
		ttl:           ttl,
		typingTimeout: typingTimeout,
		typing:        make(map[string]*typingState),
	}
}

// OnChange registra un listener. Se invoca fuera de los locks internos.
func (s *PresenceService) OnChange(listener PresenceListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *PresenceService) notify(record domain.PresenceRecord) {
	s.mu.Lock()
	listeners := append([]PresenceListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(record)
	}
}

func (s *PresenceService) SetOnline(ctx context.Context, identity, instanceID string) (domain.PresenceRecord, error) {
	if err := s.store.SetOnline(ctx, identity, instanceID, s.ttl); err != nil {
		return domain.OfflineRecord(identity), err
	}
	record := domain.PresenceRecord{
		Identity:   identity,
		Online:     true,
		InstanceID: instanceID,
		LastSeen:   time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	s.notify(record)
	return record, nil
}

// SetOffline no tiene efecto si la identidad sigue conectada en otra instancia.
func (s *PresenceService) SetOffline(ctx context.Context, identity, instanceID string) (domain.PresenceRecord, error) {
	s.clearTyping(identity)
	wentOffline, err := s.store.SetOffline(ctx, identity, instanceID)
	if err != nil {
		return domain.OfflineRecord(identity), err
	}
	record, err := s.store.Get(ctx, identity)
	if err != nil {
		return record, err
	}
	if wentOffline {
		s.notify(record)
	}
	return record, nil
}

// Touch renueva el vencimiento de la marca online (heartbeat).
func (s *PresenceService) Touch(ctx context.Context, identity, instanceID string) error {
	return s.store.Touch(ctx, identity, instanceID, s.ttl)
}

// SetTyping marca o limpia typing en una conversación. El estado vence solo tras typingTimeout.
func (s *PresenceService) SetTyping(ctx context.Context, identity, conversationID string, typing bool) {
	s.mu.Lock()
	current, active := s.typing[identity]
	changed := false
	previous := ""
	switch {
	case typing && active && current.conversationID == conversationID:
		current.timer.Reset(s.typingTimeout)
	case typing:
		if active {
			current.timer.Stop()
			previous = current.conversationID
		}
		state := &typingState{conversationID: conversationID}
		state.timer = time.AfterFunc(s.typingTimeout, func() { s.expireTyping(identity, state) })
		s.typing[identity] = state
		changed = true
	case active && current.conversationID == conversationID:
		current.timer.Stop()
		delete(s.typing, identity)
		changed = true
	}
	s.mu.Unlock()

	if previous != "" {
		s.notify(s.typingRecord(ctx, identity, previous, false))
	}
	if changed {
		s.notify(s.typingRecord(ctx, identity, conversationID, typing))
	}
}

func (s *PresenceService) expireTyping(identity string, state *typingState) {
	s.mu.Lock()
	if s.typing[identity] != state {
		s.mu.Unlock()
		return
	}
	delete(s.typing, identity)
	s.mu.Unlock()
	s.notify(s.typingRecord(context.Background(), identity, state.conversationID, false))
}

func (s *PresenceService) clearTyping(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.typing[identity]; ok {
		state.timer.Stop()
		delete(s.typing, identity)
	}
}

func (s *PresenceService) typingRecord(ctx context.Context, identity, conversationID string, typing bool) domain.PresenceRecord {
	record, err := s.store.Get(ctx, identity)
	if err != nil {
		s.logger.Warn("presence lookup failed", zap.String("identity", identity), zap.Error(err))
		record = domain.OfflineRecord(identity)
		record.Online = true
	}
	record.Typing = typing
	record.ConversationID = conversationID
	record.UpdatedAt = time.Now().UTC()
	return record
}

// Query devuelve el registro conocido; identidades desconocidas salen offline.
func (s *PresenceService) Query(ctx context.Context, identity string) (domain.PresenceRecord, error) {
	record, err := s.store.Get(ctx, identity)
	if err != nil {
		return domain.OfflineRecord(identity), err
	}
	s.mu.Lock()
	if state, ok := s.typing[identity]; ok {
		record.Typing = true
		record.ConversationID = state.conversationID
	}
	s.mu.Unlock()
	return record, nil
}

// Close detiene los temporizadores de typing pendientes.
func (s *PresenceService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.typing {
		state.timer.Stop()
		delete(s.typing, id)
	}
}
