package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/repository"
)

var ErrConversationServiceNotConfigured = errors.New("conversation service not configured")

// ConversationService crea y consulta hilos de conversación.
type ConversationService struct {
	repo repository.ConversationRepository
}

func NewConversationService(repo repository.ConversationRepository) *ConversationService {
	return &ConversationService{repo: repo}
}

// Create abre una conversación; el creador siempre queda como participante.
func (s *ConversationService) Create(ctx context.Context, creator string, participants []string) (domain.Conversation, error) {
	if s == nil || s.repo == nil {
		return domain.Conversation{}, ErrConversationServiceNotConfigured
	}
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return domain.Conversation{}, domain.ErrConversationParticipants
	}
	ids, err := domain.NormalizeParticipants(append([]string{creator}, participants...))
	if err != nil {
		return domain.Conversation{}, err
	}
	conv := domain.Conversation{
		ID:           uuid.NewString(),
		Participants: ids,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return conv, nil
}

// Get devuelve la conversación solo si viewer participa en ella.
func (s *ConversationService) Get(ctx context.Context, id, viewer string) (domain.Conversation, error) {
	if s == nil || s.repo == nil {
		return domain.Conversation{}, ErrConversationServiceNotConfigured
	}
	conv, err := loadConversation(ctx, s.repo, strings.TrimSpace(id))
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conv.HasParticipant(viewer) {
		return domain.Conversation{}, ErrNotParticipant
	}
	return conv, nil
}

func (s *ConversationService) ListFor(ctx context.Context, userID string) ([]domain.Conversation, error) {
	if s == nil || s.repo == nil {
		return nil, ErrConversationServiceNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []domain.Conversation{}, nil
	}
	convs, err := s.repo.ListByParticipant(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return convs, nil
}

// loadConversation traduce los errores del repositorio a los del servicio.
func loadConversation(ctx context.Context, repo repository.ConversationRepository, id string) (domain.Conversation, error) {
	if id == "" {
		return domain.Conversation{}, ErrConversationMissing
	}
	conv, err := repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Conversation{}, ErrConversationMissing
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return conv, nil
}
