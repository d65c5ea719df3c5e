package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/repository"
)

type failingConversationRepo struct {
	repository.ConversationRepository
	err error
}

func (f failingConversationRepo) Create(context.Context, domain.Conversation) error { return f.err }

func (f failingConversationRepo) GetByID(context.Context, string) (domain.Conversation, error) {
	return domain.Conversation{}, f.err
}

func TestConversationService_CreateNormalizesParticipants(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := NewConversationService(store.Conversations)

	conv, err := svc.Create(context.Background(), "client-1", []string{" provider-9 ", "client-1", ""})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(conv.Participants) != 2 || conv.Participants[0] != "client-1" || conv.Participants[1] != "provider-9" {
		t.Fatalf("unexpected participants %v", conv.Participants)
	}
	if conv.ID == "" || conv.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamp")
	}

	if _, err := svc.Create(context.Background(), "client-1", []string{"client-1"}); !errors.Is(err, domain.ErrConversationParticipants) {
		t.Fatalf("expected ErrConversationParticipants, got %v", err)
	}
}

func TestConversationService_GetChecksMembership(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := NewConversationService(store.Conversations)
	conv, err := svc.Create(context.Background(), "a", []string{"b"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Get(context.Background(), conv.ID, "b"); err != nil {
		t.Fatalf("Get as participant: %v", err)
	}
	if _, err := svc.Get(context.Background(), conv.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "missing", "a"); !errors.Is(err, ErrConversationMissing) {
		t.Fatalf("expected ErrConversationMissing, got %v", err)
	}

	list, err := svc.ListFor(context.Background(), "a")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListFor = %v, %v", list, err)
	}
}

func TestConversationService_StorageFailures(t *testing.T) {
	svc := NewConversationService(failingConversationRepo{err: errors.New("connection reset")})
	if _, err := svc.Create(context.Background(), "a", []string{"b"}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "c1", "a"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	var nilSvc *ConversationService
	if _, err := nilSvc.ListFor(context.Background(), "a"); !errors.Is(err, ErrConversationServiceNotConfigured) {
		t.Fatalf("expected not configured error, got %v", err)
	}
}
