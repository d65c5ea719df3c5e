package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/repository"
)

func textDraft(body string) MessageDraft {
	raw, _ := json.Marshal(body)
	return MessageDraft{Kind: domain.MessageKindText, Payload: raw}
}

func newDeliveryFixture(t *testing.T, participants ...string) (*DeliveryService, repository.Store, domain.Conversation) {
	t.Helper()
	store := repository.NewMemoryStore()
	conv, err := NewConversationService(store.Conversations).Create(context.Background(), participants[0], participants[1:])
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return NewDeliveryService(zap.NewNop(), store, 50), store, conv
}

func TestDeliveryService_AppendAssignsGaplessSequences(t *testing.T) {
	svc, _, conv := newDeliveryFixture(t, "client", "provider")
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		msg, err := svc.Append(ctx, conv.ID, "client", textDraft("hola"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if msg.Sequence != want {
			t.Fatalf("sequence = %d, want %d", msg.Sequence, want)
		}
		if msg.Receipts["provider"] != domain.DeliverySent {
			t.Fatalf("expected provider receipt sent, got %v", msg.Receipts)
		}
		if _, ok := msg.Receipts["client"]; ok {
			t.Fatalf("sender must not have a receipt entry")
		}
	}
}

func TestDeliveryService_ConcurrentInstancesNeverShareSequence(t *testing.T) {
	store := repository.NewMemoryStore()
	conv, err := NewConversationService(store.Conversations).Create(context.Background(), "a", []string{"b"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Dos servicios sobre el mismo almacenamiento simulan dos instancias con locks locales distintos.
	instances := []*DeliveryService{
		NewDeliveryService(zap.NewNop(), store, 100),
		NewDeliveryService(zap.NewNop(), store, 100),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "a"
			if i%2 == 1 {
				sender = "b"
			}
			if _, err := instances[i%2].Append(context.Background(), conv.ID, sender, textDraft("x")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := store.Messages.ListSince(context.Background(), conv.ID, 0, 100)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(msgs) != 40 {
		t.Fatalf("stored %d messages, want 40", len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence != int64(i+1) {
			t.Fatalf("gap at index %d: sequence %d", i, m.Sequence)
		}
	}
}

func TestDeliveryService_AppendValidation(t *testing.T) {
	svc, _, conv := newDeliveryFixture(t, "client", "provider")
	ctx := context.Background()

	image := &domain.Attachment{Name: "plan.png", MimeType: "image/png", Size: 2048, URL: "https://cdn.example.com/plan.png"}
	pdf := &domain.Attachment{Name: "quote.pdf", MimeType: "application/pdf", Size: 4096, URL: "https://cdn.example.com/quote.pdf"}

	cases := []struct {
		name    string
		sender  string
		draft   MessageDraft
		wantErr error
	}{
		{"image ok", "client", MessageDraft{Kind: domain.MessageKindImage, Attachment: image}, nil},
		{"file ok", "provider", MessageDraft{Kind: domain.MessageKindFile, Attachment: pdf}, nil},
		{"unknown kind", "client", MessageDraft{Kind: "video"}, ErrInvalidMessage},
		{"system from client", "client", MessageDraft{Kind: domain.MessageKindSystem, Payload: json.RawMessage(`"x"`)}, ErrInvalidMessage},
		{"empty text", "client", MessageDraft{Kind: domain.MessageKindText}, ErrInvalidMessage},
		{"image without attachment", "client", MessageDraft{Kind: domain.MessageKindImage}, ErrInvalidMessage},
		{"image with pdf", "client", MessageDraft{Kind: domain.MessageKindImage, Attachment: pdf}, ErrInvalidMessage},
		{"unknown mime", "client", MessageDraft{Kind: domain.MessageKindFile, Attachment: &domain.Attachment{Name: "x", MimeType: "made/up", URL: "https://x.example.com/x"}}, ErrInvalidMessage},
		{"attachment without url", "client", MessageDraft{Kind: domain.MessageKindFile, Attachment: &domain.Attachment{Name: "x", MimeType: "application/pdf"}}, ErrInvalidMessage},
		{"outsider", "mallory", textDraft("hi"), ErrNotParticipant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Append(ctx, conv.ID, tc.sender, tc.draft)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := svc.Append(ctx, "missing", "client", textDraft("hi")); !errors.Is(err, ErrConversationMissing) {
		t.Fatalf("expected ErrConversationMissing, got %v", err)
	}
}

type brokenMessages struct {
	repository.MessageRepository
}

func (brokenMessages) Append(context.Context, domain.Message) error {
	return errors.New("disk full")
}

func TestDeliveryService_StorageFailureIsNotAcknowledged(t *testing.T) {
	store := repository.NewMemoryStore()
	conv, _ := NewConversationService(store.Conversations).Create(context.Background(), "a", []string{"b"})
	store.Messages = brokenMessages{store.Messages}
	svc := NewDeliveryService(zap.NewNop(), store, 10)

	if _, err := svc.Append(context.Background(), conv.ID, "a", textDraft("hi")); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	got, _ := store.Conversations.GetByID(context.Background(), conv.ID)
	if got.LastSequence != 0 {
		t.Fatalf("sequence must not advance on failure, got %d", got.LastSequence)
	}
}

// vanishedMessages simula una conversación borrada entre la lectura y el insert.
type vanishedMessages struct {
	repository.MessageRepository
}

func (vanishedMessages) Append(context.Context, domain.Message) error {
	return repository.ErrNotFound
}

func TestDeliveryService_VanishedConversationIsMissing(t *testing.T) {
	store := repository.NewMemoryStore()
	conv, _ := NewConversationService(store.Conversations).Create(context.Background(), "a", []string{"b"})
	store.Messages = vanishedMessages{store.Messages}
	svc := NewDeliveryService(zap.NewNop(), store, 10)

	_, err := svc.Append(context.Background(), conv.ID, "a", textDraft("hi"))
	if !errors.Is(err, ErrConversationMissing) {
		t.Fatalf("expected ErrConversationMissing, got %v", err)
	}
	if errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("missing conversation must not be reported as unavailable")
	}
}

func TestDeliveryService_ReadReceiptsAreCumulative(t *testing.T) {
	svc, _, conv := newDeliveryFixture(t, "client", "provider")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Append(ctx, conv.ID, "client", textDraft("m")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// provider lee hasta la 2: 1 y 2 quedan read, 3 sigue sent.
	receipts, err := svc.MarkRead(ctx, conv.ID, 2, "provider")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(receipts) != 2 || receipts[0].Sequence != 1 || receipts[1].Sequence != 2 {
		t.Fatalf("unexpected receipts %+v", receipts)
	}
	for _, r := range receipts {
		if r.State != domain.DeliveryRead || r.SenderID != "client" || r.Recipient != "provider" {
			t.Fatalf("unexpected receipt %+v", r)
		}
	}

	replay, err := svc.ReplaySince(ctx, conv.ID, "client", 0)
	if err != nil {
		t.Fatalf("ReplaySince: %v", err)
	}
	want := []domain.DeliveryState{domain.DeliveryRead, domain.DeliveryRead, domain.DeliverySent}
	for i, msg := range replay {
		if msg.Receipts["provider"] != want[i] {
			t.Fatalf("message %d state = %v, want %v", msg.Sequence, msg.Receipts["provider"], want[i])
		}
	}

	// Repetir el acuse es un no-op.
	receipts, err = svc.MarkRead(ctx, conv.ID, 2, "provider")
	if err != nil || len(receipts) != 0 {
		t.Fatalf("expected idempotent read, got %+v, %v", receipts, err)
	}
	// Un delivered atrasado no degrada un read.
	receipts, err = svc.MarkDelivered(ctx, conv.ID, 1, "provider")
	if err != nil || len(receipts) != 0 {
		t.Fatalf("expected no transition, got %+v, %v", receipts, err)
	}
	receipts, err = svc.MarkDelivered(ctx, conv.ID, 3, "provider")
	if err != nil || len(receipts) != 1 || receipts[0].State != domain.DeliveryDelivered || receipts[0].Sequence != 3 {
		t.Fatalf("expected delivered transition for 3, got %+v, %v", receipts, err)
	}
}

func TestDeliveryService_ReceiptsSkipOwnMessagesAndRejectFutureSequences(t *testing.T) {
	svc, _, conv := newDeliveryFixture(t, "client", "provider")
	ctx := context.Background()
	_, _ = svc.Append(ctx, conv.ID, "client", textDraft("1"))
	_, _ = svc.Append(ctx, conv.ID, "provider", textDraft("2"))
	_, _ = svc.Append(ctx, conv.ID, "client", textDraft("3"))

	receipts, err := svc.MarkDelivered(ctx, conv.ID, 3, "provider")
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if len(receipts) != 2 || receipts[0].Sequence != 1 || receipts[1].Sequence != 3 {
		t.Fatalf("expected receipts for 1 and 3 only, got %+v", receipts)
	}

	if _, err := svc.MarkRead(ctx, conv.ID, 4, "provider"); !errors.Is(err, ErrSequenceOutOfRange) {
		t.Fatalf("expected ErrSequenceOutOfRange, got %v", err)
	}
	if _, err := svc.MarkRead(ctx, conv.ID, 1, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestDeliveryService_ReplaySinceIsOrderedAndPaged(t *testing.T) {
	store := repository.NewMemoryStore()
	conv, _ := NewConversationService(store.Conversations).Create(context.Background(), "a", []string{"b"})
	svc := NewDeliveryService(zap.NewNop(), store, 4)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := svc.Append(ctx, conv.ID, "a", textDraft("x")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page, err := svc.ReplaySince(ctx, conv.ID, "b", 7)
	if err != nil {
		t.Fatalf("ReplaySince: %v", err)
	}
	if len(page) != 3 || page[0].Sequence != 8 || page[2].Sequence != 10 {
		t.Fatalf("unexpected page %+v", page)
	}

	page, _ = svc.ReplaySince(ctx, conv.ID, "b", 0)
	if len(page) != 4 {
		t.Fatalf("expected replay limit of 4, got %d", len(page))
	}

	page, _ = svc.ReplaySince(ctx, conv.ID, "b", 10)
	if len(page) != 0 {
		t.Fatalf("expected empty replay at head, got %d", len(page))
	}

	if _, err := svc.ReplaySince(ctx, conv.ID, "mallory", 0); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}
