package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookSender_PostsPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender, err := NewWebhookSender(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookSender: %v", err)
	}
	err = sender.Send(context.Background(), Payload{Recipient: "u1", NotificationID: "n1", EventID: "e1", Topic: "bid.created", Badge: 2})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Recipient != "u1" || got.Badge != 2 || got.Topic != "bid.created" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookSender_RetriesServerErrorsButNotClientErrors(t *testing.T) {
	var calls int32
	status := int32(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&status) == http.StatusServiceUnavailable && n >= 2 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	sender, _ := NewWebhookSender(srv.URL, time.Second)
	if err := sender.Send(context.Background(), Payload{Recipient: "u1"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	atomic.StoreInt32(&calls, 0)
	atomic.StoreInt32(&status, http.StatusBadRequest)
	if err := sender.Send(context.Background(), Payload{Recipient: "u1"}); err == nil {
		t.Fatalf("expected client error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls)
	}
}

func TestSenderConstruction(t *testing.T) {
	if _, err := NewWebhookSender("  ", time.Second); err == nil {
		t.Fatalf("expected error for empty url")
	}
	disabled := NewDisabledSender("")
	if err := disabled.Send(context.Background(), Payload{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if !IsDisabled(disabled) {
		t.Fatalf("expected IsDisabled to detect disabled sender")
	}
}
