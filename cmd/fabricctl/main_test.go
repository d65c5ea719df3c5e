package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Amr2/wanna-help/internal/service"
)

func TestAPIClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Producer-ID") != "bidding" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"eventId":"evt-1"}`))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)
	client.headers["X-Producer-ID"] = "bidding"
	var out struct {
		EventID string `json:"eventId"`
	}
	if err := client.do(context.Background(), http.MethodPost, "/events", map[string]string{"topic": "bid.created"}, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.EventID != "evt-1" || calls.Load() != 3 {
		t.Fatalf("expected evt-1 after 3 calls, got %q after %d", out.EventID, calls.Load())
	}
}

func TestAPIClient_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL, time.Second).do(context.Background(), http.MethodGet, "/conversations", nil, nil)
	if !errors.Is(err, errBadStatus) {
		t.Fatalf("expected errBadStatus, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestTokenCmd_IssuesVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	var out bytes.Buffer
	cmd := tokenCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--user", "u1", "--role", "seeker"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	identity, err := service.NewAuthService("secret", time.Hour).Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "u1" || identity.Role != "seeker" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestHashKeyCmd_MatchesKey(t *testing.T) {
	var out bytes.Buffer
	cmd := hashKeyCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"bidding-key"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out.String())), []byte("bidding-key")); err != nil {
		t.Fatalf("hash does not match: %v", err)
	}
}
