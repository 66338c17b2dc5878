package mailboxclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListUnread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/unread" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Internal-API-Key"); got != "relay-key" {
			t.Errorf("expected api key header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[{"id":"m1","subject":"轉帳通知","sender":"bank@example.com","body":"金額 NT$500"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "relay-key")
	messages, err := client.ListUnread(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "m1" || messages[0].Subject != "轉帳通知" {
		t.Errorf("unexpected messages: %+v", messages)
	}
}

func TestMarkConsumed(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if err := client.MarkConsumed(context.Background(), "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/messages/m1/consume" {
		t.Errorf("unexpected path %s", gotPath)
	}
}

func TestMarkConsumedEscapesMessageID(t *testing.T) {
	var gotEscapedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEscapedPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if err := client.MarkConsumed(context.Background(), "a/b?c@host"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotEscapedPath != "/messages/a%2Fb%3Fc@host/consume" {
		t.Errorf("message id not escaped in path: %s", gotEscapedPath)
	}
}

func TestRelayErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.ListUnread(context.Background()); err == nil {
		t.Fatal("expected error for 502 response")
	}
	if err := client.MarkConsumed(context.Background(), "m1"); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
