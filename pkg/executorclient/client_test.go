package executorclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRun_Completed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-executor-key") != "secret" {
			t.Errorf("missing executor key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"completed","external_reference":"RZ-991"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", time.Second)
	result, err := client.Run(context.Background(), RunRequest{RedemptionID: "r1", TargetAccount: "acct", TokenCost: 100})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExternalReference != "RZ-991" {
		t.Fatalf("expected external reference RZ-991, got %q", result.ExternalReference)
	}
}

func TestRun_CleanFailureIsExecutionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"failed","reason":"out of stock"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", time.Second)
	_, err := client.Run(context.Background(), RunRequest{RedemptionID: "r1"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.Reason != "out of stock" {
		t.Fatalf("expected reason 'out of stock', got %q", execErr.Reason)
	}
}

func TestRun_4xxIsExecutionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"title":"Invalid","detail":"bad target account","status":"422"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", time.Second)
	_, err := client.Run(context.Background(), RunRequest{RedemptionID: "r1"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError for 4xx, got %v", err)
	}
}

func TestRun_5xxIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", time.Second)
	_, err := client.Run(context.Background(), RunRequest{RedemptionID: "r1"})
	if err == nil {
		t.Fatal("expected error for 5xx")
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		t.Fatalf("5xx must not be a clean ExecutionError: %v", err)
	}
}

func TestRun_TimeoutIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", 20*time.Millisecond)
	_, err := client.Run(context.Background(), RunRequest{RedemptionID: "r1"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		t.Fatalf("timeout must not be a clean ExecutionError: %v", err)
	}
}
