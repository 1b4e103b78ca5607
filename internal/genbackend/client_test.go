package genbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateSendsPromptAndContext(t *testing.T) {
	var got generateRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "The harbor was empty at dawn."})
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key", 5*time.Second)
	text, err := client.Generate(context.Background(), "[DOMAIN: WRITING]\nContinue the scene.", []string{"Aria is the protagonist."}, "deep")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "The harbor was empty at dawn." {
		t.Errorf("unexpected text %q", text)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if got.Depth != "deep" || len(got.Context) != 1 || got.Context[0] != "Aria is the protagonist." {
		t.Errorf("request not forwarded verbatim: %+v", got)
	}
}

func TestGenerateMapsBackendErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 5*time.Second)
	_, err := client.Generate(context.Background(), "hello", nil, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for 503, got %v", err)
	}
}

func TestGenerateMapsTimeouts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 20*time.Millisecond)
	_, err := client.Generate(context.Background(), "hello", nil, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for timeout, got %v", err)
	}
}

func TestGenerateRejectsEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": ""})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", 5*time.Second)
	_, err := client.Generate(context.Background(), "hello", nil, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for empty generation, got %v", err)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	client := NewClient("", "", 5*time.Second)
	if client.Configured() {
		t.Error("client with no URL should not report configured")
	}
	if _, err := client.Generate(context.Background(), "hello", nil, ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
