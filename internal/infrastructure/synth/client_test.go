package synth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"orionchat/internal/domain"
)

func TestClientFetchSendsRequest(t *testing.T) {
	var got synthRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tts-service" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(synthResponse{Audio: "QUJD"})
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	audio, err := c.Fetch(context.Background(), " hola ", domain.Voice{ID: "es", Provider: "google"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if audio != "QUJD" {
		t.Fatalf("expected QUJD, got %q", audio)
	}
	if got.Text != "hola" || got.VoiceID != "es" || got.VoiceProvider != "google" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestClientFetchEmptyTextSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, _ := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Fetch(context.Background(), "   ", domain.Voice{ID: "es", Provider: "google"})
	if !errors.Is(err, domain.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no requests, got %d", calls.Load())
	}
}

func TestClientFetchNonSuccessStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Fetch(context.Background(), "hola", domain.Voice{ID: "es", Provider: "google"})

	var synthErr *domain.SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if synthErr.Status != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", synthErr.Status)
	}
	if synthErr.Message != "boom" {
		t.Fatalf("expected message boom, got %q", synthErr.Message)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestClientFetchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := NewClient(ClientConfig{BaseURL: url})
	_, err := c.Fetch(context.Background(), "hola", domain.Voice{ID: "es", Provider: "google"})

	var synthErr *domain.SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if synthErr.Status != 0 {
		t.Fatalf("expected status 0 for network error, got %d", synthErr.Status)
	}
}

func TestClientFetchEmptyAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"audio":""}`))
	}))
	defer srv.Close()

	c, _ := NewClient(ClientConfig{BaseURL: srv.URL})
	if _, err := c.Fetch(context.Background(), "hola", domain.Voice{ID: "es", Provider: "google"}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
