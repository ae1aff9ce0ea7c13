package agentws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aviatra-labs/voicebridge/pkg/client"
)

func newTestHTTPClient() *client.HTTPClient {
	return client.NewHTTPClient("agentws-signed-url-test", 2*time.Second)
}

func TestNewSignedURLAcquirer_ReturnsSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			t.Errorf("missing or wrong api key header: %q", r.Header.Get("xi-api-key"))
		}
		if r.URL.Query().Get("agent_id") != "agent-123" {
			t.Errorf("agent_id = %q", r.URL.Query().Get("agent_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"signed_url":"wss://api.elevenlabs.io/v1/convai/conversation?token=abc"}`))
	}))
	defer srv.Close()

	acquire := NewSignedURLAcquirer(newTestHTTPClient(), srv.URL, "test-key", "agent-123")
	url, err := acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "wss://api.elevenlabs.io/v1/convai/conversation?token=abc" {
		t.Errorf("got %q", url)
	}
}

func TestNewSignedURLAcquirer_ErrorsOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer srv.Close()

	acquire := NewSignedURLAcquirer(newTestHTTPClient(), srv.URL, "bad-key", "agent-123")
	_, err := acquire(context.Background())
	if err == nil {
		t.Fatal("expected an error on a 401 response")
	}
}

func TestNewSignedURLAcquirer_ErrorsOnMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	acquire := NewSignedURLAcquirer(newTestHTTPClient(), srv.URL, "test-key", "agent-123")
	_, err := acquire(context.Background())
	if err == nil {
		t.Fatal("expected an error when signed_url is absent from the response")
	}
}

func TestNewSignedURLAcquirer_ErrorsOnMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	acquire := NewSignedURLAcquirer(newTestHTTPClient(), srv.URL, "test-key", "agent-123")
	_, err := acquire(context.Background())
	if err == nil {
		t.Fatal("expected a decode error on malformed JSON")
	}
}
