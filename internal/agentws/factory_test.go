package agentws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func TestFactory_DialAndRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	f := NewFactory(zap.NewNop())
	session, err := f.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer session.Close()

	if err := session.Send([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	msgs, errs := session.Recv()
	select {
	case msg := <-msgs:
		if string(msg) != `{"hello":"world"}` {
			t.Errorf("got %q", msg)
		}
	case err := <-errs:
		t.Fatalf("unexpected read error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
}

func TestFactory_DialFailsOnUnreachableHost(t *testing.T) {
	f := NewFactory(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := f.Dial(ctx, "ws://127.0.0.1:1/never-listening")
	if err == nil {
		t.Fatal("expected dial to fail against a host with nothing listening")
	}
}

func TestSession_CloseIsIdempotentAndStopsSends(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	f := NewFactory(zap.NewNop())
	session, err := f.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}

	if err := session.Send([]byte("too late")); err == nil {
		t.Error("expected Send after Close to fail")
	}
}
