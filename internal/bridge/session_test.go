package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// fakeAgentConn is a hand-written AgentConn double: no network involved, so
// tests can drive the Agent side of the bridge deterministically.
type fakeAgentConn struct {
	mu      sync.Mutex
	sent    [][]byte
	sentAny []interface{}
	closed  bool

	msgs chan []byte
	errs chan error
}

func newFakeAgentConn() *fakeAgentConn {
	return &fakeAgentConn{
		msgs: make(chan []byte, 16),
		errs: make(chan error, 1),
	}
}

func (f *fakeAgentConn) SendJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentAny = append(f.sentAny, v)
	return nil
}

func (f *fakeAgentConn) Send(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeAgentConn) Recv() (<-chan []byte, <-chan error) {
	return f.msgs, f.errs
}

func (f *fakeAgentConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

func (f *fakeAgentConn) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeFinalizer struct {
	mu      sync.Mutex
	callIDs []string
}

func (f *fakeFinalizer) FinalizeCall(ctx context.Context, callSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callIDs = append(f.callIDs, callSid)
	return nil
}

// fakeAMD reports classification unconditionally when ok is true; the zero
// value behaves as "no classification recorded" for tests that don't care.
type fakeAMD struct {
	classification string
	ok             bool
}

func (f fakeAMD) Consume(callID string) (string, bool) { return f.classification, f.ok }
func (f fakeAMD) TryFinalizeOnce(callID string) bool    { return true }

type fakeHistory struct {
	mu  sync.Mutex
	rec *Record
}

func (h *fakeHistory) Record(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := rec
	h.rec = &r
}

func (h *fakeHistory) get() *Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

// newTestSession spins up an httptest server that upgrades to a Telco
// WebSocket and runs a Session against it, returning a client-side
// connection the test drives directly plus the fake Agent double.
func newTestSession(t *testing.T, agent *fakeAgentConn, deps Deps) (*websocket.Conn, *Session) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	var session *Session
	sessionReady := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		if deps.AgentDial == nil {
			deps.AgentDial = func(ctx context.Context) (AgentConn, error) {
				return agent, nil
			}
		}
		if deps.Logger == nil {
			deps.Logger = zap.NewNop()
		}
		if deps.AgentConnectTO == 0 {
			deps.AgentConnectTO = time.Second
		}
		if deps.TelcoStartTO == 0 {
			deps.TelcoStartTO = time.Second
		}
		if deps.VoicemailTO == 0 {
			deps.VoicemailTO = time.Second
		}
		session = NewSession(conn, DirectionOutbound, deps)
		close(sessionReady)
		session.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	<-sessionReady
	return clientConn, session
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSession_TelcoStartTriggersInitFrameOnceAgentReady(t *testing.T) {
	agent := newFakeAgentConn()
	history := &fakeHistory{}
	clientConn, _ := newTestSession(t, agent, Deps{
		Finalizer: &fakeFinalizer{},
		AMD:       fakeAMD{},
		History:   history,
	})

	start := TelcoInboundFrame{
		Event: "start",
		Start: &TelcoStartInfo{
			StreamSid:        "MZ123",
			CallSid:          "CA123",
			CustomParameters: map[string]string{"name": "Jane", "number": "+15551234567"},
		},
	}
	b, _ := json.Marshal(start)
	if err := clientConn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(agent.sentFrames()) > 0 })

	var init AgentInitFrame
	if err := json.Unmarshal(agent.sentFrames()[0], &init); err != nil {
		t.Fatalf("init frame is not valid JSON: %v", err)
	}
	if init.Type != "conversation_initiation_client_data" {
		t.Errorf("type = %q", init.Type)
	}
	if init.DynamicVariables["CUSTOMER_NAME"] != "Jane" {
		t.Errorf("dynamic vars = %+v", init.DynamicVariables)
	}
	if !strings.Contains(init.ConversationConfigOverride.Agent.FirstMessage, "Jane") {
		t.Errorf("first message should greet Jane, got %q", init.ConversationConfigOverride.Agent.FirstMessage)
	}
}

func TestSession_MediaFramesForwardBothWays(t *testing.T) {
	agent := newFakeAgentConn()
	clientConn, _ := newTestSession(t, agent, Deps{
		Finalizer: &fakeFinalizer{},
		AMD:       fakeAMD{},
		History:   &fakeHistory{},
	})

	start := TelcoInboundFrame{Event: "start", Start: &TelcoStartInfo{StreamSid: "MZ1", CallSid: "CA1"}}
	b, _ := json.Marshal(start)
	clientConn.WriteMessage(websocket.TextMessage, b)
	waitFor(t, time.Second, func() bool { return len(agent.sentFrames()) > 0 })

	media := TelcoInboundFrame{Event: "media", Media: &TelcoMediaInfo{Payload: "dGVsY28tYXVkaW8="}}
	b, _ = json.Marshal(media)
	clientConn.WriteMessage(websocket.TextMessage, b)

	waitFor(t, time.Second, func() bool { return len(agent.sentFrames()) >= 2 })
	var chunk AgentAudioChunk
	if err := json.Unmarshal(agent.sentFrames()[1], &chunk); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
	if chunk.UserAudioChunk != "dGVsY28tYXVkaW8=" {
		t.Errorf("got %q", chunk.UserAudioChunk)
	}

	agentAudio, _ := json.Marshal(map[string]interface{}{
		"type":  "audio",
		"audio": map[string]string{"chunk": "YWdlbnQtYXVkaW8="},
	})
	agent.msgs <- agentAudio

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("expected forwarded audio frame from telco side: %v", err)
	}
	var out TelcoMediaOut
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
	if out.Event != "media" || out.StreamSid != "MZ1" {
		t.Errorf("got %+v", out)
	}
}

func TestSession_StopFinalizesAndRecordsHistory(t *testing.T) {
	agent := newFakeAgentConn()
	finalizer := &fakeFinalizer{}
	history := &fakeHistory{}
	clientConn, session := newTestSession(t, agent, Deps{
		Finalizer: finalizer,
		AMD:       fakeAMD{},
		History:   history,
	})

	start := TelcoInboundFrame{Event: "start", Start: &TelcoStartInfo{StreamSid: "MZ9", CallSid: "CA9"}}
	b, _ := json.Marshal(start)
	clientConn.WriteMessage(websocket.TextMessage, b)
	waitFor(t, time.Second, func() bool { return len(agent.sentFrames()) > 0 })

	stop, _ := json.Marshal(TelcoInboundFrame{Event: "stop"})
	clientConn.WriteMessage(websocket.TextMessage, stop)

	select {
	case <-session.done:
	case <-time.After(time.Second):
		t.Fatal("session did not terminate after stop")
	}

	finalizer.mu.Lock()
	gotFinalized := len(finalizer.callIDs) == 1 && finalizer.callIDs[0] == "CA9"
	finalizer.mu.Unlock()
	if !gotFinalized {
		t.Errorf("expected FinalizeCall(CA9), got %+v", finalizer.callIDs)
	}

	rec := history.get()
	if rec == nil {
		t.Fatal("expected a call history record to be enqueued")
	}
	if rec.CallID != "CA9" || rec.TerminalReason != "telco_stop" {
		t.Errorf("got %+v", rec)
	}
}

// getOutboundBufLen peeks at the Session's outbound backlog under lock. This
// is a white-box in-package test reaching into an unexported field to
// observe buffering behavior that has no other externally visible signal.
func getOutboundBufLen(s *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outboundBuf)
}

func TestSession_InterruptionDiscardsBufferedOutboundAudio(t *testing.T) {
	agent := newFakeAgentConn()
	clientConn, session := newTestSession(t, agent, Deps{
		Finalizer: &fakeFinalizer{},
		AMD:       fakeAMD{},
		History:   &fakeHistory{},
	})

	// Telco has not sent "start" yet, so outboundReady is still false and any
	// agent audio lands in the backlog buffer instead of forwarding.
	audioFrame := func(chunk string) []byte {
		b, _ := json.Marshal(map[string]interface{}{
			"type":  "audio",
			"audio": map[string]string{"chunk": chunk},
		})
		return b
	}
	agent.msgs <- audioFrame("YXVkaW8tb25l")
	agent.msgs <- audioFrame("YXVkaW8tdHdv")
	waitFor(t, time.Second, func() bool { return getOutboundBufLen(session) >= 2 })

	interruption, _ := json.Marshal(map[string]string{"type": "interruption"})
	agent.msgs <- interruption
	waitFor(t, time.Second, func() bool { return getOutboundBufLen(session) == 0 })

	start := TelcoInboundFrame{Event: "start", Start: &TelcoStartInfo{StreamSid: "MZ7", CallSid: "CA7"}}
	b, _ := json.Marshal(start)
	clientConn.WriteMessage(websocket.TextMessage, b)

	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := clientConn.ReadMessage(); err == nil {
		t.Fatal("expected no forwarded audio: the interrupted backlog should have been discarded")
	}
}

func TestSession_InterruptionAfterReadySendsClearToTelco(t *testing.T) {
	agent := newFakeAgentConn()
	clientConn, _ := newTestSession(t, agent, Deps{
		Finalizer: &fakeFinalizer{},
		AMD:       fakeAMD{},
		History:   &fakeHistory{},
	})

	start := TelcoInboundFrame{Event: "start", Start: &TelcoStartInfo{StreamSid: "MZ8", CallSid: "CA8"}}
	b, _ := json.Marshal(start)
	clientConn.WriteMessage(websocket.TextMessage, b)
	waitFor(t, time.Second, func() bool { return len(agent.sentFrames()) > 0 })

	interruption, _ := json.Marshal(map[string]string{"type": "interruption"})
	agent.msgs <- interruption

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a clear frame on telco side: %v", err)
	}
	var out TelcoClearOut
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
	if out.Event != "clear" || out.StreamSid != "MZ8" {
		t.Errorf("got %+v", out)
	}
}

func TestSession_AMDMachineClassificationArmsVoicemailWatchdogAndForcesClose(t *testing.T) {
	agent := newFakeAgentConn()
	finalizer := &fakeFinalizer{}
	history := &fakeHistory{}
	clientConn, session := newTestSession(t, agent, Deps{
		Finalizer:   finalizer,
		AMD:         fakeAMD{classification: "machine_start", ok: true},
		History:     history,
		VoicemailTO: 30 * time.Millisecond,
	})

	start := TelcoInboundFrame{Event: "start", Start: &TelcoStartInfo{StreamSid: "MZ11", CallSid: "CA11"}}
	b, _ := json.Marshal(start)
	clientConn.WriteMessage(websocket.TextMessage, b)

	waitFor(t, time.Second, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.mode == ModeVoicemail
	})

	select {
	case <-session.done:
	case <-time.After(time.Second):
		t.Fatal("voicemail watchdog never forced the session closed")
	}

	finalizer.mu.Lock()
	gotFinalized := len(finalizer.callIDs) == 1 && finalizer.callIDs[0] == "CA11"
	finalizer.mu.Unlock()
	if !gotFinalized {
		t.Errorf("expected FinalizeCall(CA11), got %+v", finalizer.callIDs)
	}

	rec := history.get()
	if rec == nil {
		t.Fatal("expected a call history record to be enqueued")
	}
	if rec.Mode != string(ModeVoicemail) || rec.TerminalReason != "watchdog" {
		t.Errorf("got %+v", rec)
	}
}

func TestSession_AgentUnavailableClosesTelcoWith1011(t *testing.T) {
	finalizer := &fakeFinalizer{}
	history := &fakeHistory{}
	dialErr := errors.New("connection refused")
	clientConn, session := newTestSession(t, nil, Deps{
		Finalizer: finalizer,
		AMD:       fakeAMD{},
		History:   history,
		AgentDial: func(ctx context.Context) (AgentConn, error) { return nil, dialErr },
	})

	select {
	case <-session.done:
	case <-time.After(time.Second):
		t.Fatal("session never terminated after agent dial failure")
	}

	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := clientConn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a websocket close error, got %v", err)
	}
	if closeErr.Code != 1011 {
		t.Errorf("close code = %d, want 1011", closeErr.Code)
	}

	rec := history.get()
	if rec == nil || rec.TerminalReason != "failed" {
		t.Errorf("expected a history record with reason=failed, got %+v", rec)
	}
}
