// Package agentws opens a fresh WebSocket to the Agent provider for every
// call and exposes it through the small interface the Session Bridge needs,
// so the bridge never has to know about gorilla/websocket directly.
package agentws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Session is a client-owned handle to one Agent WebSocket connection. Every
// call gets its own Session; there is no reuse across calls.
type Session struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu        sync.Mutex
	closed    bool
	writeOnce sync.Once

	msgs chan []byte
	errs chan error
}

// Factory dials the Agent WebSocket using a signed URL supplied by the URL
// Prewarm Cache.
type Factory struct {
	log *zap.Logger
}

// NewFactory constructs a Factory.
func NewFactory(log *zap.Logger) *Factory {
	return &Factory{log: log}
}

// Dial opens a new Agent WebSocket bound by ctx's deadline (the caller sets
// the 3 s connect timeout named in the concurrency model). On success it
// starts a background reader pump and returns immediately; frames become
// available on the channel returned by Recv.
func (f *Factory) Dial(ctx context.Context, signedURL string) (*Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, _, err := dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn: conn,
		log:  f.log,
		msgs: make(chan []byte, 64),
		errs: make(chan error, 1),
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	defer close(s.msgs)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.errs <- err
			close(s.errs)
			return
		}
		s.msgs <- raw
	}
}

// SendJSON marshals v and sends it as a text frame.
func (s *Session) SendJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteJSON(v)
}

// Send writes a pre-encoded text frame.
func (s *Session) Send(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// Recv returns the two channels the Session Bridge selects on: one for
// inbound frames, one for the terminal read error that ends the pump.
func (s *Session) Recv() (<-chan []byte, <-chan error) {
	return s.msgs, s.errs
}

// Close closes the underlying connection exactly once.
func (s *Session) Close() error {
	var err error
	s.writeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}
