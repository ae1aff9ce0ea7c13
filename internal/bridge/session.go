package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/pkg/logger"
	"github.com/aviatra-labs/voicebridge/pkg/metrics"
)

// State is one of the named states of the Session Bridge state machine.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateAgentReady
	StateTelcoStarted
	StateReady
	StateClosing
	StateFailed
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateConnecting:
		return "Connecting"
	case StateAgentReady:
		return "AgentReady"
	case StateTelcoStarted:
		return "TelcoStarted"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	case StateFailed:
		return "Failed"
	case StateTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// Mode selects which handshake payload a Session sends to the Agent.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeVoicemail Mode = "voicemail"
)

// Direction records which route brought the Telco WS to this server.
type Direction string

const (
	DirectionOutbound            Direction = "outbound"
	DirectionInboundReceptionist Direction = "inbound_receptionist"
)

const (
	// defaultAudioBufferCap applies when Deps leaves a buffer cap unset (e.g.
	// tests constructing Deps by hand), matching the teacher's fixed 150.
	defaultAudioBufferCap = 150
)

// AgentConn is the subset of the Agent Session Factory's handle a Session
// needs. Implemented by *agentws.Session (see internal/agentws).
type AgentConn interface {
	SendJSON(v interface{}) error
	Send(raw []byte) error
	Recv() (<-chan []byte, <-chan error)
	Close() error
}

// TelcoFinalizer places the terminal REST call against the Telco provider
// once a call ends. Implemented by *telco.Client (see internal/telco).
type TelcoFinalizer interface {
	FinalizeCall(ctx context.Context, callSid string) error
}

// AMDLookup reads a classification recorded by the AMD Registry and guards
// cross-process finalize-once semantics.
type AMDLookup interface {
	Consume(callID string) (classification string, ok bool)
	TryFinalizeOnce(callID string) bool
}

// ToolDispatcher executes a client_tool_call and returns its result envelope.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, toolName, toolCallID string, parameters map[string]string) (result string, isError bool)
}

// HistoryRecorder enqueues a best-effort Call History Record on Terminal.
type HistoryRecorder interface {
	Record(rec Record)
}

// Record is the terminal summary persisted by the Call History Store.
type Record struct {
	CallID            string
	StreamID          string
	Direction         string
	Mode              string
	CustomerName      string
	CustomerNumber    string
	AirtableRecordID  string
	StartedAt         time.Time
	EndedAt           time.Time
	AMDClassification string
	TerminalReason    string
	ToolCallsCount    int
}

// Deps bundles the collaborators a Session needs beyond its own two
// WebSockets. AgentDial and Finalizer are supplied per-session because each
// call gets a fresh Agent WebSocket.
type Deps struct {
	AgentDial         func(ctx context.Context) (AgentConn, error)
	Finalizer         TelcoFinalizer
	AMD               AMDLookup
	Tools             ToolDispatcher
	History           HistoryRecorder
	AgentConnectTO    time.Duration
	TelcoStartTO      time.Duration
	VoicemailTO       time.Duration
	InboundBufferCap  int
	OutboundBufferCap int
	// TraceID correlates this Session's logs back to the HTTP request that
	// upgraded the Telco WebSocket, as set by middleware.TraceMiddleware.
	TraceID string
	Logger  *zap.Logger
}

// inboundBufferCap returns the configured Telco->Agent backlog cap, or
// defaultAudioBufferCap if Deps left it unset.
func (s *Session) inboundBufferCap() int {
	if s.deps.InboundBufferCap > 0 {
		return s.deps.InboundBufferCap
	}
	return defaultAudioBufferCap
}

// outboundBufferCap is inboundBufferCap's mirror for the Agent->Telco backlog.
func (s *Session) outboundBufferCap() int {
	if s.deps.OutboundBufferCap > 0 {
		return s.deps.OutboundBufferCap
	}
	return defaultAudioBufferCap
}

// Session is the per-call full-duplex bridge between one Telco WebSocket and
// one Agent WebSocket.
type Session struct {
	deps Deps

	mu    sync.Mutex
	state State

	telcoWS *websocket.Conn
	agentWS AgentConn

	streamID    string
	callID      string
	direction   Direction
	mode        Mode
	custParams  map[string]string

	initSent     bool
	telcoStarted bool
	agentOpen    bool
	telcoClosed  bool
	agentClosed  bool

	// inboundReady/outboundReady flip to true only once the corresponding
	// backlog buffer has been fully drained under the same lock acquisition
	// that flips them, so a frame arriving mid-drain always lands in the
	// buffer rather than jumping ahead of it.
	inboundReady  bool
	outboundReady bool

	inboundBuf  [][]byte // Telco -> Agent, base64 audio chunks
	outboundBuf [][]byte // Agent -> Telco, base64 audio chunks

	toolCallsCount int
	startedAt      time.Time
	initSentAt     time.Time
	firstAgentTS   time.Time

	span trace.Span

	watchdog      *time.Timer
	readyWatchdog *time.Timer
	closeOnce     sync.Once
	done          chan struct{}
}

// NewSession constructs a Session bound to an already-upgraded Telco
// WebSocket. Direction is fixed at construction based on which HTTP route
// accepted the connection.
func NewSession(telcoWS *websocket.Conn, direction Direction, deps Deps) *Session {
	_, span := otel.Tracer("voicebridge/bridge").Start(context.Background(), "session")
	return &Session{
		deps:      deps,
		state:     StateNew,
		telcoWS:   telcoWS,
		direction: direction,
		mode:      ModeNormal,
		startedAt: time.Now(),
		span:      span,
		done:      make(chan struct{}),
	}
}

func (s *Session) log() *zap.Logger {
	l := logger.WithCallContext(s.deps.Logger, s.callID, s.streamID)
	if s.deps.TraceID != "" {
		l = l.With(zap.String("trace_id", s.deps.TraceID))
	}
	return l
}

func (s *Session) setState(next State) {
	s.state = next
	s.span.SetAttributes(attribute.String("bridge.state", next.String()))
}

// Run drives the Session's Telco-side event loop until the Telco WebSocket
// closes or an unrecoverable error occurs. It owns the Session's lifetime:
// it starts the Agent dial, transitions through the state machine, and tears
// down both sides exactly once on return.
func (s *Session) Run(ctx context.Context) {
	defer s.terminate("telco_stop")
	defer s.span.End()

	s.mu.Lock()
	s.setState(StateConnecting)
	s.mu.Unlock()

	agentReady := make(chan struct{})
	go s.connectAgent(ctx, agentReady)

	for {
		_, raw, err := s.telcoWS.ReadMessage()
		if err != nil {
			s.log().Info("telco websocket closed", zap.Error(err))
			return
		}

		var frame TelcoInboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log().Warn("unparseable telco frame, dropping", zap.Error(err))
			continue
		}

		switch frame.Event {
		case "connected":
			// no-op, informational only
		case "start":
			s.handleTelcoStart(ctx, &frame)
		case "media":
			s.handleTelcoMedia(&frame)
		case "stop":
			s.log().Info("telco stop received")
			return
		default:
			s.log().Debug("unknown telco event", zap.String("event", frame.Event))
		}
	}
}

func (s *Session) connectAgent(ctx context.Context, ready chan<- struct{}) {
	connectCtx, cancel := context.WithTimeout(ctx, s.deps.AgentConnectTO)
	defer cancel()

	conn, err := s.deps.AgentDial(connectCtx)
	if err != nil {
		s.log().Warn("agent unavailable", zap.Error(err))
		s.fail(newError(KindAgentUnavailable, "agent websocket dial failed", err))
		close(ready)
		return
	}

	s.mu.Lock()
	if s.state == StateFailed || s.state == StateTerminal {
		s.mu.Unlock()
		conn.Close()
		close(ready)
		return
	}
	s.agentWS = conn
	s.agentOpen = true
	if s.state == StateConnecting {
		s.setState(StateAgentReady)
		s.armReadyWatchdogLocked()
	} else if s.state == StateTelcoStarted {
		s.setState(StateReady)
		s.cancelReadyWatchdogLocked()
	}
	s.mu.Unlock()
	close(ready)

	s.maybeSendInit()
	s.drainInbound()
	s.readAgentFrames()
}

func (s *Session) handleTelcoStart(ctx context.Context, frame *TelcoInboundFrame) {
	if frame.Start == nil {
		s.log().Warn("start event missing start payload")
		return
	}

	s.mu.Lock()
	if s.streamID == "" {
		s.streamID = frame.Start.StreamSid
		s.callID = frame.Start.CallSid
		s.custParams = frame.Start.CustomParameters
	}
	s.telcoStarted = true
	if s.state == StateConnecting {
		s.setState(StateTelcoStarted)
		s.armReadyWatchdogLocked()
	} else if s.state == StateAgentReady {
		s.setState(StateReady)
		s.cancelReadyWatchdogLocked()
	}
	s.mu.Unlock()

	if s.deps.AMD != nil {
		if classification, ok := s.deps.AMD.Consume(s.callID); ok {
			s.applyAMDClassification(classification)
		}
	}

	s.log().Info("telco start received",
		zap.String("stream_id", s.streamID),
		zap.String("call_id", s.callID),
	)
	if len(frame.Start.CustomParameters) > 0 {
		fields := make(map[string]interface{}, len(frame.Start.CustomParameters))
		for k, v := range frame.Start.CustomParameters {
			fields[k] = v
		}
		s.log().Debug("telco start custom parameters", logger.SafeFields(fields)...)
	}

	s.maybeSendInit()
	s.drainOutbound()
}

func (s *Session) applyAMDClassification(classification string) {
	s.mu.Lock()
	switch classification {
	case "machine_start", "machine_end_beep", "machine_end_silence", "machine_end_other", "fax":
		s.mode = ModeVoicemail
	default:
		s.mode = ModeNormal
	}
	mode := s.mode
	s.mu.Unlock()

	if mode == ModeVoicemail {
		s.log().Info("voicemail mode armed from amd classification", zap.String("classification", classification))
		s.armVoicemailWatchdog()
	}
}

func (s *Session) armVoicemailWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		return
	}
	s.watchdog = time.AfterFunc(s.deps.VoicemailTO, func() {
		s.log().Info("voicemail watchdog fired, forcing close")
		s.terminate("watchdog")
	})
}

// armReadyWatchdogLocked starts the timer bounding how long a Session may
// stay in AgentReady or TelcoStarted waiting on its other half. Callers must
// hold s.mu.
func (s *Session) armReadyWatchdogLocked() {
	if s.readyWatchdog != nil {
		return
	}
	s.readyWatchdog = time.AfterFunc(s.deps.TelcoStartTO, func() {
		s.fail(newError(KindTimeoutExceeded, "timed out waiting for both telco start and agent open", nil))
	})
}

// cancelReadyWatchdogLocked stops the ready watchdog once both sides are up.
// Callers must hold s.mu.
func (s *Session) cancelReadyWatchdogLocked() {
	if s.readyWatchdog != nil {
		s.readyWatchdog.Stop()
		s.readyWatchdog = nil
	}
}

// maybeSendInit sends the initialization frame exactly once, once both
// telco_started and agent_open hold.
func (s *Session) maybeSendInit() {
	s.mu.Lock()
	if s.initSent || !s.telcoStarted || !s.agentOpen {
		s.mu.Unlock()
		return
	}
	frame := s.buildInitFrame()
	s.mu.Unlock()

	if err := s.agentWS.Send(frame); err != nil {
		s.log().Warn("init send failed, will retry on next ready transition", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.initSent = true
	s.initSentAt = time.Now()
	s.mu.Unlock()
	s.log().Info("init frame sent")
}

func (s *Session) buildInitFrame() []byte {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")
	weekOut := now.AddDate(0, 0, 7).Format("2006-01-02")

	name := s.custParams["name"]
	number := s.custParams["number"]
	recordID := s.custParams["airtableRecordId"]

	dynamicVars := map[string]string{
		"CURRENT_DATE_YYYYMMDD": today,
		"TOMORROW_DATE_YYYYMMDD": tomorrow,
		"WEEK_OUT_DATE_YYYYMMDD": weekOut,
		"CALL_DIRECTION":        string(s.direction),
		"CUSTOMER_NAME":         name,
		"CUSTOMER_NUMBER":       number,
		"AIRTABLE_RECORD_ID":    recordID,
	}

	var firstMessage, prompt string
	if s.mode == ModeVoicemail {
		firstMessage = "Hi, this is a message for " + name + ". Please call us back at your convenience."
		prompt = "Deliver the first message once, then invoke end_voicemail_call. Do not wait for a reply."
	} else {
		firstMessage = "Hi " + name + ", thanks for taking my call."
		prompt = "Have a natural live conversation with the caller."
	}

	init := AgentInitFrame{
		Type: "conversation_initiation_client_data",
		ConversationConfigOverride: ConversationConfigOverride{
			Agent: AgentOverride{
				FirstMessage: firstMessage,
				Prompt:       Prompt{Prompt: prompt},
			},
			AudioOutput: AudioOutput{Encoding: "ulaw", SampleRate: 8000},
		},
		DynamicVariables: dynamicVars,
	}

	b, err := json.Marshal(init)
	if err != nil {
		s.log().Error("failed to marshal init frame", zap.Error(err))
		return nil
	}
	return b
}

func (s *Session) handleTelcoMedia(frame *TelcoInboundFrame) {
	if frame.Media == nil {
		return
	}
	payload := frame.Media.Payload

	s.mu.Lock()
	if !s.inboundReady {
		s.inboundBuf = appendBounded(s.inboundBuf, []byte(payload), s.inboundBufferCap())
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.agentWS.Send(newAgentAudioChunk(payload)); err != nil {
		s.log().Debug("agent send failed, dropping frame", zap.Error(err))
	}
}

// drainInbound flushes any Telco audio buffered before the Agent connection
// opened, then flips inboundReady so later frames go straight through. The
// flip happens in the same critical section as the final empty check, so a
// frame that arrives mid-drain is appended to the buffer (and picked up by
// another pass of the loop) rather than racing ahead of it.
func (s *Session) drainInbound() {
	for {
		s.mu.Lock()
		buf := s.inboundBuf
		s.inboundBuf = nil
		if len(buf) == 0 {
			s.inboundReady = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, payload := range buf {
			if err := s.agentWS.Send(newAgentAudioChunk(string(payload))); err != nil {
				s.log().Debug("agent send failed while draining inbound buffer", zap.Error(err))
			}
		}
	}
}

// drainOutbound is drainInbound's mirror for Agent audio buffered before
// Telco's stream id was known.
func (s *Session) drainOutbound() {
	s.mu.Lock()
	if s.streamID == "" {
		s.mu.Unlock()
		return
	}
	streamID := s.streamID
	for {
		buf := s.outboundBuf
		s.outboundBuf = nil
		if len(buf) == 0 {
			s.outboundReady = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, payload := range buf {
			s.writeTelco(newTelcoMediaOut(streamID, string(payload)))
		}
		s.mu.Lock()
	}
}

func (s *Session) writeTelco(raw []byte) {
	s.mu.Lock()
	conn := s.telcoWS
	closed := s.telcoClosed
	s.mu.Unlock()
	if closed || conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.log().Debug("telco send failed", zap.Error(err))
	}
}

// readAgentFrames pumps frames from the Agent WebSocket until it closes. It
// runs on the goroutine started by connectAgent for the lifetime of the
// Agent connection.
func (s *Session) readAgentFrames() {
	msgs, errs := s.agentWS.Recv()
	for {
		select {
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			s.handleAgentFrame(raw)
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.log().Info("agent websocket closed", zap.Error(err))
			s.terminate("agent_closed")
			return
		}
	}
}

func (s *Session) handleAgentFrame(raw []byte) {
	var frame agentOutboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.log().Warn("unparseable agent frame, dropping", zap.Error(err))
		return
	}

	switch frame.Type {
	case "audio", "audio_event":
		payload := frame.Audio.payload()
		if payload == "" {
			payload = frame.AudioEvent.payload()
		}
		s.forwardAudioToTelco(payload)
	case "interruption":
		s.handleInterruption()
	case "ping":
		var eventID int64
		if frame.PingEvent != nil {
			eventID = frame.PingEvent.EventID
		}
		if err := s.agentWS.Send(newAgentPong(eventID)); err != nil {
			s.log().Debug("pong send failed", zap.Error(err))
		}
	case "agent_response", "user_transcript", "conversation_initiation_metadata":
		s.log().Debug("agent observability frame", zap.String("type", frame.Type))
	case "client_tool_call":
		s.handleToolCall(frame.ClientToolCall)
	default:
		s.log().Warn("unrecognized agent frame type", zap.String("type", frame.Type))
	}
}

func (s *Session) forwardAudioToTelco(payload string) {
	if payload == "" {
		return
	}
	s.mu.Lock()
	if s.firstAgentTS.IsZero() {
		s.firstAgentTS = time.Now()
	}
	if !s.outboundReady {
		s.outboundBuf = appendBounded(s.outboundBuf, []byte(payload), s.outboundBufferCap())
		s.mu.Unlock()
		return
	}
	streamID := s.streamID
	s.mu.Unlock()

	s.writeTelco(newTelcoMediaOut(streamID, payload))
}

func (s *Session) handleInterruption() {
	s.mu.Lock()
	s.outboundBuf = nil
	ready := s.outboundReady
	streamID := s.streamID
	s.mu.Unlock()

	if !ready || streamID == "" {
		return
	}
	s.writeTelco(newTelcoClearOut(streamID))
}

func (s *Session) handleToolCall(call *agentClientToolCall) {
	if call == nil {
		return
	}
	if call.ToolCallID == "" {
		call.ToolCallID = uuid.NewString()
	}
	s.mu.Lock()
	s.toolCallsCount++
	s.mu.Unlock()

	if call.ToolName == "end_voicemail_call" {
		go s.terminate("agent_closed")
	}

	if s.deps.Tools == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		result, isError := s.deps.Tools.Dispatch(ctx, call.ToolName, call.ToolCallID, call.Parameters)
		if err := s.agentWS.Send(newAgentToolResult(call.ToolCallID, result, isError)); err != nil {
			s.log().Debug("tool result send failed", zap.Error(err))
		}
	}()
}

// terminate tears down both WebSockets exactly once, finalizes the Telco
// call, and enqueues a best-effort Call History Record.
func (s *Session) terminate(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setState(StateClosing)
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
		s.cancelReadyWatchdogLocked()
		callID := s.callID
		amdClass := ""
		if s.mode == ModeVoicemail {
			amdClass = "machine"
		}
		rec := Record{
			CallID:            callID,
			StreamID:          s.streamID,
			Direction:         string(s.direction),
			Mode:              string(s.mode),
			CustomerName:      s.custParams["name"],
			CustomerNumber:    s.custParams["number"],
			AirtableRecordID:  s.custParams["airtableRecordId"],
			StartedAt:         s.startedAt,
			EndedAt:           time.Now(),
			AMDClassification: amdClass,
			TerminalReason:    reason,
			ToolCallsCount:    s.toolCallsCount,
		}
		telcoClosed := s.telcoClosed
		s.telcoClosed = true
		agentWS := s.agentWS
		agentClosed := s.agentClosed
		s.agentClosed = true
		s.mu.Unlock()

		if !telcoClosed {
			s.telcoWS.Close()
		}
		if !agentClosed && agentWS != nil {
			agentWS.Close()
		}

		canFinalize := s.deps.AMD == nil || s.deps.AMD.TryFinalizeOnce(callID)
		if s.deps.Finalizer != nil && callID != "" && canFinalize {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.deps.Finalizer.FinalizeCall(ctx, callID); err != nil {
				s.log().Warn("failed to finalize telco call", zap.Error(err))
			}
			cancel()
		}

		s.mu.Lock()
		s.setState(StateTerminal)
		s.mu.Unlock()

		if s.deps.History != nil {
			s.deps.History.Record(rec)
		}

		close(s.done)
		metrics.RecordSessionTerminal(reason)
		s.log().Info("session terminated", zap.String("reason", reason))
	})
}

func (s *Session) fail(err *Error) {
	s.mu.Lock()
	s.setState(StateFailed)
	s.mu.Unlock()
	s.log().Warn("session failed", zap.Error(err))
	s.telcoWS.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(1011, err.Detail),
		time.Now().Add(time.Second),
	)
	s.terminate("failed")
}

func appendBounded(buf [][]byte, item []byte, cap int) [][]byte {
	buf = append(buf, item)
	if len(buf) > cap {
		buf = buf[len(buf)-cap:]
	}
	return buf
}
