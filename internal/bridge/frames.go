package bridge

import "encoding/json"

// Telco wire frames — Twilio-shaped Media Streams protocol.

// TelcoInboundFrame is the shape common to every frame Telco sends us; the
// event name determines which of the nested structs is populated.
type TelcoInboundFrame struct {
	Event          string            `json:"event"`
	SequenceNumber string            `json:"sequenceNumber,omitempty"`
	Start          *TelcoStartInfo   `json:"start,omitempty"`
	Media          *TelcoMediaInfo   `json:"media,omitempty"`
	StreamSid      string            `json:"streamSid,omitempty"`
}

// TelcoStartInfo is populated on {event: "start"}.
type TelcoStartInfo struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// TelcoMediaInfo is populated on {event: "media"}.
type TelcoMediaInfo struct {
	Payload string `json:"payload"`
}

// TelcoMediaOut is the {event:"media", ...} frame sent to Telco.
type TelcoMediaOut struct {
	Event     string             `json:"event"`
	StreamSid string             `json:"streamSid"`
	Media     TelcoMediaPayload  `json:"media"`
}

type TelcoMediaPayload struct {
	Payload string `json:"payload"`
}

// TelcoClearOut is the {event:"clear", ...} frame sent to Telco on interruption.
type TelcoClearOut struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func newTelcoMediaOut(streamSid, payload string) []byte {
	b, _ := json.Marshal(TelcoMediaOut{
		Event:     "media",
		StreamSid: streamSid,
		Media:     TelcoMediaPayload{Payload: payload},
	})
	return b
}

func newTelcoClearOut(streamSid string) []byte {
	b, _ := json.Marshal(TelcoClearOut{Event: "clear", StreamSid: streamSid})
	return b
}

// Agent wire frames — ElevenLabs-shaped Conversational AI protocol.

// AgentInitFrame is the one-shot conversation_initiation_client_data message.
type AgentInitFrame struct {
	Type                       string                     `json:"type"`
	ConversationConfigOverride ConversationConfigOverride `json:"conversation_config_override"`
	DynamicVariables           map[string]string          `json:"dynamic_variables"`
}

type ConversationConfigOverride struct {
	Agent       AgentOverride `json:"agent"`
	TTS         TTSOverride   `json:"tts"`
	AudioOutput AudioOutput   `json:"audio_output"`
}

type AgentOverride struct {
	FirstMessage string `json:"first_message,omitempty"`
	Prompt       Prompt `json:"prompt,omitempty"`
}

type Prompt struct {
	Prompt string `json:"prompt,omitempty"`
}

type TTSOverride struct{}

type AudioOutput struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// AgentAudioChunk is the per-frame audio message sent to the Agent.
type AgentAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// AgentPong replies to an Agent ping.
type AgentPong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// AgentToolResult is the client_tool_result envelope sent back to the Agent.
type AgentToolResult struct {
	Type        string `json:"type"`
	ToolCallID  string `json:"tool_call_id"`
	Result      string `json:"result"`
	IsError     bool   `json:"is_error"`
}

func newAgentAudioChunk(b64 string) []byte {
	b, _ := json.Marshal(AgentAudioChunk{UserAudioChunk: b64})
	return b
}

func newAgentPong(eventID int64) []byte {
	b, _ := json.Marshal(AgentPong{Type: "pong", EventID: eventID})
	return b
}

func newAgentToolResult(toolCallID, result string, isError bool) []byte {
	b, _ := json.Marshal(AgentToolResult{
		Type:       "client_tool_result",
		ToolCallID: toolCallID,
		Result:     result,
		IsError:    isError,
	})
	return b
}

// agentOutboundFrame is the generic decode shape for anything the Agent
// sends us; only the fields relevant to the observed "type" are populated.
type agentOutboundFrame struct {
	Type string `json:"type"`

	// audio / audio_event
	Audio      *agentAudioPayload `json:"audio,omitempty"`
	AudioEvent *agentAudioPayload `json:"audio_event,omitempty"`

	// ping
	PingEvent *agentPingEvent `json:"ping_event,omitempty"`

	// client_tool_call
	ClientToolCall *agentClientToolCall `json:"client_tool_call,omitempty"`
}

type agentAudioPayload struct {
	Chunk       string `json:"chunk,omitempty"`
	AudioBase64 string `json:"audio_base_64,omitempty"`
}

// payload returns whichever of the two historically-used field names for the
// base64 audio chunk is populated.
func (p *agentAudioPayload) payload() string {
	if p == nil {
		return ""
	}
	if p.Chunk != "" {
		return p.Chunk
	}
	return p.AudioBase64
}

type agentPingEvent struct {
	EventID int64 `json:"event_id"`
}

type agentClientToolCall struct {
	ToolName   string            `json:"tool_name"`
	ToolCallID string            `json:"tool_call_id"`
	Parameters map[string]string `json:"parameters"`
}
