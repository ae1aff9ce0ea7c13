// Package toolproxy dispatches client_tool_call requests arriving on the
// Agent WebSocket to the recognized tool implementations and returns a
// result envelope the Session can forward back to the Agent.
package toolproxy

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/aviatra-labs/voicebridge/pkg/client"
)

const toolCallTimeout = 10 * time.Second

// Proxy dispatches the closed set of tools the Agent may invoke.
type Proxy struct {
	calendar *CalendarClient
	log      *zap.Logger
}

// New constructs a Proxy backed by the given circuit-breaker-wrapped HTTP
// client for the calendar backend.
func New(httpClient *client.HTTPClient, cfg CalendarConfig, log *zap.Logger) *Proxy {
	return &Proxy{
		calendar: NewCalendarClient(httpClient, cfg),
		log:      log,
	}
}

// Dispatch executes toolName and returns a JSON-encoded result string plus
// an is_error flag, ready to embed in a client_tool_result envelope.
// Dispatch never panics or blocks past the 10 s tool-call budget: the
// context passed in should already carry that deadline, but Dispatch
// enforces its own as a backstop.
func (p *Proxy) Dispatch(ctx context.Context, toolName, toolCallID string, parameters map[string]string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	p.log.Info("dispatching tool call", zap.String("tool_name", toolName), zap.String("tool_call_id", toolCallID))

	switch toolName {
	case "get_current_time":
		return p.getCurrentTime(parameters)
	case "get_available_slots":
		return p.calendar.GetAvailableSlots(ctx, parameters)
	case "book_meeting":
		return p.calendar.BookMeeting(ctx, parameters)
	case "end_call":
		return encodeResult(map[string]string{"acknowledged": "true"}), false
	case "end_voicemail_call":
		return encodeResult(map[string]string{"acknowledged": "true"}), false
	default:
		p.log.Warn("unrecognized tool call", zap.String("tool_name", toolName))
		return encodeResult(map[string]string{"error": "unrecognized tool: " + toolName}), true
	}
}

func (p *Proxy) getCurrentTime(parameters map[string]string) (string, bool) {
	timezone := parameters["timeZone"]
	if timezone == "" {
		timezone = "Australia/Brisbane"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
		timezone = "UTC"
	}
	now := time.Now().In(loc)
	return encodeResult(map[string]string{
		"current_time": now.Format(time.RFC3339),
		"timezone":     timezone,
	}), false
}

func encodeResult(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"failed to encode result"}`
	}
	return string(b)
}
