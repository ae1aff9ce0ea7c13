package toolproxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/aviatra-labs/voicebridge/pkg/client"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// CalendarConfig configures how the calendar backend is reached.
type CalendarConfig struct {
	BaseURL         string
	APIKey          string
	DefaultTimezone string
}

// CalendarClient talks to the calendar/booking backend over its REST API.
type CalendarClient struct {
	http *client.HTTPClient
	cfg  CalendarConfig
}

// NewCalendarClient constructs a CalendarClient around a shared
// circuit-breaker-wrapped HTTP client.
func NewCalendarClient(httpClient *client.HTTPClient, cfg CalendarConfig) *CalendarClient {
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "Australia/Brisbane"
	}
	return &CalendarClient{http: httpClient, cfg: cfg}
}

func (c *CalendarClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

// GetAvailableSlots implements the get_available_slots tool: GET
// /v2/slots?eventTypeId=...&start=...&end=...&timeZone=...
func (c *CalendarClient) GetAvailableSlots(ctx context.Context, parameters map[string]string) (string, bool) {
	eventTypeID := parameters["eventTypeId"]
	if eventTypeID == "" {
		return encodeResult(map[string]string{"error": "eventTypeId is required"}), true
	}

	start := parameters["start"]
	if start == "" || !dateRe.MatchString(start) {
		return encodeResult(map[string]string{"error": "start must be YYYY-MM-DD"}), true
	}
	end := parameters["end"]
	if end == "" {
		end = start
	} else if !dateRe.MatchString(end) {
		return encodeResult(map[string]string{"error": "end must be YYYY-MM-DD"}), true
	}

	timeZone := parameters["timeZone"]
	if timeZone == "" {
		timeZone = c.cfg.DefaultTimezone
	} else if _, err := time.LoadLocation(timeZone); err != nil {
		timeZone = c.cfg.DefaultTimezone
	}

	q := url.Values{}
	q.Set("eventTypeId", eventTypeID)
	q.Set("start", start)
	q.Set("end", end)
	q.Set("timeZone", timeZone)

	reqURL := c.cfg.BaseURL + "/v2/slots?" + q.Encode()
	resp, err := c.http.Get(ctx, reqURL, c.headers())
	return c.decodeResponse(resp, err)
}

// BookMeeting implements the book_meeting tool: POST /v2/bookings.
func (c *CalendarClient) BookMeeting(ctx context.Context, parameters map[string]string) (string, bool) {
	body := make(map[string]string, len(parameters))
	for k, v := range parameters {
		body[k] = v
	}

	resp, err := c.http.Post(ctx, c.cfg.BaseURL+"/v2/bookings", body, c.headers())
	return c.decodeResponse(resp, err)
}

// decodeResponse turns a raw calendar-backend HTTP response into a
// client_tool_result envelope body. A non-2xx status or transport failure
// (including an open circuit breaker) is reported as BackendFailure.
func (c *CalendarClient) decodeResponse(resp *http.Response, err error) (string, bool) {
	if err != nil {
		var te interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &te) && te.Timeout()) {
			return encodeResult(map[string]string{"error": "calendar backend request timed out: " + err.Error()}), true
		}
		return encodeResult(map[string]string{"error": "calendar backend unavailable: " + err.Error()}), true
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if readErr != nil {
		return encodeResult(map[string]string{"error": "failed to read calendar backend response"}), true
	}

	if resp.StatusCode >= 300 {
		return encodeResult(map[string]string{
			"error":       "calendar backend returned an error",
			"status_code": http.StatusText(resp.StatusCode),
			"body_preview": previewBody(body),
		}), true
	}

	return string(body), false
}

func previewBody(body []byte) string {
	const maxPreview = 512
	if len(body) > maxPreview {
		return string(body[:maxPreview])
	}
	return string(body)
}
