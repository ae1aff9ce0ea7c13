// Package telco is a thin REST wrapper around the Telco provider (Twilio's
// wire conventions): placing outbound calls, reading call status, and
// finalizing a call once a session ends. It never simulates the provider's
// own WebSocket/AMD internals — those arrive as inbound events elsewhere.
package telco

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the Telco REST API using basic auth over account
// SID/auth token, the same shape as the rest of this codebase's outbound
// telephony wrapper.
type Client struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
}

const defaultBaseURL = "https://api.twilio.com"

// NewClient constructs a Client.
func NewClient(accountSID, authToken, fromNumber string) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// PlaceCallRequest is the set of parameters needed to originate an outbound
// call whose answer URL points back at this server's TwiML emitter.
type PlaceCallRequest struct {
	To       string
	TwimlURL string
}

// PlaceCallResponse carries the identifiers the caller needs to track and
// later finalize the call.
type PlaceCallResponse struct {
	CallSid string `json:"sid"`
	Status  string `json:"status"`
}

// PlaceCall originates an outbound call via POST
// /2010-04-01/Accounts/{sid}/Calls.json.
func (c *Client) PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", req.To)
	data.Set("From", c.fromNumber)
	data.Set("Url", req.TwimlURL)

	var out PlaceCallResponse
	if err := c.postForm(ctx, endpoint, data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CallStatusResponse is the subset of Twilio's call-resource fields this
// server cares about.
type CallStatusResponse struct {
	CallSid string `json:"sid"`
	Status  string `json:"status"`
	Answered string `json:"answered_by,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// GetCallStatus fetches the current state of a call by SID.
func (c *Client) GetCallStatus(ctx context.Context, callSid string) (*CallStatusResponse, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSid)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("telco call status returned %d: %s", resp.StatusCode, string(body))
	}

	var out CallStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode call status: %w", err)
	}
	return &out, nil
}

// FinalizeCall marks a call completed via POST
// /2010-04-01/Accounts/{sid}/Calls/{callSid}.json with the form field
// Status=completed. The Session Bridge calls it once on teardown (guarded by
// the AMD Registry's distributed finalize-once lock in multi-process
// deployments); the AMD watchdog finalizer and the /end-call handler also
// call it.
func (c *Client) FinalizeCall(ctx context.Context, callSid string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSid)

	data := url.Values{}
	data.Set("Status", "completed")

	return c.postForm(ctx, endpoint, data, nil)
}

func (c *Client) postForm(ctx context.Context, endpoint string, data url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telco request to %s returned %d: %s", endpoint, resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
