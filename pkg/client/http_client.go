package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aviatra-labs/voicebridge/pkg/circuitbreaker"
	"github.com/aviatra-labs/voicebridge/pkg/metrics"
	"github.com/aviatra-labs/voicebridge/pkg/retry"
)

// HTTPClient wraps http.Client with retry and circuit breaker
type HTTPClient struct {
	client         *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	serviceName    string
}

// NewHTTPClient creates a new HTTP client with retry and circuit breaker
func NewHTTPClient(serviceName string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		circuitBreaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		serviceName:    serviceName,
	}
}

// Post performs a POST request with retry and circuit breaker
func (c *HTTPClient) Post(ctx context.Context, url string, body interface{}, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, func() (*http.Request, error) {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, headers)
}

// Get performs a GET request with retry and circuit breaker.
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, "GET", url, nil)
	}, headers)
}

func (c *HTTPClient) do(ctx context.Context, build func() (*http.Request, error), headers map[string]string) (*http.Response, error) {
	start := time.Now()
	var resp *http.Response
	var err error

	// Execute with circuit breaker
	err = c.circuitBreaker.Execute(ctx, func() error {
		// Execute with retry
		return retry.Do(ctx, retry.DefaultConfig(), func() error {
			req, reqErr := build()
			if reqErr != nil {
				return reqErr
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, reqErr = c.client.Do(req)
			if reqErr != nil {
				return reqErr
			}

			if resp.StatusCode >= 500 {
				return fmt.Errorf("server error: %d", resp.StatusCode)
			}

			return nil
		})
	})

	latency := time.Since(start)
	success := err == nil && resp != nil && resp.StatusCode < 400

	// Record metrics
	metrics.RecordServiceCall(c.serviceName, success, latency)

	// Update circuit breaker state
	state := c.circuitBreaker.GetState()
	stateStr := "closed"
	switch state {
	case circuitbreaker.StateOpen:
		stateStr = "open"
	case circuitbreaker.StateHalfOpen:
		stateStr = "half-open"
	}
	stats := c.circuitBreaker.GetStats()
	failures := int64(0)
	if f, ok := stats["failures"].(int); ok {
		failures = int64(f)
	}
	metrics.UpdateCircuitBreaker(c.serviceName, stateStr, failures)

	return resp, err
}

