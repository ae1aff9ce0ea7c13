package agentws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aviatra-labs/voicebridge/pkg/client"
)

// SignedURLAcquirer calls the Agent provider's signed-URL endpoint. Its
// signature matches urlcache.Acquirer without importing that package, so the
// URL Prewarm Cache can be constructed with it directly.
type SignedURLAcquirer func(ctx context.Context) (string, error)

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// NewSignedURLAcquirer builds an Acquirer that fetches a short-lived signed
// WebSocket URL for agentID from the Agent provider, authenticated with
// apiKey. Requests go through the shared circuit-breaker/retry HTTP client.
func NewSignedURLAcquirer(httpClient *client.HTTPClient, baseURL, apiKey, agentID string) SignedURLAcquirer {
	return func(ctx context.Context) (string, error) {
		url := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s", baseURL, agentID)
		resp, err := httpClient.Get(ctx, url, map[string]string{"xi-api-key": apiKey})
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return "", fmt.Errorf("signed url request returned %d: %s", resp.StatusCode, string(body))
		}

		var out signedURLResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("failed to decode signed url response: %w", err)
		}
		if out.SignedURL == "" {
			return "", fmt.Errorf("signed url response missing signed_url field")
		}
		return out.SignedURL, nil
	}
}
