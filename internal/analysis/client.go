// Package analysis holds the downstream assistant client, the per-kind
// job handlers and the idempotent insight sink. The content of the
// analysis itself is opaque here; this package only moves payloads to
// the assistant and results into storage.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/quiverhq/insightq/internal/domain"
)

// Assistant produces analysis text for a prompt. The production
// implementation calls the third-party model API; tests stub it.
type Assistant interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GenerateRequest is the assistant call input.
type GenerateRequest struct {
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
}

// HTTPAssistant talks to the assistant service over HTTP. Errors come
// back classified for the retry policy: timeouts, throttling and 5xx
// are transient, other 4xx are permanent.
type HTTPAssistant struct {
	url    string
	apiKey string
	hc     *http.Client
}

// NewHTTPAssistant creates a client for the given endpoint. A nil hc
// uses http.DefaultClient; the caller's handler timeout bounds requests
// through the context.
func NewHTTPAssistant(url, apiKey string, hc *http.Client) *HTTPAssistant {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPAssistant{url: url, apiKey: apiKey, hc: hc}
}

func (a *HTTPAssistant) Generate(ctx context.Context, genReq GenerateRequest) (string, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return "", domain.Permanent(errors.Wrap(err, "encode request"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return "", domain.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		// Connection resets, DNS failures, context deadline: all transient.
		return "", domain.Transient(errors.Wrap(err, "call assistant"))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", domain.Transient(errors.Errorf("assistant responded %d", resp.StatusCode))
	default:
		return "", domain.Permanent(errors.Errorf("assistant rejected request: %d", resp.StatusCode))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", domain.Transient(errors.Wrap(err, "decode response"))
	}
	if out.Text == "" {
		return "", domain.Transient(errors.New("assistant returned empty text"))
	}
	return out.Text, nil
}
