// Package genbackend talks to the text-generation service. The backend
// is an opaque HTTP collaborator; this package owns the wire shape and
// the failure mapping, nothing about prompting.
package genbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable covers every failure mode of the backend: refused
// connections, timeouts, non-2xx responses, malformed bodies. Callers
// surface it as a 503 and never retry within the request.
var ErrUnavailable = errors.New("generation backend unavailable")

type generateRequest struct {
	Prompt  string   `json:"prompt"`
	Context []string `json:"context,omitempty"`
	Depth   string   `json:"depth,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a backend URL was provided at startup.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Generate sends the assembled prompt and canon context to the backend
// and returns the generated text. Context strings are passed through
// verbatim; assembly and truncation happen upstream.
func (c *Client) Generate(ctx context.Context, prompt string, canonContext []string, depth string) (string, error) {
	if !c.Configured() {
		return "", ErrUnavailable
	}

	body, err := json.Marshal(generateRequest{Prompt: prompt, Context: canonContext, Depth: depth})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little for the log line without trusting the backend
		// to bound its error body.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("%w: empty generation", ErrUnavailable)
	}
	return out.Text, nil
}
