// Package openai talks to the OpenAI realtime API: minting ephemeral
// session credentials and negotiating WebRTC or websocket transports.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parley/internal/domain"
	"parley/internal/ports"
)

// Config controls access to the realtime API.
type Config struct {
	APIKey     string
	APIBaseURL string
	Model      string
}

func (c Config) withDefaults() Config {
	if c.APIBaseURL == "" {
		c.APIBaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-realtime"
	}
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	return c
}

// TokenClient mints short-lived client secrets, one per session attempt.
// Secrets are never reused across attempts.
type TokenClient struct {
	cfg    Config
	client *http.Client
}

func NewTokenClient(cfg Config) *TokenClient {
	return &TokenClient{
		cfg:    cfg.withDefaults(),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type sessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type sessionResponse struct {
	Model        string `json:"model"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *TokenClient) Mint(ctx context.Context, req ports.MintRequest) (domain.Credential, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return domain.Credential{}, errors.New("OPENAI_API_KEY is not configured")
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body, err := json.Marshal(sessionRequest{
		Model:        model,
		Voice:        req.Voice,
		Instructions: req.Instructions,
	})
	if err != nil {
		return domain.Credential{}, fmt.Errorf("encode session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("build session request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("read session response: %w", err)
	}

	var parsed sessionResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if json.Unmarshal(payload, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
			return domain.Credential{}, fmt.Errorf("session endpoint returned %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return domain.Credential{}, fmt.Errorf("session endpoint returned %d: %s", resp.StatusCode, trimmedBody(payload))
	}

	if err := json.Unmarshal(payload, &parsed); err != nil {
		return domain.Credential{}, fmt.Errorf("decode session response: %w", err)
	}
	if parsed.ClientSecret.Value == "" {
		return domain.Credential{}, errors.New("session response carried no client secret")
	}

	cred := domain.Credential{
		ClientSecret: parsed.ClientSecret.Value,
		Model:        parsed.Model,
	}
	if cred.Model == "" {
		cred.Model = model
	}
	if parsed.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}

func trimmedBody(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}
