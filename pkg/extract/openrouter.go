package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/khalidbs/vulnveille/cmd/common"
	"github.com/khalidbs/vulnveille/cmd/config"
)

// systemPrompt pins the response contract: strict JSON, every mitigation line
// kept verbatim.
const systemPrompt = "You are a security bulletin extraction specialist. " +
	"Extract structured data from security bulletins, which may be written in French. " +
	"Return ONLY valid JSON with these keys: " +
	"title, cves (array), date, description, cvss_score, affected_products (array), " +
	"mitigation (array of EVERY line of the mitigation, workaround or remediation section, " +
	"without summarizing, skipping or condensing, even if the section is long or repetitive), " +
	"reference (array). " +
	"Each line of the mitigation section must be a separate array element."

// Extractor turns raw bulletin text into a structured record. Satisfied by
// the OpenRouter client; handler tests substitute their own.
type Extractor interface {
	Extract(ctx context.Context, text string) (*common.Bulletin, error)
}

// Client calls the OpenRouter chat-completions endpoint. It holds the primary
// API key and, when configured, a backup key tried once after any failure of
// the primary. No other retry logic.
type Client struct {
	baseURL string
	model   string
	keys    []string
	httpc   *http.Client
	log     zerolog.Logger
}

// NewClient builds a Client from the OpenRouter configuration section.
func NewClient(cfg config.OpenRouter, log zerolog.Logger) (*Client, error) {
	var keys []string
	if cfg.APIKey != "" {
		keys = append(keys, cfg.APIKey)
	}
	if cfg.BackupKey != "" {
		keys = append(keys, cfg.BackupKey)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no OpenRouter API key configured (OPENROUTER_API_KEY)")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		keys:    keys,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Extract sends the bulletin text to the model and parses the JSON it
// returns. Each configured key is tried once, in order.
func (c *Client) Extract(ctx context.Context, text string) (*common.Bulletin, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text to extract")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, key := range c.keys {
		bulletin, err := c.extractWithKey(ctx, key, body)
		if err == nil {
			return bulletin, nil
		}
		lastErr = err
		c.log.Warn().Err(err).Int("key", i+1).Msg("openrouter extraction attempt failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("extraction failed with all configured keys: %w", lastErr)
}

func (c *Client) extractWithKey(ctx context.Context, key string, body []byte) (*common.Bulletin, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("openrouter returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode openrouter response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("openrouter response has no choices")
	}

	var bulletin common.Bulletin
	content := stripFences(chat.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &bulletin); err != nil {
		return nil, fmt.Errorf("model did not return valid JSON: %w", err)
	}
	bulletin.Trim()
	if err := bulletin.Validate(); err != nil {
		return nil, err
	}
	return &bulletin, nil
}

// stripFences unwraps a ```json ... ``` block when the model adds one despite
// the prompt.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
