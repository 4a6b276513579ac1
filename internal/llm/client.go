// Package llm adapts the OpenAI-compatible chat completions backend used
// for reply generation. The pipeline consumes the streaming mode; the
// one-shot mode exists for non-streaming callers.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cqQingyan/speak-ai/internal/cache"
	"github.com/cqQingyan/speak-ai/internal/observability"
	"github.com/cqQingyan/speak-ai/internal/reliability"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpstreamError reports a non-2xx response from the generation backend.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("generation backend status %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	CacheTTL    time.Duration
}

type Client struct {
	httpClient *http.Client
	cfg        Config
	store      cache.Store
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewClient builds a generation client. store may be nil to disable the
// token-sequence cache.
func NewClient(cfg Config, store cache.Store, metrics *observability.Metrics, logger *zap.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.siliconflow.cn"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
		store:      store,
		metrics:    metrics,
		logger:     logger,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatStreamChoice struct {
	Delta chatDelta `json:"delta"`
}

type chatStreamChunk struct {
	Choices []chatStreamChoice `json:"choices"`
}

type chatChoice struct {
	Message Message `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// Stream generates a reply for messages, invoking onToken for each content
// fragment in generation order. A fully delivered token sequence is cached
// keyed on the model and the whole message list, and replayed on later
// identical requests without touching the backend.
func (c *Client) Stream(ctx context.Context, messages []Message, onToken func(string) error) error {
	key := c.fingerprint(messages)

	if tokens, ok := c.cachedTokens(ctx, key); ok {
		for _, tok := range tokens {
			if err := onToken(tok); err != nil {
				return err
			}
		}
		return nil
	}

	resp, err := c.post(ctx, chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var tokens []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "[DONE]" {
			break
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		tok := chunk.Choices[0].Delta.Content
		if err := onToken(tok); err != nil {
			return err
		}
		tokens = append(tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read generation stream: %w", err)
	}

	c.storeTokens(ctx, key, tokens)
	return nil
}

// Complete runs the one-shot (non-streaming) variant and returns the whole
// reply text.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.post(ctx, chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode generation response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("generation response has no choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues("llm", fmt.Sprint(resp.StatusCode)).Inc()
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func (c *Client) fingerprint(messages []Message) string {
	parts := make([]string, 0, 2*len(messages)+1)
	parts = append(parts, c.cfg.Model)
	for _, m := range messages {
		parts = append(parts, m.Role, m.Content)
	}
	return cache.Fingerprint(parts...)
}

func (c *Client) cachedTokens(ctx context.Context, key string) ([]string, bool) {
	if c.store == nil {
		return nil, false
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("generation cache lookup failed", zap.Error(err))
		return nil, false
	}
	if c.metrics != nil {
		result := "miss"
		if ok {
			result = "hit"
		}
		c.metrics.CacheLookups.WithLabelValues("llm", result).Inc()
	}
	if !ok {
		return nil, false
	}
	var tokens []string
	if err := json.Unmarshal(raw, &tokens); err != nil {
		c.logger.Warn("generation cache entry corrupt", zap.Error(err))
		return nil, false
	}
	return tokens, true
}

func (c *Client) storeTokens(ctx context.Context, key string, tokens []string) {
	if c.store == nil || len(tokens) == 0 {
		return
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, raw, c.cfg.CacheTTL); err != nil {
		c.logger.Warn("generation cache write failed", zap.Error(err))
	}
}
