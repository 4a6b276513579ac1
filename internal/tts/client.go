// Package tts streams synthesized speech from the vendor backend, fronted
// by the shared response cache so repeated sentences never pay for a second
// synthesis call.
package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
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

// UpstreamError reports a non-2xx response from the synthesis backend.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("synthesis backend status %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

type Config struct {
	BaseURL    string
	APIKey     string
	GroupID    string
	Model      string
	VoiceID    string
	Speed      float64
	SampleRate int
	Format     string
	CacheTTL   time.Duration

	// Bounded retry for transient establishment failures.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

type Client struct {
	httpClient *http.Client
	cfg        Config
	store      cache.Store
	metrics    *observability.Metrics
	logger     *zap.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewClient builds a synthesis client. store may be nil to disable caching.
func NewClient(cfg Config, store cache.Store, metrics *observability.Metrics, logger *zap.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.minimaxi.com"
	}
	if cfg.Model == "" {
		cfg.Model = "speech-01-turbo"
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 32000
	}
	if cfg.Format == "" {
		cfg.Format = "mp3"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
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
		sleep:      sleepCtx,
	}
}

type synthesisRequest struct {
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	Stream       bool         `json:"stream"`
	VoiceSetting voiceSetting `json:"voice_setting"`
	AudioSetting audioSetting `json:"audio_setting"`
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Volume  float64 `json:"vol"`
	Pitch   int     `json:"pitch"`
}

type audioSetting struct {
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	Channel    int    `json:"channel"`
}

type synthesisLine struct {
	Data struct {
		Audio string `json:"audio"`
	} `json:"data"`
}

// Synthesize converts one sentence-sized unit of text into a finite stream
// of audio chunks. Whitespace-only input produces an immediately closed
// stream with no upstream call. A cache hit produces the stored audio as a
// single chunk. On a miss the vendor stream is relayed chunk by chunk as it
// arrives, then written back to the cache on success.
//
// The returned error covers request establishment only (after bounded
// retries for transient failures); a stream that dies midway is logged and
// the channel closed, leaving the rest of the turn intact.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	out := make(chan []byte, 8)

	if strings.TrimSpace(text) == "" {
		close(out)
		return out, nil
	}

	key := cache.Fingerprint(c.cfg.VoiceID, c.cfg.Model, text)
	if audio, ok := c.cachedAudio(ctx, key); ok {
		go func() {
			defer close(out)
			select {
			case out <- audio:
			case <-ctx.Done():
			}
		}()
		return out, nil
	}

	resp, err := c.request(ctx, text)
	if err != nil {
		close(out)
		return nil, err
	}

	go c.relay(ctx, resp.Body, key, out)
	return out, nil
}

// request issues the streaming synthesis call, retrying transient failures
// with capped exponential backoff.
func (c *Client) request(ctx context.Context, text string) (*http.Response, error) {
	body, err := json.Marshal(synthesisRequest{
		Model:  c.cfg.Model,
		Text:   text,
		Stream: true,
		VoiceSetting: voiceSetting{
			VoiceID: c.cfg.VoiceID,
			Speed:   c.cfg.Speed,
			Volume:  1.0,
		},
		AudioSetting: audioSetting{
			SampleRate: c.cfg.SampleRate,
			Format:     c.cfg.Format,
			Channel:    1,
		},
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/t2a_v2?groupId=" + c.cfg.GroupID

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, reliability.ExponentialBackoff(attempt-1, c.cfg.BackoffBase, c.cfg.BackoffCap)); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("synthesis request: %w", err)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues("tts", fmt.Sprint(resp.StatusCode)).Inc()
		}
		ue := &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if !ue.Retryable() {
			return nil, ue
		}
		lastErr = ue
	}
	return nil, fmt.Errorf("synthesis failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// relay decodes the response line stream, emitting each hex audio fragment
// as soon as it arrives and accumulating the whole utterance for the cache.
func (c *Client) relay(ctx context.Context, body io.ReadCloser, key string, out chan<- []byte) {
	defer close(out)
	defer body.Close()

	var full bytes.Buffer
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var msg synthesisLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Data.Audio == "" {
			continue
		}
		chunk, err := hex.DecodeString(msg.Data.Audio)
		if err != nil {
			c.logger.Warn("synthesis fragment is not valid hex", zap.Error(err))
			continue
		}
		full.Write(chunk)
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		// The sentence is lost but the turn continues; do not cache a
		// truncated utterance.
		c.logger.Warn("synthesis stream interrupted", zap.Error(err))
		return
	}

	if full.Len() > 0 && c.store != nil {
		if err := c.store.Set(ctx, key, full.Bytes(), c.cfg.CacheTTL); err != nil {
			c.logger.Warn("synthesis cache write failed", zap.Error(err))
		}
	}
}

func (c *Client) cachedAudio(ctx context.Context, key string) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	audio, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("synthesis cache lookup failed", zap.Error(err))
		return nil, false
	}
	if c.metrics != nil {
		result := "miss"
		if ok {
			result = "hit"
		}
		c.metrics.CacheLookups.WithLabelValues("tts", result).Inc()
	}
	if !ok || len(audio) == 0 {
		return nil, false
	}
	return audio, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
