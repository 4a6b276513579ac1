// Package app assembles the service from configuration: vendor clients,
// stores, session tracking, the pipeline, and the HTTP surface.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cqQingyan/speak-ai/internal/asr"
	"github.com/cqQingyan/speak-ai/internal/auth"
	"github.com/cqQingyan/speak-ai/internal/cache"
	"github.com/cqQingyan/speak-ai/internal/config"
	"github.com/cqQingyan/speak-ai/internal/history"
	"github.com/cqQingyan/speak-ai/internal/httpapi"
	"github.com/cqQingyan/speak-ai/internal/llm"
	"github.com/cqQingyan/speak-ai/internal/observability"
	"github.com/cqQingyan/speak-ai/internal/pipeline"
	"github.com/cqQingyan/speak-ai/internal/ratelimit"
	"github.com/cqQingyan/speak-ai/internal/session"
	"github.com/cqQingyan/speak-ai/internal/tts"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Metrics  *observability.Metrics

	// Cleanup releases external resources (redis, postgres) on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	verifier, err := auth.NewVerifier(cfg.AuthSecret)
	if err != nil {
		return nil, fmt.Errorf("auth init failed: %w", err)
	}

	responseCache, err := cache.NewStore(cfg.RedisURL, cfg.CacheMaxMemory)
	if err != nil {
		return nil, fmt.Errorf("response cache init failed: %w", err)
	}

	counters, err := ratelimit.NewCounterStore(cfg.RedisURL)
	if err != nil {
		responseCache.Close()
		return nil, fmt.Errorf("rate counter store init failed: %w", err)
	}
	limiter := ratelimit.New(counters, cfg.RateLimitWindow, int64(cfg.RateLimitMax))

	transcripts, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		responseCache.Close()
		counters.Close()
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	recognizer := asr.NewClient(asr.Config{
		WSBaseURL:   cfg.ASRWSBaseURL,
		AppID:       cfg.ASRAppID,
		AccessToken: cfg.ASRAccessToken,
		ResourceID:  cfg.ASRResourceID,
		ModelName:   cfg.ASRModelName,
		Language:    cfg.ASRLanguage,
		Format:      cfg.ASRFormat,
		Codec:       cfg.ASRCodec,
		SampleRate:  cfg.ASRSampleRate,
		DrainWait:   cfg.ASRDrainWait,
	}, logger.Named("asr"))

	generator := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		CacheTTL:    cfg.LLMCacheTTL,
	}, responseCache, metrics, logger.Named("llm"))

	synthesizer := tts.NewClient(tts.Config{
		BaseURL:    cfg.TTSBaseURL,
		APIKey:     cfg.TTSAPIKey,
		GroupID:    cfg.TTSGroupID,
		Model:      cfg.TTSModel,
		VoiceID:    cfg.TTSVoiceID,
		Speed:      cfg.TTSSpeed,
		SampleRate: cfg.TTSSampleRate,
		Format:     cfg.TTSFormat,
		CacheTTL:   cfg.TTSCacheTTL,
	}, responseCache, metrics, logger.Named("tts"))

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	worker := pipeline.NewWorker(
		recognizer,
		generator,
		synthesizer,
		transcripts,
		cfg.LLMHistoryLimit,
		cfg.ApologyText,
		metrics,
		logger.Named("pipeline"),
	)

	api := httpapi.New(cfg, sessions, verifier, limiter, worker, metrics, logger.Named("httpapi"))

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Cleanup: func() error {
			err := transcripts.Close()
			if cerr := counters.Close(); err == nil {
				err = cerr
			}
			if cerr := responseCache.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}, nil
}
