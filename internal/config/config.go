package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	AuthSecret string

	// Fixed-window admission limiting, shared across processes via redis.
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Backpressure caps for inbound audio.
	SessionMaxBytes   int64
	SessionChunkBytes int64

	// Streaming speech recognition vendor.
	ASRWSBaseURL   string
	ASRAppID       string
	ASRAccessToken string
	ASRResourceID  string
	ASRModelName   string
	ASRLanguage    string
	ASRFormat      string
	ASRCodec       string
	ASRSampleRate  int
	ASRDrainWait   time.Duration

	// Text generation backend (OpenAI-compatible chat completions).
	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMMaxTokens    int
	LLMTemperature  float64
	LLMHistoryLimit int
	LLMCacheTTL     time.Duration

	// Speech synthesis backend.
	TTSBaseURL    string
	TTSAPIKey     string
	TTSGroupID    string
	TTSModel      string
	TTSVoiceID    string
	TTSSpeed      float64
	TTSSampleRate int
	TTSFormat     string
	TTSCacheTTL   time.Duration

	// Shared infrastructure. Empty values fall back to in-process drivers.
	RedisURL       string
	DatabaseURL    string
	CacheMaxMemory int

	ApologyText string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "speakai"),

		AuthSecret: stringsTrimSpace("AUTH_SECRET"),

		ASRWSBaseURL:   envOrDefault("VOLC_WS_URL", "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"),
		ASRAppID:       stringsTrimSpace("VOLC_APPID"),
		ASRAccessToken: stringsTrimSpace("VOLC_TOKEN"),
		ASRResourceID:  envOrDefault("VOLC_RESOURCE_ID", "volc.bigasr.sauc.duration"),
		ASRModelName:   envOrDefault("ASR_MODEL_NAME", "bigmodel"),
		ASRLanguage:    envOrDefault("ASR_LANGUAGE", "zh-CN"),
		ASRFormat:      envOrDefault("ASR_AUDIO_FORMAT", "webm"),
		ASRCodec:       envOrDefault("ASR_AUDIO_CODEC", "opus"),
		ASRSampleRate:  16000,
		ASRDrainWait:   5 * time.Second,

		LLMBaseURL:      envOrDefault("SILICON_BASE_URL", "https://api.siliconflow.cn"),
		LLMAPIKey:       stringsTrimSpace("SILICON_KEY"),
		LLMModel:        envOrDefault("LLM_MODEL", "deepseek-ai/DeepSeek-V3.2"),
		LLMMaxTokens:    512,
		LLMTemperature:  0.7,
		LLMHistoryLimit: 8,
		LLMCacheTTL:     10 * time.Minute,

		TTSBaseURL:    envOrDefault("MINIMAX_BASE_URL", "https://api.minimaxi.com"),
		TTSAPIKey:     stringsTrimSpace("MINIMAX_API_KEY"),
		TTSGroupID:    stringsTrimSpace("MINIMAX_GROUP_ID"),
		TTSModel:      envOrDefault("TTS_MODEL", "speech-01-turbo"),
		TTSVoiceID:    envOrDefault("TTS_VOICE_ID", "female-shaonv"),
		TTSSpeed:      1.0,
		TTSSampleRate: 32000,
		TTSFormat:     envOrDefault("TTS_AUDIO_FORMAT", "mp3"),
		TTSCacheTTL:   6 * time.Hour,

		RedisURL:       stringsTrimSpace("REDIS_URL"),
		DatabaseURL:    stringsTrimSpace("DATABASE_URL"),
		CacheMaxMemory: 256,

		ApologyText: envOrDefault("APOLOGY_TEXT", "抱歉，我没有听清，请再说一遍。"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		RateLimitWindow:          time.Minute,
		RateLimitMax:             10,
		SessionMaxBytes:          32 << 20,
		SessionChunkBytes:        256 << 10,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = durationFromEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitMax, err = intFromEnv("RATE_LIMIT_MAX", cfg.RateLimitMax); err != nil {
		return Config{}, err
	}
	if cfg.SessionMaxBytes, err = int64FromEnv("SESSION_MAX_BYTES", cfg.SessionMaxBytes); err != nil {
		return Config{}, err
	}
	if cfg.SessionChunkBytes, err = int64FromEnv("SESSION_MAX_CHUNK_BYTES", cfg.SessionChunkBytes); err != nil {
		return Config{}, err
	}
	if cfg.ASRSampleRate, err = intFromEnv("ASR_SAMPLE_RATE", cfg.ASRSampleRate); err != nil {
		return Config{}, err
	}
	if cfg.ASRDrainWait, err = durationFromEnv("ASR_DRAIN_TIMEOUT", cfg.ASRDrainWait); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.LLMTemperature, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemperature); err != nil {
		return Config{}, err
	}
	if cfg.LLMHistoryLimit, err = intFromEnv("LLM_HISTORY_LIMIT", cfg.LLMHistoryLimit); err != nil {
		return Config{}, err
	}
	if cfg.LLMCacheTTL, err = durationFromEnv("LLM_CACHE_TTL", cfg.LLMCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.TTSSpeed, err = floatFromEnv("TTS_SPEED", cfg.TTSSpeed); err != nil {
		return Config{}, err
	}
	if cfg.TTSSampleRate, err = intFromEnv("TTS_SAMPLE_RATE", cfg.TTSSampleRate); err != nil {
		return Config{}, err
	}
	if cfg.TTSCacheTTL, err = durationFromEnv("TTS_CACHE_TTL", cfg.TTSCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.CacheMaxMemory, err = intFromEnv("CACHE_MAX_ENTRIES", cfg.CacheMaxMemory); err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.RateLimitMax <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}
	if cfg.RateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if cfg.SessionChunkBytes <= 0 || cfg.SessionMaxBytes <= 0 {
		return Config{}, fmt.Errorf("session byte caps must be positive")
	}
	if cfg.SessionChunkBytes > cfg.SessionMaxBytes {
		return Config{}, fmt.Errorf("SESSION_MAX_CHUNK_BYTES exceeds SESSION_MAX_BYTES")
	}
	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 2 {
		return Config{}, fmt.Errorf("LLM_TEMPERATURE must be in [0, 2]")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
