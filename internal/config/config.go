package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the companion memory service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	DatabaseURL  string
	DataDir      string
	EmbeddingDim int

	MemoryTriggerThreshold int
	MemoryKeepMin          int
	MemoryMaxSummaries     int
	RetrievalTopK          int
	RetrievalOverscan      int
	VerboseAssistantText   bool

	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicMaxTokens int

	OpenAIAPIKey         string
	OpenAIBaseURL        string
	OpenAIEmbeddingModel string

	EmbeddingCacheBytes int

	PersonaID string
	UserID    string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "mnemosyne"),
		AllowAnyOrigin:           false,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		DataDir:                  envOrDefault("APP_DATA_DIR", ".data"),
		EmbeddingDim:             1536,
		MemoryTriggerThreshold:   24,
		MemoryKeepMin:            12,
		MemoryMaxSummaries:       6,
		RetrievalTopK:            5,
		RetrievalOverscan:        0,
		AnthropicAPIKey:          stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicModel:           envOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		AnthropicMaxTokens:       1024,
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:            stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIEmbeddingModel:     envOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingCacheBytes:      64 << 20,
		PersonaID:                envOrDefault("APP_PERSONA_ID", "companion"),
		UserID:                   envOrDefault("APP_USER_ID", "default"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		JanitorInterval:          30 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryTriggerThreshold, err = intFromEnv("MEMORY_TRIGGER_THRESHOLD", cfg.MemoryTriggerThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryKeepMin, err = intFromEnv("MEMORY_KEEP_MIN", cfg.MemoryKeepMin)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMaxSummaries, err = intFromEnv("MEMORY_MAX_SUMMARIES", cfg.MemoryMaxSummaries)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalTopK, err = intFromEnv("MEMORY_RETRIEVAL_TOP_K", cfg.RetrievalTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalOverscan, err = intFromEnv("MEMORY_RETRIEVAL_OVERSCAN", cfg.RetrievalOverscan)
	if err != nil {
		return Config{}, err
	}
	cfg.VerboseAssistantText, err = boolFromEnv("MEMORY_VERBOSE_ASSISTANT_TEXT", cfg.VerboseAssistantText)
	if err != nil {
		return Config{}, err
	}
	cfg.AnthropicMaxTokens, err = intFromEnv("ANTHROPIC_MAX_TOKENS", cfg.AnthropicMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingCacheBytes, err = intFromEnv("MEMORY_EMBEDDING_CACHE_BYTES", cfg.EmbeddingCacheBytes)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if cfg.MemoryTriggerThreshold <= 0 {
		return Config{}, fmt.Errorf("MEMORY_TRIGGER_THRESHOLD must be positive")
	}
	if cfg.MemoryKeepMin < 0 {
		return Config{}, fmt.Errorf("MEMORY_KEEP_MIN must be >= 0")
	}
	if cfg.MemoryKeepMin >= cfg.MemoryTriggerThreshold {
		return Config{}, fmt.Errorf("MEMORY_KEEP_MIN must be less than MEMORY_TRIGGER_THRESHOLD")
	}
	if cfg.MemoryMaxSummaries <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MAX_SUMMARIES must be positive")
	}
	if cfg.RetrievalTopK <= 0 {
		return Config{}, fmt.Errorf("MEMORY_RETRIEVAL_TOP_K must be positive")
	}
	if cfg.AnthropicMaxTokens <= 0 {
		return Config{}, fmt.Errorf("ANTHROPIC_MAX_TOKENS must be positive")
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
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
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
