// Package config loads service configuration: secrets and addresses from the
// environment (optionally seeded from a .env file), tunables from an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chatstack/internal/chunker"
	"chatstack/internal/core"
	"chatstack/internal/index"
	"chatstack/internal/llm"
)

type Config struct {
	LLMAPIKey   string
	LLMBaseURL  string
	Model       string
	DatabaseURL string
	HTTPPort    string
	JWTSecret   string
	LogLevel    string
	Tuning      Tuning
}

// Tuning holds the RAG and chat knobs that ship with sensible defaults and
// may be overridden from a YAML file.
type Tuning struct {
	ChunkSize          int `yaml:"chunk_size"`
	EmbeddingDim       int `yaml:"embedding_dim"`
	HistoryWindow      int `yaml:"history_window"`
	TopK               int `yaml:"top_k"`
	ContextCharLimit   int `yaml:"context_char_limit"`
	MaxTokens          int `yaml:"max_tokens"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

func DefaultTuning() Tuning {
	return Tuning{
		ChunkSize:          chunker.DefaultChunkSize,
		EmbeddingDim:       index.DefaultDim,
		HistoryWindow:      core.DefaultHistoryWindow,
		TopK:               3,
		ContextCharLimit:   core.DefaultContextCharLimit,
		MaxTokens:          1024,
		CallTimeoutSeconds: 90,
	}
}

// Load reads the environment (after a best-effort .env load) and, when
// tuningPath names an existing file, merges the YAML tunables over the
// defaults. Missing credentials are an error; the caller halts before
// accepting input.
func Load(tuningPath string) (*Config, error) {
	// Load .env file if it exists; environment variables win either way.
	_ = godotenv.Load()

	cfg := &Config{
		LLMAPIKey:   getEnv("LLM_API_KEY", ""),
		LLMBaseURL:  getEnv("LLM_BASE_URL", llm.DefaultBaseURL),
		Model:       getEnv("LLM_MODEL", llm.DefaultModel),
		DatabaseURL: getEnv("DATABASE_URL", "chatstack.db"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Tuning:      DefaultTuning(),
	}

	if cfg.LLMAPIKey == "" {
		return nil, errors.New("LLM_API_KEY environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}

	if tuningPath != "" {
		if err := loadTuning(tuningPath, &cfg.Tuning); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func loadTuning(path string, tuning *Tuning) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // optional file
		}
		return fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, tuning); err != nil {
		return fmt.Errorf("failed to parse tuning file: %w", err)
	}
	defaults := DefaultTuning()
	if tuning.ChunkSize <= 0 {
		tuning.ChunkSize = defaults.ChunkSize
	}
	if tuning.EmbeddingDim <= 0 {
		tuning.EmbeddingDim = defaults.EmbeddingDim
	}
	if tuning.HistoryWindow <= 0 {
		tuning.HistoryWindow = defaults.HistoryWindow
	}
	if tuning.TopK <= 0 {
		tuning.TopK = defaults.TopK
	}
	if tuning.ContextCharLimit <= 0 {
		tuning.ContextCharLimit = defaults.ContextCharLimit
	}
	if tuning.MaxTokens <= 0 {
		tuning.MaxTokens = defaults.MaxTokens
	}
	if tuning.CallTimeoutSeconds <= 0 {
		tuning.CallTimeoutSeconds = defaults.CallTimeoutSeconds
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
