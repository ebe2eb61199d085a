// Package config loads the engine's environment-driven configuration, mirroring
// the variables every stage of the pipeline reads at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved set of knobs the engine needs. Zero value is
// not usable; build one with FromEnv.
type Config struct {
	DatabaseURL string
	LLMAPIKey   string
	ChatModel   string
	EmbedModel  string

	ConfidenceThreshold float64
	SimilarityFloor     float64
	DRGSimilarityFloor  float64

	MaxRows      int
	DefaultLimit int

	RequestTimeout time.Duration

	MaxComplexity  int
	MaxJoins       int
	MaxSubqueries  int
	MaxWhereConds  int

	EnableTemplateLearning bool

	LogLevel string
}

// FromEnv populates a Config from the process environment, applying the
// defaults named in the engine's configuration contract.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		LLMAPIKey:              os.Getenv("LLM_API_KEY"),
		ChatModel:              getOr("CHAT_MODEL", "gpt-4o-mini"),
		EmbedModel:             getOr("EMBED_MODEL", "text-embedding-3-small"),
		ConfidenceThreshold:    0.7,
		SimilarityFloor:        0.6,
		DRGSimilarityFloor:     0.5,
		MaxRows:                1000,
		DefaultLimit:           20,
		RequestTimeout:         30 * time.Second,
		MaxComplexity:          50,
		MaxJoins:               5,
		MaxSubqueries:          3,
		MaxWhereConds:          10,
		EnableTemplateLearning: true,
		LogLevel:               getOr("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.ConfidenceThreshold, err = getFloatOr("CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold); err != nil {
		return nil, err
	}
	if cfg.SimilarityFloor, err = getFloatOr("SIMILARITY_FLOOR", cfg.SimilarityFloor); err != nil {
		return nil, err
	}
	if cfg.DRGSimilarityFloor, err = getFloatOr("DRG_SIMILARITY_FLOOR", cfg.DRGSimilarityFloor); err != nil {
		return nil, err
	}
	if cfg.MaxRows, err = getIntOr("MAX_ROWS", cfg.MaxRows); err != nil {
		return nil, err
	}
	if cfg.DefaultLimit, err = getIntOr("DEFAULT_LIMIT", cfg.DefaultLimit); err != nil {
		return nil, err
	}
	if cfg.MaxComplexity, err = getIntOr("MAX_COMPLEXITY", cfg.MaxComplexity); err != nil {
		return nil, err
	}
	if cfg.MaxJoins, err = getIntOr("MAX_JOINS", cfg.MaxJoins); err != nil {
		return nil, err
	}
	if cfg.MaxSubqueries, err = getIntOr("MAX_SUBQUERIES", cfg.MaxSubqueries); err != nil {
		return nil, err
	}
	if raw, ok := os.LookupEnv("REQUEST_TIMEOUT_MS"); ok {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("REQUEST_TIMEOUT_MS: %w", err)
		}
		cfg.RequestTimeout = time.Duration(ms) * time.Millisecond
	}
	if raw, ok := os.LookupEnv("ENABLE_TEMPLATE_LEARNING"); ok {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("ENABLE_TEMPLATE_LEARNING: %w", err)
		}
		cfg.EnableTemplateLearning = b
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	return cfg, nil
}

func getOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getFloatOr(key string, def float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getIntOr(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
