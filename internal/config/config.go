package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the reading service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Playback window tuning.
	PrefetchDepth      int
	RetainBehind       int
	MaxConcurrentSynth int
	SpeechRate         float64
	Voice              string

	// How many sentences around the current one are handed to the generator
	// as conversational context.
	ContextBefore int
	ContextAfter  int

	// Quiz speech channels.
	QuizSpeakQuestion    bool
	QuizSpeakOptions     bool
	QuizSpeakVerdict     bool
	QuizSpeakExplanation bool
	QuizMaxQuestions     int

	// BookDir holds plain-text books loaded at startup; empty keeps only the
	// built-in sample.
	BookDir string

	ProgressFlushInterval time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "lectern"),
		AllowAnyOrigin:           false,
		PrefetchDepth:            3,
		RetainBehind:             2,
		MaxConcurrentSynth:       2,
		SpeechRate:               1.0,
		Voice:                    envOrDefault("READER_VOICE", "narrator"),
		ContextBefore:            20,
		ContextAfter:             0,
		QuizSpeakQuestion:        true,
		QuizSpeakOptions:         true,
		QuizSpeakVerdict:         true,
		QuizSpeakExplanation:     true,
		QuizMaxQuestions:         5,
		BookDir:                  stringsTrimSpace("READER_BOOK_DIR"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		ProgressFlushInterval:    5 * time.Second,
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
	cfg.ProgressFlushInterval, err = durationFromEnv("READER_PROGRESS_FLUSH_INTERVAL", cfg.ProgressFlushInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.PrefetchDepth, err = intFromEnv("READER_PREFETCH_DEPTH", cfg.PrefetchDepth)
	if err != nil {
		return Config{}, err
	}
	cfg.RetainBehind, err = intFromEnv("READER_RETAIN_BEHIND", cfg.RetainBehind)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSynth, err = intFromEnv("READER_MAX_CONCURRENT_SYNTH", cfg.MaxConcurrentSynth)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechRate, err = floatFromEnv("READER_SPEECH_RATE", cfg.SpeechRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextBefore, err = intFromEnv("READER_CONTEXT_BEFORE", cfg.ContextBefore)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextAfter, err = intFromEnv("READER_CONTEXT_AFTER", cfg.ContextAfter)
	if err != nil {
		return Config{}, err
	}

	cfg.QuizSpeakQuestion, err = boolFromEnv("QUIZ_SPEAK_QUESTION", cfg.QuizSpeakQuestion)
	if err != nil {
		return Config{}, err
	}
	cfg.QuizSpeakOptions, err = boolFromEnv("QUIZ_SPEAK_OPTIONS", cfg.QuizSpeakOptions)
	if err != nil {
		return Config{}, err
	}
	cfg.QuizSpeakVerdict, err = boolFromEnv("QUIZ_SPEAK_VERDICT", cfg.QuizSpeakVerdict)
	if err != nil {
		return Config{}, err
	}
	cfg.QuizSpeakExplanation, err = boolFromEnv("QUIZ_SPEAK_EXPLANATION", cfg.QuizSpeakExplanation)
	if err != nil {
		return Config{}, err
	}
	cfg.QuizMaxQuestions, err = intFromEnv("QUIZ_MAX_QUESTIONS", cfg.QuizMaxQuestions)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.PrefetchDepth <= 0 {
		return Config{}, fmt.Errorf("READER_PREFETCH_DEPTH must be positive")
	}
	if cfg.RetainBehind < 0 {
		return Config{}, fmt.Errorf("READER_RETAIN_BEHIND must be >= 0")
	}
	if cfg.MaxConcurrentSynth <= 0 {
		return Config{}, fmt.Errorf("READER_MAX_CONCURRENT_SYNTH must be positive")
	}
	if cfg.SpeechRate <= 0 {
		return Config{}, fmt.Errorf("READER_SPEECH_RATE must be positive")
	}
	if cfg.ContextBefore < 0 || cfg.ContextAfter < 0 {
		return Config{}, fmt.Errorf("READER_CONTEXT_BEFORE and READER_CONTEXT_AFTER must be >= 0")
	}
	if cfg.QuizMaxQuestions <= 0 {
		return Config{}, fmt.Errorf("QUIZ_MAX_QUESTIONS must be positive")
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
