// Package config provides the configuration schema and loader for the
// PitchDrill server.
//
// Configuration comes from the environment, optionally seeded from a .env
// file. Provider API keys are required; everything else has a sensible
// default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LogLevel controls log verbosity for the PitchDrill server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for PitchDrill.
type Config struct {
	Server ServerConfig
	ASR    ASRConfig
	LLM    LLMConfig
	TTS    TTSConfig
}

// ServerConfig holds network, logging, and asset settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string

	// LogLevel controls verbosity.
	LogLevel LogLevel

	// StaticDir is the directory served at the root path. Empty disables
	// static serving.
	StaticDir string

	// PersonaFile is an optional YAML file of extra personas merged over
	// the builtins.
	PersonaFile string
}

// ASRConfig holds the speech-recognition provider settings.
type ASRConfig struct {
	// APIKey authenticates against the recognizer's token endpoint.
	APIKey string

	// SampleRate is the rate of the inbound mic PCM in Hz.
	SampleRate int

	// Channels is the inbound channel count.
	Channels int

	// StreamURL and TokenURL override the provider endpoints. Empty uses
	// the provider defaults.
	StreamURL string
	TokenURL  string
}

// LLMConfig holds the chat-model provider settings.
type LLMConfig struct {
	// APIKey authenticates against the OpenAI-compatible endpoint.
	APIKey string

	// BaseURL is the OpenAI-compatible API root.
	BaseURL string

	// Model is the model identifier passed on every request.
	Model string
}

// TTSConfig holds the speech-synthesis provider settings.
type TTSConfig struct {
	// APIKey is the pre-encoded Basic credential.
	APIKey string

	// ModelID and VoiceID select the synthesis model and voice. Empty uses
	// the provider defaults.
	ModelID string
	VoiceID string

	// SampleRate is the outbound PCM sample rate in Hz.
	SampleRate int
}

// Load builds a Config from the environment. If envFile is non-empty and the
// file exists, it is loaded first without overriding variables already set.
// The result is validated.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:  getenv("LISTEN_ADDR", ":8000"),
			LogLevel:    LogLevel(getenv("LOG_LEVEL", string(LogInfo))),
			StaticDir:   os.Getenv("STATIC_DIR"),
			PersonaFile: os.Getenv("PERSONA_FILE"),
		},
		ASR: ASRConfig{
			APIKey:    os.Getenv("FENNEC_API_KEY"),
			StreamURL: os.Getenv("FENNEC_STREAM_URL"),
			TokenURL:  os.Getenv("FENNEC_TOKEN_URL"),
		},
		LLM: LLMConfig{
			APIKey:  os.Getenv("BASETEN_API_KEY"),
			BaseURL: getenv("BASETEN_BASE_URL", "https://inference.baseten.co/v1"),
			Model:   getenv("BASETEN_MODEL", "meta-llama/Llama-4-Scout-17B-16E-Instruct"),
		},
		TTS: TTSConfig{
			APIKey:  os.Getenv("INWORLD_API_KEY"),
			ModelID: os.Getenv("INWORLD_MODEL_ID"),
			VoiceID: os.Getenv("INWORLD_VOICE_ID"),
		},
	}

	var err error
	if cfg.ASR.SampleRate, err = getenvInt("FENNEC_SAMPLE_RATE", 16000); err != nil {
		return nil, err
	}
	if cfg.ASR.Channels, err = getenvInt("FENNEC_CHANNELS", 1); err != nil {
		return nil, err
	}
	if cfg.TTS.SampleRate, err = getenvInt("INWORLD_SAMPLE_RATE", 48000); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR must not be empty"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.ASR.APIKey == "" {
		errs = append(errs, errors.New("FENNEC_API_KEY is required"))
	}
	if cfg.ASR.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("FENNEC_SAMPLE_RATE %d must be positive", cfg.ASR.SampleRate))
	}
	if cfg.ASR.Channels != 1 && cfg.ASR.Channels != 2 {
		errs = append(errs, fmt.Errorf("FENNEC_CHANNELS %d must be 1 or 2", cfg.ASR.Channels))
	}

	if cfg.LLM.APIKey == "" {
		errs = append(errs, errors.New("BASETEN_API_KEY is required"))
	}
	if cfg.LLM.BaseURL == "" {
		errs = append(errs, errors.New("BASETEN_BASE_URL must not be empty"))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("BASETEN_MODEL must not be empty"))
	}

	if cfg.TTS.APIKey == "" {
		errs = append(errs, errors.New("INWORLD_API_KEY is required"))
	}
	if cfg.TTS.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("INWORLD_SAMPLE_RATE %d must be positive", cfg.TTS.SampleRate))
	}

	if cfg.Server.StaticDir != "" {
		if st, err := os.Stat(cfg.Server.StaticDir); err != nil || !st.IsDir() {
			errs = append(errs, fmt.Errorf("STATIC_DIR %q is not a directory", cfg.Server.StaticDir))
		}
	}

	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s %q is not an integer", key, v)
	}
	return n, nil
}
