package logging

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/config"
)

// TraceLevel sits below Debug and is meant for per-vector and per-token
// detail.
const TraceLevel = zapcore.Level(-2)

// Config holds logging configuration.
type Config struct {
	Level  zapcore.Level
	Format string // json or console
	// Stderr writes entries to standard error.
	Stderr bool
	// OTEL forwards entries to the OpenTelemetry logger provider passed to
	// NewLogger.
	OTEL bool
	// Sampling caps repeated Debug/Info/Warn entries per Tick. Error and
	// above are never sampled.
	Sampling     bool
	SamplingTick time.Duration
	Caller       bool
	Fields       map[string]string
	// RedactKeys are field names whose values are always masked.
	RedactKeys []string
}

// NewDefaultConfig returns the configuration used by the CLI.
func NewDefaultConfig() *Config {
	return &Config{
		Level:        zapcore.InfoLevel,
		Format:       "json",
		Stderr:       true,
		Sampling:     true,
		SamplingTick: time.Second,
		Caller:       true,
		Fields:       map[string]string{"service": "ragdoll"},
		RedactKeys: []string{
			"api_key", "authorization", "password", "secret", "token",
		},
	}
}

// ParseLevel accepts zap level names plus "trace".
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "trace") {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stderr && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled")
	}
	if c.Sampling && c.SamplingTick <= 0 {
		return fmt.Errorf("sampling tick must be positive")
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q=%q must have a key and value", k, v)
		}
	}
	return nil
}

// FromSettings builds a logging config from the application's logging and
// telemetry sections. Log export follows telemetry.enabled.
func FromSettings(settings config.LoggingConfig, telemetry config.TelemetryConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if settings.Level != "" {
		level, err := ParseLevel(settings.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", settings.Level, err)
		}
		cfg.Level = level
	}
	if settings.Format != "" {
		cfg.Format = settings.Format
	}
	cfg.OTEL = telemetry.Enabled
	if telemetry.ServiceName != "" {
		cfg.Fields["service"] = telemetry.ServiceName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
