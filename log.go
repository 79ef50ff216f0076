package siosession

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "SIOSESSION_LOG_LEVEL"
	EnvLogNoColor = "SIOSESSION_LOG_NOCOLOR"
)

// LogConfig controls the package logger. It is also read from config files.
type LogConfig struct {
	Level   string `yaml:"level" toml:"level"`
	NoColor bool   `yaml:"no_color" toml:"no_color"`
	JSON    bool   `yaml:"json" toml:"json"`
}

var (
	logMu  sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Str("component", "siosession").Logger()
)

// Logger returns the package logger used when a Manager has none of its own.
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// ConfigureLogging builds the package logger from cfg, with environment
// overrides applied on top.
func ConfigureLogging(cfg LogConfig) zerolog.Logger {
	applyLogEnv(&cfg)
	l := NewLogger(os.Stderr, cfg)
	SetLogger(l)
	return l
}

func NewLogger(w io.Writer, cfg LogConfig) zerolog.Logger {
	out := w
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: cfg.NoColor}
	}
	return zerolog.New(out).Level(parseLevel(cfg.Level)).
		With().Timestamp().Str("component", "siosession").Logger()
}

func applyLogEnv(cfg *LogConfig) {
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		cfg.Level = lvl
	}
	if raw := strings.TrimSpace(os.Getenv(EnvLogNoColor)); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.NoColor = v
		}
	}
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel
	case "off", "none", "disabled":
		return zerolog.Disabled
	case "warning":
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
