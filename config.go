package siosession

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the file form of a session setup.
type Config struct {
	Version string        `yaml:"version" toml:"version"` // protocol version v2/v3
	URL     string        `yaml:"url" toml:"url"`         // server address
	Options OptionsConfig `yaml:"options" toml:"options"`
	Log     LogConfig     `yaml:"log" toml:"log"`
}

// OptionsConfig mirrors ConnectionOptions. Unset fields stay unset; durations
// are milliseconds.
type OptionsConfig struct {
	Path                   *string           `yaml:"path" toml:"path"`
	Transports             []string          `yaml:"transports" toml:"transports"`
	Reconnection           *bool             `yaml:"reconnection" toml:"reconnection"`
	ReconnectionAttempts   *int              `yaml:"reconnection_attempts" toml:"reconnection_attempts"`
	ReconnectionDelayMs    *int64            `yaml:"reconnection_delay_ms" toml:"reconnection_delay_ms"`
	ReconnectionDelayMaxMs *int64            `yaml:"reconnection_delay_max_ms" toml:"reconnection_delay_max_ms"`
	RandomizationFactor    *float64          `yaml:"randomization_factor" toml:"randomization_factor"`
	TimeoutMs              *int64            `yaml:"timeout_ms" toml:"timeout_ms"`
	Auth                   map[string]any    `yaml:"auth" toml:"auth"`
	Query                  map[string]string `yaml:"query" toml:"query"`
	Secure                 *bool             `yaml:"secure" toml:"secure"`
	ForceNew               *bool             `yaml:"force_new" toml:"force_new"`
	Android                map[string]any    `yaml:"android" toml:"android"`
	IOS                    map[string]any    `yaml:"ios" toml:"ios"`
}

// LoadConfig reads a .yaml/.yml or .toml file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	cfg := &Config{Version: "v3"}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("config load failed (%s): unsupported extension", path)
	}
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("missing url")
	}
	switch c.Version {
	case "v2", "v3":
	default:
		return fmt.Errorf("unknown version %q", c.Version)
	}
	o := c.Options
	if o.ReconnectionAttempts != nil && *o.ReconnectionAttempts < 0 {
		return fmt.Errorf("reconnection_attempts must not be negative")
	}
	for name, v := range map[string]*int64{
		"reconnection_delay_ms":     o.ReconnectionDelayMs,
		"reconnection_delay_max_ms": o.ReconnectionDelayMaxMs,
		"timeout_ms":                o.TimeoutMs,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if f := o.RandomizationFactor; f != nil && (*f < 0 || *f > 1) {
		return fmt.Errorf("randomization_factor must be within [0, 1]")
	}
	return nil
}

// Build converts the file form into ConnectionOptions.
func (o OptionsConfig) Build() (*ConnectionOptions, error) {
	var fns []OptionFunc
	if o.Path != nil {
		fns = append(fns, WithPath(*o.Path))
	}
	if o.Transports != nil {
		fns = append(fns, WithTransports(o.Transports...))
	}
	if o.Reconnection != nil {
		fns = append(fns, WithReconnection(*o.Reconnection))
	}
	if o.ReconnectionAttempts != nil {
		fns = append(fns, WithReconnectionAttempts(*o.ReconnectionAttempts))
	}
	if o.ReconnectionDelayMs != nil {
		fns = append(fns, WithReconnectionDelay(ms(*o.ReconnectionDelayMs)))
	}
	if o.ReconnectionDelayMaxMs != nil {
		fns = append(fns, WithReconnectionDelayMax(ms(*o.ReconnectionDelayMaxMs)))
	}
	if o.RandomizationFactor != nil {
		fns = append(fns, WithRandomizationFactor(*o.RandomizationFactor))
	}
	if o.TimeoutMs != nil {
		fns = append(fns, WithTimeout(ms(*o.TimeoutMs)))
	}
	if o.Query != nil {
		fns = append(fns, WithQuery(o.Query))
	}
	if o.Secure != nil {
		fns = append(fns, WithSecure(*o.Secure))
	}
	if o.ForceNew != nil {
		fns = append(fns, WithForceNew(*o.ForceNew))
	}
	for _, extra := range []struct {
		raw map[string]any
		fn  func(map[string]Value) OptionFunc
	}{
		{o.Auth, WithAuth},
		{o.Android, WithAndroidExtras},
		{o.IOS, WithIOSExtras},
	} {
		if extra.raw == nil {
			continue
		}
		v, err := ValueOf(extra.raw)
		if err != nil {
			return nil, err
		}
		m, _ := v.AsMap()
		fns = append(fns, extra.fn(m))
	}
	return NewOptions(fns...), nil
}

func ms(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}
