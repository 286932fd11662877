package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config represents the top-level configuration structure. Every field has a
// usable default so the config file is optional; CLI flags override file
// values.
type Config struct {
	Source     SourceConfig     `json:"source"`
	Extraction ExtractionConfig `json:"extraction"`
	Cache      CacheConfig      `json:"cache"`
	Output     OutputConfig     `json:"output"`
}

// SourceConfig represents the backend connection section.
type SourceConfig struct {
	Type    string            `json:"type"` // "prometheus" or "influxdb"
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`

	// InfluxDB-only fields.
	Token       string `json:"token,omitempty"`
	Org         string `json:"org,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
	Measurement string `json:"measurement,omitempty"`
}

// ExtractionConfig tunes paging, retries, and concurrency.
type ExtractionConfig struct {
	MaxPointsPerRequest int     `json:"maxPointsPerRequest,omitempty"`
	NativeStep          string  `json:"nativeStep,omitempty"`
	Workers             int     `json:"workers,omitempty"`
	RequestTimeout      string  `json:"requestTimeout,omitempty"`
	RateLimit           float64 `json:"rateLimit,omitempty"` // requests/second, 0 = unlimited
}

// CacheConfig controls the optional sub-window cache.
type CacheConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// OutputConfig controls materialization defaults.
type OutputConfig struct {
	Format   string `json:"format,omitempty"`
	File     string `json:"file,omitempty"`
	Combined bool   `json:"combined,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Source: SourceConfig{Type: "prometheus"},
		Extraction: ExtractionConfig{
			MaxPointsPerRequest: 11000,
			NativeStep:          "15s",
			Workers:             4,
			RequestTimeout:      "30s",
		},
		Cache:  CacheConfig{Path: ".metrex-cache"},
		Output: OutputConfig{Format: "csv", File: "metrics.csv"},
	}
}

// Load reads and parses the configuration file on top of the defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate checks the configuration before any network I/O happens.
func (c *Config) Validate() error {
	switch c.Source.Type {
	case "prometheus":
	case "influxdb":
		if c.Source.Org == "" || c.Source.Bucket == "" {
			return fmt.Errorf("influxdb source requires org and bucket")
		}
	default:
		return fmt.Errorf("unknown source type: %q", c.Source.Type)
	}
	if c.Source.URL == "" {
		return fmt.Errorf("source url is required")
	}

	if c.Extraction.MaxPointsPerRequest < 0 {
		return fmt.Errorf("maxPointsPerRequest must not be negative")
	}
	if c.Extraction.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.Extraction.NativeStep != "" {
		if _, err := parseDuration(c.Extraction.NativeStep); err != nil {
			return fmt.Errorf("invalid nativeStep: %w", err)
		}
	}
	if c.Extraction.RequestTimeout != "" {
		if _, err := parseDuration(c.Extraction.RequestTimeout); err != nil {
			return fmt.Errorf("invalid requestTimeout: %w", err)
		}
	}

	if c.Cache.Enabled && c.Cache.Path == "" {
		return fmt.Errorf("cache path is required when the cache is enabled")
	}
	return nil
}

// NativeStep returns the parsed native sample interval.
func (c *Config) NativeStep() time.Duration {
	d, err := parseDuration(c.Extraction.NativeStep)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// RequestTimeout returns the parsed per-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	d, err := parseDuration(c.Extraction.RequestTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// parseDuration parses a duration string (e.g., "30d", "2h")
func parseDuration(s string) (time.Duration, error) {
	// Custom parsing for days
	if len(s) > 0 && s[len(s)-1] == 'd' {
		days, err := parseInt(s[:len(s)-1])
		if err != nil {
			return 0, err
		}
		return time.Hour * 24 * time.Duration(days), nil
	}

	// Use Go's time.ParseDuration for standard duration formats
	return time.ParseDuration(s)
}

// parseInt parses an integer string
func parseInt(s string) (int, error) {
	var result int
	_, err := fmt.Sscanf(s, "%d", &result)
	return result, err
}
