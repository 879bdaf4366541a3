// Package config loads process-wide configuration for the relay from environment
// variables (and an optional YAML file), and fails fast when a mandatory
// setting is missing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable the relay needs at startup. Mandatory fields are
// validated in Load; everything else has a sane default.
type Config struct {
	Port int `mapstructure:"port"`

	UpstreamURL    string `mapstructure:"upstream_url"`
	UpstreamAPIKey string `mapstructure:"upstream_api_key"`

	ToolWebhookMap         map[string]string `mapstructure:"-"`
	ToolWebhookMapJSON     string            `mapstructure:"tool_webhook_map"`
	DefaultDispatchWebhook string            `mapstructure:"default_dispatch_webhook"`

	CallbackBaseURL       string   `mapstructure:"callback_base_url"`
	CallbackAllowlistCSV  string   `mapstructure:"callback_allowlist"`
	CallbackAllowlist     []string `mapstructure:"-"`

	HMACSecret  string `mapstructure:"hmac_secret"`
	RequireHMAC bool   `mapstructure:"require_hmac"`

	RateLimitWindowSec int `mapstructure:"rate_limit_window_sec"`
	RateLimitMax        int `mapstructure:"rate_limit_max"`

	Gate2TimeoutSec        int `mapstructure:"gate2_timeout_sec"`
	HandshakeTimeoutSec    int `mapstructure:"handshake_timeout_sec"`
	ToolDispatchTimeoutSec int `mapstructure:"tool_dispatch_timeout_sec"`

	AudioLossWarnThreshold float64 `mapstructure:"audio_loss_warn_threshold"`

	SinkKind     string `mapstructure:"sink_kind"` // "log" | "http"
	SinkEndpoint string `mapstructure:"sink_endpoint"`

	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"`
	LogFormat          string `mapstructure:"log_format"`

	TracingEnabled      bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint     string  `mapstructure:"tracing_endpoint"`
	TracingServiceName  string  `mapstructure:"tracing_service_name"`
	TracingSamplingRate float64 `mapstructure:"tracing_sampling_rate"`

	AllowedOriginsCSV string   `mapstructure:"allowed_origins"`
	AllowedOrigins    []string `mapstructure:"-"`
}

// Load reads configuration from environment (prefix RELAY_) and an optional
// ./config.yaml, applies defaults, then validates mandatory fields.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/voicerelay/")
	viper.AddConfigPath("$HOME/.voicerelay")
	viper.AddConfigPath(".")

	viper.SetDefault("port", 8090)
	viper.SetDefault("upstream_url", "")
	viper.SetDefault("upstream_api_key", "")
	viper.SetDefault("tool_webhook_map", "{}")
	viper.SetDefault("default_dispatch_webhook", "")
	viper.SetDefault("callback_base_url", "")
	viper.SetDefault("callback_allowlist", "")
	viper.SetDefault("hmac_secret", "")
	viper.SetDefault("require_hmac", false)
	viper.SetDefault("rate_limit_window_sec", 60)
	viper.SetDefault("rate_limit_max", 100)
	viper.SetDefault("gate2_timeout_sec", 30)
	viper.SetDefault("handshake_timeout_sec", 30)
	viper.SetDefault("tool_dispatch_timeout_sec", 30)
	viper.SetDefault("audio_loss_warn_threshold", 0.05)
	viper.SetDefault("sink_kind", "log")
	viper.SetDefault("sink_endpoint", "")
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("log_format", "json")
	viper.SetDefault("tracing_enabled", false)
	viper.SetDefault("tracing_endpoint", "")
	viper.SetDefault("tracing_service_name", "voicerelay")
	viper.SetDefault("tracing_sampling_rate", 1.0)
	viper.SetDefault("allowed_origins", "*")

	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := json.Unmarshal([]byte(cfg.ToolWebhookMapJSON), &cfg.ToolWebhookMap); err != nil {
		return nil, fmt.Errorf("config: tool_webhook_map must be a JSON object: %w", err)
	}
	if cfg.ToolWebhookMap == nil {
		cfg.ToolWebhookMap = map[string]string{}
	}

	cfg.CallbackAllowlist = splitCSV(cfg.CallbackAllowlistCSV)
	cfg.AllowedOrigins = splitCSV(cfg.AllowedOriginsCSV)

	// OTEL_EXPORTER_OTLP_ENDPOINT auto-enables tracing, matching the teacher convention.
	if !cfg.TracingEnabled {
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			cfg.TracingEnabled = true
			if cfg.TracingEndpoint == "" {
				cfg.TracingEndpoint = ep
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.UpstreamURL) == "" {
		missing = append(missing, "upstream_url")
	}
	if strings.TrimSpace(c.UpstreamAPIKey) == "" {
		missing = append(missing, "upstream_api_key")
	}
	if c.SinkKind == "http" && strings.TrimSpace(c.SinkEndpoint) == "" {
		missing = append(missing, "sink_endpoint (required when sink_kind=http)")
	}
	if c.RequireHMAC && strings.TrimSpace(c.HMACSecret) == "" {
		missing = append(missing, "hmac_secret (required when require_hmac=true)")
	}
	if c.Gate2TimeoutSec <= 0 {
		missing = append(missing, "gate2_timeout_sec (must be > 0)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing or invalid mandatory settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
