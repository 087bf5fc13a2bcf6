package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	UpstreamProvider string
	UpstreamWSURL    string
	UpstreamAPIKey   string
	UpstreamModel    string
	UpstreamVoice    string
	Modalities       []string

	OutboundQueueSize    int
	HandshakeTimeout     time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "rtbridge"),
		AllowAnyOrigin:       false,
		UpstreamProvider:     strings.ToLower(envOrDefault("UPSTREAM_PROVIDER", "auto")),
		UpstreamWSURL:        envOrDefault("UPSTREAM_WS_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamAPIKey:       strings.TrimSpace(os.Getenv("UPSTREAM_API_KEY")),
		UpstreamModel:        envOrDefault("UPSTREAM_MODEL", "gpt-4o-realtime-preview"),
		UpstreamVoice:        envOrDefault("UPSTREAM_VOICE", "alloy"),
		Modalities:           splitCSV(envOrDefault("UPSTREAM_MODALITIES", "text,audio")),
		OutboundQueueSize:    64,
		ShutdownTimeout:      15 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReconnectBase:        250 * time.Millisecond,
		ReconnectCap:         10 * time.Second,
		ReconnectMaxAttempts: 5,
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("UPSTREAM_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBase, err = durationFromEnv("RECONNECT_BASE", cfg.ReconnectBase)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectCap, err = durationFromEnv("RECONNECT_CAP", cfg.ReconnectCap)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxAttempts, err = intFromEnv("RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueueSize, err = intFromEnv("OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch cfg.UpstreamProvider {
	case "auto", "websocket", "mock":
	default:
		return Config{}, fmt.Errorf("invalid UPSTREAM_PROVIDER: %q (expected auto|websocket|mock)", cfg.UpstreamProvider)
	}
	if strings.TrimSpace(cfg.UpstreamWSURL) == "" {
		return Config{}, fmt.Errorf("UPSTREAM_WS_URL must not be empty")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("OUTBOUND_QUEUE_SIZE must be positive")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive")
	}
	if cfg.ReconnectBase <= 0 || cfg.ReconnectCap < cfg.ReconnectBase {
		return Config{}, fmt.Errorf("RECONNECT_BASE/RECONNECT_CAP must satisfy 0 < base <= cap")
	}
	for _, m := range cfg.Modalities {
		if m != "text" && m != "audio" {
			return Config{}, fmt.Errorf("UPSTREAM_MODALITIES contains unknown modality %q", m)
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
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
