package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_BIND_ADDR", "APP_METRICS_NAMESPACE", "APP_SHUTDOWN_TIMEOUT", "APP_ALLOW_ANY_ORIGIN",
		"UPSTREAM_PROVIDER", "UPSTREAM_WS_URL", "UPSTREAM_API_KEY", "UPSTREAM_MODEL",
		"UPSTREAM_VOICE", "UPSTREAM_MODALITIES", "UPSTREAM_HANDSHAKE_TIMEOUT",
		"RECONNECT_BASE", "RECONNECT_CAP", "RECONNECT_MAX_ATTEMPTS",
		"OUTBOUND_QUEUE_SIZE", "DATABASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.UpstreamProvider != "auto" {
		t.Fatalf("UpstreamProvider = %q", cfg.UpstreamProvider)
	}
	if cfg.OutboundQueueSize != 64 {
		t.Fatalf("OutboundQueueSize = %d", cfg.OutboundQueueSize)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Fatalf("ReconnectMaxAttempts = %d", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectBase != 250*time.Millisecond || cfg.ReconnectCap != 10*time.Second {
		t.Fatalf("reconnect bounds = %v/%v", cfg.ReconnectBase, cfg.ReconnectCap)
	}
	if len(cfg.Modalities) != 2 || cfg.Modalities[0] != "text" || cfg.Modalities[1] != "audio" {
		t.Fatalf("Modalities = %v", cfg.Modalities)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("UPSTREAM_PROVIDER", "MOCK")
	t.Setenv("UPSTREAM_MODALITIES", " text , audio ")
	t.Setenv("RECONNECT_BASE", "100ms")
	t.Setenv("RECONNECT_CAP", "2s")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "9")
	t.Setenv("OUTBOUND_QUEUE_SIZE", "128")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.UpstreamProvider != "mock" {
		t.Fatalf("UpstreamProvider = %q, want lowercased mock", cfg.UpstreamProvider)
	}
	if cfg.ReconnectBase != 100*time.Millisecond || cfg.ReconnectCap != 2*time.Second {
		t.Fatalf("reconnect bounds = %v/%v", cfg.ReconnectBase, cfg.ReconnectCap)
	}
	if cfg.ReconnectMaxAttempts != 9 || cfg.OutboundQueueSize != 128 {
		t.Fatalf("attempts=%d queue=%d", cfg.ReconnectMaxAttempts, cfg.OutboundQueueSize)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin should be true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, wantErr string
	}{
		{"UPSTREAM_PROVIDER", "carrier-pigeon", "UPSTREAM_PROVIDER"},
		{"RECONNECT_MAX_ATTEMPTS", "0", "RECONNECT_MAX_ATTEMPTS"},
		{"RECONNECT_MAX_ATTEMPTS", "nope", "parse error"},
		{"OUTBOUND_QUEUE_SIZE", "-1", "OUTBOUND_QUEUE_SIZE"},
		{"RECONNECT_BASE", "20s", "base <= cap"},
		{"UPSTREAM_MODALITIES", "text,video", "unknown modality"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe", "expected bool"},
		{"APP_SHUTDOWN_TIMEOUT", "soon", "parse error"},
	}
	for _, c := range cases {
		t.Run(c.key+"="+c.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(c.key, c.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load should fail for %s=%s", c.key, c.value)
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, c.wantErr)
			}
		})
	}
}
