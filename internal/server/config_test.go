package server

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// TestNewConfig verifies the default values.
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.Addr != ":3001" {
		t.Errorf("Expected default addr :3001, got %s", cfg.Addr)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
		t.Errorf("Expected all origins allowed by default, got %v", cfg.AllowedOrigins)
	}
	if cfg.MaxMessageSize != 32*1024 {
		t.Errorf("Expected default max message size 32768, got %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 0 {
		t.Errorf("Expected rate limiting disabled by default, got burst %d", cfg.RateLimit.Burst)
	}
	if cfg.RedisURL != "" {
		t.Errorf("Expected no Redis by default, got %q", cfg.RedisURL)
	}
}

// TestSanitizeConfig verifies zero and negative values are replaced with defaults.
func TestSanitizeConfig(t *testing.T) {
	cfg := sanitizeConfig(Config{
		MaxMessageSize:  -1,
		SendBuffer:      0,
		RateLimit:       RateLimitConfig{Burst: -3},
		ShutdownTimeout: -time.Second,
	})

	if cfg.Addr != defaultAddr {
		t.Errorf("Expected addr %s, got %s", defaultAddr, cfg.Addr)
	}
	if cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("Expected max message size %d, got %d", defaultMaxMessageSize, cfg.MaxMessageSize)
	}
	if cfg.SendBuffer != defaultSendBuffer {
		t.Errorf("Expected send buffer %d, got %d", defaultSendBuffer, cfg.SendBuffer)
	}
	if cfg.RateLimit.Burst != 0 || cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("Unexpected log settings %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.ShutdownTimeout != defaultShutdownTimeout {
		t.Errorf("Expected shutdown timeout %v, got %v", defaultShutdownTimeout, cfg.ShutdownTimeout)
	}
}

// TestNewConfigFromEnv verifies environment overrides and fallbacks for bad values.
func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9000")
	t.Setenv("ALLOWED_ORIGINS", " http://a.example , ,http://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("SEND_BUFFER", "16")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SHUTDOWN_TIMEOUT", "1500ms")

	cfg := NewConfigFromEnv()

	if cfg.Addr != ":9000" {
		t.Errorf("Expected addr :9000, got %s", cfg.Addr)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"http://a.example", "http://b.example"}) {
		t.Errorf("Unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("Expected invalid size to fall back to default, got %d", cfg.MaxMessageSize)
	}
	if cfg.SendBuffer != 16 {
		t.Errorf("Expected send buffer 16, got %d", cfg.SendBuffer)
	}
	if cfg.RateLimit.Burst != 10 || cfg.RateLimit.RefillInterval != 2*time.Second {
		t.Errorf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Unexpected Redis URL %q", cfg.RedisURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != 1500*time.Millisecond {
		t.Errorf("Expected shutdown timeout 1.5s, got %v", cfg.ShutdownTimeout)
	}
}

// TestLoadConfigFile verifies YAML values overlay the defaults and absent keys are kept.
func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `addr: ":4000"
allowed_origins:
  - http://localhost:5173
rate_limit:
  burst: 3
  refill_interval: 500ms
shutdown_timeout: 3s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg := NewConfig()
	if err := LoadConfigFile(path, cfg); err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}

	if cfg.Addr != ":4000" {
		t.Errorf("Expected addr :4000, got %s", cfg.Addr)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"http://localhost:5173"}) {
		t.Errorf("Unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.RateLimit.Burst != 3 || cfg.RateLimit.RefillInterval != 500*time.Millisecond {
		t.Errorf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Errorf("Expected shutdown timeout 3s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("Expected max message size to keep its default, got %d", cfg.MaxMessageSize)
	}
}

// TestLoadConfigFileErrors verifies missing and malformed files are reported.
func TestLoadConfigFileErrors(t *testing.T) {
	cfg := NewConfig()
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("addr: [unclosed"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if err := LoadConfigFile(path, cfg); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in       string
		expected time.Duration
	}{
		{"5", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"0", time.Minute},
		{"-2s", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		if got := parseDuration(tt.in, time.Minute); got != tt.expected {
			t.Errorf("parseDuration(%q) = %v, expected %v", tt.in, got, tt.expected)
		}
	}
}

func TestRateLimitBurstEnvCanDisable(t *testing.T) {
	t.Setenv("RATE_LIMIT_BURST", "0")
	cfg := NewConfig()
	cfg.RateLimit.Burst = 5
	ApplyEnv(cfg)
	if cfg.RateLimit.Burst != 0 {
		t.Errorf("Expected RATE_LIMIT_BURST=0 to disable limiting, got %d", cfg.RateLimit.Burst)
	}

	t.Setenv("RATE_LIMIT_BURST", "-1")
	ApplyEnv(cfg)
	if cfg.RateLimit.Burst != 0 {
		t.Errorf("Expected negative burst to be ignored, got %d", cfg.RateLimit.Burst)
	}
}
