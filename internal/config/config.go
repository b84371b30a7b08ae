// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/whatsapp-automation/chatsync/internal/chat"
	"github.com/whatsapp-automation/chatsync/internal/realtime"
)

// Config is the service configuration.
type Config struct {
	Port           string
	GatewayBaseURL string
	DataDir        string
	QRDir          string

	Wake      realtime.WakePolicy
	Reconnect realtime.ReconnectPolicy

	GatewayRateLimit float64
	GatewayTimeout   time.Duration
	HistoryPageSize  int
	StatusTable      chat.StatusTable

	Proxy *ProxyConfig

	LogLevel  string
	LogFormat string
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	// Load .env file if present (for local development)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment.
func FromEnv() (*Config, error) {
	var err error
	cfg := &Config{
		Port:            getEnv("CHATSYNC_PORT", "3002"),
		GatewayBaseURL:  strings.TrimRight(getEnv("GATEWAY_BASE_URL", ""), "/"),
		DataDir:         getEnv("DATA_DIR", "/data/chatsync"),
		QRDir:           getEnv("QR_DIR", "/data/chatsync/qr"),
		HistoryPageSize: 50,
		Proxy:           LoadProxyConfig(),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
	}

	wake := realtime.DefaultWakePolicy()
	if wake.Delay, err = getDuration("WAKE_RETRY_DELAY", wake.Delay); err != nil {
		return nil, err
	}
	if wake.MaxDelay, err = getDuration("WAKE_RETRY_MAX_DELAY", wake.MaxDelay); err != nil {
		return nil, err
	}
	if wake.Multiplier, err = getFloat("WAKE_RETRY_MULTIPLIER", wake.Multiplier); err != nil {
		return nil, err
	}
	if wake.MaxAttempts, err = getInt("WAKE_RETRY_MAX_ATTEMPTS", wake.MaxAttempts); err != nil {
		return nil, err
	}
	cfg.Wake = wake

	reconnect := realtime.DefaultReconnectPolicy()
	if reconnect.Attempts, err = getInt("RECONNECT_ATTEMPTS", reconnect.Attempts); err != nil {
		return nil, err
	}
	if reconnect.Delay, err = getDuration("RECONNECT_DELAY", reconnect.Delay); err != nil {
		return nil, err
	}
	if reconnect.MaxDelay, err = getDuration("RECONNECT_MAX_DELAY", reconnect.MaxDelay); err != nil {
		return nil, err
	}
	cfg.Reconnect = reconnect

	if cfg.GatewayRateLimit, err = getFloat("GATEWAY_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.GatewayTimeout, err = getDuration("GATEWAY_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HistoryPageSize, err = getInt("HISTORY_PAGE_SIZE", cfg.HistoryPageSize); err != nil {
		return nil, err
	}

	cfg.StatusTable = chat.DefaultStatusTable()
	if codes := os.Getenv("READ_STATUS_CODES"); codes != "" {
		table, err := chat.ParseStatusTable(codes)
		if err != nil {
			return nil, fmt.Errorf("READ_STATUS_CODES: %w", err)
		}
		cfg.StatusTable = table
	}

	if err := cfg.Proxy.Validate(); err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	if cfg.Wake.Delay <= 0 {
		return nil, fmt.Errorf("WAKE_RETRY_DELAY must be positive")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getDuration accepts Go durations ("5s", "1m30s") or plain seconds.
func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if secs, err := cast.ToFloat64E(v); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}
