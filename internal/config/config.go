package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	BaseURL        string
	DataDir        string
	StorageDriver  string
	ShareSecret    string
	ShareTTL       time.Duration
	MaxUploadBytes int64

	VPSBaseURL    string
	VPSSubmitPath string
	VPSStatusPath string
	VPSAPIToken   string
	VPSTimeout    time.Duration

	PollInterval    time.Duration
	CompletionGrace time.Duration
	MaxPollAttempts int

	RabbitMQURL string
	EventsQueue string
}

const (
	StorageDriverJSON   = "json"
	StorageDriverSQLite = "sqlite"
)

func LoadConfig() (Config, error) {
	cfg := Config{}

	cfg.Port = envOrDefault("PORT", "8080")
	cfg.BaseURL = envOrDefault("BASE_URL", fmt.Sprintf("http://localhost:%s", cfg.Port))
	cfg.ShareSecret = envOrDefault("SHARE_SECRET", "change-me")
	cfg.DataDir = envOrDefault("DATA_DIR", "data")
	cfg.StorageDriver = strings.ToLower(envOrDefault("STORAGE_DRIVER", StorageDriverJSON))

	switch cfg.StorageDriver {
	case StorageDriverJSON, StorageDriverSQLite:
	default:
		return Config{}, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	cfg.VPSBaseURL = strings.TrimRight(envOrDefault("VPS_BASE_URL", "http://localhost:9000"), "/")
	cfg.VPSSubmitPath = envOrDefault("VPS_SUBMIT_PATH", "/api/whisperx/transcribe")
	cfg.VPSStatusPath = envOrDefault("VPS_STATUS_PATH", "/api/whisperx/status")
	cfg.VPSAPIToken = os.Getenv("VPS_API_TOKEN")

	cfg.RabbitMQURL = os.Getenv("RABBITMQ_URL")
	cfg.EventsQueue = envOrDefault("EVENTS_QUEUE", "medscribe.upload.events")

	shareTTLSeconds, err := parseIntEnv("SHARE_TTL_SECONDS", 86400)
	if err != nil {
		return Config{}, fmt.Errorf("parse SHARE_TTL_SECONDS: %w", err)
	}
	cfg.ShareTTL = time.Duration(shareTTLSeconds) * time.Second

	maxUploadMB, err := parseIntEnv("MAX_UPLOAD_MB", 100)
	if err != nil {
		return Config{}, fmt.Errorf("parse MAX_UPLOAD_MB: %w", err)
	}
	cfg.MaxUploadBytes = maxUploadMB * 1024 * 1024

	timeoutSeconds, err := parseIntEnv("VPS_TIMEOUT_SECONDS", 600)
	if err != nil {
		return Config{}, fmt.Errorf("parse VPS_TIMEOUT_SECONDS: %w", err)
	}
	cfg.VPSTimeout = time.Duration(timeoutSeconds) * time.Second

	pollMs, err := parseIntEnv("POLL_INTERVAL_MS", 2000)
	if err != nil {
		return Config{}, fmt.Errorf("parse POLL_INTERVAL_MS: %w", err)
	}
	if pollMs <= 0 {
		return Config{}, fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	cfg.PollInterval = time.Duration(pollMs) * time.Millisecond

	graceMs, err := parseIntEnv("COMPLETION_GRACE_MS", 3000)
	if err != nil {
		return Config{}, fmt.Errorf("parse COMPLETION_GRACE_MS: %w", err)
	}
	cfg.CompletionGrace = time.Duration(graceMs) * time.Millisecond

	maxAttempts, err := parseIntEnv("MAX_POLL_ATTEMPTS", 1800)
	if err != nil {
		return Config{}, fmt.Errorf("parse MAX_POLL_ATTEMPTS: %w", err)
	}
	cfg.MaxPollAttempts = int(maxAttempts)

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = absDataDir

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func parseIntEnv(key string, fallback int64) (int64, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}

	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return num, nil
}
