package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Webhook
	WebhookSecret    string
	WebhookTolerance time.Duration

	// 外部ソーシャルプロトコル
	ProtocolBase     string
	ProtocolClientID string
	PublishTimeout   time.Duration
	RefreshSkew      time.Duration

	// イベントインポーター
	EventsAPIBase       string
	ImportOrgIDs        []string
	ImportInterval      time.Duration
	ImportPageTimeout   time.Duration
	ImportMaxConcurrent int
	ImportMaxPageBytes  int64

	// Retention
	RetentionDays int

	// Rate Limit
	RateLimitGeneral int
	RateLimitWebhook int

	// Server
	ServerPort string
	// MetricsPort はPrometheusスクレイプ用の内部リスナーのポート。
	MetricsPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	if cfg.WebhookSecret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.WebhookTolerance = getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute)
	cfg.ProtocolBase = getEnvString("PROTOCOL_BASE", "https://bsky.social")
	cfg.ProtocolClientID = getEnvString("PROTOCOL_CLIENT_ID", "")
	cfg.PublishTimeout = getEnvDuration("PUBLISH_TIMEOUT", 10*time.Second)
	cfg.RefreshSkew = getEnvDuration("REFRESH_SKEW", time.Minute)
	cfg.EventsAPIBase = getEnvString("EVENTS_API_BASE", "https://api.mobilize.us/v1")
	cfg.ImportOrgIDs = splitCSV(os.Getenv("IMPORT_ORG_IDS"))
	cfg.ImportInterval = getEnvDuration("IMPORT_INTERVAL", 6*time.Hour)
	cfg.ImportPageTimeout = getEnvDuration("IMPORT_PAGE_TIMEOUT", 15*time.Second)
	cfg.ImportMaxConcurrent = getEnvInt("IMPORT_MAX_CONCURRENT", 3)
	cfg.ImportMaxPageBytes = getEnvInt64("IMPORT_MAX_PAGE_BYTES", 2097152)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 30)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWebhook = getEnvInt("RATE_LIMIT_WEBHOOK", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")

	return cfg, nil
}

// splitCSV はカンマ区切りの文字列を空要素を除いて分割する。
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
