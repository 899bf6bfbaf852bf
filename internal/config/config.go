package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BackendKind は認証・ロール保存に使用するバックエンドの種類。
type BackendKind string

const (
	// BackendSupabase はホスティングされた認証・データベースサービスを使用する。
	BackendSupabase BackendKind = "supabase"
	// BackendLocal はPostgreSQL上のローカル認証を使用する。
	BackendLocal BackendKind = "local"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend
	AuthBackend BackendKind

	// Supabase
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	SupabaseJWTSecret      string
	BackendTimeout         time.Duration

	// Database（localバックエンドおよびmigrateで使用）
	DatabaseURL string

	// Session
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string

	// BackendEgressStrict がtrueの場合、バックエンドへのHTTPクライアントは
	// プライベートIPやループバックへの接続を拒否する。
	BackendEgressStrict bool

	// Warnings は起動を止めない設定上の警告。
	Warnings []string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
// SupabaseのURLと公開キーの未設定はエラーにせず、Warningsに記録する。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.AuthBackend = BackendKind(strings.ToLower(getEnvString("AUTH_BACKEND", string(BackendSupabase))))
	if cfg.AuthBackend != BackendSupabase && cfg.AuthBackend != BackendLocal {
		return nil, fmt.Errorf("unsupported AUTH_BACKEND %q (allowed: supabase, local)", cfg.AuthBackend)
	}

	cfg.SupabaseURL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
	cfg.SupabaseAnonKey = os.Getenv("SUPABASE_ANON_KEY")
	cfg.SupabaseServiceRoleKey = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	cfg.SupabaseJWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Required fields
	var missing []string

	if cfg.AuthBackend == BackendLocal && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.AuthBackend == BackendSupabase && (cfg.SupabaseURL == "" || cfg.SupabaseAnonKey == "") {
		cfg.Warnings = append(cfg.Warnings,
			"SUPABASE_URL または SUPABASE_ANON_KEY が設定されていません。認証操作は実行時に失敗します。")
	}

	// Optional fields with defaults
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 10*time.Second)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.BackendEgressStrict = strings.HasPrefix(cfg.SupabaseURL, "https://")

	return cfg, nil
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

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
