package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`

	ShortDomain        string   `yaml:"shortDomain"`
	AppBaseURL         string   `yaml:"appBaseURL"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCidrs"`

	JWTSecret      string `yaml:"jwtSecret"`
	JWTIssuer      string `yaml:"jwtIssuer"`
	JWTAudience    string `yaml:"jwtAudience"`
	JWTLeeway      string `yaml:"jwtLeeway"`
	SessionTTL     string `yaml:"sessionTTL"`
	CookieDomain   string `yaml:"cookieDomain"`
	CookieSecure   bool   `yaml:"cookieSecure"`
	CookieSameSite string `yaml:"cookieSameSite"`

	AnonymousCreateLimit     int    `yaml:"anonymousCreateLimit"`
	AnonymousCreateWindow    string `yaml:"anonymousCreateWindow"`
	SignupRateLimitPerMinute int    `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int    `yaml:"loginRateLimitPerMinute"`

	DraftTTL     string `yaml:"draftTTL"`
	LinkCacheTTL string `yaml:"linkCacheTTL"`

	MaxUploadBytes       int64  `yaml:"maxUploadBytes"`
	MaxImageSide         int    `yaml:"maxImageSide"`
	UploadProcessTimeout string `yaml:"uploadProcessTimeout"`

	MinioEndpoint      string `yaml:"minioEndpoint"`
	MinioAccessKey     string `yaml:"minioAccessKey"`
	MinioSecretKey     string `yaml:"minioSecretKey"`
	MinioBucket        string `yaml:"minioBucket"`
	MinioUseSSL        bool   `yaml:"minioUseSSL"`
	FilesPublicBaseURL string `yaml:"filesPublicBaseURL"`

	AnalyticsBaseURL     string   `yaml:"analyticsBaseURL"`
	AnalyticsToken       string   `yaml:"analyticsToken"`
	AnalyticsDatasources []string `yaml:"analyticsDatasources"`

	AMQPURL        string `yaml:"amqpURL"`
	EventsExchange string `yaml:"eventsExchange"`

	CleanupStream     string `yaml:"cleanupStream"`
	CleanupGroup      string `yaml:"cleanupGroup"`
	CleanupWorkers    int    `yaml:"cleanupWorkers"`
	CleanupMaxRetries int    `yaml:"cleanupMaxRetries"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "postgres"
	}
	if cfg.AnonymousCreateLimit == 0 {
		cfg.AnonymousCreateLimit = 10
	}
	if cfg.AnonymousCreateWindow == "" {
		cfg.AnonymousCreateWindow = "24h"
	}
	if cfg.DraftTTL == "" {
		cfg.DraftTTL = "240h"
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "168h"
	}
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "lax"
	}
	if cfg.EventsExchange == "" {
		cfg.EventsExchange = "getqr.events"
	}
	if cfg.CleanupStream == "" {
		cfg.CleanupStream = "getqr:file-cleanup"
	}
	if cfg.CleanupGroup == "" {
		cfg.CleanupGroup = "file-cleanup"
	}
	if cfg.CleanupWorkers == 0 {
		cfg.CleanupWorkers = 2
	}
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	setString(&cfg.Port, "GETQR_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.ShortDomain, "GETQR_SHORT_DOMAIN")
	setString(&cfg.AppBaseURL, "GETQR_APP_BASE_URL")
	if v := os.Getenv("GETQR_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("GETQR_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.SessionTTL, "GETQR_SESSION_TTL")
	setString(&cfg.CookieDomain, "GETQR_COOKIE_DOMAIN")
	setBool(&cfg.CookieSecure, "GETQR_COOKIE_SECURE")
	setString(&cfg.CookieSameSite, "GETQR_COOKIE_SAME_SITE")
	setInt(&cfg.AnonymousCreateLimit, "GETQR_ANONYMOUS_CREATE_LIMIT")
	setString(&cfg.AnonymousCreateWindow, "GETQR_ANONYMOUS_CREATE_WINDOW")
	setInt(&cfg.SignupRateLimitPerMinute, "GETQR_SIGNUP_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "GETQR_LOGIN_RATE_LIMIT_PER_MINUTE")
	setString(&cfg.DraftTTL, "GETQR_DRAFT_TTL")
	setString(&cfg.LinkCacheTTL, "GETQR_LINK_CACHE_TTL")
	if v := os.Getenv("GETQR_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	setInt(&cfg.MaxImageSide, "GETQR_MAX_IMAGE_SIDE")
	setString(&cfg.UploadProcessTimeout, "GETQR_UPLOAD_PROCESS_TIMEOUT")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")
	setString(&cfg.FilesPublicBaseURL, "GETQR_FILES_PUBLIC_BASE_URL")
	setString(&cfg.AnalyticsBaseURL, "ANALYTICS_BASE_URL")
	setString(&cfg.AnalyticsToken, "ANALYTICS_TOKEN")
	if v := os.Getenv("ANALYTICS_DATASOURCES"); v != "" {
		cfg.AnalyticsDatasources = splitCSV(v)
	}
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.EventsExchange, "GETQR_EVENTS_EXCHANGE")
	setInt(&cfg.CleanupWorkers, "GETQR_CLEANUP_WORKERS")
	setInt(&cfg.CleanupMaxRetries, "GETQR_CLEANUP_MAX_RETRIES")
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unsupported databaseDriver %q (postgres, mysql or memory)", cfg.DatabaseDriver)
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for drafts and rate limiting")
	}
	if strings.TrimSpace(cfg.ShortDomain) == "" {
		return errors.New("config: shortDomain is required (set in config.yaml or GETQR_SHORT_DOMAIN)")
	}
	if strings.TrimSpace(cfg.AppBaseURL) == "" {
		return errors.New("config: appBaseURL is required (set in config.yaml or GETQR_APP_BASE_URL)")
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes (set JWT_SECRET)")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml)")
	}
	if cfg.AnonymousCreateLimit <= 0 {
		return errors.New("config: anonymousCreateLimit must be > 0")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 || cfg.MaxImageSide < 0 {
		return errors.New("config: upload limits must be >= 0")
	}
	if cfg.CleanupWorkers < 0 || cfg.CleanupMaxRetries < 0 {
		return errors.New("config: cleanup settings must be >= 0")
	}
	switch strings.ToLower(cfg.CookieSameSite) {
	case "lax", "strict", "none":
	default:
		return fmt.Errorf("config: cookieSameSite must be lax, strict or none, got %q", cfg.CookieSameSite)
	}
	durations := map[string]string{
		"anonymousCreateWindow": cfg.AnonymousCreateWindow,
		"draftTTL":              cfg.DraftTTL,
		"sessionTTL":            cfg.SessionTTL,
		"linkCacheTTL":          cfg.LinkCacheTTL,
		"uploadProcessTimeout":  cfg.UploadProcessTimeout,
		"jwtLeeway":             cfg.JWTLeeway,
	}
	for name, v := range durations {
		if _, err := ParseDuration(name, v); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration setting. Empty means zero.
func ParseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return d, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	return ParseDuration("jwtLeeway", leewayStr)
}
