package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	Debug        bool
	HTTPPort     string
	DataDir      string
	DatabasePath string
	LogDir       string

	Caddy     CaddyConfig
	ACME      ACMEConfig
	Jail      JailConfig
	Analytics AnalyticsConfig
	Geo       GeoConfig
	Notify    NotifyConfig
	Redis     RedisConfig
	Auth      AuthConfig
}

// CaddyConfig describes how the edge proxy is driven.
type CaddyConfig struct {
	AdminAPI          string
	ConfigPath        string
	SnapshotDir       string
	AccessLogPath     string
	ChallengeUpstream string
	ReloadTimeout     time.Duration
}

// ACMEConfig controls certificate issuance.
type ACMEConfig struct {
	DirectoryURL       string
	Email              string
	CertDir            string
	AccountKeyPath     string
	Timeout            time.Duration
	PropagationTimeout time.Duration
	PropagationPoll    time.Duration
	Resolvers          []string
	RenewalWindow      time.Duration
	RenewalSchedule    string
}

// JailConfig controls reputation escalation and expiry.
type JailConfig struct {
	BaseDuration time.Duration
	MaxDuration  time.Duration
	MaxReasons   int
	TickInterval time.Duration
}

// AnalyticsConfig controls ingestion and violation detection.
type AnalyticsConfig struct {
	QueueSize         int
	RecentHits        int
	ErrorBurstLimit   int
	ErrorBurstWindow  time.Duration
	TailFromStart     bool
	RebuildOnStart    bool
	DailyRollSchedule string
}

// GeoConfig points at optional geolocation sources.
type GeoConfig struct {
	CountryDBPath   string
	ASNDBPath       string
	Feeds           []string
	RefreshSchedule string
}

// NotifyConfig lists shoutrrr service URLs.
type NotifyConfig struct {
	URLs []string
}

// RedisConfig enables the firewall event bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// AuthConfig enables bearer-token auth on the admin API.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// Load reads .env and env vars, falling back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("EDGEWARD_DATA_DIR", "data")
	caddyDir := filepath.Join(dataDir, "caddy")

	cfg := Config{
		Environment:  getEnv("EDGEWARD_ENV", "development"),
		Debug:        getEnvAsBool("EDGEWARD_DEBUG", false),
		HTTPPort:     getEnv("EDGEWARD_HTTP_PORT", "8080"),
		DataDir:      dataDir,
		DatabasePath: getEnv("EDGEWARD_DB_PATH", filepath.Join(dataDir, "edgeward.db")),
		LogDir:       getEnv("EDGEWARD_LOG_DIR", filepath.Join(dataDir, "logs")),
		Caddy: CaddyConfig{
			AdminAPI:          getEnv("EDGEWARD_CADDY_ADMIN_API", "http://localhost:2019"),
			ConfigPath:        getEnv("EDGEWARD_CADDY_CONFIG", filepath.Join(caddyDir, "caddy.json")),
			SnapshotDir:       getEnv("EDGEWARD_CADDY_SNAPSHOTS", filepath.Join(caddyDir, "snapshots")),
			AccessLogPath:     getEnv("EDGEWARD_ACCESS_LOG", filepath.Join(dataDir, "logs", "access.log")),
			ChallengeUpstream: getEnv("EDGEWARD_CHALLENGE_UPSTREAM", "127.0.0.1:8080"),
			ReloadTimeout:     getEnvAsDuration("EDGEWARD_RELOAD_TIMEOUT", 15*time.Second),
		},
		ACME: ACMEConfig{
			DirectoryURL:       getEnv("EDGEWARD_ACME_DIRECTORY", "https://acme-v02.api.letsencrypt.org/directory"),
			Email:              getEnv("EDGEWARD_ACME_EMAIL", ""),
			CertDir:            getEnv("EDGEWARD_CERT_DIR", filepath.Join(dataDir, "certificates")),
			AccountKeyPath:     getEnv("EDGEWARD_ACME_ACCOUNT_KEY", filepath.Join(dataDir, "acme", "account.key")),
			Timeout:            getEnvAsDuration("EDGEWARD_ACME_TIMEOUT", 5*time.Minute),
			PropagationTimeout: getEnvAsDuration("EDGEWARD_DNS_PROPAGATION_TIMEOUT", 3*time.Minute),
			PropagationPoll:    getEnvAsDuration("EDGEWARD_DNS_PROPAGATION_POLL", 5*time.Second),
			Resolvers:          getEnvAsList("EDGEWARD_DNS_RESOLVERS", []string{"1.1.1.1:53", "8.8.8.8:53"}),
			RenewalWindow:      getEnvAsDuration("EDGEWARD_RENEWAL_WINDOW", 30*24*time.Hour),
			RenewalSchedule:    getEnv("EDGEWARD_RENEWAL_SCHEDULE", "@every 12h"),
		},
		Jail: JailConfig{
			BaseDuration: getEnvAsDuration("EDGEWARD_JAIL_BASE", 15*time.Minute),
			MaxDuration:  getEnvAsDuration("EDGEWARD_JAIL_MAX", 24*time.Hour),
			MaxReasons:   getEnvAsInt("EDGEWARD_JAIL_MAX_REASONS", 20),
			TickInterval: getEnvAsDuration("EDGEWARD_JAIL_TICK", time.Second),
		},
		Analytics: AnalyticsConfig{
			QueueSize:         getEnvAsInt("EDGEWARD_ANALYTICS_QUEUE", 4096),
			RecentHits:        getEnvAsInt("EDGEWARD_RECENT_HITS", 100),
			ErrorBurstLimit:   getEnvAsInt("EDGEWARD_ERROR_BURST_LIMIT", 30),
			ErrorBurstWindow:  getEnvAsDuration("EDGEWARD_ERROR_BURST_WINDOW", time.Minute),
			TailFromStart:     getEnvAsBool("EDGEWARD_TAIL_FROM_START", false),
			RebuildOnStart:    getEnvAsBool("EDGEWARD_REBUILD_ON_START", true),
			DailyRollSchedule: getEnv("EDGEWARD_DAILY_ROLL_SCHEDULE", "0 0 * * *"),
		},
		Geo: GeoConfig{
			CountryDBPath:   getEnv("EDGEWARD_GEOIP_COUNTRY_DB", ""),
			ASNDBPath:       getEnv("EDGEWARD_GEOIP_ASN_DB", ""),
			Feeds:           getEnvAsList("EDGEWARD_GEO_FEEDS", nil),
			RefreshSchedule: getEnv("EDGEWARD_GEO_REFRESH_SCHEDULE", "@daily"),
		},
		Notify: NotifyConfig{
			URLs: getEnvAsList("EDGEWARD_NOTIFY_URLS", nil),
		},
		Redis: RedisConfig{
			Addr:     getEnv("EDGEWARD_REDIS_ADDR", ""),
			Password: getEnv("EDGEWARD_REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("EDGEWARD_REDIS_DB", 0),
			Channel:  getEnv("EDGEWARD_REDIS_CHANNEL", "edgeward:firewall"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("EDGEWARD_JWT_SECRET", ""),
			TokenTTL:  getEnvAsDuration("EDGEWARD_TOKEN_TTL", 24*time.Hour),
		},
	}

	if cfg.Jail.BaseDuration <= 0 || cfg.Jail.MaxDuration < cfg.Jail.BaseDuration {
		return Config{}, fmt.Errorf("invalid jail durations: base=%s max=%s", cfg.Jail.BaseDuration, cfg.Jail.MaxDuration)
	}

	for _, dir := range []string{
		filepath.Dir(cfg.DatabasePath),
		cfg.LogDir,
		filepath.Dir(cfg.Caddy.ConfigPath),
		cfg.Caddy.SnapshotDir,
		cfg.ACME.CertDir,
		filepath.Dir(cfg.ACME.AccountKeyPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Config{}, fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

// getEnvAsList splits a comma-separated value, dropping blanks.
func getEnvAsList(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
