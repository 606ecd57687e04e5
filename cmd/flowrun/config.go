package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all flowrun configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	// PublicURL is the base written into webhook URLs and form pages, and
	// the base of the row service used by enrich and airtable nodes.
	PublicURL string `json:"public_url"`
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Concurrency       int      `json:"concurrency"`
	InlineWorker      bool     `json:"inline_worker"`
	RedisURL          string   `json:"redis_url"`
	MaxAttempts       int      `json:"max_attempts"`
	RetryDelay        Duration `json:"retry_delay"`
	SchedulerInterval Duration `json:"scheduler_interval"`
	StaleAfter        Duration `json:"stale_after"`

	AllowedOrigins []string `json:"allowed_origins"`
	StaticDir      string   `json:"static_dir"`
	// MetricsAddr is where a standalone worker serves /metrics.
	MetricsAddr string `json:"metrics_addr"`

	SlackWebhookURL string   `json:"slack_webhook_url"`
	ResendAPIKey    string   `json:"resend_api_key"`
	ResendBaseURL   string   `json:"resend_base_url"`
	MailFrom        string   `json:"mail_from"`
	DataServiceURL  string   `json:"data_service_url"`
	ProcessedDBURL  string   `json:"processed_db_url"`
	HTTPTimeout     Duration `json:"http_timeout"`
	HTTPRate        float64  `json:"http_rate"`

	AWSRegion          string `json:"aws_region"`
	S3Endpoint         string `json:"s3_endpoint"`
	AWSAccessKeyID     string `json:"-"`
	AWSSecretAccessKey string `json:"-"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4000",
		DBPath:            filepath.Join(flowrunDir(), "flowrun.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		Concurrency:       5,
		MaxAttempts:       3,
		RetryDelay:        Duration(5 * time.Second),
		SchedulerInterval: Duration(15 * time.Second),
		StaleAfter:        Duration(30 * time.Minute),
		AllowedOrigins:    []string{"http://localhost:5173"},
		HTTPTimeout:       Duration(30 * time.Second),
	}
}

func flowrunDir() string {
	if v := os.Getenv("FLOWRUN_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowrun"
	}
	return filepath.Join(home, ".flowrun")
}

func settingsPath() string {
	return filepath.Join(flowrunDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString(&cfg.ListenAddr, "FLOWRUN_LISTEN_ADDR")
	if v := os.Getenv("PORT"); v != "" && os.Getenv("FLOWRUN_LISTEN_ADDR") == "" {
		cfg.ListenAddr = ":" + v
	}
	envString(&cfg.PublicURL, "LOCAL_API_URL", "FLOWRUN_PUBLIC_URL")
	envString(&cfg.DBPath, "FLOWRUN_DB_PATH")
	envString(&cfg.LogLevel, "FLOWRUN_LOG_LEVEL")
	envString(&cfg.LogFormat, "FLOWRUN_LOG_FORMAT")
	envInt(&cfg.Concurrency, "FLOWRUN_CONCURRENCY")
	envBool(&cfg.InlineWorker, "FLOWRUN_INLINE_WORKER")
	envString(&cfg.RedisURL, "REDIS_URL", "FLOWRUN_REDIS_URL")
	envInt(&cfg.MaxAttempts, "FLOWRUN_MAX_ATTEMPTS")
	envDuration(&cfg.RetryDelay, "FLOWRUN_RETRY_DELAY")
	envDuration(&cfg.SchedulerInterval, "FLOWRUN_SCHEDULER_INTERVAL")
	envDuration(&cfg.StaleAfter, "FLOWRUN_STALE_AFTER")
	if v := os.Getenv("FLOWRUN_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	envString(&cfg.StaticDir, "FLOWRUN_STATIC_DIR")
	envString(&cfg.MetricsAddr, "FLOWRUN_METRICS_ADDR")

	envString(&cfg.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	envString(&cfg.ResendAPIKey, "RESEND_API_KEY")
	envString(&cfg.ResendBaseURL, "RESEND_BASE_URL")
	envString(&cfg.MailFrom, "SMTP_FROM")
	envString(&cfg.DataServiceURL, "FLOWRUN_DATA_SERVICE_URL")
	envString(&cfg.ProcessedDBURL, "PROCESSED_DB_URL")
	envDuration(&cfg.HTTPTimeout, "FLOWRUN_HTTP_TIMEOUT")
	if v := os.Getenv("FLOWRUN_HTTP_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HTTPRate = f
		}
	}

	envString(&cfg.AWSRegion, "AWS_REGION")
	envString(&cfg.S3Endpoint, "AWS_ENDPOINT_URL_S3")
	envString(&cfg.AWSAccessKeyID, "AWS_ACCESS_KEY_ID")
	envString(&cfg.AWSSecretAccessKey, "AWS_SECRET_ACCESS_KEY")

	// Derive public_url from listen_addr if empty.
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost" + cfg.ListenAddr
	}
	if cfg.DataServiceURL == "" {
		cfg.DataServiceURL = cfg.PublicURL
	}
	return cfg
}

// envString sets *dst from the first non-empty variable in keys.
func envString(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	OriginsChanged  bool
	RestartNeeded   []string // fields that require a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if strings.Join(old.AllowedOrigins, ",") != strings.Join(new.AllowedOrigins, ",") {
		d.OriginsChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.PublicURL != new.PublicURL {
		d.RestartNeeded = append(d.RestartNeeded, "public_url")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.RedisURL != new.RedisURL {
		d.RestartNeeded = append(d.RestartNeeded, "redis_url")
	}
	if old.Concurrency != new.Concurrency {
		d.RestartNeeded = append(d.RestartNeeded, "concurrency")
	}
	return d
}
