package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/automaton-vision/internal/retry"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		APIKey string `yaml:"apiKey"` // optional bearer auth for the webhook
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Storage struct {
		Endpoint      string `yaml:"endpoint"`
		AccessKey     string `yaml:"accessKey"`
		SecretKey     string `yaml:"secretKey"`
		Region        string `yaml:"region"`
		UseSSL        bool   `yaml:"useSSL"`
		SourceBucket  string `yaml:"sourceBucket"`
		SourcePrefix  string `yaml:"sourcePrefix"`
		ResultBucket  string `yaml:"resultBucket"`
		ArchivePrefix string `yaml:"archivePrefix"`
		LatestKey     string `yaml:"latestKey"`
		Listen        bool   `yaml:"listen"`
	} `yaml:"storage"`

	Vision struct {
		BaseURL         string `yaml:"baseURL"`
		Model           string `yaml:"model"`
		CredentialsFile string `yaml:"credentialsFile"`
		CredentialsB64  string `yaml:"credentialsB64"`
		Scope           string `yaml:"scope"`
	} `yaml:"vision"`

	Database struct {
		Driver   string `yaml:"driver"` // mysql | postgres
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"` // empty disables the delivery guard
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Notify struct {
		URL            string `yaml:"url"` // empty disables next-stage notification
		TimeoutSeconds int    `yaml:"timeoutSeconds"`
	} `yaml:"notify"`

	Retry struct {
		MaxAttempts           int `yaml:"maxAttempts"`
		MinIntervalSeconds    int `yaml:"minIntervalSeconds"`
		MaxIntervalSeconds    int `yaml:"maxIntervalSeconds"`
		AttemptTimeoutSeconds int `yaml:"attemptTimeoutSeconds"`
	} `yaml:"retry"`
}

// Load reads the yaml config file, then lets environment variables override
// the fields operators usually inject at deploy time.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.normalizeEndpoint(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Storage.Endpoint, "STORAGE_ENDPOINT")
	overrideString(&c.Storage.AccessKey, "STORAGE_ACCESS_KEY")
	overrideString(&c.Storage.SecretKey, "STORAGE_SECRET_KEY")
	overrideString(&c.Vision.BaseURL, "VISION_BASE_URL")
	overrideString(&c.Vision.Model, "VISION_MODEL")
	overrideString(&c.Vision.CredentialsFile, "VISION_CREDENTIALS_FILE")
	overrideString(&c.Vision.CredentialsB64, "VISION_CREDENTIALS_B64")
	overrideString(&c.Vision.Scope, "VISION_SCOPE")
	overrideString(&c.Notify.URL, "PROCESS_URL")
	overrideString(&c.Redis.Addr, "REDIS_ADDR")
	overrideString(&c.Database.Password, "DATABASE_PASSWORD")
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.SourcePrefix == "" {
		c.Storage.SourcePrefix = "image/"
	}
	if c.Storage.ArchivePrefix == "" {
		c.Storage.ArchivePrefix = "archive/"
	}
	if c.Storage.LatestKey == "" {
		c.Storage.LatestKey = "latest_result.json"
	}
	if c.Vision.Model == "" {
		c.Vision.Model = "gpt-4o-mini"
	}
	if c.Notify.TimeoutSeconds <= 0 {
		c.Notify.TimeoutSeconds = 10
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.MinIntervalSeconds <= 0 {
		c.Retry.MinIntervalSeconds = 10
	}
	if c.Retry.MaxIntervalSeconds <= 0 {
		c.Retry.MaxIntervalSeconds = 60
	}
	if c.Retry.AttemptTimeoutSeconds <= 0 {
		c.Retry.AttemptTimeoutSeconds = 60
	}
}

// normalizeEndpoint accepts connection-string style endpoints
// ("https://minio.local:9000") and folds the scheme into UseSSL; the minio
// client wants a bare host:port.
func (c *Config) normalizeEndpoint() error {
	ep := strings.TrimSpace(c.Storage.Endpoint)
	if !strings.Contains(ep, "://") {
		c.Storage.Endpoint = ep
		return nil
	}
	u, err := url.Parse(ep)
	if err != nil {
		return fmt.Errorf("storage endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		c.Storage.UseSSL = true
	case "http":
		c.Storage.UseSSL = false
	default:
		return fmt.Errorf("storage endpoint: unsupported scheme %q", u.Scheme)
	}
	c.Storage.Endpoint = u.Host
	return nil
}

// Validate reports the first missing required setting. Checked once at
// startup so a broken deployment fails before any event is consumed.
func (c *Config) Validate() error {
	if c.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is required")
	}
	if c.Storage.SourceBucket == "" {
		return fmt.Errorf("storage.sourceBucket is required")
	}
	if c.Storage.ResultBucket == "" {
		return fmt.Errorf("storage.resultBucket is required")
	}
	if c.Vision.CredentialsFile == "" && c.Vision.CredentialsB64 == "" {
		return fmt.Errorf("vision credentials are required (credentialsFile or credentialsB64)")
	}
	if c.Vision.CredentialsFile != "" && c.Vision.CredentialsB64 != "" {
		return fmt.Errorf("vision credentials are ambiguous: set credentialsFile or credentialsB64, not both")
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
	case "":
		return fmt.Errorf("database.driver is required (mysql or postgres)")
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Notify.URL != "" {
		if err := validateNotifyURL(c.Notify.URL); err != nil {
			return fmt.Errorf("notify.url: %w", err)
		}
	}
	return nil
}

func validateNotifyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q (allowed: http, https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// MySQLDSN builds the go-sql-driver DSN.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds the lib/pq DSN.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
	)
}

// NotifyTimeout as a duration.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}

// RetryPolicy converts the tuning block into the shared policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		MinInterval:    time.Duration(c.Retry.MinIntervalSeconds) * time.Second,
		MaxInterval:    time.Duration(c.Retry.MaxIntervalSeconds) * time.Second,
		AttemptTimeout: time.Duration(c.Retry.AttemptTimeoutSeconds) * time.Second,
	}
}
