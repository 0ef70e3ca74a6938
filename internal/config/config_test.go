package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
storage:
  endpoint: minio.local:9000
  accessKey: ak
  secretKey: sk
  sourceBucket: incoming
  resultBucket: results
vision:
  credentialsB64: ` + "c2stdGVzdA==" + `
database:
  driver: mysql
  host: localhost
  port: 3306
  user: vision
  password: secret
  name: visiondb
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.ArchivePrefix != "archive/" {
		t.Errorf("archive prefix = %q", cfg.Storage.ArchivePrefix)
	}
	if cfg.Storage.LatestKey != "latest_result.json" {
		t.Errorf("latest key = %q", cfg.Storage.LatestKey)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.MinIntervalSeconds != 10 || cfg.Retry.MaxIntervalSeconds != 60 {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_ENDPOINT", "other.host:9000")
	t.Setenv("VISION_MODEL", "gpt-4o")
	t.Setenv("PROCESS_URL", "https://next.example.com/hook")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Endpoint != "other.host:9000" {
		t.Errorf("endpoint = %q", cfg.Storage.Endpoint)
	}
	if cfg.Vision.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Vision.Model)
	}
	if cfg.Notify.URL != "https://next.example.com/hook" {
		t.Errorf("notify url = %q", cfg.Notify.URL)
	}
}

func TestLoadNormalizesEndpointScheme(t *testing.T) {
	body := strings.Replace(minimalYAML, "endpoint: minio.local:9000", "endpoint: https://minio.local:9000", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Endpoint != "minio.local:9000" {
		t.Errorf("endpoint = %q, want bare host", cfg.Storage.Endpoint)
	}
	if !cfg.Storage.UseSSL {
		t.Error("https scheme should enable SSL")
	}
}

func TestLoadRejectsUnsupportedScheme(t *testing.T) {
	body := strings.Replace(minimalYAML, "endpoint: minio.local:9000", "endpoint: ftp://minio.local", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	body := strings.Replace(minimalYAML, "credentialsB64: c2stdGVzdA==", "scope: tenant-a", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error with no credentials")
	}
}

func TestValidateRejectsAmbiguousCredentials(t *testing.T) {
	body := minimalYAML + "\n"
	body = strings.Replace(body,
		"credentialsB64: c2stdGVzdA==",
		"credentialsB64: c2stdGVzdA==\n  credentialsFile: /run/secrets/key", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Fatalf("Validate = %v, want ambiguous-credentials error", err)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	body := strings.Replace(minimalYAML, "driver: mysql", "driver: sqlite", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for sqlite driver")
	}
}

func TestValidateRejectsBadNotifyURL(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Notify.URL = "nats://broker:4222"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for nats scheme")
	}
}

func TestFileCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("sk-live-abc\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	key, err := (FileCredentials{Path: path}).APIKey()
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-live-abc" {
		t.Errorf("key = %q", key)
	}
}

func TestFileCredentialsMissing(t *testing.T) {
	_, err := (FileCredentials{Path: filepath.Join(t.TempDir(), "absent")}).APIKey()
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestInlineCredentials(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte("sk-live-xyz"))
	key, err := (InlineCredentials{Encoded: enc}).APIKey()
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-live-xyz" {
		t.Errorf("key = %q", key)
	}
}

func TestInlineCredentialsGarbage(t *testing.T) {
	if _, err := (InlineCredentials{Encoded: "%%%"}).APIKey(); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRetryPolicyConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.RetryPolicy()
	if p.MaxAttempts != 3 || p.MinInterval != 10*time.Second || p.MaxInterval != 60*time.Second {
		t.Errorf("policy = %+v", p)
	}
}
