package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	if err.Field != "field" {
		t.Errorf("Expected field 'field', got '%s'", err.Field)
	}
	expected := "config error in 'field': message"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, ErrConfigurationError) {
		t.Error("Expected ConfigError to unwrap to ErrConfigurationError")
	}
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "general error")
	expected := "config error: general error"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if c.Integrity.Algorithm != "SHA256" {
		t.Errorf("Algorithm = %s, want SHA256", c.Integrity.Algorithm)
	}
	if c.Storage.Backend != BackendFilesystem || c.Storage.Dir == "" {
		t.Errorf("unexpected storage defaults: %+v", c.Storage)
	}
	if c.Persistence.Backend != BackendFile || c.Persistence.Dir == "" {
		t.Errorf("unexpected persistence defaults: %+v", c.Persistence)
	}
	if !c.Engine.CaptionsEnabled() || !c.Notify.LogEnabled() {
		t.Error("captions and log notifications should default to on")
	}
	if c.Sweep.Schedule != "@hourly" {
		t.Errorf("Schedule = %s", c.Sweep.Schedule)
	}
}

func TestParseAppConfig(t *testing.T) {
	data := []byte(`
engine:
  captions: false
  caption-font-size: 6
  language: en-GB
  time-zone: America/New_York
  audit-page: always
  company-name: Acme Renovations
  lock-mode: fail-fast
integrity:
  algorithm: sha3-256
storage:
  backend: s3
  s3:
    bucket: signed-docs
    prefix: envelopes
    use-path-style: true
persistence:
  backend: postgres
  dsn: postgres://localhost/goesign
notify:
  log: false
  sns:
    topic-arn: arn:aws:sns:us-east-1:123456789012:esign
sweep:
  schedule: "*/15 * * * *"
  limit: 100
logging:
  level: debug
  format: json
`)
	c, err := ParseAppConfig(data)
	if err != nil {
		t.Fatalf("ParseAppConfig failed: %v", err)
	}
	if c.Engine.CaptionsEnabled() {
		t.Error("captions should be off")
	}
	if c.Engine.CompanyName != "Acme Renovations" || c.Engine.LockMode != "fail-fast" {
		t.Errorf("unexpected engine config: %+v", c.Engine)
	}
	if c.Engine.MaxImageWidth != 1600 {
		t.Errorf("defaults should fill unset fields, MaxImageWidth = %d", c.Engine.MaxImageWidth)
	}
	if c.Storage.S3.Bucket != "signed-docs" || !c.Storage.S3.UsePathStyle {
		t.Errorf("unexpected s3 config: %+v", c.Storage.S3)
	}
	if c.Storage.Dir != "" {
		t.Errorf("s3 backend should not get a directory, got %q", c.Storage.Dir)
	}
	if c.Notify.LogEnabled() {
		t.Error("log notifications should be off")
	}
	if c.Notify.SNS.TopicARN == "" || c.Sweep.Limit != 100 || c.Logging.Format != "json" {
		t.Errorf("unexpected config: %+v", c)
	}
}

func TestParseAppConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		field  string
		target error
	}{
		{"unknown key", "engine:\n  colour: red\n", "", ErrUnexpectedField},
		{"bad algorithm", "integrity:\n  algorithm: md5\n", "integrity.algorithm", ErrInvalidValue},
		{"bad backend", "storage:\n  backend: ftp\n", "storage.backend", ErrInvalidValue},
		{"missing bucket", "storage:\n  backend: s3\n", "storage.s3.bucket", ErrMissingRequiredField},
		{"missing dsn", "persistence:\n  backend: postgres\n", "persistence.dsn", ErrMissingRequiredField},
		{"bad schedule", "sweep:\n  schedule: every day\n", "sweep.schedule", ErrInvalidValue},
		{"bad zone", "engine:\n  time-zone: Mars/Olympus\n", "engine.time-zone", ErrInvalidValue},
		{"bad audit page", "engine:\n  audit-page: sometimes\n", "engine.audit-page", ErrInvalidValue},
		{"bad level", "logging:\n  level: loud\n", "logging.level", ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAppConfig([]byte(tt.yaml))
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
			var ce *ConfigError
			if tt.field != "" {
				if !errors.As(err, &ce) {
					t.Fatalf("expected *ConfigError, got %T", err)
				}
				if ce.Field != tt.field {
					t.Errorf("Field = %s, want %s", ce.Field, tt.field)
				}
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GOESIGN_HASH_ALGORITHM":    "BLAKE2B_256",
		"GOESIGN_STORAGE_BACKEND":   "memory",
		"GOESIGN_SWEEP_LIMIT":       "25",
		"GOESIGN_CAPTIONS":          "false",
		"GOESIGN_S3_USE_PATH_STYLE": "true",
		"GOESIGN_LOG_LEVEL":         "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	c := &AppConfig{}
	c.Logging.Level = "warn"
	if err := ApplyEnv(c, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if c.Integrity.Algorithm != "BLAKE2B_256" || c.Storage.Backend != "memory" || c.Sweep.Limit != 25 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.Engine.CaptionsEnabled() {
		t.Error("GOESIGN_CAPTIONS=false should disable captions")
	}
	if !c.Notify.LogEnabled() {
		t.Error("unset GOESIGN_NOTIFY_LOG should keep the default")
	}
	if !c.Storage.S3.UsePathStyle {
		t.Error("GOESIGN_S3_USE_PATH_STYLE not applied")
	}
	if c.Logging.Level != "warn" {
		t.Errorf("empty variables must not override, got %q", c.Logging.Level)
	}

	env["GOESIGN_SWEEP_LIMIT"] = "many"
	if err := ApplyEnv(c, lookup); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestLoadAppConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goesign.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: memory\npersistence:\n  backend: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOESIGN_COMPANY_NAME", "Env Co")
	c, err := LoadAppConfig(path)
	if err != nil {
		t.Fatalf("LoadAppConfig failed: %v", err)
	}
	if c.Storage.Backend != BackendMemory || c.Engine.CompanyName != "Env Co" {
		t.Errorf("unexpected config: %+v", c)
	}

	if _, err := LoadAppConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GOESIGN_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOESIGN_TEST_DOTENV", "")
	os.Unsetenv("GOESIGN_TEST_DOTENV")
	if err := LoadDotEnv(path, filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("GOESIGN_TEST_DOTENV"); got != "from-file" {
		t.Errorf("GOESIGN_TEST_DOTENV = %q", got)
	}
}
