// Package config loads the goesign application configuration from YAML,
// an optional .env file and GOESIGN_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/integrity"
	"github.com/georgepadayatti/goesign/stamp"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
	ErrInvalidValue         = errors.New("invalid value")
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOESIGN_"

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: ErrConfigurationError}
}

func invalidValue(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...), Err: ErrInvalidValue}
}

func missingField(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

// AppConfig is the top-level configuration.
type AppConfig struct {
	// Engine configures drawing and the signing workflow.
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Integrity selects the document hash algorithm.
	Integrity IntegrityConfig `yaml:"integrity" json:"integrity"`

	// Storage selects where document bytes live.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Persistence selects where envelopes live.
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`

	// Notify configures event delivery.
	Notify NotifyConfig `yaml:"notify" json:"notify"`

	// Sweep configures scheduled re-verification.
	Sweep SweepConfig `yaml:"sweep" json:"sweep"`

	// Logging configures the zap logger.
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// EngineConfig contains injection and workflow settings.
type EngineConfig struct {
	// Captions draws "<signer> signed • <time>" under image fields.
	Captions *bool `yaml:"captions" json:"captions,omitempty"`

	// CaptionFontSize is the caption size in points.
	CaptionFontSize float64 `yaml:"caption-font-size" json:"caption_font_size,omitempty"`

	// Language is the BCP 47 tag used to format caption timestamps.
	Language string `yaml:"language" json:"language,omitempty"`

	// TimeZone is the IANA zone caption timestamps are shown in.
	TimeZone string `yaml:"time-zone" json:"time_zone,omitempty"`

	// ScaleMode is how images fill their field: fit, stretch or none.
	ScaleMode string `yaml:"scale-mode" json:"scale_mode,omitempty"`

	// MaxImageWidth and MaxImageHeight bound embedded images in pixels.
	MaxImageWidth  int `yaml:"max-image-width" json:"max_image_width,omitempty"`
	MaxImageHeight int `yaml:"max-image-height" json:"max_image_height,omitempty"`

	// StreamXRefs writes updates with cross-reference streams.
	StreamXRefs bool `yaml:"stream-xrefs" json:"stream_xrefs"`

	// AuditPage is fallback, always or never.
	AuditPage string `yaml:"audit-page" json:"audit_page,omitempty"`

	// CompanyName heads the audit page.
	CompanyName string `yaml:"company-name" json:"company_name,omitempty"`

	// DateLayout formats auto-filled DATE fields (Go reference layout).
	DateLayout string `yaml:"date-layout" json:"date_layout,omitempty"`

	// LockMode is wait or fail-fast.
	LockMode string `yaml:"lock-mode" json:"lock_mode,omitempty"`

	// TemplateFiles are YAML field template files loaded at startup.
	TemplateFiles []string `yaml:"template-files" json:"template_files,omitempty"`
}

// CaptionsEnabled reports whether captions are drawn. Unset means true.
func (c *EngineConfig) CaptionsEnabled() bool {
	return c.Captions == nil || *c.Captions
}

// SetDefaults fills unset engine values.
func (c *EngineConfig) SetDefaults() {
	if c.CaptionFontSize == 0 {
		c.CaptionFontSize = 7
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.TimeZone == "" {
		c.TimeZone = "UTC"
	}
	if c.ScaleMode == "" {
		c.ScaleMode = "fit"
	}
	if c.MaxImageWidth == 0 {
		c.MaxImageWidth = 1600
	}
	if c.MaxImageHeight == 0 {
		c.MaxImageHeight = 800
	}
	if c.AuditPage == "" {
		c.AuditPage = "fallback"
	}
	if c.DateLayout == "" {
		c.DateLayout = "January 2, 2006"
	}
	if c.LockMode == "" {
		c.LockMode = "wait"
	}
}

// Validate validates the engine configuration.
func (c *EngineConfig) Validate() error {
	if c.CaptionFontSize < 0 {
		return invalidValue("engine.caption-font-size", "must not be negative")
	}
	if c.MaxImageWidth < 0 || c.MaxImageHeight < 0 {
		return invalidValue("engine.max-image-width", "image bounds must not be negative")
	}
	if _, err := language.Parse(c.Language); err != nil {
		return invalidValue("engine.language", "%q is not a language tag", c.Language)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return invalidValue("engine.time-zone", "unknown time zone %q", c.TimeZone)
	}
	if _, err := stamp.ParseImageScaleMode(c.ScaleMode); err != nil {
		return invalidValue("engine.scale-mode", "%v", err)
	}
	if _, err := envelope.ParseAuditPageMode(c.AuditPage); err != nil {
		return invalidValue("engine.audit-page", "%v", err)
	}
	if _, err := envelope.ParseLockMode(c.LockMode); err != nil {
		return invalidValue("engine.lock-mode", "%v", err)
	}
	return nil
}

// IntegrityConfig contains hashing settings.
type IntegrityConfig struct {
	// Algorithm is SHA256, SHA3_256 or BLAKE2B_256.
	Algorithm string `yaml:"algorithm" json:"algorithm"`
}

// SetDefaults fills unset integrity values.
func (c *IntegrityConfig) SetDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = string(integrity.DefaultAlgorithm)
	}
}

// Validate validates the integrity configuration.
func (c *IntegrityConfig) Validate() error {
	if _, err := integrity.ParseAlgorithm(c.Algorithm); err != nil {
		return invalidValue("integrity.algorithm", "%v", err)
	}
	return nil
}

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendFile       = "file"
	BackendPostgres   = "postgres"
)

// StorageConfig selects the document store.
type StorageConfig struct {
	// Backend is memory, filesystem or s3.
	Backend string `yaml:"backend" json:"backend"`

	// Dir is the filesystem backend's directory.
	Dir string `yaml:"dir" json:"dir,omitempty"`

	// S3 contains the s3 backend settings.
	S3 S3Config `yaml:"s3" json:"s3"`
}

// S3Config contains S3 bucket settings.
type S3Config struct {
	Bucket       string `yaml:"bucket" json:"bucket,omitempty"`
	Prefix       string `yaml:"prefix" json:"prefix,omitempty"`
	Region       string `yaml:"region" json:"region,omitempty"`
	Endpoint     string `yaml:"endpoint" json:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use-path-style" json:"use_path_style"`
}

// SetDefaults fills unset storage values.
func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendFilesystem
	}
	if c.Backend == BackendFilesystem && c.Dir == "" {
		c.Dir = "data/documents"
	}
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendFilesystem:
		if c.Dir == "" {
			return missingField("storage.dir")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return missingField("storage.s3.bucket")
		}
	default:
		return invalidValue("storage.backend", "unknown backend %q", c.Backend)
	}
	return nil
}

// PersistenceConfig selects the envelope repository.
type PersistenceConfig struct {
	// Backend is memory, file or postgres.
	Backend string `yaml:"backend" json:"backend"`

	// Dir is the file backend's directory.
	Dir string `yaml:"dir" json:"dir,omitempty"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" json:"-"`
}

// SetDefaults fills unset persistence values.
func (c *PersistenceConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendFile
	}
	if c.Backend == BackendFile && c.Dir == "" {
		c.Dir = "data/envelopes"
	}
}

// Validate validates the persistence configuration.
func (c *PersistenceConfig) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Dir == "" {
			return missingField("persistence.dir")
		}
	case BackendPostgres:
		if c.DSN == "" {
			return missingField("persistence.dsn")
		}
	default:
		return invalidValue("persistence.backend", "unknown backend %q", c.Backend)
	}
	return nil
}

// NotifyConfig configures notifiers. Every enabled notifier receives every
// event.
type NotifyConfig struct {
	// Log writes events to the application log.
	Log *bool `yaml:"log" json:"log,omitempty"`

	// SNS publishes events to a topic when TopicARN is set.
	SNS SNSConfig `yaml:"sns" json:"sns"`
}

// SNSConfig contains SNS topic settings.
type SNSConfig struct {
	TopicARN string `yaml:"topic-arn" json:"topic_arn,omitempty"`
	Region   string `yaml:"region" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// LogEnabled reports whether the log notifier is on. Unset means true.
func (c *NotifyConfig) LogEnabled() bool {
	return c.Log == nil || *c.Log
}

// SweepConfig configures the integrity sweep.
type SweepConfig struct {
	// Schedule is a cron spec; descriptors such as "@hourly" are accepted.
	Schedule string `yaml:"schedule" json:"schedule"`

	// Limit caps the envelopes checked per run. Zero checks all.
	Limit int `yaml:"limit" json:"limit,omitempty"`
}

// SetDefaults fills unset sweep values.
func (c *SweepConfig) SetDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@hourly"
	}
}

// Validate validates the sweep configuration.
func (c *SweepConfig) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return invalidValue("sweep.schedule", "%v", err)
	}
	if c.Limit < 0 {
		return invalidValue("sweep.limit", "must not be negative")
	}
	return nil
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level"`

	// Format is text or json.
	Format string `yaml:"format" json:"format"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" json:"output"`
}

// SetDefaults fills unset logging values.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalidValue("logging.level", "unknown level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
	default:
		return invalidValue("logging.format", "must be text or json, got %q", c.Format)
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset values in every section.
func (c *AppConfig) SetDefaults() {
	c.Engine.SetDefaults()
	c.Integrity.SetDefaults()
	c.Storage.SetDefaults()
	c.Persistence.SetDefaults()
	c.Sweep.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate validates every section.
func (c *AppConfig) Validate() error {
	validators := []func() error{
		c.Engine.Validate,
		c.Integrity.Validate,
		c.Storage.Validate,
		c.Persistence.Validate,
		c.Sweep.Validate,
		c.Logging.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// LoadAppConfig reads filename, applies environment overrides and defaults,
// and validates the result. An empty filename starts from the defaults.
func LoadAppConfig(filename string) (*AppConfig, error) {
	c := &AppConfig{}
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if c, err = decode(data); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(c, os.LookupEnv); err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseAppConfig parses YAML data, applies defaults and validates it.
// Unknown keys are rejected.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	c, err := decode(data)
	if err != nil {
		return nil, err
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(data []byte) (*AppConfig, error) {
	var c AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedField, err)
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &c, nil
}

// LoadDotEnv loads KEY=VALUE pairs from files into the process environment
// without overriding variables that are already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides c with GOESIGN_* variables from lookup.
func ApplyEnv(c *AppConfig, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalidValue(EnvPrefix+key, "%q is not an integer", v)
		}
		*dst = n
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return invalidValue(EnvPrefix+key, "%q is not a boolean", v)
		}
		*dst = b
		return nil
	}

	str("HASH_ALGORITHM", &c.Integrity.Algorithm)
	str("TIME_ZONE", &c.Engine.TimeZone)
	str("LANGUAGE", &c.Engine.Language)
	str("AUDIT_PAGE", &c.Engine.AuditPage)
	str("COMPANY_NAME", &c.Engine.CompanyName)
	str("LOCK_MODE", &c.Engine.LockMode)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("S3_BUCKET", &c.Storage.S3.Bucket)
	str("S3_PREFIX", &c.Storage.S3.Prefix)
	str("S3_REGION", &c.Storage.S3.Region)
	str("S3_ENDPOINT", &c.Storage.S3.Endpoint)
	str("PERSISTENCE_BACKEND", &c.Persistence.Backend)
	str("PERSISTENCE_DIR", &c.Persistence.Dir)
	str("DATABASE_DSN", &c.Persistence.DSN)
	str("SNS_TOPIC_ARN", &c.Notify.SNS.TopicARN)
	str("SNS_REGION", &c.Notify.SNS.Region)
	str("SNS_ENDPOINT", &c.Notify.SNS.Endpoint)
	str("SWEEP_SCHEDULE", &c.Sweep.Schedule)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)

	if err := integer("SWEEP_LIMIT", &c.Sweep.Limit); err != nil {
		return err
	}
	if err := boolean("S3_USE_PATH_STYLE", &c.Storage.S3.UsePathStyle); err != nil {
		return err
	}
	if err := boolean("STREAM_XREFS", &c.Engine.StreamXRefs); err != nil {
		return err
	}
	for key, dst := range map[string]**bool{"CAPTIONS": &c.Engine.Captions, "NOTIFY_LOG": &c.Notify.Log} {
		var b bool
		if v, ok := lookup(EnvPrefix + key); !ok || v == "" {
			continue
		}
		if err := boolean(key, &b); err != nil {
			return err
		}
		*dst = &b
	}
	return nil
}
