package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/georgepadayatti/goesign/config"
	"github.com/georgepadayatti/goesign/envelope"
	"github.com/georgepadayatti/goesign/fields"
	"github.com/georgepadayatti/goesign/inject"
	"github.com/georgepadayatti/goesign/integrity"
	"github.com/georgepadayatti/goesign/logging"
	"github.com/georgepadayatti/goesign/notify"
	"github.com/georgepadayatti/goesign/stamp"
	"github.com/georgepadayatti/goesign/storage"
	"github.com/georgepadayatti/goesign/store"
)

// defaultConfigFile is read when -config and GOESIGN_CONFIG are unset.
const defaultConfigFile = "goesign.yaml"

// app holds the wired service for one command invocation.
type app struct {
	cfg       *config.AppConfig
	logger    *zap.Logger
	docs      envelope.DocumentStore
	templates *fields.Registry
	service   *envelope.Service
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// loadConfig reads .env, then the YAML file, then GOESIGN_* variables.
func loadConfig(path string) (*config.AppConfig, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv("GOESIGN_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	return config.LoadAppConfig(path)
}

// newApp builds the envelope service described by the configuration.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	docs, err := openDocuments(ctx, &cfg.Storage)
	if err != nil {
		return err
	}
	a.docs = docs

	repo, err := a.openRepository(&cfg.Persistence)
	if err != nil {
		return err
	}

	notifier, err := a.openNotifier(ctx, &cfg.Notify)
	if err != nil {
		return err
	}

	alg, err := integrity.ParseAlgorithm(cfg.Integrity.Algorithm)
	if err != nil {
		return err
	}
	hasher, err := integrity.NewHasher(alg)
	if err != nil {
		return err
	}

	engine, err := newEngine(&cfg.Engine, a.logger)
	if err != nil {
		return err
	}

	a.templates = fields.NewRegistry()
	for _, path := range cfg.Engine.TemplateFiles {
		loaded, err := a.templates.LoadFile(path)
		if err != nil {
			return err
		}
		a.logger.Debug("loaded field templates", zap.String("file", path), zap.Int("count", len(loaded)))
	}

	auditMode, err := envelope.ParseAuditPageMode(cfg.Engine.AuditPage)
	if err != nil {
		return err
	}
	lockMode, err := envelope.ParseLockMode(cfg.Engine.LockMode)
	if err != nil {
		return err
	}

	a.service = envelope.NewService(repo, docs, engine, hasher,
		envelope.WithLogger(a.logger.Named("envelope")),
		envelope.WithNotifier(notifier),
		envelope.WithAuditPageMode(auditMode),
		envelope.WithLockMode(lockMode),
		envelope.WithCompanyName(cfg.Engine.CompanyName),
		envelope.WithTemplates(a.templates),
		envelope.WithDateLayout(cfg.Engine.DateLayout),
	)
	return nil
}

func openDocuments(ctx context.Context, c *config.StorageConfig) (envelope.DocumentStore, error) {
	switch c.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	case config.BackendFilesystem:
		return storage.NewFilesystem(c.Dir)
	case config.BackendS3:
		return storage.NewS3(ctx, storage.S3Options{
			Bucket:       c.S3.Bucket,
			Prefix:       c.S3.Prefix,
			Region:       c.S3.Region,
			Endpoint:     c.S3.Endpoint,
			UsePathStyle: c.S3.UsePathStyle,
		})
	}
	return nil, fmt.Errorf("unsupported storage backend %q", c.Backend)
}

func (a *app) openRepository(c *config.PersistenceConfig) (envelope.Repository, error) {
	switch c.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendFile:
		return store.NewFileRepository(c.Dir)
	case config.BackendPostgres:
		db, err := store.OpenPostgres(c.DSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		return store.NewGormRepository(db)
	}
	return nil, fmt.Errorf("unsupported persistence backend %q", c.Backend)
}

func (a *app) openNotifier(ctx context.Context, c *config.NotifyConfig) (envelope.Notifier, error) {
	var multi notify.Multi
	if c.LogEnabled() {
		multi = append(multi, notify.NewLog(a.logger.Named("events")))
	}
	if c.SNS.TopicARN != "" {
		sns, err := notify.NewSNS(ctx, notify.SNSOptions{
			TopicARN: c.SNS.TopicARN,
			Region:   c.SNS.Region,
			Endpoint: c.SNS.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		multi = append(multi, sns)
	}
	return multi, nil
}

func newEngine(c *config.EngineConfig, logger *zap.Logger) (*inject.Engine, error) {
	tag, err := language.Parse(c.Language)
	if err != nil {
		return nil, fmt.Errorf("invalid language %q: %w", c.Language, err)
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err)
	}
	scale, err := stamp.ParseImageScaleMode(c.ScaleMode)
	if err != nil {
		return nil, err
	}
	return inject.NewEngine(
		inject.WithLogger(logger.Named("inject")),
		inject.WithLanguage(tag),
		inject.WithLocation(loc),
		inject.WithCaptions(c.CaptionsEnabled()),
		inject.WithCaptionFontSize(c.CaptionFontSize),
		inject.WithScaleMode(scale),
		inject.WithMaxImageSize(c.MaxImageWidth, c.MaxImageHeight),
		inject.WithStreamXRefs(c.StreamXRefs),
	), nil
}

// withApp runs fn against a freshly wired app.
func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	err = fn(ctx, a)
	if err != nil && !errors.Is(err, errUsage) {
		a.logger.Debug("command failed", zap.Error(err))
	}
	return err
}
