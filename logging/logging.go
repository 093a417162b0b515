// Package logging builds the zap logger used across goesign.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/georgepadayatti/goesign/config"
)

// New returns a logger for cfg. A nil cfg uses the configuration defaults.
func New(cfg *config.LoggingConfig) (*zap.Logger, error) {
	c := config.LoggingConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.SetDefaults()

	name := strings.ToLower(c.Level)
	if name == "warning" {
		name = "warn"
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	var zc zap.Config
	switch strings.ToLower(c.Format) {
	case "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "text":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.OutputPaths = []string{c.Output}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("goesign"), nil
}
