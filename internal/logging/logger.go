// Package logging builds the process logger from the logging config.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
)

// New builds the cachewarden logger. Development mode writes colored console
// output; otherwise entries are JSON tagged with the service and host name.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	if cfg.Development {
		zc := zap.NewDevelopmentConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if cfg.Level != "" {
			zc.Level = zap.NewAtomicLevelAt(level)
		}
		logger, err := zc.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger.Named("cachewarden"), nil
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	fields := map[string]any{"service": "cachewarden"}
	if host, herr := os.Hostname(); herr == nil {
		fields["host"] = host
	}
	zc.InitialFields = fields
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}
