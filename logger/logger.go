package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/runmeter/config"
)

const serviceName = "runmeter"

// NewFromConfig builds the process logger from the logging section. Every
// entry carries the service name and the sandbox backend.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return newFromConfig(cfg)
}

func newFromConfig(cfg *config.Config, opts ...zap.Option) (*zap.Logger, error) {
	opts = append(opts, zap.Fields(
		zap.String("service", serviceName),
		zap.String("backend", cfg.Sandbox.Backend),
	))
	return New(cfg.Logging.Mode, cfg.Logging.Level, opts...)
}

// New creates a logger for mode ("production" or "development") at level.
// Output always goes to stderr: stdout belongs to the stdio MCP transport.
func New(mode, level string, opts ...zap.Option) (*zap.Logger, error) {
	cfg, err := modeConfig(mode)
	if err != nil {
		return nil, err
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build(opts...)
}

func modeConfig(mode string) (zap.Config, error) {
	switch mode {
	case "development":
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg, nil
	case "production":
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
		return cfg, nil
	default:
		return zap.Config{}, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}
}
