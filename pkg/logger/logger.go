package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a production-ready zap logger.
// Extra outputs (file paths) are written in addition to stderr.
func New(env string, outputs ...string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	for _, out := range outputs {
		if out == "" {
			continue
		}
		cfg.OutputPaths = append(cfg.OutputPaths, out)
		cfg.ErrorOutputPaths = append(cfg.ErrorOutputPaths, out)
	}
	return cfg.Build()
}

// Must panics if the logger cannot be initialized. Useful in main().
func Must(env string, outputs ...string) *zap.Logger {
	log, err := New(env, outputs...)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	return log
}
