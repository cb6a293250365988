/*
logging.go - Process-wide zap logger construction

PURPOSE:
  Builds the root logger once at startup. Components receive a *zap.Logger
  (usually a Named child) and fall back to zap.NewNop() when given nil.

MODES:
  production:  JSON to stderr, info and above, sampling on
  development: Console encoder with colour levels, debug and above

SEE ALSO:
  - cmd/server/main.go: Reads log.mode and log.level
*/
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger for mode. An empty level keeps the mode's default.
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	case "", "dev", "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log mode %q", mode)
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
