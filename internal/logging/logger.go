package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// FormatJSON emits production JSON lines.
	FormatJSON = "json"
	// FormatConsole emits human readable lines for local runs.
	FormatConsole = "console"
)

// NewLogger returns a zap logger configured for structured logging of a content node.
// The node endpoint is attached to every entry so logs from several nodes can be merged.
func NewLogger(level, format, nodeEndpoint string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON, "":
	case FormatConsole:
		cfg.Encoding = FormatConsole
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if endpoint := strings.TrimSpace(nodeEndpoint); endpoint != "" {
		logger = logger.With(zap.String("node", endpoint))
	}
	return logger, nil
}

// ParseLevel maps a configured level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
