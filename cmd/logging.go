package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// setupLogging builds the process logger from the production preset with
// ISO8601 timestamps. The returned level can be changed at runtime and is
// served on /loglevel.
func setupLogging(logLevel string) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, level, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = level
	logger, err := cfg.Build()
	if err != nil {
		return nil, level, fmt.Errorf("create logger: %w", err)
	}
	return logger, level, nil
}
