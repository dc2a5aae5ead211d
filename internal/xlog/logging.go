// Package xlog provides the structured logging setup shared by every
// component of the transport core.
package xlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config controls the logging subsystem.
type Config struct {
	// Level is the minimum level that gets emitted.
	Level zapcore.Level `yaml:"level"`
}

// Init builds a console logger. Encoding picks a color level encoder when
// stderr is attached to a terminal and a plain one otherwise, so piped
// output (CI logs, journald) doesn't carry ANSI escapes.
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), zcfg.Level, nil
}

// Nop returns a logger that discards everything, used as the library
// default when a caller does not supply one via shmipc.WithLogger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
