// Package logging builds the zap loggers the hoard command hands to the
// engine packages.
package logging

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LevelInfo logs pack and index events.
	LevelInfo = "info"
	// LevelDebug also logs per-pack cache and midx details.
	LevelDebug = "debug"
	// LevelNone disables logging.
	LevelNone = "none"
)

// New returns a logger at level writing console-encoded lines to out.
func New(level string, out io.Writer) (*zap.Logger, error) {
	if level == LevelNone {
		return zap.NewNop(), nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(out)),
		zap.NewAtomicLevelAt(lvl),
	)
	return zap.New(core), nil
}

// Must is New that panics on a bad level.
func Must(level string, out io.Writer) *zap.Logger {
	l, err := New(level, out)
	if err != nil {
		panic(err)
	}
	return l
}
