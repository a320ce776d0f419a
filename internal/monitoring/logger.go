// Package monitoring owns process-wide logging and metrics.
//
// Two logging streams are exposed as replaceable hooks: Logf for routine
// diagnostics and Opsf for actionable warnings (clamped overshoot,
// skipped time slices, interpolation fallbacks). Both default to
// log.Printf. UseZap routes them through a zap logger.
package monitoring

import (
	"fmt"
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Opsf is the warning stream. Replace it with SetOpsLogger.
var Opsf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	Logf = orNop(f)
}

// SetOpsLogger replaces the warning stream. Passing nil will set a no-op logger.
func SetOpsLogger(f func(format string, v ...interface{})) {
	Opsf = orNop(f)
}

func orNop(f func(format string, v ...interface{})) func(format string, v ...interface{}) {
	if f == nil {
		return func(string, ...interface{}) {}
	}
	return f
}

// NewLogger builds a zap logger. format is "json" or "console"; level is
// any zap level name ("debug", "info", "warn", "error").
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel
	return cfg.Build()
}

// UseZap routes Logf and Opsf through l. It returns a function restoring
// the previous hooks.
func UseZap(l *zap.Logger) (restore func()) {
	prevLog, prevOps := Logf, Opsf
	sugar := l.WithOptions(zap.AddCallerSkip(2)).Sugar()
	Logf = sugar.Infof
	Opsf = sugar.Warnf
	return func() {
		Logf, Opsf = prevLog, prevOps
	}
}

// Prefixed returns a pair of loggers that prepend "[component] " and
// forward to the current Logf and Opsf hooks at call time.
func Prefixed(component string) (logf, opsf func(format string, v ...interface{})) {
	prefix := "[" + component + "] "
	logf = func(format string, v ...interface{}) { Logf(prefix+format, v...) }
	opsf = func(format string, v ...interface{}) { Opsf(prefix+format, v...) }
	return logf, opsf
}
