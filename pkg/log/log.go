// Package log provides the process-wide structured logger.
//
// Every subsystem logs through the package-level Logger rather than
// constructing its own, so log level and output destination are controlled
// in exactly one place (set up once in cmd/sbsd-daemon).
package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide sugared logger. It is safe for concurrent use
// and is replaced once at startup by CreateLogger's result.
var Logger = must(CreateLogger(zapcore.InfoLevel, ""))

// ParseLogLevel converts a human log level ("debug", "info", "warn",
// "error") into a zapcore.Level, defaulting to an error for anything else.
func ParseLogLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// CreateLogger builds a *zap.SugaredLogger at the given level. When file is
// non-empty, logs are additionally rotated into it via lumberjack; otherwise
// output goes to stderr only.
func CreateLogger(lvl zapcore.Level, file string) (*zap.SugaredLogger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), lvl),
	}

	if file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), lvl))
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller())
	return logger.Sugar(), nil
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}
