package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	logger     *zap.SugaredLogger
	loggerOnce sync.Once
	levelVar   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger initializes the global logger to write to stderr.
func initLogger() {
	loggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = levelVar
		cfg.OutputPaths = []string{"stderr"}
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		l, err := cfg.Build(zap.WithCaller(false))
		if err != nil {
			// zap only fails on malformed output paths; a nop logger
			// beats crashing the engine over logging.
			l = zap.NewNop()
		}
		logger = l.Sugar()
	})
}

func SetLevel(l Level) {
	initLogger()
	switch l {
	case LevelDebug:
		levelVar.SetLevel(zapcore.DebugLevel)
	case LevelInfo:
		levelVar.SetLevel(zapcore.InfoLevel)
	case LevelError:
		levelVar.SetLevel(zapcore.ErrorLevel)
	}
}

func Debug(msg string, kv ...any) {
	initLogger()
	logger.Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger()
	logger.Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	initLogger()
	logger.Warnw(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	initLogger()
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logger.Errorw(msg, extended...)
}
