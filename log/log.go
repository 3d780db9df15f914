package log

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	l     *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel && level.Enabled(lvl)
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel && level.Enabled(lvl)
	})
	consoleInfos := zapcore.Lock(os.Stdout)
	consoleErrors := zapcore.Lock(os.Stderr)
	ecfg := zap.NewProductionEncoderConfig()
	ecfg.EncodeTime = func(time time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(time.Format("2006-01-02T15:04:05.000"))
	}
	consoleEncoder := zapcore.NewConsoleEncoder(ecfg)

	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, consoleErrors, highPriority),
		zapcore.NewCore(consoleEncoder, consoleInfos, lowPriority),
	)
	logger := zap.New(core)
	zap.RedirectStdLog(logger)
	l = logger.Sugar()
}

// SetLevel changes the minimum level of every logger in the process.
// Unknown names leave the level untouched and return an error.
func SetLevel(name string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Replace swaps the underlying logger. Tests use it with zaptest or zap.NewNop.
func Replace(logger *zap.Logger) {
	l = logger.Sugar()
}

func Sync() {
	_ = l.Sync()
}

func Debug(msg string, fields ...zap.Field) {
	l.Desugar().Debug(msg, fields...)
}

func Debugf(format string, args ...interface{}) {
	l.Debugf(format, args...)
}

func Info(msg string, fields ...zap.Field) {
	l.Desugar().Info(msg, fields...)
}

func Infof(format string, args ...interface{}) {
	l.Infof(format, args...)
}

func Warn(msg string, fields ...zap.Field) {
	l.Desugar().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	l.Desugar().Error(msg, fields...)
}

func Errorf(format string, args ...interface{}) {
	l.Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	l.Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	l.Fatalf(format, args...)
}
