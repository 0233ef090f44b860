// Package applog holds the process-wide zap logger shared by every service.
package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger = zap.Logger

func Info(msg string, fields ...zapcore.Field) {
	globalLogger.WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

func Warn(msg string, fields ...zapcore.Field) {
	globalLogger.WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

func Debug(msg string, fields ...zapcore.Field) {
	globalLogger.WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

func Error(msg string, fields ...zapcore.Field) {
	globalLogger.WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

func Fatal(msg string, fields ...zapcore.Field) {
	globalLogger.WithOptions(zap.AddCallerSkip(1)).Fatal(msg, fields...)
}

func GetLogger() *Logger {
	return globalLogger
}

// Initialize sets up the global logger, teeing output to stdout and a
// dated file under logDir. An empty logDir means "logs" in the working
// directory.
func Initialize(rawLogLevel int, logDir string) error {
	if logDir == "" {
		workdir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current working directory: %w", err)
		}
		logDir = filepath.Join(workdir, "logs")
	}

	if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFilename := filepath.Join(
		logDir,
		fmt.Sprintf("psbot_%s.log", time.Now().UTC().Format("2006-01-02")),
	)

	var err error
	logFile, err = os.OpenFile(logFilename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file '%s': %w", logFilename, err)
	}

	setLogger(newLogger(safeGetLogLevelOrDefault(rawLogLevel), opts...))
	return nil
}

func Shutdown() {
	_ = globalLogger.Sync()
	if logFile != nil {
		_ = logFile.Close()
	}
}

func safeGetLogLevelOrDefault(rawLogLevel int) zapcore.Level {
	level := zapcore.Level(rawLogLevel)
	if level < zapcore.DebugLevel || level >= zapcore.InvalidLevel {
		return zapcore.InfoLevel
	}
	return level
}

var (
	opts = []zap.Option{
		zap.AddCaller(),
	}
	globalLogger = newLogger(zapcore.DebugLevel, opts...)
	logFile      *os.File
)

func newLogger(level zapcore.Level, opts ...zap.Option) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}

	jsonEncoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), level),
	}
	if logFile != nil {
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(logFile), level))
	}

	return zap.New(zapcore.NewTee(cores...), opts...)
}

func setLogger(l *Logger) {
	globalLogger = l
	zap.ReplaceGlobals(globalLogger)
}
