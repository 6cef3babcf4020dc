package logging

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction. Zero values fall back to env defaults.
type Options struct {
	Level  string
	Format string // json | console
	File   FileOptions
}

// FileOptions enables a rotating file sink next to stdout.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger configures a zap logger with level controlled by LOG_LEVEL env variable.
func NewLogger() (*zap.Logger, error) {
	return New(OptionsFromEnv())
}

// OptionsFromEnv reads LOG_LEVEL, LOG_FORMAT and LOG_FILE* variables.
func OptionsFromEnv() Options {
	return Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
		File: FileOptions{
			Path:       strings.TrimSpace(os.Getenv("LOG_FILE")),
			MaxSizeMB:  envInt("LOG_FILE_MAX_SIZE_MB", 10),
			MaxBackups: envInt("LOG_FILE_MAX_BACKUPS", 3),
			MaxAgeDays: envInt("LOG_FILE_MAX_AGE_DAYS", 7),
		},
	}
}

// New builds a logger from explicit options.
func New(opts Options) (*zap.Logger, error) {
	levelStr := strings.ToLower(strings.TrimSpace(opts.Level))
	var level zapcore.Level
	if err := level.Set(levelStr); err != nil {
		level = zapcore.InfoLevel
	}

	if opts.File.Path == "" {
		cfg := zap.Config{
			Level:       zap.NewAtomicLevelAt(level),
			Development: false,
			Sampling: &zap.SamplingConfig{
				Initial:    100,
				Thereafter: 100,
			},
			Encoding:         encoding(opts.Format),
			EncoderConfig:    encoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		return cfg.Build()
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File.Path,
		MaxSize:    opts.File.MaxSizeMB,
		MaxBackups: opts.File.MaxBackups,
		MaxAge:     opts.File.MaxAgeDays,
		Compress:   true,
	}

	enabler := zap.NewAtomicLevelAt(level)
	core := zapcore.NewTee(
		zapcore.NewCore(newEncoder(opts.Format), zapcore.Lock(os.Stdout), enabler),
		// files are always JSON so they stay machine readable
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rotator), enabler),
	)
	core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)

	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

func encoding(format string) string {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		return "console"
	}
	return "json"
}

func newEncoder(format string) zapcore.Encoder {
	if encoding(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig())
	}
	return zapcore.NewJSONEncoder(encoderConfig())
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.UTC().Format(time.RFC3339Nano)) },
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
