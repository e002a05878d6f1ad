package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSize = 500
	maxLogAge  = 30
)

type Option func(o *options) error

type options struct {
	level   zapcore.Level
	file    string
	console io.Writer
	hooks   []func(zapcore.Entry) error
}

// WithLevel returns an Option which set the minimal enabled level.
func WithLevel(level zapcore.Level) Option {
	return func(o *options) error {
		o.level = level
		return nil
	}
}

// WithFile returns an Option which set the rotated log file path.
func WithFile(path string) Option {
	return func(o *options) error {
		o.file = path
		return nil
	}
}

// WithConsole returns an Option which set the console writer, os.Stderr by default.
func WithConsole(w io.Writer) Option {
	return func(o *options) error {
		o.console = w
		return nil
	}
}

// WithHook returns an Option which registers a hook called for every written entry.
func WithHook(hook func(zapcore.Entry) error) Option {
	return func(o *options) error {
		o.hooks = append(o.hooks, hook)
		return nil
	}
}

// New builds the application logger: a console core and, when a file is
// configured, a JSON core writing to a rotated log file.
func New(opts ...Option) (*zap.Logger, error) {
	o := &options{level: zapcore.InfoLevel, console: os.Stderr}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(o.console), o.level),
	}
	if o.file != "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), logWriter(o.file), o.level))
	}

	zapOpts := []zap.Option{zap.AddCaller()}
	if len(o.hooks) > 0 {
		zapOpts = append(zapOpts, zap.Hooks(o.hooks...))
	}
	return zap.New(zapcore.NewTee(cores...), zapOpts...), nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "message",
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		EncodeLevel:    CustomLevelEncoder,
		EncodeTime:     SyslogTimeEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func SyslogTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05"))
}

func CustomLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

func logWriter(path string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename: path,
		MaxSize:  maxLogSize,
		MaxAge:   maxLogAge,
	})
}

// ParseLevel accepts zap level names and the upper-case names used in
// configuration files (DEBUG, INFO, WARNING, ERROR, CRITICAL).
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "warning":
		return zapcore.WarnLevel, nil
	case "critical":
		return zapcore.ErrorLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return level, fmt.Errorf("unknown log level %q: %w", name, err)
	}
	return level, nil
}
