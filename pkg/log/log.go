// Copyright 2024 OpenEPC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides structured logging for the daemon, backed by zap.
// Loggers carry context as key value pairs, mirroring the error context
// convention in serrors.
package log

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Defaults for the console logging config.
const (
	DefaultConsoleLevel    = "info"
	DefaultStacktraceLevel = "none"
)

// Level is the log level type used by Enabled.
type Level = zapcore.Level

// Logger describes the logger interface.
type Logger interface {
	New(ctx ...any) Logger
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Enabled(lvl Level) bool
}

type logger struct {
	logger *zap.Logger
}

func (l *logger) New(ctx ...any) Logger {
	return &logger{logger: l.logger.With(convertCtx(ctx)...)}
}

func (l *logger) Debug(msg string, ctx ...any) {
	l.logger.Debug(msg, convertCtx(ctx)...)
}

func (l *logger) Info(msg string, ctx ...any) {
	l.logger.Info(msg, convertCtx(ctx)...)
}

func (l *logger) Error(msg string, ctx ...any) {
	l.logger.Error(msg, convertCtx(ctx)...)
}

func (l *logger) Enabled(lvl Level) bool {
	return l.logger.Core().Enabled(lvl)
}

func convertCtx(ctx []any) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}

// Config is the configuration for the logger.
type Config struct {
	// Console is the configuration for the console logging.
	Console ConsoleConfig `toml:"console,omitempty"`
}

// InitDefaults populates unset fields in cfg to their default values.
func (c *Config) InitDefaults() {
	c.Console.InitDefaults()
}

// Validate validates the config.
func (c *Config) Validate() error {
	return c.Console.validate()
}

// ConsoleConfig is the config for the console logger.
type ConsoleConfig struct {
	// Level of console logging (defaults to info).
	Level string `toml:"level,omitempty"`
	// Format of the console logging, either human or json (defaults to human).
	Format string `toml:"format,omitempty"`
	// StacktraceLevel sets from which level stacktraces are included in the
	// console logging (defaults to none).
	StacktraceLevel string `toml:"stacktrace_level,omitempty"`
}

// InitDefaults populates unset fields in cfg to their default values.
func (c *ConsoleConfig) InitDefaults() {
	if c.Level == "" {
		c.Level = DefaultConsoleLevel
	}
	if c.Format == "" {
		c.Format = "human"
	}
	if c.StacktraceLevel == "" {
		c.StacktraceLevel = DefaultStacktraceLevel
	}
}

func (c *ConsoleConfig) validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	if c.Format != "human" && c.Format != "json" {
		return fmt.Errorf("unsupported log format %q", c.Format)
	}
	if c.StacktraceLevel != "none" {
		if _, err := parseLevel(c.StacktraceLevel); err != nil {
			return err
		}
	}
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	return zapcore.ParseLevel(level)
}

// EntriesCounter holds counters for the number of emitted log entries per
// level.
type EntriesCounter struct {
	Debug prometheus.Counter
	Info  prometheus.Counter
	Error prometheus.Counter
}

type options struct {
	entriesCounter *EntriesCounter
}

// Option configures Setup.
type Option func(*options)

// WithEntriesCounter counts the emitted log entries with the given counters.
func WithEntriesCounter(m EntriesCounter) Option {
	return func(o *options) {
		o.entriesCounter = &m
	}
}

func (m *EntriesCounter) hook(e zapcore.Entry) error {
	switch e.Level {
	case zapcore.ErrorLevel:
		if m.Error != nil {
			m.Error.Inc()
		}
	case zapcore.InfoLevel:
		if m.Info != nil {
			m.Info.Inc()
		}
	case zapcore.DebugLevel:
		if m.Debug != nil {
			m.Debug.Inc()
		}
	}
	return nil
}

var root *logger

func init() {
	root = &logger{logger: zap.NewNop()}
}

// Setup configures the logging library with the given config.
func Setup(cfg Config, opts ...Option) error {
	cfg.Console.InitDefaults()
	if err := cfg.Console.validate(); err != nil {
		return err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	level, _ := parseLevel(cfg.Console.Level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.Console.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	zapOpts := []zap.Option{zap.AddCallerSkip(1)}
	if cfg.Console.StacktraceLevel != "none" {
		stacktrace, _ := parseLevel(cfg.Console.StacktraceLevel)
		zapOpts = append(zapOpts, zap.AddStacktrace(stacktrace))
	}
	if o.entriesCounter != nil {
		zapOpts = append(zapOpts, zap.Hooks(o.entriesCounter.hook))
	}
	root = &logger{logger: zap.New(core, zapOpts...)}
	return nil
}

// Root returns the root logger. It is never nil.
func Root() Logger {
	return root
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...any) {
	root.logger.Debug(msg, convertCtx(ctx)...)
}

// Info logs at info level on the root logger.
func Info(msg string, ctx ...any) {
	root.logger.Info(msg, convertCtx(ctx)...)
}

// Error logs at error level on the root logger.
func Error(msg string, ctx ...any) {
	root.logger.Error(msg, convertCtx(ctx)...)
}

// Discard replaces the root logger with a no-op logger.
func Discard() {
	root = &logger{logger: zap.NewNop()}
}

// Flush writes any buffered log entries.
func Flush() {
	_ = root.logger.Sync()
}

// HandlePanic catches panics and logs them before exiting. It should be
// deferred at the start of every goroutine.
func HandlePanic() {
	if msg := recover(); msg != nil {
		root.logger.Error("Panic", zap.Any("msg", msg), zap.Stack("stack"))
		Flush()
		os.Exit(255)
	}
}
