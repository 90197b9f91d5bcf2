// Package logging builds the named loggers used across the server. Every
// logger writes to the sink it was constructed with.
package logging

import (
	"context"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures a Logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

// Logger groups one named logger per concern.
type Logger struct {
	HTTP      *zap.SugaredLogger
	Lightning *zap.SugaredLogger
	Internal  *zap.SugaredLogger

	base  *zap.Logger
	level zap.AtomicLevel
}

// New creates loggers writing to w.
func New(w io.Writer, opts Options) *Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(opts.Level)); err == nil {
			level.SetLevel(l)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)
	return newLogger(zap.New(core), level)
}

// Discard returns loggers that drop everything.
func Discard() *Logger {
	return newLogger(zap.NewNop(), zap.NewAtomicLevel())
}

func newLogger(base *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{
		HTTP:      base.Named("http").Sugar(),
		Lightning: base.Named("lightning").Sugar(),
		Internal:  base.Named("internal").Sugar(),
		base:      base,
		level:     level,
	}
}

// SetLevel changes the level at runtime. Unknown levels are ignored.
func (l *Logger) SetLevel(level string) {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return
	}
	l.level.SetLevel(lv)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

type contextKey struct{}

// WithRequestID stores a request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
