// Package alog is the runtime's structured logger. It merges what used to be
// two overlapping logrus wrappers in the teacher repo (a bare pkg/logger and
// a richer infrastructure/logging with context-scoped fields) into the one
// logger this system needs, keeping the richer feature set.
package alog

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const (
	corrIDKey   ctxKey = "corr_id"
	actionIDKey ctxKey = "action_id"
)

// Logger wraps logrus.Logger with request/action-scoped context fields.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a logger for the named service with an explicit level/format.
func New(service, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, service: service}
}

// NewFromEnv reads ARW_LOG_LEVEL and ARW_LOG_FORMAT (defaulting to info/json).
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("ARW_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("ARW_LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithCorrID attaches a correlation id to ctx for downstream log calls.
func WithCorrID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, corrIDKey, corrID)
}

// WithActionID attaches an action id to ctx for downstream log calls.
func WithActionID(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, actionIDKey, actionID)
}

// WithContext returns a log entry carrying whatever correlation/action ids
// were stashed on ctx, plus the service name.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v, _ := ctx.Value(corrIDKey).(string); v != "" {
		entry = entry.WithField("corr_id", v)
	}
	if v, _ := ctx.Value(actionIDKey).(string); v != "" {
		entry = entry.WithField("action_id", v)
	}
	return entry
}

func (l *Logger) WithFields(fields map[string]any) *logrus.Entry {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": err.Error()})
}
