// Package logging provides structured logging with trace ID support for the scheduler and agent.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	TraceIDKey     ContextKey = "trace_id"
	AgentUIDKey    ContextKey = "agent_uid"
	ProjectGUIDKey ContextKey = "project_guid"
	ServiceKey     ContextKey = "service"
)

// Logger wraps logrus.Logger with additional functionality.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment variables.
// Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a new logger entry carrying the context's propagated fields.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if agentUID := ctx.Value(AgentUIDKey); agentUID != nil {
		entry = entry.WithField("agent_uid", agentUID)
	}
	if projectGUID := ctx.Value(ProjectGUIDKey); projectGUID != nil {
		entry = entry.WithField("project_guid", projectGUID)
	}

	return entry
}

func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "error": err.Error()})
}

func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helpers

func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

func WithAgentUID(ctx context.Context, agentUID string) context.Context {
	return context.WithValue(ctx, AgentUIDKey, agentUID)
}

func GetAgentUID(ctx context.Context) string {
	if agentUID, ok := ctx.Value(AgentUIDKey).(string); ok {
		return agentUID
	}
	return ""
}

func WithProjectGUID(ctx context.Context, guid string) context.Context {
	return context.WithValue(ctx, ProjectGUIDKey, guid)
}

func GetProjectGUID(ctx context.Context) string {
	if guid, ok := ctx.Value(ProjectGUIDKey).(string); ok {
		return guid
	}
	return ""
}

// Domain logging helpers

// LogRequest logs an HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogAssignment logs a batch dispatch decision for an agent.
func (l *Logger) LogAssignment(ctx context.Context, agentUID string, taskCount int, projectGUIDs []string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"agent_uid":  agentUID,
		"task_count": taskCount,
		"projects":   projectGUIDs,
	}).Info("batch dispatched")
}

// LogVerification logs a Verifier classification outcome.
func (l *Logger) LogVerification(ctx context.Context, taskID, classification string, repDelta int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"task_id":        taskID,
		"classification": classification,
		"reputation_delta": repDelta,
	}).Info("task verified")
}

// LogPolicyDecision logs a Policy Engine evaluation.
func (l *Logger) LogPolicyDecision(ctx context.Context, kind, decision string, reasons []string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"proposal_kind": kind,
		"decision":      decision,
		"reasons":       reasons,
	}).Info("policy decision")
}

// LogFlag logs an append-only audit flag being raised.
func (l *Logger) LogFlag(ctx context.Context, reason string, details map[string]interface{}) {
	fields := logrus.Fields{"flag_reason": reason, "audit": true}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("flag raised")
}

// LogDatabaseQuery logs a database query.
func (l *Logger) LogDatabaseQuery(ctx context.Context, query string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"query":       query,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("database query failed")
	} else {
		entry.Debug("database query executed")
	}
}

// LogErrorWithStack logs an error with additional context fields.
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	logFields := logrus.Fields{"error": err.Error()}
	for k, v := range fields {
		logFields[k] = v
	}
	l.WithContext(ctx).WithFields(logFields).Error(message)
}

func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Global logger instance, initialized once at startup.
var defaultLogger *Logger

func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info", "json")
	}
	return defaultLogger
}

// FormatDuration formats a duration in milliseconds for log fields.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
