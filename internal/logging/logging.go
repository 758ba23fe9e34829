package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is a wrapper around zerolog.Logger.
type Logger struct {
	logger zerolog.Logger
}

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, stderr, file path
	TimeFormat string // RFC3339, RFC3339Nano, Unix, etc.
}

// resolveOutput opens the writer cfg.Output names (stdout, stderr, or a
// file path) and wraps it in zerolog's pretty console writer when
// cfg.Format asks for it.
func resolveOutput(cfg Config) (io.Writer, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	return output, nil
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg Config) (*Logger, error) {
	output, err := resolveOutput(cfg)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Logger = logger

	return &Logger{logger: logger}, nil
}

// WithContext adds context to the logger.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{logger: l.logger.With().Ctx(ctx).Logger()}
}

// WithField adds a field to the logger.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithFields adds multiple fields to the logger.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	logger := l.logger.With()
	for k, v := range fields {
		logger = logger.Interface(k, v)
	}
	return &Logger{logger: logger.Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// ErrorWithErr logs an error message with an error.
func (l *Logger) ErrorWithErr(msg string, err error) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal().Msg(msg)
}

// Fatalf logs a formatted fatal message and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msgf(format, args...)
}

// WithError adds an error to the logger.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithOrgID adds the tenant's org_id to the logger.
func (l *Logger) WithOrgID(orgID string) *Logger {
	return l.WithField("org_id", orgID)
}

// WithMessageID adds a message_id to the logger.
func (l *Logger) WithMessageID(messageID string) *Logger {
	return l.WithField("message_id", messageID)
}

// WithDedupKey adds a dedup_key to the logger.
func (l *Logger) WithDedupKey(dedupKey string) *Logger {
	return l.WithField("dedup_key", dedupKey)
}

// WithAgentID adds an agent_id to the logger.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return l.WithField("agent_id", agentID)
}

// WithRetryCount adds a retry_count to the logger.
func (l *Logger) WithRetryCount(retryCount int) *Logger {
	return l.WithField("retry_count", retryCount)
}

// LogHTTPRequest logs HTTP request details for the admin API.
func (l *Logger) LogHTTPRequest(method, path, clientIP string, statusCode int, duration time.Duration) {
	l.logger.Info().
		Str("method", method).
		Str("path", path).
		Str("client_ip", clientIP).
		Int("status_code", statusCode).
		Dur("duration_ms", duration).
		Msg("HTTP request")
}

// LogMessageEvent logs a message lifecycle transition.
func (l *Logger) LogMessageEvent(orgID, messageID, eventType string, details map[string]interface{}) {
	evt := l.logger.Info().
		Str("org_id", orgID).
		Str("message_id", messageID).
		Str("event_type", eventType)

	for k, v := range details {
		evt = evt.Interface(k, v)
	}

	evt.Msg("message event")
}

// outcome picks the Info or Error event builder depending on whether
// the operation it describes failed, since LogPublish,
// LogDatabaseOperation, and LogAuditFlush all share that shape.
func (l *Logger) outcome(err error) *zerolog.Event {
	if err != nil {
		return l.logger.Error().Err(err)
	}
	return l.logger.Info()
}

// LogPublish logs a publish to a broker exchange.
func (l *Logger) LogPublish(exchange, routingKey string, priority int, duration time.Duration, err error) {
	l.outcome(err).
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Int("priority", priority).
		Dur("duration_ms", duration).
		Msg("broker publish")
}

// LogDatabaseOperation logs a database operation.
func (l *Logger) LogDatabaseOperation(operation string, duration time.Duration, err error) {
	l.outcome(err).
		Str("operation", operation).
		Dur("duration_ms", duration).
		Msg("database operation")
}

// LogAuditFlush logs the outcome of an Audit Batcher flush.
func (l *Logger) LogAuditFlush(table string, count int, duration time.Duration, err error) {
	l.outcome(err).
		Str("table", table).
		Int("count", count).
		Dur("duration_ms", duration).
		Msg("audit batch flush")
}

// NewDefaultLogger creates a logger with default configuration.
func NewDefaultLogger() (*Logger, error) {
	return NewLogger(Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})
}

// NewConsoleLogger creates a logger with console output for development.
func NewConsoleLogger() (*Logger, error) {
	return NewLogger(Config{
		Level:      "debug",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})
}
