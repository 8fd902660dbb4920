package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity threshold for emitted log messages.
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the canonical upper-case name for the level.
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLogLevel converts a level string to its LogLevel value, defaulting
// to INFO for anything unrecognized. "WARNING" is accepted as an alias
// for "WARN".
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled logger layered on top of the standard library log
// package. The threshold is held atomically so the hot path never takes a
// lock, and messages below it are discarded before formatting.
type Logger struct {
	level atomic.Int32
}

// New creates a Logger with the specified level string
// ("DEBUG", "INFO", "WARN", "ERROR").
func New(level string) *Logger {
	l := &Logger{}
	l.level.Store(int32(ParseLogLevel(level)))
	return l
}

// defaultLogger backs the package-level logging functions.
var defaultLogger = New("INFO")

// SetLevel sets this logger instance's level.
func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(ParseLogLevel(level)))
}

// GetLevel returns this logger instance's level as a string.
func (l *Logger) GetLevel() string {
	return LogLevel(l.level.Load()).String()
}

// logf formats and writes one message through the standard logger when the
// level clears the configured threshold.
func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	if level < LogLevel(l.level.Load()) {
		return
	}
	log.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Instance methods (for use with struct fields like s.logger.Info())

// Debug logs debug level messages.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logf(DEBUG, format, v...)
}

// Info logs info level messages.
func (l *Logger) Info(format string, v ...interface{}) {
	l.logf(INFO, format, v...)
}

// Warn logs warning level messages.
func (l *Logger) Warn(format string, v ...interface{}) {
	l.logf(WARN, format, v...)
}

// Error logs error level messages.
func (l *Logger) Error(format string, v ...interface{}) {
	l.logf(ERROR, format, v...)
}

// Package-level functions (for direct use like logger.Info())

// SetLogLevel sets the global default log level (package-level).
func SetLogLevel(level string) {
	defaultLogger.SetLevel(level)
}

// GetLogLevel returns the current global log level as a string (package-level).
func GetLogLevel() string {
	return defaultLogger.GetLevel()
}

// Debug logs debug level messages (package-level).
func Debug(format string, v ...interface{}) {
	defaultLogger.Debug(format, v...)
}

// Info logs info level messages (package-level).
func Info(format string, v ...interface{}) {
	defaultLogger.Info(format, v...)
}

// Warn logs warning level messages (package-level).
func Warn(format string, v ...interface{}) {
	defaultLogger.Warn(format, v...)
}

// Error logs error level messages (package-level).
func Error(format string, v ...interface{}) {
	defaultLogger.Error(format, v...)
}
