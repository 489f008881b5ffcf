// Package logger provides leveled, component-prefixed logging for the
// coordinator and node services.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log levels
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel maps a level name to its Level, defaulting to INFO.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
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

// LevelFromEnv reads LOG_LEVEL, defaulting to INFO.
func LevelFromEnv() Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// Logger writes leveled messages tagged with a component name.
type Logger struct {
	mu     sync.Mutex
	prefix string
	level  Level
	out    *log.Logger
}

// New creates a logger for a component, level taken from LOG_LEVEL.
func New(component string) *Logger {
	return NewWithOutput(component, os.Stdout, LevelFromEnv())
}

// NewWithOutput creates a logger with explicit output and level, mainly
// for tests.
func NewWithOutput(component string, w io.Writer, level Level) *Logger {
	return &Logger{
		prefix: component,
		level:  level,
		out:    log.New(w, "", 0),
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	min := l.level
	l.mu.Unlock()
	if level < min {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	l.out.Printf("%s [%s] [%s] %s", timestamp, levelNames[level], l.prefix, message)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}
