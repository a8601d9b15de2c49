package fios

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/phsym/console-slog"
	"github.com/sirupsen/logrus"
)

// Logger interface for transfer logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// FileLogger writes logs to a file
type FileLogger struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileLogger creates a logger that appends to the file at path
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: file}, nil
}

func (l *FileLogger) log(level, format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "[%s] %s: %s\n", timestamp, level, fmt.Sprintf(format, args...))
}

func (l *FileLogger) Debug(format string, args ...interface{}) {
	l.log("DEBUG", format, args...)
}

func (l *FileLogger) Info(format string, args ...interface{}) {
	l.log("INFO", format, args...)
}

func (l *FileLogger) Error(format string, args ...interface{}) {
	l.log("ERROR", format, args...)
}

func (l *FileLogger) Close() error {
	if l != nil && l.file != nil {
		return l.file.Close()
	}
	return nil
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// LogrusLogger adapts a logrus logger or entry.
type LogrusLogger struct {
	entry logrus.FieldLogger
}

// NewLogrusLogger returns a Logger that writes through l.
func NewLogrusLogger(l logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{entry: l}
}

// With returns a logger that adds a field to every entry.
func (l *LogrusLogger) With(key string, value interface{}) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *LogrusLogger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *LogrusLogger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *LogrusLogger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// ConsoleLogger writes human-oriented colored lines through slog.
type ConsoleLogger struct {
	logger *slog.Logger
}

// NewConsoleLogger returns a Logger backed by a console-slog handler on w.
func NewConsoleLogger(w io.Writer, debug bool) *ConsoleLogger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := console.NewHandler(w, &console.HandlerOptions{Level: level})
	return &ConsoleLogger{logger: slog.New(handler)}
}

func (l *ConsoleLogger) log(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *ConsoleLogger) Debug(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args...)
}

func (l *ConsoleLogger) Info(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args...)
}

func (l *ConsoleLogger) Error(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args...)
}

// LoggingPort wraps a Port and logs all reads and writes at debug level
type LoggingPort struct {
	Port
	logger Logger
	name   string
}

// NewLoggingPort wraps port so every transfer on it is traced to logger.
func NewLoggingPort(port Port, logger Logger, name string) *LoggingPort {
	return &LoggingPort{
		Port:   port,
		logger: logger,
		name:   name,
	}
}

func (lp *LoggingPort) Read(p []byte) (int, error) {
	n, err := lp.Port.Read(p)
	if n > 0 {
		lp.logger.Debug("%s: read %d bytes: %s", lp.name, n, formatBytes(p[:n]))
	}
	if err != nil && err != io.EOF {
		lp.logger.Error("%s: read error: %v", lp.name, err)
	}
	return n, err
}

func (lp *LoggingPort) Write(p []byte) (int, error) {
	n, err := lp.Port.Write(p)
	if n > 0 {
		lp.logger.Debug("%s: wrote %d bytes: %s", lp.name, n, formatBytes(p[:n]))
	}
	if err != nil {
		lp.logger.Error("%s: write error: %v", lp.name, err)
	}
	return n, err
}

func formatBytes(data []byte) string {
	if len(data) > 32 {
		return fmt.Sprintf("%q...[truncated]", data[:32])
	}
	return fmt.Sprintf("%q", data)
}
