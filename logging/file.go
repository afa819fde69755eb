// Package logging provides file logging and component-level debug logging
// for the gateway.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger writes log messages to a file.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger creates a new file logger that writes to the specified path.
// The file is created if it doesn't exist, or appended to if it does.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileLogger{
		file: file,
	}, nil
}

// Log writes a formatted message to the log file with a timestamp.
// This method is safe to call from any goroutine.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s %s\n", timestamp, msg)
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *FileLogger
	alsoStderr    bool
)

// SetDefault installs the process-wide file logger used by the leveled
// helpers below. Pass nil to disable file output.
func SetDefault(l *FileLogger, mirrorStderr bool) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
	alsoStderr = mirrorStderr
}

func emit(level, format string, args ...interface{}) {
	defaultMu.RLock()
	l := defaultLogger
	mirror := alsoStderr
	defaultMu.RUnlock()

	msg := fmt.Sprintf(format, args...)
	if l != nil {
		l.Log("[%s] %s", level, msg)
	}
	if mirror || l == nil {
		ts := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(os.Stderr, "%s [%s] %s\n", ts, level, msg)
	}
}

// Info logs an informational message to the default logger.
func Info(format string, args ...interface{}) { emit("INFO", format, args...) }

// Warning logs a warning to the default logger.
func Warning(format string, args ...interface{}) { emit("WARNING", format, args...) }

// Error logs an error to the default logger.
func Error(format string, args ...interface{}) { emit("ERROR", format, args...) }

// Write logs a PLC write operation to the default logger. Write traffic
// gets its own level so operators can grep the audit trail.
func Write(format string, args ...interface{}) { emit("WRITE", format, args...) }
