package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose per-component logging to a dedicated
// debug.log file, intended for troubleshooting link-level issues such as
// connection drops, read/write failures and recipe transactions.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // component filters (empty = log all)
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known component names for filtering.
var knownComponents = []string{
	"opcua",
	"s7",
	"mqtt",
	"engine",
	"device",
	"recipe",
	"kafka",
	"valkey",
	"api",
	"debug",
}

// NewDebugLogger creates a new debug logger that writes to the specified
// path. The file is truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return logger, nil
}

// SetFilter restricts logging to a comma-separated list of components.
// Empty string means log all components. Matching is case-insensitive.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" || filter == "all" {
		return
	}

	for _, c := range strings.Split(filter, ",") {
		c = strings.TrimSpace(strings.ToLower(c))
		if c != "" {
			l.filters[c] = true
		}
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(component string) bool {
	if len(l.filters) == 0 {
		return true
	}
	c := strings.ToLower(component)
	// The debug component carries session header/footer lines.
	return l.filters[c] || c == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// KnownComponents returns the component names recognized by SetFilter.
func KnownComponents() []string {
	out := make([]string, len(knownComponents))
	copy(out, knownComponents)
	return out
}

// Log writes a formatted message with timestamp and component prefix.
func (l *DebugLogger) Log(component, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(component) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, component, msg)
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [debug] Debug logging ended\n", timestamp)
	return l.file.Close()
}

// DebugLog logs a message to the global debug logger if one is installed.
func DebugLog(component, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(component, format, args...)
	}
}
