// Package logging provides component loggers for webpilot.
//
// All loggers of one process append to a single run-specific file,
// <log dir>/<run-id>-webpilot.log, so that the activity of every session
// can be read in order.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a level name to a Level. Unknown names map to debug.
func ParseLevel(name string) Level {
	switch strings.ToLower(name) {
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelDebug
	}
}

// Logger writes leveled entries for one component.
type Logger struct {
	runID     string
	component string
	prefix    string
	file      *os.File
	logger    *log.Logger
	mu        *sync.Mutex
	logPath   string
	closeOnce *sync.Once
}

var (
	runID     string
	runIDOnce sync.Once

	// logDir is the directory where log files are stored
	logDir string

	initOnce sync.Once
	initErr  error

	settingsMu sync.RWMutex
	minLevel   = LevelDebug
	mirror     io.Writer
)

func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// SetDirectory selects the log directory. It must be called before the
// first logger is created; later calls have no effect.
func SetDirectory(dir string) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	if logDir == "" {
		logDir = dir
	}
}

// SetLevel sets the minimum level written by every logger.
func SetLevel(level Level) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	minLevel = level
}

// SetMirror copies every entry to w as well (nil disables mirroring).
func SetMirror(w io.Writer) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	mirror = w
}

func initLogDirectory() error {
	initOnce.Do(func() {
		settingsMu.Lock()
		defer settingsMu.Unlock()
		if logDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				initErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			logDir = filepath.Join(homeDir, ".webpilot", "logs")
		}
		if err := os.MkdirAll(logDir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
	})
	return initErr
}

// NewLogger creates a new logger for a specific component.
//
// If the log directory cannot be created or the log file cannot be opened,
// it returns a fallback logger that writes to stderr along with the error.
func NewLogger(component string) (*Logger, error) {
	if err := initLogDirectory(); err != nil {
		return newFallbackLogger(component, err), err
	}

	id := getRunID()
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-webpilot.log", id))

	// Append mode: every component writes to the same file.
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return newFallbackLogger(component, fmt.Errorf("failed to open log file: %w", err)), err
	}

	return &Logger{
		runID:     id,
		component: component,
		file:      file,
		logger:    log.New(file, "", 0),
		mu:        &sync.Mutex{},
		logPath:   logPath,
		closeOnce: &sync.Once{},
	}, nil
}

// MustLogger is NewLogger for callers that accept the stderr fallback.
func MustLogger(component string) *Logger {
	l, _ := NewLogger(component)
	return l
}

// NewWriterLogger creates a logger that writes to w instead of the run file.
func NewWriterLogger(component string, w io.Writer) *Logger {
	return &Logger{
		runID:     getRunID(),
		component: component,
		logger:    log.New(w, "", 0),
		mu:        &sync.Mutex{},
		closeOnce: &sync.Once{},
	}
}

func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, "", 0)
	logger.Printf("WARNING: Failed to initialize file logging: %v", err)
	logger.Printf("Falling back to stderr logging")

	return &Logger{
		runID:     getRunID(),
		component: component,
		logger:    logger,
		mu:        &sync.Mutex{},
		closeOnce: &sync.Once{},
	}
}

// With returns a logger for the same component and file whose messages are
// prefixed with "[prefix] ". Closing the child does not close the file.
func (l *Logger) With(prefix string) *Logger {
	child := *l
	child.prefix = l.prefix + "[" + prefix + "] "
	child.file = nil
	child.closeOnce = &sync.Once{}
	return &child
}

func (l *Logger) formatLogEntry(level Level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s%s", timestamp, l.component, level, l.prefix, message)
}

func (l *Logger) write(level Level, format string, v ...interface{}) {
	settingsMu.RLock()
	lvl, mw := minLevel, mirror
	settingsMu.RUnlock()
	if level < lvl {
		return
	}

	entry := l.formatLogEntry(level, fmt.Sprintf(format, v...))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(entry)
	if mw != nil {
		fmt.Fprintln(mw, entry)
	}
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write(LevelDebug, format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write(LevelInfo, format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write(LevelWarn, format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write(LevelError, format, v...)
}

// RunID returns the id shared by every logger of this process.
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// GetLogDirectory returns the directory where logs are stored
func GetLogDirectory() (string, error) {
	if err := initLogDirectory(); err != nil {
		return "", err
	}
	return logDir, nil
}
