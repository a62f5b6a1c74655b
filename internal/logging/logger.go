package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract shared by every
// gateway component. Components receive a Logger instead of writing to the
// stdlib log package so tests can silence or capture output.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
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
	case LevelError:
		return "ERROR"
	}
	return "?"
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	fileLoggerOnce sync.Once
	fileLogger     *FileLogger
)

// FileLogger writes timestamped log lines to the gateway debug log
// (~/.dyno/dyno-debug.log by default). A single file handle is shared by
// every component logger.
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	logger    *log.Logger
	level     Level
	component string
}

// sharedFileLogger opens the debug log once for the whole process.
func sharedFileLogger() *FileLogger {
	fileLoggerOnce.Do(func() {
		fileLogger = newFileLogger(defaultLogPath(), LevelDebug)
	})
	return fileLogger
}

func defaultLogPath() string {
	if p := os.Getenv("DYNO_LOG_FILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "dyno-debug.log"
	}
	return filepath.Join(home, ".dyno", "dyno-debug.log")
}

func newFileLogger(path string, level Level) *FileLogger {
	l := &FileLogger{level: level}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("logging: create log directory: %v", err)
		return l
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logging: open log file: %v", err)
		return l
	}
	l.file = file
	l.logger = log.New(file, "", 0)
	return l
}

// NewComponentLogger returns the shared file logger scoped to a component name.
func NewComponentLogger(component string) Logger {
	shared := sharedFileLogger()
	return &FileLogger{
		file:      shared.file,
		logger:    shared.logger,
		level:     shared.level,
		component: component,
	}
}

// SetLevel sets the minimum level emitted by this logger.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *FileLogger) log(level Level, format string, args ...any) {
	if level < l.level || l.logger == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	prefix := fmt.Sprintf("%s [%s]", time.Now().Format("2006-01-02 15:04:05.000"), level)
	if l.component != "" {
		prefix += " [" + l.component + "]"
	}
	l.logger.Printf("%s %s:%d %s", prefix, file, line, fmt.Sprintf(format, args...))
}

func (l *FileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Close closes the underlying log file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (m *multiLogger) Debug(format string, args ...any) {
	for _, l := range m.loggers {
		l.Debug(format, args...)
	}
}

func (m *multiLogger) Info(format string, args ...any) {
	for _, l := range m.loggers {
		l.Info(format, args...)
	}
}

func (m *multiLogger) Warn(format string, args ...any) {
	for _, l := range m.loggers {
		l.Warn(format, args...)
	}
}

func (m *multiLogger) Error(format string, args ...any) {
	for _, l := range m.loggers {
		l.Error(format, args...)
	}
}
