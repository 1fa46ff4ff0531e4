package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "FORGE_LOG_DIR"

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Category selects which log file a logger writes to.
type Category string

const (
	CategoryService Category = "service"
	CategoryLLM     Category = "llm"
)

var (
	serviceOnce     sync.Once
	serviceInstance *fileLogger
	categoryMu      sync.Mutex
	categoryLoggers = make(map[Category]*fileLogger)
)

// fileLogger writes formatted lines to a per-category log file.
type fileLogger struct {
	file      *os.File
	logger    *log.Logger
	level     Level
	mu        sync.Mutex
	component string
	category  Category
}

// NewComponentLogger creates a service-category logger for a component.
func NewComponentLogger(component string) Logger {
	return NewCategorizedLogger(CategoryService, component)
}

// NewLLMLogger returns a logger that writes to the dedicated LLM log file
// (forge-llm.log), keeping backend traffic out of the service log.
func NewLLMLogger(component string) Logger {
	return NewCategorizedLogger(CategoryLLM, component)
}

// NewCategorizedLogger creates a logger for a specific category and component.
func NewCategorizedLogger(category Category, component string) Logger {
	base := getOrCreateCategoryLogger(category)
	return &fileLogger{
		file:      base.file,
		logger:    base.logger,
		level:     base.level,
		component: component,
		category:  category,
	}
}

func getOrCreateCategoryLogger(category Category) *fileLogger {
	if category == CategoryService {
		serviceOnce.Do(func() {
			serviceInstance = newFileLogger(DEBUG, category)
		})
		return serviceInstance
	}

	categoryMu.Lock()
	defer categoryMu.Unlock()

	if logger, ok := categoryLoggers[category]; ok {
		return logger
	}
	logger := newFileLogger(DEBUG, category)
	categoryLoggers[category] = logger
	return logger
}

func newFileLogger(level Level, category Category) *fileLogger {
	l := &fileLogger{level: level, category: category}

	logDir, err := resolveLogDirectory()
	if err != nil {
		log.Printf("Failed to resolve log directory: %v", err)
		return l
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
		return l
	}

	logPath := filepath.Join(logDir, logFileName(category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return l
	}

	l.file = file
	l.logger = log.New(file, "", 0) // formatted by us
	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

func logFileName(category Category) string {
	switch category {
	case CategoryLLM:
		return "forge-llm.log"
	default:
		return "forge-service.log"
	}
}

// SetLevel sets the minimum log level.
func (l *fileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *fileLogger) log(level Level, format string, args ...any) {
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

	// Format: 2026-01-02 15:04:05 [INFO] [SERVICE] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "FORGE"
	}
	category := strings.ToUpper(string(l.category))
	if category == "" {
		category = "SERVICE"
	}
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] [%s] %s:%d - %s",
		timestamp, levelToString(level), category, component, file, line, message)
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelToString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
