package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEntry represents a single log record.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

var levelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

var (
	mu          sync.RWMutex
	logEntries  []LogEntry
	maxEntries  = 1000                   // Keep last 1000 in memory
	maxFileSize = int64(5 * 1024 * 1024) // 5MB limit, checked when the file is opened
	minLevel    = 1
	logFilePath string
	logFile     *os.File
	fileLog     *zap.Logger
	consoleLog  = newConsoleLogger()
	consoleOn   = true
	secrets     []string

	// Token-shaped strings that must never reach a sink.
	tokenRegex = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{8,}|ghp_[A-Za-z0-9]{20,}|xox[bp]-[A-Za-z0-9-]{10,})`)
)

// Console output goes to stderr: stdout may be a protocol stream.
func newConsoleLogger() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	return zap.New(core)
}

// Init opens the daily log file under appDir/logs.
func Init(appDir string) error {
	mu.Lock()
	defer mu.Unlock()

	logDir := filepath.Join(appDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFilePath = filepath.Join(logDir, fmt.Sprintf("%s rpcbridge.log", time.Now().Format("20060102")))

	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if info, err := os.Stat(logFilePath); err == nil && info.Size() > maxFileSize {
		flags = os.O_TRUNC | os.O_CREATE | os.O_WRONLY
	}
	f, err := os.OpenFile(logFilePath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	fileLog = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel))
	return nil
}

// SetLevel sets the minimum level that is recorded. Unknown names fall back to INFO.
func SetLevel(level string) {
	rank, ok := levelRank[strings.ToUpper(level)]
	if !ok {
		rank = levelRank["INFO"]
	}
	mu.Lock()
	minLevel = rank
	mu.Unlock()
}

// SetConsole toggles console output. Entries are still kept in memory and in the file.
func SetConsole(enabled bool) {
	mu.Lock()
	consoleOn = enabled
	mu.Unlock()
}

// RegisterSecret makes every later occurrence of value show up as REDACTED.
func RegisterSecret(value string) {
	if len(value) < 4 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	for _, s := range secrets {
		if s == value {
			return
		}
	}
	secrets = append(secrets, value)
}

func redact(message string) string {
	message = tokenRegex.ReplaceAllString(message, "REDACTED")
	mu.RLock()
	defer mu.RUnlock()
	for _, s := range secrets {
		message = strings.ReplaceAll(message, s, "REDACTED")
	}
	return message
}

// AddLog adds a new log entry.
func AddLog(level, message string) {
	level = strings.ToUpper(level)
	rank, ok := levelRank[level]
	if !ok {
		level, rank = "INFO", levelRank["INFO"]
	}

	mu.RLock()
	skip := rank < minLevel
	mu.RUnlock()
	if skip {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   redact(message),
	}

	mu.Lock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > maxEntries {
		logEntries = logEntries[len(logEntries)-maxEntries:]
	}
	sinks := make([]*zap.Logger, 0, 2)
	if consoleOn {
		sinks = append(sinks, consoleLog)
	}
	if fileLog != nil {
		sinks = append(sinks, fileLog)
	}
	mu.Unlock()

	for _, l := range sinks {
		write(l, entry)
	}
}

func write(l *zap.Logger, entry LogEntry) {
	switch entry.Level {
	case "DEBUG":
		l.Debug(entry.Message)
	case "WARN":
		l.Warn(entry.Message)
	case "ERROR":
		l.Error(entry.Message)
	default:
		l.Info(entry.Message)
	}
}

// GetLogs returns all logs currently in memory.
func GetLogs() []LogEntry {
	mu.RLock()
	defer mu.RUnlock()

	res := make([]LogEntry, len(logEntries))
	copy(res, logEntries)
	return res
}

// ClearLogs wipes the in-memory entries.
func ClearLogs() {
	mu.Lock()
	defer mu.Unlock()
	logEntries = []LogEntry{}
}

// GetLogFilePath returns the path to the log file.
func GetLogFilePath() string {
	mu.RLock()
	defer mu.RUnlock()
	return logFilePath
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	_ = consoleLog.Sync()
	if fileLog != nil {
		_ = fileLog.Sync()
		fileLog = nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
