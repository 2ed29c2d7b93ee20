package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	customLog zerolog.Logger
	mu        sync.RWMutex
)

func init() {
	InitLogger()
}

// InitLogger resets the logger to a human readable console writer on stdout.
func InitLogger() {
	SetOutput(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
}

// SetOutput routes all log entries to w. Entries written to w are JSON unless w is a
// zerolog.ConsoleWriter. Writes are serialized.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	customLog = zerolog.New(zerolog.SyncWriter(w)).With().Timestamp().Logger().Level(customLog.GetLevel())
}

// ResetLogger redirects logs to a rotated JSON file under oracleHome/logs.
func ResetLogger(oracleHome string) {
	dir := filepath.Join(oracleHome, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		Fatalf("Failed to create log directory %s: %v", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.log", filepath.Base(os.Args[0])))
	Infof("From now on, all logs will be written to %s", path)

	SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    64,
		MaxBackups: 8,
		MaxAge:     28,
		Compress:   true,
	})
}

// SetLevel sets the minimum level, e.g. "debug", "info", "error".
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	mu.Lock()
	defer mu.Unlock()
	customLog = customLog.Level(lvl)

	return nil
}

func logger() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	l := customLog
	return &l
}

// Debug writes msg with alternating key/value pairs.
func Debug(msg string, keyvals ...any) {
	logger().Debug().Fields(keyvals).Msg(msg)
}

func Info(msg string, keyvals ...any) {
	logger().Info().Fields(keyvals).Msg(msg)
}

func Error(msg string, keyvals ...any) {
	logger().Error().Fields(keyvals).Msg(msg)
}

func Debugf(format string, v ...any) {
	logger().Debug().Msgf(format, v...)
}

func Infof(format string, v ...any) {
	logger().Info().Msgf(format, v...)
}

func Errorf(format string, v ...any) {
	logger().Error().Msgf(format, v...)
}

func Fatalf(format string, v ...any) {
	logger().Fatal().Msgf(format, v...)
}
