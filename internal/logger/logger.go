package logger

import (
	"io"
	"log/slog"
	"os"
)

var (
	Log   *slog.Logger
	level = new(slog.LevelVar)
)

// Init initializes the global logger. Output goes to stdout, and to
// logFile as well when set.
func Init(levelName string, logFile string) error {
	level.Set(parseLevel(levelName))

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten time format
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

// SetLevel adjusts the level of a live logger. Used by the config
// watcher so a level change does not need a restart.
func SetLevel(levelName string) {
	level.Set(parseLevel(levelName))
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	logger().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	logger().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	logger().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	logger().Error(msg, args...)
}
