package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"mit.edu/dsg/hypostats/common"
)

// LogLevel represents logging verbosity
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	OutputPath string // Empty for stderr, or file path
	Format     string // "json" or "text"
}

// DefaultConfig logs INFO and above as text to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: "text"}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger for the given configuration. The returned closer releases the output file, if any, and must
// be called once the logger is no longer used.
func New(config Config) (*slog.Logger, io.Closer, error) {
	var writer io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if config.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o750); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		writer = file
		closer = file
	}

	opts := &slog.HandlerOptions{Level: config.Level.slogLevel()}
	var handler slog.Handler
	switch config.Format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text", "":
		handler = slog.NewTextHandler(writer, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", config.Format)
	}
	return slog.New(handler), closer, nil
}

// Discard returns a logger that drops every record. Used when a component is built without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns logger, or Discard() if it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// WithRelation creates a logger with relation context.
func WithRelation(logger *slog.Logger, oid common.ObjectID, name string) *slog.Logger {
	return logger.With("relid", oid, "relname", name)
}

// WithTxn creates a logger with unit-of-work context.
func WithTxn(logger *slog.Logger, id common.TransactionID, tag string) *slog.Logger {
	return logger.With("txn", id, "uow", tag)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
