package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logMaxSizeMB  = 100
	logMaxBackups = 10
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the JSON logger of the service. Records go to stdout, or to a
// rotating file when logFile is set. Close the returned closer on shutdown.
func NewLogger(logFile string, level slog.Level) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			Compress:   true,
			LocalTime:  true,
		}
		out = rotator
		closer = rotator
	}

	handler := NewTracingLogHandler(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	return slog.New(handler), closer, nil
}
