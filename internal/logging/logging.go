// Package logging builds the application logger and the usage accounting sink.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"voicecal/internal/session"
)

// ParseLevel maps a textual level to slog. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FileOptions describes a rotating log file. An empty Path disables the file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

func (o FileOptions) writer() io.WriteCloser {
	_ = os.MkdirAll(filepath.Dir(o.Path), 0o755)
	return &lumberjack.Logger{
		Filename:   o.Path,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
	}
}

// New returns a text logger writing to stderr and, when configured, to a
// rotating file. The returned closer releases the file.
func New(level string, file FileOptions) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if file.Path != "" {
		fw := file.writer()
		w = io.MultiWriter(os.Stderr, fw)
		closer = fw
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// UsageLog writes one JSON line per completed assistant run.
type UsageLog struct {
	logger *slog.Logger
	closer io.Closer
}

var _ session.UsageSink = (*UsageLog)(nil)

// NewUsageLog opens a rotating usage file.
func NewUsageLog(file FileOptions) *UsageLog {
	w := file.writer()
	return newUsageLog(w, w)
}

func newUsageLog(w io.Writer, c io.Closer) *UsageLog {
	return &UsageLog{
		logger: slog.New(slog.NewJSONHandler(w, nil)),
		closer: c,
	}
}

func (u *UsageLog) RecordUsage(r session.UsageRecord) {
	u.logger.Info("usage",
		"at", r.Time,
		"model", r.Model,
		"input_tokens", r.PromptTokens,
		"output_tokens", r.CompletionTokens,
		"total_tokens", r.TotalTokens,
	)
}

func (u *UsageLog) Close() error {
	if u.closer == nil {
		return nil
	}
	return u.closer.Close()
}
