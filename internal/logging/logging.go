// Package logging builds the process-wide logging context.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Options selects the handler format and destination.
type Options struct {
	Level  slog.Level
	Format string // text or json
	Output string // stdout, stderr or a file path
}

// Context owns the root logger and whatever sink it writes to.
// It is created once at startup and closed at shutdown.
type Context struct {
	logger *slog.Logger
	closer io.Closer

	closeOnce sync.Once
	closeErr  error
}

// New opens the configured output and builds the root logger.
func New(opts Options) (*Context, error) {
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "text"
	}
	output := strings.TrimSpace(opts.Output)
	if output == "" {
		output = "stderr"
	}

	var (
		writer io.Writer
		closer io.Closer
	)
	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output %q: %w", output, err)
		}
		writer = file
		closer = file
	}

	return newContext(writer, closer, format, opts.Level)
}

// NewWriter builds a context writing to w. The caller keeps ownership of w.
func NewWriter(w io.Writer, format string, level slog.Level) (*Context, error) {
	return newContext(w, nil, strings.ToLower(format), level)
}

func newContext(w io.Writer, closer io.Closer, format string, level slog.Level) (*Context, error) {
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "", "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	return &Context{
		logger: slog.New(handler),
		closer: closer,
	}, nil
}

// Logger returns the root logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Close flushes and releases the output. Safe for repeated use.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		if c.closer == nil {
			return
		}
		var errs []error
		if syncer, ok := c.closer.(interface{ Sync() error }); ok {
			if err := syncer.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
				errs = append(errs, fmt.Errorf("sync log output: %w", err))
			}
		}
		if err := c.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log output: %w", err))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
