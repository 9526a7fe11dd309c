// ABOUTME: go-kit logger construction for the CLIs
// ABOUTME: logfmt or json output with timestamp, caller and a level filter
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Options controls logger construction.
type Options struct {
	// Format is "logfmt" (default) or "json".
	Format string
	// Level is "debug", "info" (default), "warn" or "error".
	Level string
	// Caller adds a caller=file:line field.
	Caller bool
}

// New builds a logger writing to w.
func New(w io.Writer, opts Options) (log.Logger, error) {
	w = log.NewSyncWriter(w)

	var logger log.Logger
	switch strings.ToLower(opts.Format) {
	case "", "logfmt":
		logger = log.NewLogfmtLogger(w)
	case "json":
		logger = log.NewJSONLogger(w)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	allow, err := levelOption(opts.Level)
	if err != nil {
		return nil, err
	}
	logger = level.NewFilter(logger, allow)

	logger = log.WithPrefix(logger, "ts", log.DefaultTimestampUTC)
	if opts.Caller {
		logger = log.WithPrefix(logger, "caller", log.DefaultCaller)
	}
	return logger, nil
}

func levelOption(name string) (level.Option, error) {
	switch strings.ToLower(name) {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", name)
	}
}
