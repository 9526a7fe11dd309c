// ABOUTME: Entry point for the mdns-watch browser
// ABOUTME: Browses a service type and reports the live registry to the configured sinks
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/internal/config"
	"github.com/Resonate-Protocol/mdns-watch/internal/feed"
	"github.com/Resonate-Protocol/mdns-watch/internal/logging"
	"github.com/Resonate-Protocol/mdns-watch/internal/mdnsd"
	"github.com/Resonate-Protocol/mdns-watch/internal/metrics"
	"github.com/Resonate-Protocol/mdns-watch/internal/reporter"
	"github.com/Resonate-Protocol/mdns-watch/internal/store"
	"github.com/Resonate-Protocol/mdns-watch/internal/ui"
	"github.com/Resonate-Protocol/mdns-watch/internal/version"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

var (
	configPath   = flag.String("config", "", "Config file path (default: search $MDNS_WATCH_CONFIG, ./mdns-watch.yaml, ~/.config/mdns-watch/config.yaml)")
	iface        = flag.String("interface", "", "Network interface for multicast (default: all)")
	pollInterval = flag.Duration("poll-interval", 0, "Interval between mDNS query rounds")
	minInterval  = flag.Duration("min-interval", 0, "Report at most once per interval")
	feedAddr     = flag.String("feed", "", "Serve the HTTP/websocket snapshot feed on this address")
	redisURL     = flag.String("redis", "", "Mirror snapshots to this Redis URL")
	useTUI       = flag.Bool("tui", false, "Show the live registry in a terminal UI")
	logFile      = flag.String("log-file", "", "Also write logs to this file")
	logLevel     = flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat    = flag.String("log-format", "", "Log format: logfmt or json")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <service_type>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "The .local. domain is appended when missing. For example:\n")
	fmt.Fprintf(os.Stderr, "  %s _my-service._udp\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, path, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if flag.NArg() == 0 && path == "" {
		fmt.Fprintln(os.Stderr, "ERROR: require a service_type as argument.")
		usage()
		os.Exit(2)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logOut, closeLog, err := logWriter(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	logger, err := logging.New(logOut, logging.Options{Format: cfg.Log.Format, Level: cfg.Log.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	if path != "" {
		level.Info(logger).Log("msg", "loaded config", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		level.Error(logger).Log("msg", "mdns-watch failed", "err", err)
		closeLog()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	if *configPath != "" {
		return config.LoadFromPath(*configPath)
	}
	return config.Load()
}

// applyFlags overrides file values with flags the user actually set.
func applyFlags(cfg *config.Config) {
	if flag.NArg() > 0 {
		cfg.ServiceType = flag.Arg(0)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interface":
			cfg.Interface = *iface
		case "poll-interval":
			cfg.Browse.PollInterval = config.Duration(*pollInterval)
		case "min-interval":
			cfg.Reporter.MinInterval = config.Duration(*minInterval)
		case "feed":
			cfg.Feed.Enabled = *feedAddr != ""
			cfg.Feed.Addr = *feedAddr
		case "redis":
			cfg.Redis.URL = *redisURL
		case "tui":
			cfg.Reporter.TUI = *useTUI
		case "log-file":
			cfg.Log.File = *logFile
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
}

// logWriter mirrors the log to a file when asked. With the TUI owning the
// terminal, logs go only to the file.
func logWriter(cfg *config.Config) (io.Writer, func(), error) {
	if cfg.Log.File == "" {
		if cfg.Reporter.TUI {
			return io.Discard, func() {}, nil
		}
		return os.Stderr, func() {}, nil
	}

	f, err := os.OpenFile(cfg.Log.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = f.Close() }
	if cfg.Reporter.TUI {
		return f, closeFn, nil
	}
	return io.MultiWriter(os.Stderr, f), closeFn, nil
}

func run(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	serviceType := cfg.QualifiedServiceType()
	m := metrics.New()

	daemon, err := mdnsd.NewDaemon(mdnsd.Config{
		Interface:      cfg.Interface,
		PollInterval:   cfg.Browse.PollInterval.Duration(),
		QueryTimeout:   cfg.Browse.QueryTimeout.Duration(),
		MissedPolls:    cfg.Browse.MissedPolls,
		DisableIPv6:    cfg.Browse.DisableIPv6,
		ProbeConflicts: cfg.Browse.ProbeConflicts,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("open mdns daemon: %w", err)
	}
	defer daemon.Close()

	session := discovery.NewSession(daemon,
		discovery.WithLogger(logger),
		discovery.WithObserver(m),
	)
	if err := session.Start(ctx, serviceType); err != nil {
		return err
	}
	defer session.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var sinks []reporter.Sink
	if cfg.Reporter.Print && !cfg.Reporter.TUI {
		sinks = append(sinks, reporter.NewPrintSink(os.Stdout))
	}

	if cfg.Reporter.TUI {
		tui := ui.New(serviceType)
		sinks = append(sinks, tui)
		g.Go(func() error {
			defer cancel()
			return tui.Run(gctx)
		})
	}

	if cfg.Feed.Enabled {
		srv := feed.New(feed.Config{
			Addr:        cfg.Feed.Addr,
			Name:        version.String(),
			ServiceType: serviceType,
			Logger:      logger,
			Metrics:     m,
		}, session.Publisher())
		sinks = append(sinks, srv)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	if cfg.Redis.URL != "" {
		dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := store.Open(dialCtx, cfg.Redis.URL)
		dialCancel()
		if err != nil {
			return err
		}
		defer client.Close()
		sinks = append(sinks, store.NewMirror(client, store.MirrorConfig{
			Prefix:      cfg.Redis.KeyPrefix,
			ServiceType: serviceType,
			TTL:         cfg.Redis.TTL.Duration(),
		}))
	}

	rep := reporter.New(session.Publisher(), sinks,
		reporter.WithLogger(logger),
		reporter.WithMetrics(m),
		reporter.WithMinInterval(cfg.Reporter.MinInterval.Duration()),
	)

	g.Go(func() error {
		return session.Run(gctx)
	})
	g.Go(func() error {
		// the reporter drains the last snapshot after the session closes
		defer cancel()
		return rep.Run(gctx)
	})

	level.Info(logger).Log("msg", "starting", "version", version.Version, "service_type", serviceType, "sinks", len(sinks))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
