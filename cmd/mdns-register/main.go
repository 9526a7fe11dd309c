// ABOUTME: Entry point for the mdns-register announcer
// ABOUTME: Registers one service instance and optionally unregisters it after a delay
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/internal/logging"
	"github.com/Resonate-Protocol/mdns-watch/internal/mdnsd"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/go-kit/log/level"
)

var (
	port       = flag.Int("port", 5001, "Service port")
	host       = flag.String("host", "mdns-example.local.", "Service host name")
	addrs      = flag.String("addrs", "", "Comma-separated addresses to advertise (default: all local IPv4)")
	iface      = flag.String("interface", "", "Network interface for multicast (default: all)")
	unregister = flag.Bool("unregister", false, "Automatically unregister after -wait")
	wait       = flag.Duration("wait", 2*time.Second, "Delay before -unregister")
	probe      = flag.Bool("probe", false, "Refuse to register a name another host already answers for")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	attrs      attrFlags
)

const (
	announcePoll    = time.Second
	announceTimeout = 3 * time.Second
)

func init() {
	flag.Var(&attrs, "attr", "TXT attribute key=value; repeatable (default: PATH=one Path=two PaTh=three)")
}

// attrFlags collects repeated -attr values in order.
type attrFlags []discovery.Attribute

func (a *attrFlags) String() string {
	parts := make([]string, 0, len(*a))
	for _, attr := range *a {
		parts = append(parts, attr.Key+"="+attr.Value)
	}
	return strings.Join(parts, " ")
}

func (a *attrFlags) Set(s string) error {
	key, value, _ := strings.Cut(s, "=")
	if key == "" {
		return fmt.Errorf("attribute %q has no key", s)
	}
	*a = append(*a, discovery.Attribute{Key: key, Value: value})
	return nil
}

// The keys differ only in case; only the first pair takes effect.
var defaultAttrs = []discovery.Attribute{
	{Key: "PATH", Value: "one"},
	{Key: "Path", Value: "two"},
	{Key: "PaTh", Value: "three"},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <service_type> <instance_name>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "For example:\n  %s -unregister _my-hello._udp.local. test1\n\nFlags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	if *port <= 0 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %d\n", *port)
		os.Exit(2)
	}

	logger, err := logging.New(os.Stderr, logging.Options{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	desc := discovery.Descriptor{
		ServiceType: discovery.QualifyServiceType(flag.Arg(0)),
		Instance:    flag.Arg(1),
		Host:        *host,
		Port:        uint16(*port),
		Attributes:  attrs,
	}
	if len(desc.Attributes) == 0 {
		desc.Attributes = defaultAttrs
	}
	if *addrs != "" {
		for _, s := range strings.Split(*addrs, ",") {
			a, err := netip.ParseAddr(strings.TrimSpace(s))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid address %q: %v\n", s, err)
				os.Exit(2)
			}
			desc.Addresses = append(desc.Addresses, a)
		}
	}

	daemon, err := mdnsd.NewDaemon(mdnsd.Config{
		Interface:      *iface,
		PollInterval:   announcePoll,
		ProbeConflicts: *probe,
		Logger:         logger,
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to create daemon", "err", err)
		os.Exit(1)
	}
	defer daemon.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchCtx, stopWatch := context.WithTimeout(ctx, announceTimeout)
	announced := watchAnnouncement(watchCtx, daemon, desc.ServiceType, desc.Identity(), logger)

	pub := discovery.NewPublishSession(daemon, discovery.WithLogger(logger))
	identity, err := pub.Register(ctx, desc)
	if err != nil {
		stopWatch()
		level.Error(logger).Log("msg", "failed to register service", "code", discovery.ErrorCode(err), "err", err)
		daemon.Close()
		os.Exit(1)
	}
	fmt.Printf("Registered service %s\n", identity)

	if ev, ok := <-announced; ok {
		fmt.Printf("Daemon event: %s\n", describeEvent(ev))
	} else {
		level.Warn(logger).Log("msg", "no daemon event for registered service", "identity", identity, "timeout", announceTimeout)
	}
	stopWatch()

	if *unregister {
		fmt.Printf("Sleeping %s before unregister\n", *wait)
		err = pub.UnregisterAfter(ctx, *wait)
	} else {
		<-ctx.Done()
		// the signal context is done; give the goodbye its own deadline
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = pub.UnregisterNow(unregCtx)
		cancel()
	}

	if err != nil {
		fmt.Printf("unregister result: %v\n", err)
		daemon.Close()
		os.Exit(1)
	}
	fmt.Println("unregister result: ok")
}
