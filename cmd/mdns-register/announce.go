// ABOUTME: Confirms a registration by browsing for the announced instance
// ABOUTME: Yields the first daemon event that resolves the registered identity
package main

import (
	"context"
	"strings"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// watchAnnouncement opens a browse stream for serviceType before the caller
// registers, then delivers the first event resolving identity. The channel is
// closed without a value if the stream ends or ctx is done first.
func watchAnnouncement(ctx context.Context, d discovery.Daemon, serviceType, identity string, logger log.Logger) <-chan discovery.Event {
	out := make(chan discovery.Event, 1)

	stream, err := d.Browse(ctx, serviceType)
	if err != nil {
		level.Warn(logger).Log("msg", "cannot watch for announcement", "service_type", serviceType, "err", err)
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer stream.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream.Events():
				if !ok {
					if err := stream.Err(); err != nil {
						level.Warn(logger).Log("msg", "announcement watch ended", "err", err)
					}
					return
				}
				level.Debug(logger).Log("msg", "daemon event", "kind", ev.Kind, "identity", ev.Identity, "info", ev.Info)
				if ev.Kind == discovery.EventResolved && strings.EqualFold(ev.Identity, identity) {
					out <- ev
					return
				}
			}
		}
	}()
	return out
}

// describeEvent renders ev for the "Daemon event:" line.
func describeEvent(ev discovery.Event) string {
	switch ev.Kind {
	case discovery.EventResolved:
		return "resolved " + ev.Record.String()
	case discovery.EventRemoved:
		return "removed " + ev.Identity
	default:
		return ev.Info
	}
}
