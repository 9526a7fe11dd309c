// ABOUTME: Poll-based browsing that turns mdns query rounds into discovery events
// ABOUTME: New or changed entries resolve; entries missing for N rounds are removed
package mdnsd

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/mdns"
)

// Browse starts a browse loop for serviceType. ctx only bounds opening the
// stream; the loop runs until the stream or the daemon is closed.
func (d *Daemon) Browse(ctx context.Context, serviceType string) (discovery.EventStream, error) {
	st, err := discovery.ParseServiceType(serviceType)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, discovery.DaemonUnavailable("daemon closed", nil)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopOnClose := context.AfterFunc(d.ctx, cancel)

	s := &stream{
		events: make(chan discovery.Event, 16),
		done:   make(chan struct{}),
		cancel: func() {
			stopOnClose()
			cancel()
		},
	}
	go d.browseLoop(loopCtx, st, s)
	return s, nil
}

// browseLoop continuously queries for st until ctx ends
func (d *Daemon) browseLoop(ctx context.Context, st discovery.ServiceType, s *stream) {
	logger := level.Debug(d.logger)
	tracker := newPresence(st.String(), d.config.MissedPolls)
	failures := 0

	defer func() {
		s.trySend(discovery.Other("search stopped: " + st.String()))
		s.finish()
	}()

	if !s.send(ctx, discovery.Other("search started: "+st.String())) {
		return
	}

	for {
		entries, err := d.queryOnce(ctx, st)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			level.Warn(d.logger).Log("msg", "mdns query failed", "service_type", st, "failures", failures, "err", err)
			if failures >= maxQueryFailures {
				s.fail(discovery.DaemonUnavailable("mdns query failed repeatedly", err))
				return
			}
		} else {
			failures = 0
			records := d.toRecords(st, entries)
			logger.Log("msg", "query round complete", "service_type", st, "entries", len(entries), "records", len(records))
			for _, ev := range tracker.observe(records) {
				if !s.send(ctx, ev) {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.config.PollInterval):
		}
	}
}

// queryOnce runs one query round and collects every answer.
func (d *Daemon) queryOnce(ctx context.Context, st discovery.ServiceType) ([]*mdns.ServiceEntry, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []*mdns.ServiceEntry
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for entry := range entries {
			found = append(found, entry)
		}
	}()

	params := &mdns.QueryParam{
		Service:     st.Service(),
		Domain:      st.Domain,
		Timeout:     d.config.QueryTimeout,
		Interface:   d.iface,
		Entries:     entries,
		DisableIPv6: d.config.DisableIPv6,
	}

	err := d.query(ctx, params)
	close(entries)
	<-collected
	return found, err
}

func (d *Daemon) toRecords(st discovery.ServiceType, entries []*mdns.ServiceEntry) []discovery.ServiceRecord {
	suffix := "." + strings.ToLower(st.String())
	records := make([]discovery.ServiceRecord, 0, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(strings.ToLower(e.Name), suffix) {
			continue
		}
		rec, err := entryToRecord(e)
		if err != nil {
			level.Warn(d.logger).Log("msg", "dropping unusable entry", "name", e.Name, "err", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// entryToRecord converts an answer; IPv4 precedes IPv6 in the address list.
func entryToRecord(e *mdns.ServiceEntry) (discovery.ServiceRecord, error) {
	var addrs []netip.Addr
	if v4 := e.AddrV4.To4(); v4 != nil {
		if a, ok := netip.AddrFromSlice(v4); ok {
			addrs = append(addrs, a)
		}
	}
	if len(e.AddrV6) == 16 {
		if a, ok := netip.AddrFromSlice(e.AddrV6); ok {
			addrs = append(addrs, a)
		}
	}
	return discovery.NewServiceRecord(e.Name, e.Host, addrs, uint16(e.Port), discovery.ParseTXT(e.InfoFields))
}

// presence remembers which instances answered recent query rounds.
type presence struct {
	serviceType string
	missedLimit int
	round       int
	known       map[string]sighting
}

type sighting struct {
	record   discovery.ServiceRecord
	lastSeen int
}

func newPresence(serviceType string, missedLimit int) *presence {
	if missedLimit < 1 {
		missedLimit = 1
	}
	return &presence{
		serviceType: serviceType,
		missedLimit: missedLimit,
		known:       make(map[string]sighting),
	}
}

// observe folds one round of answers and returns the resulting events:
// Resolved for new or changed instances, Removed for instances that have
// been absent for missedLimit rounds. Removals are sorted by identity.
func (p *presence) observe(records []discovery.ServiceRecord) []discovery.Event {
	p.round++
	var events []discovery.Event

	for _, rec := range records {
		prev, ok := p.known[rec.Identity()]
		if !ok || !prev.record.Equal(rec) {
			events = append(events, discovery.Resolved(rec))
		}
		p.known[rec.Identity()] = sighting{record: rec, lastSeen: p.round}
	}

	var gone []string
	for id, s := range p.known {
		if p.round-s.lastSeen >= p.missedLimit {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		delete(p.known, id)
		events = append(events, discovery.Removed(p.serviceType, id))
	}
	return events
}

// stream is the EventStream handed out by Browse.
type stream struct {
	events chan discovery.Event
	done   chan struct{}
	cancel func()

	mu  sync.Mutex
	err error
}

func (s *stream) Events() <-chan discovery.Event { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the browse loop and waits for it to exit.
func (s *stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *stream) send(ctx context.Context, ev discovery.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) trySend(ev discovery.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stream) finish() {
	close(s.events)
	close(s.done)
}
