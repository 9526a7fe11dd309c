// ABOUTME: In-memory discovery daemon for tests
// ABOUTME: Scripted event streams plus loopback register/unregister
package discoverytest

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
)

// Daemon is an in-memory discovery.Daemon. Registered services are echoed to
// open browse streams of the same type as Resolved/Removed events.
type Daemon struct {
	// BrowseErr, RegisterErr and UnregisterErr inject failures when set.
	BrowseErr     error
	RegisterErr   error
	UnregisterErr error

	mu         sync.Mutex
	streams    map[string][]*Stream
	registered map[string]discovery.Descriptor
	closed     bool
}

var _ discovery.Daemon = (*Daemon)(nil)

// NewDaemon creates an empty daemon.
func NewDaemon() *Daemon {
	return &Daemon{
		streams:    make(map[string][]*Stream),
		registered: make(map[string]discovery.Descriptor),
	}
}

func (d *Daemon) Browse(ctx context.Context, serviceType string) (discovery.EventStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, discovery.DaemonUnavailable("daemon closed", nil)
	}
	if d.BrowseErr != nil {
		return nil, d.BrowseErr
	}

	s := newStream()
	d.streams[serviceType] = append(d.streams[serviceType], s)
	return s, nil
}

func (d *Daemon) Register(ctx context.Context, desc discovery.Descriptor) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", err
	}

	identity := desc.Identity()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", discovery.DaemonUnavailable("daemon closed", nil)
	}
	if d.RegisterErr != nil {
		err := d.RegisterErr
		d.mu.Unlock()
		return "", err
	}
	if _, taken := d.registered[identity]; taken {
		d.mu.Unlock()
		return "", discovery.RegistrationFailed(fmt.Sprintf("name %s already claimed", identity), nil)
	}
	d.registered[identity] = desc
	d.mu.Unlock()

	rec, err := recordFor(desc)
	if err != nil {
		return "", err
	}
	d.Emit(desc.ServiceType, discovery.Resolved(rec))
	return identity, nil
}

func (d *Daemon) Unregister(ctx context.Context, identity string) <-chan error {
	out := make(chan error, 1)
	defer close(out)

	d.mu.Lock()
	desc, ok := d.registered[identity]
	injected := d.UnregisterErr
	if ok {
		delete(d.registered, identity)
	}
	d.mu.Unlock()

	switch {
	case !ok:
		out <- discovery.UnregistrationFailed(fmt.Sprintf("%s is not registered", identity), nil)
	case injected != nil:
		out <- injected
	default:
		d.Emit(desc.ServiceType, discovery.Removed(desc.ServiceType, identity))
		out <- nil
	}
	return out
}

// Close ends every open stream normally.
func (d *Daemon) Close() error {
	d.mu.Lock()
	d.closed = true
	var all []*Stream
	for _, ss := range d.streams {
		all = append(all, ss...)
	}
	d.streams = make(map[string][]*Stream)
	d.mu.Unlock()

	for _, s := range all {
		s.end(nil)
	}
	return nil
}

// Emit delivers ev to every open stream browsing serviceType. It blocks until
// each stream has received the event or been closed.
func (d *Daemon) Emit(serviceType string, ev discovery.Event) {
	for _, s := range d.open(serviceType) {
		s.send(ev)
	}
}

// Fail ends every stream browsing serviceType with err.
func (d *Daemon) Fail(serviceType string, err error) {
	for _, s := range d.open(serviceType) {
		s.end(err)
	}
}

// Browsers returns how many open streams browse serviceType.
func (d *Daemon) Browsers(serviceType string) int {
	return len(d.open(serviceType))
}

// Registered returns the registered identities in sorted order.
func (d *Daemon) Registered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.registered))
	for id := range d.registered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Daemon) open(serviceType string) []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	var live []*Stream
	for _, s := range d.streams[serviceType] {
		if !s.isEnded() {
			live = append(live, s)
		}
	}
	d.streams[serviceType] = live
	out := make([]*Stream, len(live))
	copy(out, live)
	return out
}

func recordFor(desc discovery.Descriptor) (discovery.ServiceRecord, error) {
	addrs := desc.Addresses
	if len(addrs) == 0 {
		addrs = []netip.Addr{netip.MustParseAddr("127.0.0.1")}
	}
	return discovery.NewServiceRecord(desc.Identity(), desc.Host, addrs, desc.Port, desc.EffectiveAttributes())
}

// Record builds a record for tests and panics on invalid input.
func Record(identity, addrPort string, attrs ...discovery.Attribute) discovery.ServiceRecord {
	ap := netip.MustParseAddrPort(addrPort)
	rec, err := discovery.NewServiceRecord(identity, "", []netip.Addr{ap.Addr()}, ap.Port(), discovery.NewAttributes(attrs))
	if err != nil {
		panic(err)
	}
	return rec
}

// Stream is an in-memory discovery.EventStream with unbuffered delivery.
type Stream struct {
	events chan discovery.Event
	done   chan struct{}

	doneOnce sync.Once
	sendMu   sync.Mutex
	mu       sync.Mutex
	ended    bool
	err      error
}

func newStream() *Stream {
	return &Stream{
		events: make(chan discovery.Event),
		done:   make(chan struct{}),
	}
}

func (s *Stream) Events() <-chan discovery.Event { return s.events }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.end(nil)
	return nil
}

func (s *Stream) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Stream) send(ev discovery.Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.isEnded() {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Stream) end(err error) {
	s.doneOnce.Do(func() { close(s.done) })

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
}
