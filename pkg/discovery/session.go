// ABOUTME: Browse session: consumes daemon events and publishes registry snapshots
// ABOUTME: State machine Idle -> Browsing -> Closed with prompt cancellation
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a browse Session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionBrowsing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionBrowsing:
		return "browsing"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Session turns a daemon event stream into a sequence of registry snapshots.
// Run is the only goroutine that touches the registry.
type Session struct {
	id        string
	daemon    Daemon
	publisher *SnapshotPublisher
	logger    log.Logger
	observer  Observer
	now       func() time.Time

	mu          sync.Mutex
	state       SessionState
	running     bool
	stream      EventStream
	serviceType string
	started     time.Time

	stop     chan struct{}
	stopOnce sync.Once

	registry Registry
}

// NewSession creates an idle session bound to d.
func NewSession(d Daemon, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	publisher := o.publisher
	if publisher == nil {
		publisher = NewSnapshotPublisher()
	}

	id := uuid.NewString()
	return &Session{
		id:        id,
		daemon:    d,
		publisher: publisher,
		logger:    log.With(o.logger, "session", id),
		observer:  o.observer,
		now:       o.now,
		stop:      make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Publisher returns the snapshot publisher the consumer should read from.
func (s *Session) Publisher() *SnapshotPublisher { return s.publisher }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens a browse stream for serviceType and moves the session to Browsing.
func (s *Session) Start(ctx context.Context, serviceType string) error {
	if _, err := ParseServiceType(serviceType); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionIdle {
		return fmt.Errorf("start while %s: %w", s.state, ErrSessionState)
	}

	stream, err := s.daemon.Browse(ctx, serviceType)
	if err != nil {
		return fmt.Errorf("browse %s: %w", serviceType, err)
	}

	s.stream = stream
	s.serviceType = serviceType
	s.started = s.now()
	s.registry = Registry{}
	s.state = SessionBrowsing

	level.Info(s.logger).Log("msg", "browsing started", "service_type", serviceType)
	return nil
}

// Run processes events until the stream ends, Stop is called or ctx is done.
// A normal end of stream and Stop both return nil. On return the session is
// Closed and the publisher is closed, releasing any waiting consumer.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionBrowsing || s.running {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("run while %s: %w", state, ErrSessionState)
	}
	s.running = true
	stream := s.stream
	s.mu.Unlock()

	defer s.close()

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			level.Info(s.logger).Log("msg", "browsing cancelled", "err", ctx.Err())
			return ctx.Err()

		case <-s.stop:
			level.Info(s.logger).Log("msg", "browsing stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				err := stream.Err()
				if err != nil && !errors.Is(err, ErrEventStreamClosed) {
					level.Error(s.logger).Log("msg", "event stream failed", "err", err)
					return fmt.Errorf("event stream: %w", err)
				}
				level.Info(s.logger).Log("msg", "event stream ended")
				return nil
			}
			s.handle(ev)
		}
	}
}

// Browse is Start followed by Run.
func (s *Session) Browse(ctx context.Context, serviceType string) error {
	if err := s.Start(ctx, serviceType); err != nil {
		return err
	}
	return s.Run(ctx)
}

// Stop ends browsing. It is safe to call at any time and more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running && s.state != SessionClosed {
		// Run will never execute its deferred close.
		s.closeLocked()
	}
}

func (s *Session) handle(ev Event) {
	s.observer.EventReceived(ev.Kind)
	elapsed := s.now().Sub(s.started)

	switch ev.Kind {
	case EventResolved:
		rec := ev.Record
		level.Info(s.logger).Log(
			"msg", "resolved service",
			"elapsed", elapsed,
			"identity", rec.Identity(),
			"host", rec.Host(),
			"port", rec.Port(),
			"addresses", joinAddrs(rec),
			"attributes", strings.Join(rec.Attributes().TXT(), ","),
		)
	case EventRemoved:
		level.Info(s.logger).Log(
			"msg", "removed service",
			"elapsed", elapsed,
			"service_type", ev.ServiceType,
			"identity", ev.Identity,
		)
	default:
		level.Debug(s.logger).Log("msg", "other event", "elapsed", elapsed, "info", ev.Info)
	}

	next, changed := Reduce(s.registry, ev)
	if !changed {
		return
	}
	s.registry = next
	snap := s.publisher.Publish(next)
	s.observer.SnapshotPublished(next.Len())
	level.Debug(s.logger).Log("msg", "snapshot published", "seq", snap.Seq, "instances", next.Len())
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state == SessionClosed {
		return
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			level.Warn(s.logger).Log("msg", "closing event stream", "err", err)
		}
	}
	s.publisher.Close()
	s.state = SessionClosed
}

func joinAddrs(rec ServiceRecord) string {
	addrs := rec.Addresses()
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}
