// ABOUTME: Functional options shared by browse and publish sessions
// ABOUTME: Logger, observer hooks, clock and publisher injection
package discovery

import (
	"time"

	"github.com/go-kit/log"
)

// Observer receives lifecycle counters. Implementations must be safe for
// concurrent use; the browse loop and publish sessions may run in parallel.
type Observer interface {
	EventReceived(kind EventKind)
	SnapshotPublished(size int)
	// RegistrationResult is called with "" on success or the error code on failure.
	RegistrationResult(code string)
}

type nopObserver struct{}

func (nopObserver) EventReceived(EventKind)   {}
func (nopObserver) SnapshotPublished(int)     {}
func (nopObserver) RegistrationResult(string) {}

type options struct {
	logger    log.Logger
	observer  Observer
	now       func() time.Time
	publisher *SnapshotPublisher
}

func defaultOptions() options {
	return options{
		logger:   log.NewNopLogger(),
		observer: nopObserver{},
		now:      time.Now,
	}
}

// Option configures a Session or PublishSession.
type Option func(*options)

// WithLogger sets the go-kit logger. The default discards everything.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver installs metrics hooks.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithClock overrides time.Now, used for elapsed-time reporting.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPublisher makes a Session publish into an existing publisher.
func WithPublisher(p *SnapshotPublisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}
