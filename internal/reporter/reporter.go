// ABOUTME: Background consumer that waits for registry snapshots and reports them
// ABOUTME: Optionally throttled; every delivered snapshot fans out to all sinks
package reporter

import (
	"context"
	"errors"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/internal/metrics"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

// Source hands out snapshots one at a time. *discovery.SnapshotPublisher satisfies it.
type Source interface {
	AwaitNext(ctx context.Context) (discovery.Snapshot, error)
}

// Sink receives every snapshot the reporter picks up.
type Sink interface {
	Name() string
	Report(ctx context.Context, snap discovery.Snapshot) error
}

// Reporter drains a Source into its sinks.
type Reporter struct {
	source  Source
	sinks   []Sink
	limiter *rate.Limiter
	logger  log.Logger
	metrics *metrics.Metrics
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the go-kit logger.
func WithLogger(logger log.Logger) Option {
	return func(r *Reporter) { r.logger = logger }
}

// WithMetrics records deliveries and sink failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

// WithMinInterval reports at most once per interval. Snapshots published in
// between are coalesced by the source, so the next report is always the newest.
func WithMinInterval(interval time.Duration) Option {
	return func(r *Reporter) {
		if interval > 0 {
			r.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// New creates a reporter over source.
func New(source Source, sinks []Sink, opts ...Option) *Reporter {
	r := &Reporter{
		source: source,
		sinks:  sinks,
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reports snapshots until the source is closed (returns nil) or ctx ends
// (returns ctx.Err()). A failing sink is logged and does not stop the loop.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}

		snap, err := r.source.AwaitNext(ctx)
		if errors.Is(err, discovery.ErrPublisherClosed) {
			level.Debug(r.logger).Log("msg", "snapshot source closed")
			return nil
		}
		if err != nil {
			return err
		}

		r.metrics.IncSnapshotsDelivered()
		level.Debug(r.logger).Log("msg", "snapshot delivered", "seq", snap.Seq, "instances", snap.Len())
		r.report(ctx, snap)
	}
}

func (r *Reporter) report(ctx context.Context, snap discovery.Snapshot) {
	for _, sink := range r.sinks {
		if err := sink.Report(ctx, snap); err != nil {
			r.metrics.IncSinkFailures(sink.Name())
			level.Warn(r.logger).Log("msg", "sink failed", "sink", sink.Name(), "seq", snap.Seq, "err", err)
		}
	}
}
