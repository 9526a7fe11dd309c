// ABOUTME: Tests for the snapshot reporter and the text sink
// ABOUTME: Shutdown paths, sink failures, throttling and output format
package reporter

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/internal/metrics"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery/discoverytest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name string
	err  error

	mu    sync.Mutex
	snaps []discovery.Snapshot
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Report(_ context.Context, snap discovery.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return s.err
}

func (s *recordingSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, snap := range s.snaps {
		out = append(out, snap.Seq)
	}
	return out
}

var (
	recA = discoverytest.Record("A._test._udp.local.", "10.0.0.1:5001")
	recB = discoverytest.Record("B._test._udp.local.", "10.0.0.2:5001")
)

func TestRunReturnsNilWhenSourceCloses(t *testing.T) {
	pub := discovery.NewSnapshotPublisher()
	sink := &recordingSink{name: "rec"}
	m := metrics.New()
	r := New(pub, []Sink{sink}, WithMetrics(m))

	pub.Publish(discovery.NewRegistry(recA))
	pub.Publish(discovery.NewRegistry(recA, recB))
	pub.Close()

	require.NoError(t, r.Run(context.Background()))

	// latest wins: only the newest pending snapshot is delivered
	assert.Equal(t, []uint64{2}, sink.seqs())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsDelivered))
}

func TestRunReturnsOnCancel(t *testing.T) {
	pub := discovery.NewSnapshotPublisher()
	r := New(pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSinkFailureDoesNotStopReporter(t *testing.T) {
	pub := discovery.NewSnapshotPublisher()
	bad := &recordingSink{name: "bad", err: errors.New("connection refused")}
	good := &recordingSink{name: "good"}
	m := metrics.New()
	r := New(pub, []Sink{bad, good}, WithMetrics(m))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	pub.Publish(discovery.NewRegistry(recA))
	require.Eventually(t, func() bool { return len(good.seqs()) == 1 }, time.Second, time.Millisecond)
	pub.Publish(discovery.NewRegistry(recB))
	require.Eventually(t, func() bool { return len(good.seqs()) == 2 }, time.Second, time.Millisecond)
	pub.Close()

	require.NoError(t, <-done)
	assert.Equal(t, []uint64{1, 2}, good.seqs())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SinkFailures.WithLabelValues("bad")))
}

func TestMinIntervalCoalesces(t *testing.T) {
	pub := discovery.NewSnapshotPublisher()
	sink := &recordingSink{name: "rec"}
	r := New(pub, []Sink{sink}, WithMinInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	pub.Publish(discovery.NewRegistry(recA))
	require.Eventually(t, func() bool { return len(sink.seqs()) == 1 }, time.Second, time.Millisecond)

	// published inside the throttle window: only the last one is reported
	pub.Publish(discovery.NewRegistry(recA, recB))
	pub.Publish(discovery.NewRegistry(recB))
	require.Eventually(t, func() bool { return len(sink.seqs()) == 2 }, time.Second, time.Millisecond)

	seqs := sink.seqs()
	assert.Equal(t, uint64(3), seqs[1])
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}

	cancel()
	<-done
}

func TestPrintSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewPrintSink(&buf)
	pub := discovery.NewSnapshotPublisher()
	snap := pub.Publish(discovery.NewRegistry(recB, recA))

	require.NoError(t, sink.Report(context.Background(), snap))
	assert.Equal(t, "Snapshot #1 (2 instances)\n"+
		"Service A._test._udp.local.: 10.0.0.1:5001\n"+
		"Service B._test._udp.local.: 10.0.0.2:5001\n", buf.String())
	assert.Equal(t, "print", sink.Name())
}
