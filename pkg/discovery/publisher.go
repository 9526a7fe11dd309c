// ABOUTME: Latest-wins snapshot handoff between the browse loop and one consumer
// ABOUTME: Publish never blocks; AwaitNext parks until something newer exists
package discovery

import (
	"context"
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time view of a Registry.
// Seq increases by one for every Publish on the same publisher.
type Snapshot struct {
	Registry
	Seq   uint64
	Taken time.Time
}

// SnapshotPublisher hands registry snapshots from a single producer to a
// single consumer. Snapshots superseded before the consumer looks are skipped;
// the consumer never receives one older than the last it received.
type SnapshotPublisher struct {
	mu        sync.Mutex
	latest    Snapshot
	seq       uint64
	delivered uint64

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// NewSnapshotPublisher creates an open publisher.
func NewSnapshotPublisher() *SnapshotPublisher {
	return &SnapshotPublisher{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Publish stores reg as the newest snapshot and wakes the consumer.
func (p *SnapshotPublisher) Publish(reg Registry) Snapshot {
	p.mu.Lock()
	p.seq++
	snap := Snapshot{Registry: reg, Seq: p.seq, Taken: p.now()}
	p.latest = snap
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
		// a wakeup is already pending
	}
	return snap
}

// AwaitNext blocks until a snapshot newer than the last delivered one exists
// and returns the newest. After Close, a pending snapshot is still delivered
// before ErrPublisherClosed is returned.
func (p *SnapshotPublisher) AwaitNext(ctx context.Context) (Snapshot, error) {
	for {
		if snap, ok := p.takePending(); ok {
			return snap, nil
		}

		select {
		case <-p.notify:
		case <-p.done:
			if snap, ok := p.takePending(); ok {
				return snap, nil
			}
			return Snapshot{}, ErrPublisherClosed
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

func (p *SnapshotPublisher) takePending() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seq <= p.delivered {
		return Snapshot{}, false
	}
	p.delivered = p.seq
	return p.latest, true
}

// Latest returns the newest snapshot without consuming it.
func (p *SnapshotPublisher) Latest() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.seq > 0
}

// Published returns how many snapshots have been published.
func (p *SnapshotPublisher) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Close releases any parked consumer. It is safe to call more than once.
func (p *SnapshotPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Done is closed once the publisher is closed.
func (p *SnapshotPublisher) Done() <-chan struct{} {
	return p.done
}
