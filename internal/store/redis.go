// ABOUTME: Redis mirror of the live registry
// ABOUTME: Each snapshot replaces a hash of instances and publishes a change notice
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/internal/protocol"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/redis/go-redis/v9"
)

// Open connects to url (redis://host:port/db) and pings the server.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// MirrorConfig configures a Mirror.
type MirrorConfig struct {
	Prefix      string
	ServiceType string
	// TTL expires the mirror if the watcher stops updating it. Zero keeps it forever.
	TTL time.Duration
}

// Mirror is a reporter sink that copies snapshots into Redis.
type Mirror struct {
	client redis.UniversalClient
	config MirrorConfig
}

// Change is published on the events channel after every write.
type Change struct {
	Seq         uint64    `json:"seq"`
	ServiceType string    `json:"service_type"`
	Instances   int       `json:"instances"`
	Taken       time.Time `json:"taken"`
}

// NewMirror creates a mirror writing through client.
func NewMirror(client redis.UniversalClient, config MirrorConfig) *Mirror {
	return &Mirror{client: client, config: config}
}

func (m *Mirror) Name() string { return "redis" }

// InstancesKey holds identity -> instance JSON.
func (m *Mirror) InstancesKey() string {
	return m.config.Prefix + ":" + m.config.ServiceType + ":instances"
}

// SeqKey holds the sequence number of the mirrored snapshot.
func (m *Mirror) SeqKey() string {
	return m.config.Prefix + ":" + m.config.ServiceType + ":seq"
}

// EventsChannel receives a Change after every write.
func (m *Mirror) EventsChannel() string {
	return m.config.Prefix + ":events"
}

// Report atomically replaces the mirrored registry with snap.
func (m *Mirror) Report(ctx context.Context, snap discovery.Snapshot) error {
	fields := make(map[string]interface{}, snap.Len())
	for _, rec := range snap.Records() {
		data, err := json.Marshal(protocol.NewInstance(rec))
		if err != nil {
			return fmt.Errorf("can't marshal instance %s: %w", rec.Identity(), err)
		}
		fields[rec.Identity()] = data
	}

	change, err := json.Marshal(Change{
		Seq:         snap.Seq,
		ServiceType: m.config.ServiceType,
		Instances:   snap.Len(),
		Taken:       snap.Taken,
	})
	if err != nil {
		return fmt.Errorf("can't marshal change: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.InstancesKey())
		if len(fields) > 0 {
			pipe.HSet(ctx, m.InstancesKey(), fields)
		}
		pipe.Set(ctx, m.SeqKey(), snap.Seq, m.config.TTL)
		if m.config.TTL > 0 && len(fields) > 0 {
			pipe.Expire(ctx, m.InstancesKey(), m.config.TTL)
		}
		pipe.Publish(ctx, m.EventsChannel(), change)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write snapshot %d: %w", snap.Seq, err)
	}
	return nil
}

// Load reads the mirrored registry back.
func (m *Mirror) Load(ctx context.Context) (uint64, map[string]protocol.Instance, error) {
	seq, err := m.client.Get(ctx, m.SeqKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, map[string]protocol.Instance{}, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("redis get seq: %w", err)
	}

	raw, err := m.client.HGetAll(ctx, m.InstancesKey()).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("redis get instances: %w", err)
	}

	out := make(map[string]protocol.Instance, len(raw))
	for id, data := range raw {
		var inst protocol.Instance
		if err := json.Unmarshal([]byte(data), &inst); err != nil {
			return 0, nil, fmt.Errorf("can't unmarshal instance %s: %w", id, err)
		}
		out[id] = inst
	}
	return seq, out, nil
}
