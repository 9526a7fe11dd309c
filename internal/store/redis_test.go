// ABOUTME: Tests for the Redis registry mirror
// ABOUTME: Runs against in-process miniredis, or a real server when REDIS_ADDR is set
package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery/discoverytest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testType = "_test._udp.local."

// setupTestRedis connects to REDIS_ADDR when set, otherwise to a fresh miniredis.
// The miniredis handle is nil for a real server.
func setupTestRedis(t *testing.T) (*redis.Client, string, *miniredis.Miniredis) {
	t.Helper()
	var mr *miniredis.Miniredis
	url := os.Getenv("REDIS_ADDR")
	if url == "" {
		mr = miniredis.RunT(t)
		url = "redis://" + mr.Addr() + "/0"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Open(ctx, url)
	require.NoError(t, err)

	prefix := "mdns-watch-test-" + t.Name()
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		client.Close()
	})
	return client, prefix, mr
}

func TestKeys(t *testing.T) {
	m := NewMirror(nil, MirrorConfig{Prefix: "mw", ServiceType: testType})
	assert.Equal(t, "mw:_test._udp.local.:instances", m.InstancesKey())
	assert.Equal(t, "mw:_test._udp.local.:seq", m.SeqKey())
	assert.Equal(t, "mw:events", m.EventsChannel())
	assert.Equal(t, "redis", m.Name())
}

func TestOpenBadURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-url")
	assert.ErrorContains(t, err, "parse redis URL")
}

func TestMirrorReplacesRegistry(t *testing.T) {
	client, prefix, _ := setupTestRedis(t)
	ctx := context.Background()
	m := NewMirror(client, MirrorConfig{Prefix: prefix, ServiceType: testType})

	sub := client.Subscribe(ctx, m.EventsChannel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := discovery.NewSnapshotPublisher()
	recA := discoverytest.Record("A._test._udp.local.", "10.0.0.1:5001", discovery.Attribute{Key: "path", Value: "one"})
	recB := discoverytest.Record("B._test._udp.local.", "10.0.0.2:5001")

	require.NoError(t, m.Report(ctx, pub.Publish(discovery.NewRegistry(recA, recB))))
	require.NoError(t, m.Report(ctx, pub.Publish(discovery.NewRegistry(recB))))

	seq, instances, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.2:5001", instances["B._test._udp.local."].Endpoint)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var change Change
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &change))
	assert.Equal(t, uint64(1), change.Seq)
	assert.Equal(t, 2, change.Instances)

	require.NoError(t, m.Report(ctx, pub.Publish(discovery.NewRegistry())))
	seq, instances, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Empty(t, instances)
}

func TestLoadEmpty(t *testing.T) {
	client, prefix, _ := setupTestRedis(t)
	m := NewMirror(client, MirrorConfig{Prefix: prefix, ServiceType: testType})

	seq, instances, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Empty(t, instances)
}

func TestMirrorTTL(t *testing.T) {
	client, prefix, mr := setupTestRedis(t)
	if mr == nil {
		t.Skip("TTL fast-forward needs miniredis")
	}
	ctx := context.Background()
	m := NewMirror(client, MirrorConfig{Prefix: prefix, ServiceType: testType, TTL: time.Minute})

	pub := discovery.NewSnapshotPublisher()
	rec := discoverytest.Record("A._test._udp.local.", "10.0.0.1:5001")
	require.NoError(t, m.Report(ctx, pub.Publish(discovery.NewRegistry(rec))))

	assert.Equal(t, time.Minute, mr.TTL(m.InstancesKey()))
	assert.Equal(t, time.Minute, mr.TTL(m.SeqKey()))

	mr.FastForward(2 * time.Minute)

	seq, instances, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Empty(t, instances)
}

func TestMirrorReportFailsWhenServerGone(t *testing.T) {
	client, prefix, mr := setupTestRedis(t)
	if mr == nil {
		t.Skip("needs miniredis to stop the server")
	}
	m := NewMirror(client, MirrorConfig{Prefix: prefix, ServiceType: testType})

	mr.Close()

	err := m.Report(context.Background(), discovery.Snapshot{Seq: 4})
	assert.ErrorContains(t, err, "redis write snapshot 4")
}
