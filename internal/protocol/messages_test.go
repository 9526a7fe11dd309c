// ABOUTME: Tests for feed message conversion
// ABOUTME: Snapshot conversion and payload decoding
package protocol

import (
	"encoding/json"
	"testing"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery/discoverytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot(t *testing.T) {
	pub := discovery.NewSnapshotPublisher()
	snap := pub.Publish(discovery.NewRegistry(
		discoverytest.Record("B._test._udp.local.", "10.0.0.2:5001"),
		discoverytest.Record("A._test._udp.local.", "10.0.0.1:5001",
			discovery.Attribute{Key: "PATH", Value: "one"},
			discovery.Attribute{Key: "Path", Value: "two"}),
	))

	out := NewSnapshot("_test._udp.local.", snap)
	assert.Equal(t, uint64(1), out.Seq)
	assert.Equal(t, []string{"A._test._udp.local.", "B._test._udp.local."}, out.Identities())

	a := out.Instances[0]
	assert.Equal(t, "10.0.0.1", a.Address)
	assert.Equal(t, uint16(5001), a.Port)
	assert.Equal(t, "10.0.0.1:5001", a.Endpoint)
	assert.Equal(t, []Attribute{{Key: "PATH", Value: "one"}}, a.Attributes)
}

func TestEmptySnapshotEncodesInstancesArray(t *testing.T) {
	out := NewSnapshot("", discovery.Snapshot{})
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"instances":[]`)
}

func TestDecodePayload(t *testing.T) {
	data, err := json.Marshal(Message{
		Type:    TypeServerHello,
		Payload: ServerHello{ServerID: "s1", Name: "mdns-watch", Version: Version, ServiceType: "_test._udp.local."},
	})
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))

	var hello ServerHello
	require.NoError(t, DecodePayload(msg, &hello))
	assert.Equal(t, "s1", hello.ServerID)
	assert.Equal(t, "_test._udp.local.", hello.ServiceType)

	var wrong []int
	assert.Error(t, DecodePayload(msg, &wrong))
}
