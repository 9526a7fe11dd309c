// ABOUTME: Tests for the announce flow
// ABOUTME: Register validation, duplicate names, delayed and immediate unregister
package discovery_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery/discoverytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor() discovery.Descriptor {
	return discovery.Descriptor{
		ServiceType: testType,
		Instance:    "inst1",
		Host:        "mdns-example.local.",
		Port:        5001,
		Attributes: []discovery.Attribute{
			{Key: "PATH", Value: "one"},
			{Key: "Path", Value: "two"},
			{Key: "PaTh", Value: "three"},
		},
	}
}

func TestPublishRoundTrip(t *testing.T) {
	d := discoverytest.NewDaemon()
	obs := newCountingObserver()
	pub := discovery.NewPublishSession(d, discovery.WithObserver(obs))
	ctx := context.Background()

	assert.Equal(t, discovery.PublishIdle, pub.State())

	id, err := pub.Register(ctx, testDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "inst1._test._udp.local.", id)
	assert.True(t, strings.HasSuffix(id, "inst1._test._udp.local."))
	assert.Equal(t, id, pub.Identity())
	assert.Equal(t, discovery.PublishRegistered, pub.State())
	assert.Equal(t, []string{id}, d.Registered())

	require.NoError(t, pub.UnregisterNow(ctx))
	assert.Equal(t, discovery.PublishUnregistered, pub.State())
	assert.Empty(t, d.Registered())

	err = pub.UnregisterNow(ctx)
	assert.True(t, errors.Is(err, discovery.ErrSessionState))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{""}, obs.registrations)
}

func TestPublishInvalidDescriptor(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*discovery.Descriptor)
	}{
		{"missing type", func(d *discovery.Descriptor) { d.ServiceType = "" }},
		{"unqualified type", func(d *discovery.Descriptor) { d.ServiceType = "_test._udp" }},
		{"bad protocol", func(d *discovery.Descriptor) { d.ServiceType = "_test._sctp.local." }},
		{"missing instance", func(d *discovery.Descriptor) { d.Instance = "  " }},
		{"missing port", func(d *discovery.Descriptor) { d.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := discoverytest.NewDaemon()
			pub := discovery.NewPublishSession(d)
			desc := testDescriptor()
			tt.modify(&desc)

			_, err := pub.Register(context.Background(), desc)
			require.Error(t, err)
			assert.True(t, discovery.IsInvalidDescriptor(err), "got %v", err)
			assert.Equal(t, discovery.PublishIdle, pub.State())
			assert.Empty(t, d.Registered())
		})
	}
}

func TestPublishNameAlreadyClaimed(t *testing.T) {
	d := discoverytest.NewDaemon()
	ctx := context.Background()

	first := discovery.NewPublishSession(d)
	_, err := first.Register(ctx, testDescriptor())
	require.NoError(t, err)

	obs := newCountingObserver()
	second := discovery.NewPublishSession(d, discovery.WithObserver(obs))
	_, err = second.Register(ctx, testDescriptor())
	require.Error(t, err)
	assert.True(t, discovery.IsRegistrationFailed(err))
	assert.Equal(t, discovery.PublishIdle, second.State())
	assert.Equal(t, []string{discovery.CodeRegistrationFailed}, obs.registrations)
}

func TestPublishWrapsUncodedDaemonErrors(t *testing.T) {
	d := discoverytest.NewDaemon()
	d.RegisterErr = errors.New("responder refused")

	pub := discovery.NewPublishSession(d)
	_, err := pub.Register(context.Background(), testDescriptor())
	assert.True(t, discovery.IsRegistrationFailed(err))
	assert.ErrorContains(t, err, "responder refused")
}

func TestPublishRegisterTwice(t *testing.T) {
	pub := discovery.NewPublishSession(discoverytest.NewDaemon())
	_, err := pub.Register(context.Background(), testDescriptor())
	require.NoError(t, err)

	_, err = pub.Register(context.Background(), testDescriptor())
	assert.True(t, errors.Is(err, discovery.ErrSessionState))
}

func TestUnregisterAfterDelay(t *testing.T) {
	d := discoverytest.NewDaemon()
	pub := discovery.NewPublishSession(d)
	ctx := context.Background()

	_, err := pub.Register(ctx, testDescriptor())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, pub.UnregisterAfter(ctx, 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, discovery.PublishUnregistered, pub.State())
	assert.Empty(t, d.Registered())
}

func TestUnregisterAfterCancelled(t *testing.T) {
	d := discoverytest.NewDaemon()
	pub := discovery.NewPublishSession(d)

	_, err := pub.Register(context.Background(), testDescriptor())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pub.UnregisterAfter(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, discovery.PublishRegistered, pub.State())
	assert.Len(t, d.Registered(), 1)
}

func TestUnregisterFailureIsTerminal(t *testing.T) {
	d := discoverytest.NewDaemon()
	pub := discovery.NewPublishSession(d)
	ctx := context.Background()

	_, err := pub.Register(ctx, testDescriptor())
	require.NoError(t, err)

	d.UnregisterErr = errors.New("goodbye packet not sent")
	err = pub.UnregisterNow(ctx)
	require.Error(t, err)
	assert.True(t, discovery.IsUnregistrationFailed(err))
	assert.Equal(t, discovery.PublishUnregistered, pub.State())
}

func TestUnregisterBeforeRegister(t *testing.T) {
	pub := discovery.NewPublishSession(discoverytest.NewDaemon())
	err := pub.UnregisterAfter(context.Background(), time.Millisecond)
	assert.True(t, errors.Is(err, discovery.ErrSessionState))
}
