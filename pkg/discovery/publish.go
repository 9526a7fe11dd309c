// ABOUTME: One-shot announce flow: register, then optionally unregister after a delay
// ABOUTME: Owned by a single caller; every unregister yields one terminal outcome
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// PublishState is the lifecycle state of a PublishSession.
type PublishState int

const (
	PublishIdle PublishState = iota
	PublishRegistered
	PublishUnregistering
	PublishUnregistered
)

func (s PublishState) String() string {
	switch s {
	case PublishIdle:
		return "idle"
	case PublishRegistered:
		return "registered"
	case PublishUnregistering:
		return "unregistering"
	case PublishUnregistered:
		return "unregistered"
	default:
		return fmt.Sprintf("PublishState(%d)", int(s))
	}
}

// PublishSession announces one service. It is not safe for concurrent use.
type PublishSession struct {
	id       string
	daemon   Daemon
	logger   log.Logger
	observer Observer

	state    PublishState
	desc     Descriptor
	identity string
}

// NewPublishSession creates an idle publish session bound to d.
func NewPublishSession(d Daemon, opts ...Option) *PublishSession {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.NewString()
	return &PublishSession{
		id:       id,
		daemon:   d,
		logger:   log.With(o.logger, "publish_session", id),
		observer: o.observer,
	}
}

func (p *PublishSession) ID() string          { return p.id }
func (p *PublishSession) State() PublishState { return p.state }

// Identity returns the registered identity, or "" before registration.
func (p *PublishSession) Identity() string { return p.identity }

// Register validates desc and announces it. A failed attempt leaves the
// session Idle so the caller may retry.
func (p *PublishSession) Register(ctx context.Context, desc Descriptor) (string, error) {
	if p.state != PublishIdle {
		return "", fmt.Errorf("register while %s: %w", p.state, ErrSessionState)
	}

	if err := desc.Validate(); err != nil {
		p.observer.RegistrationResult(ErrorCode(err))
		level.Warn(p.logger).Log("msg", "invalid descriptor", "err", err)
		return "", err
	}

	identity, err := p.daemon.Register(ctx, desc)
	if err != nil {
		if ErrorCode(err) == "" {
			err = RegistrationFailed(fmt.Sprintf("register %s", desc.Identity()), err)
		}
		p.observer.RegistrationResult(ErrorCode(err))
		level.Error(p.logger).Log("msg", "registration failed", "identity", desc.Identity(), "err", err)
		return "", err
	}

	p.desc = desc
	p.identity = identity
	p.state = PublishRegistered
	p.observer.RegistrationResult("")
	level.Info(p.logger).Log("msg", "registered service", "identity", identity, "port", desc.Port)
	return identity, nil
}

// UnregisterAfter waits for delay and then unregisters. If ctx ends first the
// session stays Registered and ctx.Err() is returned.
func (p *PublishSession) UnregisterAfter(ctx context.Context, delay time.Duration) error {
	if p.state != PublishRegistered {
		return fmt.Errorf("unregister while %s: %w", p.state, ErrSessionState)
	}

	level.Info(p.logger).Log("msg", "scheduled unregister", "identity", p.identity, "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.UnregisterNow(ctx)
}

// UnregisterNow withdraws the service and waits for the daemon's single
// outcome. The session is Unregistered afterwards whether or not the daemon
// reported success; failures are not retried.
func (p *PublishSession) UnregisterNow(ctx context.Context) error {
	if p.state != PublishRegistered {
		return fmt.Errorf("unregister while %s: %w", p.state, ErrSessionState)
	}
	p.state = PublishUnregistering

	var outcome error
	select {
	case err, ok := <-p.daemon.Unregister(ctx, p.identity):
		if !ok {
			outcome = UnregistrationFailed(fmt.Sprintf("unregister %s", p.identity), ErrEventStreamClosed)
		} else if err != nil {
			outcome = err
			if ErrorCode(outcome) == "" {
				outcome = UnregistrationFailed(fmt.Sprintf("unregister %s", p.identity), err)
			}
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	p.state = PublishUnregistered
	if outcome != nil {
		level.Error(p.logger).Log("msg", "unregister result", "identity", p.identity, "err", outcome)
		return outcome
	}
	level.Info(p.logger).Log("msg", "unregister result", "identity", p.identity, "result", "ok")
	return nil
}
