// ABOUTME: Contract with the multicast discovery daemon
// ABOUTME: Daemon, EventStream, Descriptor and service-type helpers
package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// DefaultDomain is appended by QualifyServiceType.
const DefaultDomain = "local"

// Daemon is the discovery collaborator. Implementations own the multicast
// transport; callers hold the handle explicitly and Close it when done.
type Daemon interface {
	// Browse starts streaming events for a protocol-qualified service type.
	// ctx bounds opening the stream only; the stream lives until Close.
	Browse(ctx context.Context, serviceType string) (EventStream, error)

	// Register announces desc and returns its full identity.
	Register(ctx context.Context, desc Descriptor) (string, error)

	// Unregister withdraws identity. The returned channel yields exactly one
	// outcome (nil on success) and is then closed.
	Unregister(ctx context.Context, identity string) <-chan error

	Close() error
}

// EventStream is a live, unbounded sequence of events.
type EventStream interface {
	// Events is closed when the stream ends.
	Events() <-chan Event

	// Err reports why the stream ended; nil for a normal end.
	Err() error

	Close() error
}

// ServiceType is a parsed protocol-qualified type such as "_http._tcp.local.".
type ServiceType struct {
	Name   string // "_http"
	Proto  string // "_tcp" or "_udp"
	Domain string // "local"
}

// Service returns the type without domain, e.g. "_http._tcp".
func (t ServiceType) Service() string {
	return t.Name + "." + t.Proto
}

func (t ServiceType) String() string {
	return t.Name + "." + t.Proto + "." + t.Domain + "."
}

// ParseServiceType parses a fully qualified service type. The trailing dot is required.
func ParseServiceType(s string) (ServiceType, error) {
	if !strings.HasSuffix(s, ".") {
		return ServiceType{}, fmt.Errorf("%w: %q is missing the trailing dot", ErrInvalidServiceType, s)
	}
	parts := strings.SplitN(strings.TrimSuffix(s, "."), ".", 3)
	if len(parts) != 3 {
		return ServiceType{}, fmt.Errorf("%w: %q needs <_name>.<_proto>.<domain>.", ErrInvalidServiceType, s)
	}
	name, proto, domain := parts[0], parts[1], parts[2]
	if len(name) < 2 || name[0] != '_' {
		return ServiceType{}, fmt.Errorf("%w: %q name must start with '_'", ErrInvalidServiceType, s)
	}
	if proto != "_tcp" && proto != "_udp" {
		return ServiceType{}, fmt.Errorf("%w: %q protocol must be _tcp or _udp", ErrInvalidServiceType, s)
	}
	if domain == "" || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return ServiceType{}, fmt.Errorf("%w: %q has an empty domain label", ErrInvalidServiceType, s)
	}
	return ServiceType{Name: name, Proto: proto, Domain: domain}, nil
}

// QualifyServiceType appends ".local." to a bare "_name._proto" type.
// Already qualified types are returned unchanged.
func QualifyServiceType(s string) string {
	if strings.HasSuffix(s, ".") {
		return s
	}
	if strings.Count(s, ".") >= 2 {
		return s + "."
	}
	return s + "." + DefaultDomain + "."
}

// Descriptor describes a service to announce.
type Descriptor struct {
	ServiceType string
	Instance    string
	Host        string
	Port        uint16

	// Addresses left empty means the daemon picks local addresses.
	Addresses  []netip.Addr
	Attributes []Attribute
}

// Identity returns the full instance name, e.g. "inst1._test._udp.local.".
func (d Descriptor) Identity() string {
	return d.Instance + "." + d.ServiceType
}

// Validate checks the fields every daemon requires.
func (d Descriptor) Validate() error {
	if d.ServiceType == "" {
		return InvalidDescriptor("service type is required", nil)
	}
	if _, err := ParseServiceType(d.ServiceType); err != nil {
		return InvalidDescriptor("malformed service type", err)
	}
	if strings.TrimSpace(d.Instance) == "" {
		return InvalidDescriptor("instance name is required", nil)
	}
	if strings.HasSuffix(d.Instance, ".") {
		return InvalidDescriptor(fmt.Sprintf("instance name %q must not end with a dot", d.Instance), nil)
	}
	if d.Port == 0 {
		return InvalidDescriptor("port is required", nil)
	}
	for _, a := range d.Addresses {
		if !a.IsValid() {
			return InvalidDescriptor("address list contains an invalid address", nil)
		}
	}
	return nil
}

// EffectiveAttributes applies first-occurrence-wins collapsing to the descriptor's attributes.
func (d Descriptor) EffectiveAttributes() Attributes {
	return NewAttributes(d.Attributes)
}
