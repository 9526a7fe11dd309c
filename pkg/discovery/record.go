// ABOUTME: ServiceRecord and case-insensitive attribute set
// ABOUTME: Immutable description of one discovered service instance
package discovery

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Attribute is a single key/value pair as announced in TXT data.
type Attribute struct {
	Key   string
	Value string
}

// Attributes is an immutable, case-insensitive attribute set.
// The first occurrence of a key wins; later keys differing only in case are ignored.
type Attributes struct {
	order  []Attribute
	byFold map[string]int
}

// NewAttributes builds an attribute set from pairs in announcement order.
func NewAttributes(pairs []Attribute) Attributes {
	attrs := Attributes{
		order:  make([]Attribute, 0, len(pairs)),
		byFold: make(map[string]int, len(pairs)),
	}
	for _, p := range pairs {
		if p.Key == "" {
			continue
		}
		folded := strings.ToLower(p.Key)
		if _, seen := attrs.byFold[folded]; seen {
			continue
		}
		attrs.byFold[folded] = len(attrs.order)
		attrs.order = append(attrs.order, p)
	}
	return attrs
}

// ParseTXT builds an attribute set from "key=value" strings.
// A string without '=' is a boolean attribute with an empty value.
func ParseTXT(fields []string) Attributes {
	pairs := make([]Attribute, 0, len(fields))
	for _, f := range fields {
		key, value, _ := strings.Cut(f, "=")
		pairs = append(pairs, Attribute{Key: key, Value: value})
	}
	return NewAttributes(pairs)
}

// Get looks a key up regardless of case.
func (a Attributes) Get(key string) (string, bool) {
	i, ok := a.byFold[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	return a.order[i].Value, true
}

// Len returns the number of distinct keys.
func (a Attributes) Len() int {
	return len(a.order)
}

// Pairs returns a copy of the effective pairs in announcement order.
func (a Attributes) Pairs() []Attribute {
	out := make([]Attribute, len(a.order))
	copy(out, a.order)
	return out
}

// TXT renders the effective pairs as "key=value" strings.
func (a Attributes) TXT() []string {
	out := make([]string, 0, len(a.order))
	for _, p := range a.order {
		out = append(out, p.Key+"="+p.Value)
	}
	return out
}

// Map returns the effective pairs keyed by their first-seen spelling.
func (a Attributes) Map() map[string]string {
	out := make(map[string]string, len(a.order))
	for _, p := range a.order {
		out[p.Key] = p.Value
	}
	return out
}

// Equal reports whether both sets hold the same pairs in the same order.
func (a Attributes) Equal(other Attributes) bool {
	if len(a.order) != len(other.order) {
		return false
	}
	for i := range a.order {
		if a.order[i] != other.order[i] {
			return false
		}
	}
	return true
}

// ServiceRecord describes one discovered service instance.
type ServiceRecord struct {
	identity   string
	host       string
	address    netip.Addr
	addresses  []netip.Addr
	port       uint16
	attributes Attributes
}

// NewServiceRecord builds a record. The primary address is the first of addrs;
// an empty addrs list is rejected with ErrNoAddress.
func NewServiceRecord(identity, host string, addrs []netip.Addr, port uint16, attrs Attributes) (ServiceRecord, error) {
	if identity == "" {
		return ServiceRecord{}, fmt.Errorf("service record: empty identity")
	}
	if len(addrs) == 0 {
		return ServiceRecord{}, fmt.Errorf("service record %s: %w", identity, ErrNoAddress)
	}
	owned := make([]netip.Addr, len(addrs))
	copy(owned, addrs)
	return ServiceRecord{
		identity:   identity,
		host:       host,
		address:    owned[0],
		addresses:  owned,
		port:       port,
		attributes: attrs,
	}, nil
}

func (r ServiceRecord) Identity() string       { return r.identity }
func (r ServiceRecord) Host() string           { return r.host }
func (r ServiceRecord) Address() netip.Addr    { return r.address }
func (r ServiceRecord) Port() uint16           { return r.port }
func (r ServiceRecord) Attributes() Attributes { return r.attributes }

// Addresses returns a copy of every reported address in protocol order.
func (r ServiceRecord) Addresses() []netip.Addr {
	out := make([]netip.Addr, len(r.addresses))
	copy(out, r.addresses)
	return out
}

// Endpoint returns "address:port" for the primary address.
func (r ServiceRecord) Endpoint() string {
	return net.JoinHostPort(r.address.String(), strconv.Itoa(int(r.port)))
}

// Equal compares every field, including attribute order.
func (r ServiceRecord) Equal(other ServiceRecord) bool {
	if r.identity != other.identity || r.host != other.host || r.port != other.port {
		return false
	}
	if len(r.addresses) != len(other.addresses) {
		return false
	}
	for i := range r.addresses {
		if r.addresses[i] != other.addresses[i] {
			return false
		}
	}
	return r.attributes.Equal(other.attributes)
}

func (r ServiceRecord) String() string {
	return fmt.Sprintf("%s at %s", r.identity, r.Endpoint())
}
