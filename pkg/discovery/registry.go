// ABOUTME: Live registry of discovered instances and the event reducer
// ABOUTME: Registries are never mutated; Reduce returns a new value on change
package discovery

import "sort"

// EventKind classifies a discovery event.
type EventKind int

const (
	EventResolved EventKind = iota
	EventRemoved
	EventOther
)

func (k EventKind) String() string {
	switch k {
	case EventResolved:
		return "resolved"
	case EventRemoved:
		return "removed"
	default:
		return "other"
	}
}

// Event is one notification from the discovery daemon.
type Event struct {
	Kind EventKind

	// Record is set for EventResolved.
	Record ServiceRecord

	// ServiceType and Identity are set for EventRemoved.
	ServiceType string
	Identity    string

	// Info describes an EventOther.
	Info string
}

// Resolved creates an event announcing a resolved instance.
func Resolved(rec ServiceRecord) Event {
	return Event{Kind: EventResolved, Record: rec, Identity: rec.Identity()}
}

// Removed creates an event announcing that an instance went away.
func Removed(serviceType, identity string) Event {
	return Event{Kind: EventRemoved, ServiceType: serviceType, Identity: identity}
}

// Other creates an event that does not affect membership.
func Other(info string) Event {
	return Event{Kind: EventOther, Info: info}
}

// Registry maps instance identity to its current record.
// The zero value is an empty registry.
type Registry struct {
	records map[string]ServiceRecord
}

// NewRegistry builds a registry from records; later duplicates replace earlier ones.
func NewRegistry(records ...ServiceRecord) Registry {
	m := make(map[string]ServiceRecord, len(records))
	for _, r := range records {
		m[r.Identity()] = r
	}
	return Registry{records: m}
}

func (r Registry) Len() int {
	return len(r.records)
}

func (r Registry) Get(identity string) (ServiceRecord, bool) {
	rec, ok := r.records[identity]
	return rec, ok
}

func (r Registry) Contains(identity string) bool {
	_, ok := r.records[identity]
	return ok
}

// Identities returns the identities in sorted order.
func (r Registry) Identities() []string {
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records returns the records sorted by identity.
func (r Registry) Records() []ServiceRecord {
	out := make([]ServiceRecord, 0, len(r.records))
	for _, id := range r.Identities() {
		out = append(out, r.records[id])
	}
	return out
}

func (r Registry) with(rec ServiceRecord) Registry {
	m := make(map[string]ServiceRecord, len(r.records)+1)
	for k, v := range r.records {
		m[k] = v
	}
	m[rec.Identity()] = rec
	return Registry{records: m}
}

func (r Registry) without(identity string) Registry {
	m := make(map[string]ServiceRecord, len(r.records))
	for k, v := range r.records {
		if k != identity {
			m[k] = v
		}
	}
	return Registry{records: m}
}

// Reduce applies one event to reg and reports whether the visible state changed.
//
// Resolved always counts as a change, even for an identical record. Removed of
// an unknown identity and every Other event leave reg untouched.
func Reduce(reg Registry, ev Event) (Registry, bool) {
	switch ev.Kind {
	case EventResolved:
		return reg.with(ev.Record), true
	case EventRemoved:
		if !reg.Contains(ev.Identity) {
			return reg, false
		}
		return reg.without(ev.Identity), true
	default:
		return reg, false
	}
}
