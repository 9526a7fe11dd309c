// ABOUTME: Snapshot feed message type definitions
// ABOUTME: JSON envelope plus hello, snapshot and error payloads
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
)

// Version is the feed protocol version announced in hellos.
const Version = 1

// Message types
const (
	TypeClientHello = "client/hello"
	TypeServerHello = "server/hello"
	TypeSnapshot    = "registry/snapshot"
	TypeServerError = "server/error"
)

// Message is the top-level wrapper for all feed messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// DecodePayload re-decodes msg.Payload into v.
func DecodePayload(msg Message, v interface{}) error {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msg.Type, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", msg.Type, err)
	}
	return nil
}

// ClientHello is sent by feed clients after connecting
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// ServerHello is the server's response to client/hello
type ServerHello struct {
	ServerID    string `json:"server_id"`
	Name        string `json:"name"`
	Version     int    `json:"version"`
	ServiceType string `json:"service_type"`
}

// ServerError is sent before the server drops a connection
type ServerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Snapshot carries one registry snapshot
type Snapshot struct {
	Seq         uint64     `json:"seq"`
	Taken       time.Time  `json:"taken"`
	ServiceType string     `json:"service_type,omitempty"`
	Instances   []Instance `json:"instances"`
}

// Instance is one discovered service instance
type Instance struct {
	Identity   string      `json:"identity"`
	Host       string      `json:"host,omitempty"`
	Address    string      `json:"address"`
	Addresses  []string    `json:"addresses,omitempty"`
	Port       uint16      `json:"port"`
	Endpoint   string      `json:"endpoint"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// Attribute is one TXT key/value pair
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewSnapshot converts a registry snapshot; instances are ordered by identity.
func NewSnapshot(serviceType string, snap discovery.Snapshot) Snapshot {
	out := Snapshot{
		Seq:         snap.Seq,
		Taken:       snap.Taken,
		ServiceType: serviceType,
		Instances:   make([]Instance, 0, snap.Len()),
	}
	for _, rec := range snap.Records() {
		out.Instances = append(out.Instances, NewInstance(rec))
	}
	return out
}

// NewInstance converts a single record.
func NewInstance(rec discovery.ServiceRecord) Instance {
	inst := Instance{
		Identity: rec.Identity(),
		Host:     rec.Host(),
		Address:  rec.Address().String(),
		Port:     rec.Port(),
		Endpoint: rec.Endpoint(),
	}
	addrs := rec.Addresses()
	if len(addrs) > 1 {
		for _, a := range addrs {
			inst.Addresses = append(inst.Addresses, a.String())
		}
	}
	for _, p := range rec.Attributes().Pairs() {
		inst.Attributes = append(inst.Attributes, Attribute{Key: p.Key, Value: p.Value})
	}
	return inst
}

// Identities lists the instance identities in order.
func (s Snapshot) Identities() []string {
	ids := make([]string, 0, len(s.Instances))
	for _, inst := range s.Instances {
		ids = append(ids, inst.Identity)
	}
	return ids
}
