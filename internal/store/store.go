// Package store holds the time-windowed traffic aggregates that the scan
// detectors query. Producers add flows; detectors only read.
package store

import (
	"context"
	"strings"
	"time"
)

// Direction of a flow relative to the profile.
type Direction string

// State of a flow.
type State string

// Role of the profile in a flow.
type Role string

// Protocol of a flow, lowercase.
type Protocol string

const (
	Dst Direction = "dst"
	Src Direction = "src"

	Established    State = "established"
	NotEstablished State = "not_established"

	Client Role = "client"
	Server Role = "server"

	TCP  Protocol = "tcp"
	UDP  Protocol = "udp"
	ICMP Protocol = "icmp"
)

// ParseProtocol normalizes a protocol name.
func ParseProtocol(s string) Protocol {
	return Protocol(strings.ToLower(strings.TrimSpace(s)))
}

// Query selects the aggregate of one profile within one time window.
type Query struct {
	Profile   string
	Window    string
	Direction Direction
	State     State
	Protocol  Protocol
	Role      Role
}

// TargetStats is what a profile sent to one destination IP on one port.
type TargetStats struct {
	Pkts  int
	UID   string
	STime time.Time
}

// PortTargets groups destination IPs contacted on one port.
type PortTargets struct {
	DstIPs map[string]TargetStats
}

// PortAggregate maps destination port to the IPs contacted on it.
type PortAggregate map[int]PortTargets

// DestinationStats is what a profile sent to one destination IP, by port.
type DestinationStats struct {
	DstPorts map[int]int
	UID      string
	STime    time.Time
}

// DestinationAggregate maps destination IP to its per-port packet counts.
type DestinationAggregate map[string]DestinationStats

// AggregateStore is the read side used by the detectors. Missing data is an
// empty aggregate, not an error; errors mean the store is unavailable.
type AggregateStore interface {
	QueryByPort(ctx context.Context, q Query) (PortAggregate, error)
	QueryByDestination(ctx context.Context, q Query) (DestinationAggregate, error)
	HasDNSResolution(ctx context.Context, ip string) (bool, error)
}

// ProfileLabeler is implemented by stores that can mark a profile.
type ProfileLabeler interface {
	SetProfileLabel(ctx context.Context, profile, window, label, evidenceType string) error
}

// Label values.
const (
	LabelMalicious = "malicious"
	LabelNormal    = "normal"
)

// Flow is one connection record as written by producers.
type Flow struct {
	Profile  string
	Window   string
	UID      string
	STime    time.Time
	SrcIP    string
	DstIP    string
	DstPort  int
	Protocol Protocol
	State    State
	Role     Role
	Pkts     int
}
