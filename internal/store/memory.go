package store

import (
	"context"
	"sync"
)

type windowKey struct {
	profile string
	window  string
}

// MemoryStore keeps flows in process memory. Aggregates are computed on read.
type MemoryStore struct {
	mu     sync.RWMutex
	flows  map[windowKey][]Flow
	dns    map[string]bool
	labels map[windowKey]map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:  make(map[windowKey][]Flow),
		dns:    make(map[string]bool),
		labels: make(map[windowKey]map[string]string),
	}
}

// AddFlow records one flow sent by f.Profile. Empty Role and State default
// to Client and NotEstablished.
func (s *MemoryStore) AddFlow(f Flow) {
	if f.Role == "" {
		f.Role = Client
	}
	if f.State == "" {
		f.State = NotEstablished
	}
	f.Protocol = ParseProtocol(string(f.Protocol))

	s.mu.Lock()
	defer s.mu.Unlock()
	k := windowKey{f.Profile, f.Window}
	s.flows[k] = append(s.flows[k], f)
}

// AddDNSResolution records that ip was the answer of some DNS query.
func (s *MemoryStore) AddDNSResolution(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dns[ip] = true
}

func (s *MemoryStore) matching(q Query) []Flow {
	// Every stored flow leaves the profile, so only the Dst direction has
	// data.
	if q.Direction != "" && q.Direction != Dst {
		return nil
	}
	var out []Flow
	for _, f := range s.flows[windowKey{q.Profile, q.Window}] {
		if q.State != "" && f.State != q.State {
			continue
		}
		if q.Role != "" && f.Role != q.Role {
			continue
		}
		if q.Protocol != "" && f.Protocol != q.Protocol {
			continue
		}
		out = append(out, f)
	}
	return out
}

// QueryByPort implements AggregateStore.
func (s *MemoryStore) QueryByPort(_ context.Context, q Query) (PortAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(PortAggregate)
	for _, f := range s.matching(q) {
		targets, ok := agg[f.DstPort]
		if !ok {
			targets = PortTargets{DstIPs: make(map[string]TargetStats)}
			agg[f.DstPort] = targets
		}
		st, seen := targets.DstIPs[f.DstIP]
		if !seen || f.STime.Before(st.STime) {
			st.UID = f.UID
			st.STime = f.STime
		}
		st.Pkts += f.Pkts
		targets.DstIPs[f.DstIP] = st
	}
	return agg, nil
}

// QueryByDestination implements AggregateStore.
func (s *MemoryStore) QueryByDestination(_ context.Context, q Query) (DestinationAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(DestinationAggregate)
	for _, f := range s.matching(q) {
		st, seen := agg[f.DstIP]
		if !seen {
			st.DstPorts = make(map[int]int)
		}
		if !seen || f.STime.Before(st.STime) {
			st.UID = f.UID
			st.STime = f.STime
		}
		st.DstPorts[f.DstPort] += f.Pkts
		agg[f.DstIP] = st
	}
	return agg, nil
}

// HasDNSResolution implements AggregateStore.
func (s *MemoryStore) HasDNSResolution(_ context.Context, ip string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dns[ip], nil
}

// SetProfileLabel implements ProfileLabeler.
func (s *MemoryStore) SetProfileLabel(_ context.Context, profile, window, label, evidenceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := windowKey{profile, window}
	if s.labels[k] == nil {
		s.labels[k] = make(map[string]string)
	}
	s.labels[k][evidenceType] = label
	return nil
}

// ProfileLabel returns the label set for evidenceType, or "".
func (s *MemoryStore) ProfileLabel(profile, window, evidenceType string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labels[windowKey{profile, window}][evidenceType]
}
