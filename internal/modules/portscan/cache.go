package portscan

import "sync"

// CacheKey identifies one detection subject inside one profile time window.
// Subject embeds the evidence type, e.g. "dport:23:PortScanType2".
type CacheKey struct {
	Profile string
	Window  string
	Subject string
}

// DetectionCache remembers the count at which each subject last fired.
// Entries are never evicted: a time window's counts only grow, so the last
// fired count is all that is needed to suppress re-detection.
type DetectionCache struct {
	mu      sync.Mutex
	entries map[CacheKey]int
}

// NewDetectionCache creates an empty cache.
func NewDetectionCache() *DetectionCache {
	return &DetectionCache{entries: make(map[CacheKey]int)}
}

// Get returns the last fired count for k, or 0.
func (c *DetectionCache) Get(k CacheKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[k]
}

// Set records n as the last fired count for k.
func (c *DetectionCache) Set(k CacheKey, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = n
}

// Len returns the number of entries.
func (c *DetectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// shouldFire is the detection rule: fire at every multiple of threshold that
// is above the count of the previous firing.
func shouldFire(n, prev, threshold int) bool {
	if n <= 0 || threshold <= 0 {
		return false
	}
	return n%threshold == 0 && prev < n
}

// confidenceFromPackets maps a packet count to [0, 1]; more than ten packets
// is full confidence.
func confidenceFromPackets(pkts int) float64 {
	if pkts > 10 {
		return 1
	}
	return float64(pkts) / 10.0
}
