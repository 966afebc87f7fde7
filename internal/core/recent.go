package core

import (
	"context"
	"sync"
)

// RecentEvidence is a fixed-size ring of the latest evidence seen by the
// collector. It is an EvidenceSink; the status API reads from it.
type RecentEvidence struct {
	mu      sync.RWMutex
	entries []*Evidence
	maxSize int
	pos     int
	full    bool
	total   int64
}

// NewRecentEvidence creates a ring holding up to maxSize entries.
func NewRecentEvidence(maxSize int) *RecentEvidence {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &RecentEvidence{
		entries: make([]*Evidence, maxSize),
		maxSize: maxSize,
	}
}

func (r *RecentEvidence) Name() string { return "recent" }

// Write stores ev, overwriting the oldest entry when the ring is full.
func (r *RecentEvidence) Write(_ context.Context, ev *Evidence) error {
	r.mu.Lock()
	r.entries[r.pos] = ev
	r.pos = (r.pos + 1) % r.maxSize
	if r.pos == 0 {
		r.full = true
	}
	r.total++
	r.mu.Unlock()
	return nil
}

func (r *RecentEvidence) Flush(context.Context) error { return nil }

// Latest returns the most recent n entries in arrival order.
func (r *RecentEvidence) Latest(n int) []*Evidence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.pos
	if r.full {
		size = r.maxSize
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return []*Evidence{}
	}

	out := make([]*Evidence, n)
	start := r.pos - n
	if start < 0 {
		start += r.maxSize
	}
	for i := 0; i < n; i++ {
		out[i] = r.entries[(start+i)%r.maxSize]
	}
	return out
}

// Total returns how many entries were ever written.
func (r *RecentEvidence) Total() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
