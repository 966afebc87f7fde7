package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memorySink struct {
	mu      sync.Mutex
	written []*Evidence
	flushed int
	failAll bool
}

func (s *memorySink) Name() string { return "memory" }
func (s *memorySink) Write(_ context.Context, ev *Evidence) error {
	if s.failAll {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, ev)
	return nil
}
func (s *memorySink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return nil
}
func (s *memorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func runCollector(t *testing.T, c *EvidenceCollector, ctx context.Context) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("collector not ready")
	}
	return done
}

func publishEvidence(t *testing.T, b Broker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := NewEvidence("portscan", "PortScanType2", "10.0.0.1", ThreatMedium, 1, "scan", time.Time{})
		if err := PublishHandler(b)(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCollector_WritesAndStopsOnSentinel(t *testing.T) {
	b := NewMemoryBroker()
	sink := &memorySink{}
	c := NewEvidenceCollector(b, 16, zerolog.Nop(), sink)
	done := runCollector(t, c, context.Background())

	publishEvidence(t, b, 3)
	deadline := time.Now().Add(2 * time.Second)
	for sink.Len() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := c.Send(StopToken); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.Len() != 3 {
		t.Errorf("written = %d, want 3", sink.Len())
	}
	if sink.flushed != 1 {
		t.Errorf("flushed %d times, want 1", sink.flushed)
	}
	if written, failed := c.Stats(); written != 3 || failed != 0 {
		t.Errorf("stats = %d/%d", written, failed)
	}
	if err := c.Send("late"); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Send after stop = %v, want ErrBrokerClosed", err)
	}
}

func TestCollector_DrainsQueueBehindSentinel(t *testing.T) {
	sink := &memorySink{}
	c := NewEvidenceCollector(NewMemoryBroker(), 16, zerolog.Nop(), sink)

	ev := NewEvidence("portscan", "PortScanType1", "10.0.0.2", ThreatHigh, 1, "x", time.Time{})
	data, _ := ev.Marshal()
	c.Send(StopToken)
	c.Send(string(data))

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.Len() != 1 {
		t.Errorf("written = %d, want the queued evidence", sink.Len())
	}
}

func TestCollector_SinkFailureCounted(t *testing.T) {
	b := NewMemoryBroker()
	c := NewEvidenceCollector(b, 16, zerolog.Nop(), &memorySink{failAll: true})
	done := runCollector(t, c, context.Background())

	publishEvidence(t, b, 2)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, failed := c.Stats(); failed == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c.Send(StopToken)
	<-done

	if written, failed := c.Stats(); written != 0 || failed != 2 {
		t.Errorf("stats = %d/%d, want 0/2", written, failed)
	}
}

func TestCollector_IgnoresUndecodable(t *testing.T) {
	b := NewMemoryBroker()
	sink := &memorySink{}
	c := NewEvidenceCollector(b, 16, zerolog.Nop(), sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := runCollector(t, c, ctx)

	b.Publish(ChannelEvidenceAdded, "not evidence")
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if sink.Len() != 0 {
		t.Errorf("written = %d, want 0", sink.Len())
	}
	if sink.flushed != 1 {
		t.Errorf("sinks should be flushed on cancel")
	}
}

// ─── RecentEvidence ─────────────────────────────────────────────────────────

func TestRecentEvidence_Ring(t *testing.T) {
	r := NewRecentEvidence(3)
	var ids []string
	for i := 0; i < 5; i++ {
		ev := NewEvidence("portscan", "PortScanType2", "10.0.0.1", ThreatMedium, 1, "x", time.Time{})
		ids = append(ids, ev.ID)
		r.Write(context.Background(), ev)
	}

	got := r.Latest(10)
	if len(got) != 3 {
		t.Fatalf("Latest(10) returned %d, want 3", len(got))
	}
	for i, ev := range got {
		if ev.ID != ids[2+i] {
			t.Errorf("entry %d = %s, want %s", i, ev.ID, ids[2+i])
		}
	}
	if last := r.Latest(1); last[0].ID != ids[4] {
		t.Errorf("Latest(1) = %s, want newest", last[0].ID)
	}
	if r.Total() != 5 {
		t.Errorf("Total() = %d, want 5", r.Total())
	}
	if len(NewRecentEvidence(2).Latest(5)) != 0 {
		t.Error("empty ring should return nothing")
	}
}

// ─── IdleWatcher ────────────────────────────────────────────────────────────

type requestRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *requestRecorder) RequestShutdown(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func TestIdleWatcher_RequestsAfterLimit(t *testing.T) {
	rec := &requestRecorder{}
	w := NewIdleWatcher(NewMemoryBroker(), rec, 5*time.Millisecond, 3, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.reasons) != 1 {
		t.Errorf("requests = %v, want exactly one", rec.reasons)
	}
}

func TestIdleWatcher_TrafficResetsCount(t *testing.T) {
	b := NewMemoryBroker()
	rec := &requestRecorder{}
	w := NewIdleWatcher(b, rec, 20*time.Millisecond, 2, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Publish(ChannelTWModified, "profile_10.0.0.1:timewindow1")
			}
		}
	}()
	w.Run(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.reasons) != 0 {
		t.Errorf("busy input requested shutdown: %v", rec.reasons)
	}
}

func TestIdleWatcher_Disabled(t *testing.T) {
	rec := &requestRecorder{}
	w := NewIdleWatcher(NewMemoryBroker(), rec, time.Millisecond, 0, zerolog.Nop())
	if err := w.Run(context.Background()); err != nil {
		t.Errorf("disabled watcher returned %v", err)
	}
	if len(rec.reasons) != 0 {
		t.Error("disabled watcher must not request shutdown")
	}
}
