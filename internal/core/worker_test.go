package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockModule is a test double that satisfies the Module interface.
type mockModule struct {
	name     string
	channels []string
	startErr error
	handle   func(msg Message) error
	// blocking makes HandleMessage wait for ctx, like a handler stuck on I/O.
	blocking bool

	mu      sync.Mutex
	handled []Message
	stopped int
}

func newMockModule(name string, channels ...string) *mockModule {
	if len(channels) == 0 {
		channels = []string{ChannelTWModified}
	}
	return &mockModule{name: name, channels: channels}
}

func (m *mockModule) Name() string        { return m.name }
func (m *mockModule) Description() string { return "mock " + m.name }
func (m *mockModule) Channels() []string  { return m.channels }
func (m *mockModule) Start(context.Context, *EvidencePipeline, *Config, zerolog.Logger) error {
	return m.startErr
}
func (m *mockModule) HandleMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	m.handled = append(m.handled, msg)
	m.mu.Unlock()
	if m.blocking {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.handle != nil {
		return m.handle(msg)
	}
	return nil
}
func (m *mockModule) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return nil
}

func (m *mockModule) Handled() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.handled...)
}

type workerRun struct {
	acks  Subscription
	done  chan error
	ready chan struct{}
}

func startWorker(t *testing.T, b Broker, mod Module, ctx context.Context) *workerRun {
	t.Helper()
	acks, err := b.Subscribe(ChannelFinishedModules)
	if err != nil {
		t.Fatalf("subscribing to acks: %v", err)
	}
	r := &workerRun{acks: acks, done: make(chan error, 1), ready: make(chan struct{})}
	w := &Worker{
		Module:      mod,
		Broker:      b,
		Pipeline:    NewEvidencePipeline(zerolog.Nop(), nil),
		Config:      DefaultConfig(),
		Logger:      zerolog.Nop(),
		PollTimeout: 5 * time.Millisecond,
		OnReady:     func() { close(r.ready) },
	}
	go func() { r.done <- w.Run(ctx) }()
	select {
	case <-r.ready:
	case err := <-r.done:
		t.Fatalf("worker exited before ready: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker not ready")
	}
	return r
}

func (r *workerRun) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not return")
		return nil
	}
}

func (r *workerRun) acked() []string {
	var out []string
	for {
		select {
		case msg := <-r.acks.C():
			out = append(out, msg.Data)
		default:
			return out
		}
	}
}

// ─── Worker.Run ──────────────────────────────────────────────────────────────

func TestWorker_StopSentinelAcknowledgesOnce(t *testing.T) {
	b := NewMemoryBroker()
	mod := newMockModule("portscan", ChannelTWModified, ChannelNewNotice)
	r := startWorker(t, b, mod, context.Background())

	b.Publish(ChannelTWModified, "profile_10.0.0.1:timewindow1")
	b.Publish(ChannelNewNotice, StopToken)

	if err := r.wait(t); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if got := r.acked(); len(got) != 1 || got[0] != "portscan" {
		t.Errorf("acks = %v, want [portscan]", got)
	}
	if mod.stopped != 1 {
		t.Errorf("Stop called %d times, want 1", mod.stopped)
	}
	handled := mod.Handled()
	if len(handled) != 1 || handled[0].Data != "profile_10.0.0.1:timewindow1" {
		t.Errorf("handled = %+v", handled)
	}
}

func TestWorker_StopSentinelNeverDispatched(t *testing.T) {
	b := NewMemoryBroker()
	mod := newMockModule("portscan")
	r := startWorker(t, b, mod, context.Background())

	b.Publish(ChannelTWModified, StopToken)
	r.wait(t)

	if n := len(mod.Handled()); n != 0 {
		t.Errorf("handler called %d times for the stop sentinel", n)
	}
}

func TestWorker_MalformedIsIgnored(t *testing.T) {
	b := NewMemoryBroker()
	mod := newMockModule("portscan")
	mod.handle = func(msg Message) error {
		if msg.Data == "garbage" {
			return fmt.Errorf("%w: bad", ErrMalformed)
		}
		return nil
	}
	metrics := NewMetrics(nil)
	acks, _ := b.Subscribe(ChannelFinishedModules)
	w := &Worker{Module: mod, Broker: b, Logger: zerolog.Nop(), Metrics: metrics, PollTimeout: 5 * time.Millisecond}

	done := make(chan error, 1)
	ready := make(chan struct{})
	w.OnReady = func() { close(ready) }
	go func() { done <- w.Run(context.Background()) }()
	<-ready

	b.Publish(ChannelTWModified, "garbage")
	b.Publish(ChannelTWModified, "profile_1.1.1.1:timewindow2")
	b.Publish(ChannelTWModified, StopToken)

	if err := <-done; err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if n := len(mod.Handled()); n != 2 {
		t.Errorf("handled %d messages, want 2", n)
	}
	if msg := <-acks.C(); msg.Data != "portscan" {
		t.Errorf("ack = %q", msg.Data)
	}
}

func TestWorker_HandlerErrorExitsWithoutAck(t *testing.T) {
	b := NewMemoryBroker()
	mod := newMockModule("portscan")
	boom := errors.New("store unavailable")
	mod.handle = func(Message) error { return boom }
	r := startWorker(t, b, mod, context.Background())

	b.Publish(ChannelTWModified, "profile_10.0.0.1:timewindow1")

	if err := r.wait(t); !errors.Is(err, boom) {
		t.Fatalf("Run() = %v, want %v", err, boom)
	}
	if got := r.acked(); len(got) != 0 {
		t.Errorf("failed worker acknowledged: %v", got)
	}
}

func TestWorker_PanicExitsWithoutAck(t *testing.T) {
	b := NewMemoryBroker()
	mod := newMockModule("portscan")
	mod.handle = func(Message) error { panic("nil map") }
	r := startWorker(t, b, mod, context.Background())

	b.Publish(ChannelTWModified, "profile_10.0.0.1:timewindow1")

	err := r.wait(t)
	if err == nil || !strings.Contains(err.Error(), "nil map") {
		t.Fatalf("Run() = %v, want panic error", err)
	}
	if got := r.acked(); len(got) != 0 {
		t.Errorf("panicking worker acknowledged: %v", got)
	}
}

func TestWorker_ContextCancelAcknowledges(t *testing.T) {
	b := NewMemoryBroker()
	mod := newMockModule("portscan")
	ctx, cancel := context.WithCancel(context.Background())
	r := startWorker(t, b, mod, ctx)

	cancel()
	if err := r.wait(t); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if got := r.acked(); len(got) != 1 {
		t.Errorf("acks = %v, want one", got)
	}
}

func TestWorker_StartError(t *testing.T) {
	b := NewMemoryBroker()
	mod := newMockModule("portscan")
	mod.startErr = errors.New("no store")
	w := &Worker{Module: mod, Broker: b, Logger: zerolog.Nop()}
	if err := w.Run(context.Background()); err == nil {
		t.Error("expected start error")
	}
}

func TestWorker_BrokerClosedIsFailure(t *testing.T) {
	b := NewMemoryBroker()
	mod := newMockModule("portscan")
	r := startWorker(t, b, mod, context.Background())

	b.Close()
	if err := r.wait(t); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Run() = %v, want ErrBrokerClosed", err)
	}
}

// ─── Subscriber ──────────────────────────────────────────────────────────────

func TestSubscriber_PriorityOrder(t *testing.T) {
	b := NewMemoryBroker()
	s, err := NewSubscriber(b, []string{ChannelTWModified, ChannelNewNotice}, time.Millisecond)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer s.Close()

	b.Publish(ChannelNewNotice, "notice")
	b.Publish(ChannelTWModified, "window")

	_, ch, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ch != ChannelTWModified {
		t.Errorf("first channel = %s, want %s", ch, ChannelTWModified)
	}
	_, ch, _ = s.Next(context.Background())
	if ch != ChannelNewNotice {
		t.Errorf("second channel = %s, want %s", ch, ChannelNewNotice)
	}
}

func TestSubscriber_RoundRobin(t *testing.T) {
	b := NewMemoryBroker()
	s, err := NewSubscriber(b, []string{ChannelTWModified, ChannelNewNotice}, time.Millisecond)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		b.Publish(ChannelTWModified, fmt.Sprintf("profile_10.0.0.1:timewindow%d", i))
	}
	b.Publish(ChannelNewNotice, "notice")

	var got []string
	for i := 0; i < 6; i++ {
		_, ch, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		got = append(got, ch)
	}
	want := []string{
		ChannelTWModified, ChannelNewNotice,
		ChannelTWModified, ChannelTWModified, ChannelTWModified, ChannelTWModified,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestSubscriber_RoundRobinKeepsChannelOrder(t *testing.T) {
	b := NewMemoryBroker()
	s, _ := NewSubscriber(b, []string{ChannelTWModified, ChannelNewNotice}, time.Millisecond)
	defer s.Close()

	for i := 0; i < 3; i++ {
		b.Publish(ChannelTWModified, fmt.Sprintf("w%d", i))
		b.Publish(ChannelNewNotice, fmt.Sprintf("n%d", i))
	}

	var got []string
	for i := 0; i < 6; i++ {
		msg, _, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
		got = append(got, msg.Data)
	}
	if strings.Join(got, ",") != "w0,n0,w1,n1,w2,n2" {
		t.Errorf("order = %v", got)
	}
}

func TestSubscriber_WaitsForLateMessage(t *testing.T) {
	b := NewMemoryBroker()
	s, _ := NewSubscriber(b, []string{ChannelNewNotice}, time.Millisecond)
	defer s.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(ChannelNewNotice, "late")
	}()
	msg, _, err := s.Next(context.Background())
	if err != nil || msg.Data != "late" {
		t.Errorf("Next = %+v, %v", msg, err)
	}
}

func TestSubscriber_ContextDone(t *testing.T) {
	b := NewMemoryBroker()
	s, _ := NewSubscriber(b, []string{ChannelNewNotice}, time.Millisecond)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next = %v, want deadline exceeded", err)
	}
}

func TestSubscriber_NoChannels(t *testing.T) {
	if _, err := NewSubscriber(NewMemoryBroker(), nil, 0); err == nil {
		t.Error("expected error for empty channel list")
	}
}
