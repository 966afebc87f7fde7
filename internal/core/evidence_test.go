package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// ─── ThreatLevel ────────────────────────────────────────────────────────────

func TestThreatLevel_JSON(t *testing.T) {
	for _, level := range []ThreatLevel{ThreatInfo, ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical} {
		data, err := json.Marshal(level)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", level, err)
		}
		if string(data) != `"`+level.String()+`"` {
			t.Errorf("Marshal(%v) = %s", level, data)
		}
		var back ThreatLevel
		if err := json.Unmarshal(data, &back); err != nil || back != level {
			t.Errorf("Unmarshal(%s) = %v, %v", data, back, err)
		}
	}
}

func TestThreatLevel_UnknownDecodesAsInfo(t *testing.T) {
	var l ThreatLevel
	if err := json.Unmarshal([]byte(`"apocalyptic"`), &l); err != nil {
		t.Fatal(err)
	}
	if l != ThreatInfo {
		t.Errorf("got %v, want info", l)
	}
}

// ─── Evidence ───────────────────────────────────────────────────────────────

func TestNewEvidence(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := NewEvidence("portscan", "PortScanType2", "10.0.0.1", ThreatMedium, 1.7, "scan", ts)

	if _, err := uuid.Parse(ev.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", ev.ID, err)
	}
	if ev.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", ev.Confidence)
	}
	if ev.DetectionKind != DetectionSrcIP || ev.Category != CategoryReconScanning {
		t.Errorf("kind/category = %q/%q", ev.DetectionKind, ev.Category)
	}
	if !ev.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, ts)
	}

	other := NewEvidence("portscan", "PortScanType2", "10.0.0.1", ThreatMedium, -1, "scan", time.Time{})
	if other.ID == ev.ID {
		t.Error("IDs must be unique")
	}
	if other.Confidence != 0 {
		t.Errorf("confidence = %v, want clamped to 0", other.Confidence)
	}
	if other.Timestamp.IsZero() {
		t.Error("zero timestamp should be replaced")
	}
}

func TestEvidence_WireFormat(t *testing.T) {
	ev := NewEvidence("portscan", "PortScanType1", "192.168.1.5", ThreatHigh, 0.4, "vertical", time.Time{})
	ev.Profile = "profile_192.168.1.5"
	ev.TimeWindow = "timewindow3"
	ev.Port = 0

	data, err := ev.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"threat_level":"high"`, `"twid":"timewindow3"`, `"detection_kind":"srcip"`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON %s missing %s", s, want)
		}
	}
	if strings.Contains(s, `"port"`) {
		t.Errorf("zero port should be omitted: %s", s)
	}

	back, err := UnmarshalEvidence(data)
	if err != nil {
		t.Fatalf("UnmarshalEvidence: %v", err)
	}
	if back.ID != ev.ID || back.ThreatLevel != ThreatHigh || back.Confidence != 0.4 {
		t.Errorf("round trip = %+v", back)
	}
}

func TestUnmarshalEvidence_Malformed(t *testing.T) {
	_, err := UnmarshalEvidence([]byte("{not json"))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

// ─── EvidencePipeline ───────────────────────────────────────────────────────

func TestPipeline_AllHandlersRun(t *testing.T) {
	metrics := NewMetrics(nil)
	p := NewEvidencePipeline(zerolog.Nop(), metrics)
	var calls []string
	p.AddHandler(func(context.Context, *Evidence) error {
		calls = append(calls, "first")
		return errors.New("sink down")
	})
	p.AddHandler(func(context.Context, *Evidence) error {
		calls = append(calls, "second")
		return nil
	})

	err := p.Emit(context.Background(), NewEvidence("portscan", "PortScanType2", "1.1.1.1", ThreatMedium, 1, "x", time.Time{}))
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Errorf("Emit error = %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("calls = %v, want both handlers", calls)
	}
	if got := testutil.ToFloat64(metrics.EvidenceTotal.WithLabelValues("portscan", "PortScanType2")); got != 1 {
		t.Errorf("evidence counter = %v, want 1", got)
	}
}

func TestPipeline_NilEvidence(t *testing.T) {
	p := NewEvidencePipeline(zerolog.Nop(), nil)
	called := false
	p.AddHandler(func(context.Context, *Evidence) error { called = true; return nil })
	if err := p.Emit(context.Background(), nil); err != nil || called {
		t.Errorf("nil evidence: err=%v called=%v", err, called)
	}
}

func TestPublishHandler(t *testing.T) {
	b := NewMemoryBroker()
	sub, _ := b.Subscribe(ChannelEvidenceAdded)
	ev := NewEvidence("portscan", "PortScanType1", "10.0.0.9", ThreatHigh, 0.5, "x", time.Time{})

	if err := PublishHandler(b)(context.Background(), ev); err != nil {
		t.Fatalf("PublishHandler: %v", err)
	}
	got, err := UnmarshalEvidence([]byte(recv(t, sub).Data))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != ev.ID {
		t.Errorf("published %s, want %s", got.ID, ev.ID)
	}
}

// ─── Metrics ────────────────────────────────────────────────────────────────

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.EvidenceEmitted("a", "b")
	m.WakeUp("a", "b")
	m.WastedWakeUp("a", "b")
	m.WorkerFailed("a")
	m.SetPending(3)
	m.ForceKilled("a", "killed")
	m.DrainPolls(4)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(nil)
	m.WakeUp("portscan", ChannelTWModified)
	m.WakeUp("portscan", ChannelTWModified)
	m.WastedWakeUp("portscan", ChannelNewNotice)
	m.SetPending(2)

	if got := testutil.ToFloat64(m.WakeUps.WithLabelValues("portscan", ChannelTWModified)); got != 2 {
		t.Errorf("wakeups = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WastedWakeUps.WithLabelValues("portscan", ChannelNewNotice)); got != 1 {
		t.Errorf("wasted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PendingWorkers); got != 2 {
		t.Errorf("pending = %v, want 2", got)
	}
}

// ─── Logging ────────────────────────────────────────────────────────────────

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("module", "portscan").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	var line map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if line["module"] != "portscan" || line["message"] != "shown" {
		t.Errorf("line = %v", line)
	}
}

// ─── Profiles ───────────────────────────────────────────────────────────────

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("profile_10.0.0.1", "_")
	if err != nil {
		t.Fatal(err)
	}
	if p.Address() != "10.0.0.1" || p.IP() == nil || p.String() != "profile_10.0.0.1" {
		t.Errorf("profile = %+v", p)
	}

	v6, err := ParseProfile("profile_fe80::1", "")
	if err != nil || v6.IP() == nil {
		t.Errorf("IPv6 profile: %+v, %v", v6, err)
	}

	opaque, err := ParseProfile("profile_host-a", "_")
	if err != nil || opaque.IP() != nil || opaque.Address() != "host-a" {
		t.Errorf("opaque profile: %+v, %v", opaque, err)
	}

	for _, bad := range []string{"profile", "profile_", ""} {
		if _, err := ParseProfile(bad, "_"); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseProfile(%q) = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestProfile_BroadcastOrMulticast(t *testing.T) {
	tests := map[string]bool{
		"profile_255.255.255.255": true,
		"profile_224.0.0.251":     true,
		"profile_ff02::1":         true,
		"profile_10.0.0.1":        false,
		"profile_host-a":          false,
	}
	for id, want := range tests {
		p, _ := ParseProfile(id, "_")
		if got := p.IsBroadcastOrMulticast(); got != want {
			t.Errorf("%s: got %v, want %v", id, got, want)
		}
	}
}

func TestParseWindowUpdate(t *testing.T) {
	profile, window, err := ParseWindowUpdate("profile_fe80::1:timewindow7")
	if err != nil {
		t.Fatal(err)
	}
	if profile != "profile_fe80::1" || window != "timewindow7" {
		t.Errorf("got %q %q", profile, window)
	}

	for _, bad := range []string{"no-colon", ":timewindow1", "profile_1.1.1.1:"} {
		if _, _, err := ParseWindowUpdate(bad); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseWindowUpdate(%q) = %v, want ErrMalformed", bad, err)
		}
	}
}
