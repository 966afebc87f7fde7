//go:build integration_ch
// +build integration_ch

package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

// startClickHouse runs a throwaway server; the first image pull can be slow.
func startClickHouse(t *testing.T) (cfg core.ClickHouseConfig, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.8-alpine",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"CLICKHOUSE_DB":       "slips",
			"CLICKHOUSE_USER":     "slips",
			"CLICKHOUSE_PASSWORD": "slips",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("9000/tcp"),
			wait.ForLog("Ready for connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start clickhouse container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "9000/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	cfg = core.ClickHouseConfig{
		Host:     host,
		Port:     mapped.Int(),
		Database: "slips",
		Username: "slips",
		Password: "slips",
	}
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return cfg, stop
}

func TestClickHouseStore_Integration(t *testing.T) {
	cfg, stop := startClickHouse(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	st, closeFn, err := Open(ctx, core.StoreConfig{Driver: "clickhouse", ClickHouse: cfg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()
	ch := st.(*ClickHouseStore)

	flows := []Flow{
		flow("10.0.0.2", 22, 2, time.Second, "early"),
		flow("10.0.0.2", 22, 3, 2*time.Second, "late"),
		flow("10.0.0.3", 22, 1, 0, "c3"),
		flow("10.0.0.3", 80, 4, 0, "c4"),
	}
	if err := ch.AddFlows(ctx, flows); err != nil {
		t.Fatalf("AddFlows: %v", err)
	}

	byPort, err := ch.QueryByPort(ctx, scanQuery(TCP))
	if err != nil {
		t.Fatalf("QueryByPort: %v", err)
	}
	if len(byPort[22].DstIPs) != 2 {
		t.Fatalf("port 22 targets = %v", byPort[22].DstIPs)
	}
	if got := byPort[22].DstIPs["10.0.0.2"]; got.Pkts != 5 || got.UID != "early" {
		t.Errorf("10.0.0.2 = %+v, want 5 pkts from the earliest flow", got)
	}

	byDst, err := ch.QueryByDestination(ctx, scanQuery(TCP))
	if err != nil {
		t.Fatalf("QueryByDestination: %v", err)
	}
	if ports := byDst["10.0.0.3"].DstPorts; ports[22] != 1 || ports[80] != 4 {
		t.Errorf("10.0.0.3 ports = %v", ports)
	}

	if err := ch.AddDNSResolution(ctx, "93.184.216.34"); err != nil {
		t.Fatalf("AddDNSResolution: %v", err)
	}
	if ok, err := ch.HasDNSResolution(ctx, "93.184.216.34"); err != nil || !ok {
		t.Errorf("HasDNSResolution = %v, %v", ok, err)
	}

	if err := ch.SetProfileLabel(ctx, testProfile, testWindow, LabelMalicious, "PortScanType1"); err != nil {
		t.Fatalf("SetProfileLabel: %v", err)
	}
	if label, err := ch.ProfileLabel(ctx, testProfile, testWindow, "PortScanType1"); err != nil || label != LabelMalicious {
		t.Errorf("ProfileLabel = %q, %v", label, err)
	}

	conn, err := OpenClickHouse(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenClickHouse: %v", err)
	}
	defer conn.Close()
	w, err := NewClickHouseEvidenceWriter(ctx, conn, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClickHouseEvidenceWriter: %v", err)
	}
	ev := core.NewEvidence("portscan", "PortScanType1", testProfile, core.ThreatHigh, 1, "vertical scan", t0)
	if err := w.Write(ctx, ev); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.Pending() != 0 {
		t.Errorf("pending = %d after flush", w.Pending())
	}
	var n uint64
	if err := conn.QueryRow(ctx, "SELECT count() FROM evidence").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("evidence rows = %d, want 1", n)
	}
}
