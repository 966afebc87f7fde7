package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

const createEvidenceTable = `
CREATE TABLE IF NOT EXISTS evidence (
    id             UUID,
    timestamp      DateTime64(3),
    module         LowCardinality(String),
    type           LowCardinality(String),
    detection_kind LowCardinality(String),
    detection_info String,
    threat_level   LowCardinality(String),
    confidence     Float64,
    category       LowCardinality(String),
    description    String,
    profile        String,
    twid           String,
    uid            String,
    port           UInt16,
    proto          LowCardinality(String),
    conn_count     UInt32
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(timestamp)
ORDER BY (profile, timestamp)`

// ClickHouseEvidenceWriter is a core.EvidenceSink that buffers evidence and
// inserts it into the evidence table in batches.
type ClickHouseEvidenceWriter struct {
	conn      driver.Conn
	batchSize int
	logger    zerolog.Logger

	mu      sync.Mutex
	pending []*core.Evidence
}

// NewClickHouseEvidenceWriter creates the evidence table if needed.
func NewClickHouseEvidenceWriter(ctx context.Context, conn driver.Conn, batchSize int, logger zerolog.Logger) (*ClickHouseEvidenceWriter, error) {
	if err := conn.Exec(ctx, createEvidenceTable); err != nil {
		return nil, fmt.Errorf("failed to create evidence table: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ClickHouseEvidenceWriter{
		conn:      conn,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "clickhouse_evidence").Logger(),
	}, nil
}

func (w *ClickHouseEvidenceWriter) Name() string { return "clickhouse" }

// Write buffers ev and sends a batch once batchSize records are pending.
func (w *ClickHouseEvidenceWriter) Write(ctx context.Context, ev *core.Evidence) error {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush sends everything buffered.
func (w *ClickHouseEvidenceWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO evidence")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, ev := range pending {
		id, err := uuid.Parse(ev.ID)
		if err != nil {
			return fmt.Errorf("evidence id %q: %w", ev.ID, err)
		}
		if err := batch.Append(
			id,
			ev.Timestamp,
			ev.Module,
			ev.Type,
			ev.DetectionKind,
			ev.DetectionInfo,
			ev.ThreatLevel.String(),
			ev.Confidence,
			ev.Category,
			ev.Description,
			ev.Profile,
			ev.TimeWindow,
			ev.UID,
			uint16(ev.Port),
			ev.Proto,
			uint32(ev.ConnCount),
		); err != nil {
			return fmt.Errorf("failed to append evidence to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.logger.Debug().Int("count", len(pending)).Msg("wrote evidence to ClickHouse")
	return nil
}

// Pending returns the number of buffered records.
func (w *ClickHouseEvidenceWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
