package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS flows (
    profile    String,
    twid       String,
    uid        String,
    stime      DateTime64(6),
    saddr      String,
    daddr      String,
    dport      UInt16,
    proto      LowCardinality(String),
    state      LowCardinality(String),
    role       LowCardinality(String),
    direction  LowCardinality(String),
    pkts       UInt64
) ENGINE = MergeTree()
ORDER BY (profile, twid, stime)`,
	`CREATE TABLE IF NOT EXISTS dns_resolutions (
    ip         String,
    resolved   DateTime
) ENGINE = ReplacingMergeTree(resolved)
ORDER BY ip`,
	`CREATE TABLE IF NOT EXISTS profile_labels (
    profile        String,
    twid           String,
    evidence_type  LowCardinality(String),
    label          LowCardinality(String),
    updated        DateTime64(3)
) ENGINE = ReplacingMergeTree(updated)
ORDER BY (profile, twid, evidence_type)`,
}

// OpenClickHouse connects and pings.
func OpenClickHouse(ctx context.Context, cfg core.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse at %s: %w", cfg.Addr(), err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// ClickHouseStore implements AggregateStore and ProfileLabeler on ClickHouse.
// Aggregates are computed by the server with GROUP BY on every query.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouseStore wraps an open connection.
func NewClickHouseStore(conn driver.Conn) *ClickHouseStore {
	return &ClickHouseStore{conn: conn}
}

// EnsureSchema creates the tables if they do not exist.
func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

// AddFlows inserts flows in one batch.
func (s *ClickHouseStore) AddFlows(ctx context.Context, flows []Flow) error {
	if len(flows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO flows")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, f := range flows {
		role, state := f.Role, f.State
		if role == "" {
			role = Client
		}
		if state == "" {
			state = NotEstablished
		}
		if err := batch.Append(
			f.Profile,
			f.Window,
			f.UID,
			f.STime,
			f.SrcIP,
			f.DstIP,
			uint16(f.DstPort),
			string(ParseProtocol(string(f.Protocol))),
			string(state),
			string(role),
			string(Dst),
			uint64(f.Pkts),
		); err != nil {
			return fmt.Errorf("failed to append flow to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// AddDNSResolution records ip as a DNS answer.
func (s *ClickHouseStore) AddDNSResolution(ctx context.Context, ip string) error {
	if err := s.conn.Exec(ctx, "INSERT INTO dns_resolutions (ip, resolved) VALUES (?, ?)", ip, time.Now().UTC()); err != nil {
		return fmt.Errorf("recording dns resolution: %w", err)
	}
	return nil
}

func whereClause(q Query) (string, []interface{}) {
	clauses := []string{"profile = ?", "twid = ?"}
	args := []interface{}{q.Profile, q.Window}
	if q.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, string(q.Direction))
	}
	if q.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(q.State))
	}
	if q.Role != "" {
		clauses = append(clauses, "role = ?")
		args = append(args, string(q.Role))
	}
	if q.Protocol != "" {
		clauses = append(clauses, "proto = ?")
		args = append(args, string(q.Protocol))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type aggregateRow struct {
	port  uint16
	ip    string
	pkts  uint64
	uid   string
	stime time.Time
}

func (s *ClickHouseStore) queryRows(ctx context.Context, q Query) ([]aggregateRow, error) {
	where, args := whereClause(q)
	query := `SELECT dport, daddr, sum(pkts), argMin(uid, stime), min(stime) FROM flows` +
		where + ` GROUP BY dport, daddr`

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []aggregateRow
	for rows.Next() {
		var r aggregateRow
		if err := rows.Scan(&r.port, &r.ip, &r.pkts, &r.uid, &r.stime); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading aggregate rows: %w", err)
	}
	return out, nil
}

// QueryByPort implements AggregateStore.
func (s *ClickHouseStore) QueryByPort(ctx context.Context, q Query) (PortAggregate, error) {
	rows, err := s.queryRows(ctx, q)
	if err != nil {
		return nil, err
	}
	agg := make(PortAggregate)
	for _, r := range rows {
		port := int(r.port)
		targets, ok := agg[port]
		if !ok {
			targets = PortTargets{DstIPs: make(map[string]TargetStats)}
			agg[port] = targets
		}
		targets.DstIPs[r.ip] = TargetStats{Pkts: int(r.pkts), UID: r.uid, STime: r.stime}
	}
	return agg, nil
}

// QueryByDestination implements AggregateStore.
func (s *ClickHouseStore) QueryByDestination(ctx context.Context, q Query) (DestinationAggregate, error) {
	rows, err := s.queryRows(ctx, q)
	if err != nil {
		return nil, err
	}
	agg := make(DestinationAggregate)
	for _, r := range rows {
		st, seen := agg[r.ip]
		if !seen {
			st.DstPorts = make(map[int]int)
		}
		if !seen || r.stime.Before(st.STime) {
			st.UID = r.uid
			st.STime = r.stime
		}
		st.DstPorts[int(r.port)] += int(r.pkts)
		agg[r.ip] = st
	}
	return agg, nil
}

// HasDNSResolution implements AggregateStore.
func (s *ClickHouseStore) HasDNSResolution(ctx context.Context, ip string) (bool, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx, "SELECT count() FROM dns_resolutions WHERE ip = ?", ip).Scan(&n); err != nil {
		return false, fmt.Errorf("looking up dns resolution of %s: %w", ip, err)
	}
	return n > 0, nil
}

// SetProfileLabel implements ProfileLabeler.
func (s *ClickHouseStore) SetProfileLabel(ctx context.Context, profile, window, label, evidenceType string) error {
	err := s.conn.Exec(ctx,
		"INSERT INTO profile_labels (profile, twid, evidence_type, label, updated) VALUES (?, ?, ?, ?, ?)",
		profile, window, evidenceType, label, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("labelling %s: %w", profile, err)
	}
	return nil
}

// ProfileLabel returns the latest label for evidenceType, or "".
func (s *ClickHouseStore) ProfileLabel(ctx context.Context, profile, window, evidenceType string) (string, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT label FROM profile_labels FINAL WHERE profile = ? AND twid = ? AND evidence_type = ?",
		profile, window, evidenceType)
	if err != nil {
		return "", fmt.Errorf("reading label of %s: %w", profile, err)
	}
	defer rows.Close()
	var label string
	if rows.Next() {
		if err := rows.Scan(&label); err != nil {
			return "", fmt.Errorf("scanning label: %w", err)
		}
	}
	return label, rows.Err()
}
