package store

import (
	"context"
	"fmt"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

// Open returns the aggregate store selected by cfg.Driver.
func Open(ctx context.Context, cfg core.StoreConfig) (AggregateStore, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), func() error { return nil }, nil
	case "clickhouse":
		conn, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, nil, err
		}
		s := NewClickHouseStore(conn)
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
