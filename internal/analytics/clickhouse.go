package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/driftworks/relay/internal/config"
)

const insertEvents = `INSERT INTO session_events (
	at, kind, session_id, account_id, display_name,
	remote_addr, transport, client_version, platform, close_reason
)`

// ClickHouseSink writes event batches to a ClickHouse table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to ClickHouse and verifies the connection.
func NewClickHouseSink(cfg config.AnalyticsConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// WriteBatch inserts one batch of events.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.At, e.Kind, e.SessionID, e.AccountID, e.DisplayName,
			e.RemoteAddr, e.Transport, e.ClientVersion, e.Platform, e.CloseReason,
		); err != nil {
			return fmt.Errorf("appending event: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending batch: %w", err)
	}
	return nil
}

// Close closes the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
