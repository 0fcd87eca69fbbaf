package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/repository"
)

// ClickHouseArchive implements the EventArchive interface using ClickHouse.
// Every observed transfer is appended with its match outcome, giving
// operators an audit trail for unmatched and late payments.
type ClickHouseArchive struct {
	conn driver.Conn
}

type ClickHouseConfig struct {
	Addr     string
	Username string
	Password string
	Timeout  int
}

func NewClickHouseArchive(cfg ClickHouseConfig) (*ClickHouseArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: time.Duration(cfg.Timeout) * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	// Check the connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := createTablesIfNotExist(conn); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &ClickHouseArchive{conn: conn}, nil
}

// Ensure ClickHouseArchive implements the EventArchive interface
var _ repository.EventArchive = (*ClickHouseArchive)(nil)

func createTablesIfNotExist(conn driver.Conn) error {
	return conn.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS raffle_transfers (
			tx_id String,
			from_address String,
			to_address String,
			amount Decimal(32, 6),
			block_time Int64,
			chat_id String,
			outcome String,
			observed_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		ORDER BY (observed_at, tx_id)
	`)
}

// ArchiveTransfer appends one observed transfer row.
func (a *ClickHouseArchive) ArchiveTransfer(ctx context.Context, ev model.TransferEvent, chatID, outcome string) error {
	query := `
		INSERT INTO raffle_transfers (
			tx_id, from_address, to_address, amount, block_time, chat_id, outcome
		) VALUES (
			?, ?, ?, ?, ?, ?, ?
		)
	`
	return a.conn.AsyncInsert(ctx, query, false,
		ev.TxID,
		ev.From,
		ev.To,
		ev.Amount,
		ev.BlockTime,
		chatID,
		outcome,
	)
}
