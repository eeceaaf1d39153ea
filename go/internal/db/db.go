// Package db holds the MySQL and Redis side of the service: the ledger
// counter, the receipt and step archives, the submission queue and batch
// locks.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"veriBatch/go/internal/metrics"
)

// Open connects to MySQL and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_state (
		id                 TINYINT UNSIGNED NOT NULL PRIMARY KEY,
		highest_message_id BIGINT UNSIGNED  NOT NULL,
		updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS batch_receipts (
		receipt_id       BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		digest           BINARY(32)      NOT NULL,
		output_id        BIGINT UNSIGNED NOT NULL,
		previous_highest BIGINT UNSIGNED NOT NULL,
		new_highest      BIGINT UNSIGNED NOT NULL,
		stale            BOOLEAN         NOT NULL,
		created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS batch_steps (
		batch_id   CHAR(36)        NOT NULL,
		seq        INT UNSIGNED    NOT NULL,
		message_id BIGINT UNSIGNED NOT NULL,
		agent_id   BIGINT UNSIGNED NOT NULL,
		x          BIGINT UNSIGNED NOT NULL,
		y          BIGINT UNSIGNED NOT NULL,
		checksum   BIGINT UNSIGNED NOT NULL,
		valid      BOOLEAN         NOT NULL,
		output_id  BIGINT UNSIGNED NOT NULL,
		PRIMARY KEY (batch_id, seq)
	)`,
}

// Migrate creates the tables when they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		start := time.Now()
		_, err := db.ExecContext(ctx, stmt)
		metrics.ObserveDB("migrate", start, err)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
