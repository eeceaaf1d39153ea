package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"veriBatch/go/internal/ledger"
	"veriBatch/go/internal/metrics"
)

const (
	initCounterSQL   = `INSERT IGNORE INTO ledger_state (id, highest_message_id) VALUES (1, 0)`
	loadCounterSQL   = `SELECT highest_message_id FROM ledger_state WHERE id = 1`
	lockCounterSQL   = `SELECT highest_message_id FROM ledger_state WHERE id = 1 FOR UPDATE`
	updateCounterSQL = `UPDATE ledger_state SET highest_message_id = ? WHERE id = 1`
	insertReceiptSQL = `INSERT INTO batch_receipts (digest, output_id, previous_highest, new_highest, stale) VALUES (?, ?, ?, ?, ?)`
	recentReceiptSQL = `SELECT digest, output_id, previous_highest, new_highest, stale FROM batch_receipts ORDER BY receipt_id DESC LIMIT ?`
)

// CounterStore keeps highestMessageId in the ledger_state row. Updates lock
// the row with SELECT ... FOR UPDATE for the whole read-modify-write.
type CounterStore struct {
	db *sql.DB
}

func NewCounterStore(db *sql.DB) *CounterStore {
	return &CounterStore{db: db}
}

func (s *CounterStore) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, initCounterSQL)
	metrics.ObserveDB("init_counter", start, err)
	if err != nil {
		return fmt.Errorf("init counter: %w", err)
	}
	return nil
}

func (s *CounterStore) Load(ctx context.Context) (uint64, error) {
	start := time.Now()
	var v uint64
	err := s.db.QueryRowContext(ctx, loadCounterSQL).Scan(&v)
	metrics.ObserveDB("load_counter", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrNotDeployed
	}
	if err != nil {
		return 0, fmt.Errorf("load counter: %w", err)
	}
	return v, nil
}

func (s *CounterStore) Update(ctx context.Context, fn func(uint64) (uint64, error)) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveDB("update_counter", start, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current uint64
	err = tx.QueryRowContext(ctx, lockCounterSQL).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotDeployed
	}
	if err != nil {
		return fmt.Errorf("lock counter: %w", err)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next != current {
		if _, err = tx.ExecContext(ctx, updateCounterSQL, next); err != nil {
			return fmt.Errorf("update counter: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *CounterStore) LogReceipt(ctx context.Context, r ledger.Receipt) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, insertReceiptSQL, r.Digest.Bytes(), r.Output, r.Previous, r.Current, r.Stale)
	metrics.ObserveDB("insert_receipt", start, err)
	if err != nil {
		return fmt.Errorf("insert receipt failed: %w", err)
	}
	return nil
}

// RecentReceipts returns up to limit receipts, newest first.
func (s *CounterStore) RecentReceipts(ctx context.Context, limit int) ([]ledger.Receipt, error) {
	if limit <= 0 {
		return nil, nil
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, recentReceiptSQL, limit)
	metrics.ObserveDB("recent_receipts", start, err)
	if err != nil {
		return nil, fmt.Errorf("recent receipts query: %w", err)
	}
	defer rows.Close()

	var out []ledger.Receipt
	for rows.Next() {
		var (
			r      ledger.Receipt
			digest []byte
		)
		if err := rows.Scan(&digest, &r.Output, &r.Previous, &r.Current, &r.Stale); err != nil {
			return nil, fmt.Errorf("recent receipts scan: %w", err)
		}
		r.Digest = common.BytesToHash(digest)
		out = append(out, r)
	}
	return out, rows.Err()
}
