package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"veriBatch/go/internal/message"
	"veriBatch/go/internal/metrics"
)

// StepRecord is one folded submission and the output after it.
type StepRecord struct {
	Seq       int             `json:"seq"`
	MessageID uint64          `json:"message_id"`
	Message   message.Message `json:"message"`
	Valid     bool            `json:"valid"`
	Output    uint64          `json:"output"`
}

// Archive stores folded steps per batch in MySQL.
type Archive struct {
	db *sql.DB
}

func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// RecordSteps inserts steps for batchID in one transaction.
func (a *Archive) RecordSteps(ctx context.Context, batchID string, steps []StepRecord) (err error) {
	if len(steps) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.ObserveDB("insert_steps", start, err) }()

	placeholders := make([]string, len(steps))
	args := make([]interface{}, 0, len(steps)*9)
	for i, st := range steps {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, batchID, st.Seq, st.MessageID,
			st.Message.AgentID, st.Message.X, st.Message.Y, st.Message.Checksum,
			st.Valid, st.Output)
	}
	query := fmt.Sprintf(`INSERT INTO batch_steps (batch_id, seq, message_id, agent_id, x, y, checksum, valid, output_id) VALUES %s`,
		strings.Join(placeholders, ", "))

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx failed: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert steps failed: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// Steps returns the archived steps of batchID in fold order.
func (a *Archive) Steps(ctx context.Context, batchID string) ([]StepRecord, error) {
	start := time.Now()
	rows, err := a.db.QueryContext(ctx,
		`SELECT seq, message_id, agent_id, x, y, checksum, valid, output_id FROM batch_steps WHERE batch_id = ? ORDER BY seq`,
		batchID)
	metrics.ObserveDB("select_steps", start, err)
	if err != nil {
		return nil, fmt.Errorf("steps query: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var st StepRecord
		if err := rows.Scan(&st.Seq, &st.MessageID, &st.Message.AgentID, &st.Message.X,
			&st.Message.Y, &st.Message.Checksum, &st.Valid, &st.Output); err != nil {
			return nil, fmt.Errorf("steps scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
