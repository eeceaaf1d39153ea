package db

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriBatch/go/internal/message"
)

// validSubs returns valid submissions ending at id.
func validSubs(ids ...uint64) []message.Submission {
	r := rand.New(rand.NewPCG(1, 2))
	subs := make([]message.Submission, len(ids))
	for i, id := range ids {
		subs[i] = message.Submission{MessageID: id, Message: message.RandomValid(r)}
	}
	return subs
}

func TestRecordSteps(t *testing.T) {
	db, mock := newMock(t)
	steps := []StepRecord{
		{Seq: 1, MessageID: 4, Message: message.Message{AgentID: 1, X: 2, Y: 5000, Checksum: 5003}, Valid: true, Output: 4},
		{Seq: 2, MessageID: 7, Message: message.Message{AgentID: 9000}, Valid: false, Output: 4},
	}
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batch_steps (batch_id, seq, message_id, agent_id, x, y, checksum, valid, output_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?), (?, ?, ?, ?, ?, ?, ?, ?, ?)`).
		WithArgs("b1", 1, 4, 1, 2, 5000, 5003, true, 4, "b1", 2, 7, 9000, 0, 0, 0, false, 4).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, NewArchive(db).RecordSteps(context.Background(), "b1", steps))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStepsEmpty(t *testing.T) {
	db, mock := newMock(t)
	require.NoError(t, NewArchive(db).RecordSteps(context.Background(), "b1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStepsRollsBack(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batch_steps (batch_id, seq, message_id, agent_id, x, y, checksum, valid, output_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := NewArchive(db).RecordSteps(context.Background(), "b1", []StepRecord{{Seq: 1}})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSteps(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(`SELECT seq, message_id, agent_id, x, y, checksum, valid, output_id FROM batch_steps WHERE batch_id = ? ORDER BY seq`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "message_id", "agent_id", "x", "y", "checksum", "valid", "output_id"}).
			AddRow(int64(1), int64(4), int64(1), int64(2), int64(5000), int64(5003), true, int64(4)))

	got, err := NewArchive(db).Steps(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StepRecord{
		Seq: 1, MessageID: 4,
		Message: message.Message{AgentID: 1, X: 2, Y: 5000, Checksum: 5003},
		Valid:   true, Output: 4,
	}, got[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock := newMock(t)
	for _, stmt := range schema {
		mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
