package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veriBatch/go/internal/batch"
	"veriBatch/go/internal/ledger"
	"veriBatch/go/internal/prover"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func counterRow(v int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"highest_message_id"}).AddRow(v)
}

func TestCounterInitAndLoad(t *testing.T) {
	db, mock := newMock(t)
	s := NewCounterStore(db)
	ctx := context.Background()

	mock.ExpectExec(initCounterSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(loadCounterSQL).WillReturnRows(counterRow(0))

	require.NoError(t, s.Init(ctx))
	v, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCounterLoadNotDeployed(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(loadCounterSQL).WillReturnRows(sqlmock.NewRows([]string{"highest_message_id"}))

	_, err := NewCounterStore(db).Load(context.Background())
	assert.ErrorIs(t, err, ledger.ErrNotDeployed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCounterUpdateLocksRow(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(lockCounterSQL).WillReturnRows(counterRow(5))
	mock.ExpectExec(updateCounterSQL).WithArgs(9).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var seen uint64
	err := NewCounterStore(db).Update(context.Background(), func(cur uint64) (uint64, error) {
		seen = cur
		return 9, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCounterUpdateUnchangedSkipsWrite(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(lockCounterSQL).WillReturnRows(counterRow(9))
	mock.ExpectCommit()

	err := NewCounterStore(db).Update(context.Background(), func(cur uint64) (uint64, error) { return cur, nil })
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCounterUpdateRollsBack(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name   string
		expect func(sqlmock.Sqlmock)
		fn     func(uint64) (uint64, error)
		want   error
	}{
		{
			name: "lock fails",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(lockCounterSQL).WillReturnError(boom)
			},
			fn:   func(v uint64) (uint64, error) { return v + 1, nil },
			want: boom,
		},
		{
			name: "missing row",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(lockCounterSQL).WillReturnRows(sqlmock.NewRows([]string{"highest_message_id"}))
			},
			fn:   func(v uint64) (uint64, error) { return v + 1, nil },
			want: ledger.ErrNotDeployed,
		},
		{
			name: "callback fails",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(lockCounterSQL).WillReturnRows(counterRow(1))
			},
			fn:   func(uint64) (uint64, error) { return 0, boom },
			want: boom,
		},
		{
			name: "write fails",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(lockCounterSQL).WillReturnRows(counterRow(1))
				m.ExpectExec(updateCounterSQL).WithArgs(2).WillReturnError(boom)
			},
			fn:   func(v uint64) (uint64, error) { return v + 1, nil },
			want: boom,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t)
			mock.ExpectBegin()
			tc.expect(mock)
			mock.ExpectRollback()

			err := NewCounterStore(db).Update(context.Background(), tc.fn)
			assert.ErrorIs(t, err, tc.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRecentReceipts(t *testing.T) {
	db, mock := newMock(t)
	digest := common.HexToHash("0xabcd")
	mock.ExpectQuery(recentReceiptSQL).WithArgs(2).WillReturnRows(
		sqlmock.NewRows([]string{"digest", "output_id", "previous_highest", "new_highest", "stale"}).
			AddRow(digest.Bytes(), int64(3), int64(9), int64(9), true).
			AddRow(digest.Bytes(), int64(9), int64(5), int64(9), false))

	got, err := NewCounterStore(db).RecentReceipts(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ledger.Receipt{Digest: digest, Output: 3, Previous: 9, Current: 9, Stale: true}, got[0])
	assert.False(t, got[1].Stale)

	// no query for an empty page
	got, err = NewCounterStore(db).RecentReceipts(context.Background(), -1)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The contract on top of MySQL: applied, then stale, each archived.
func TestContractOverMySQL(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	signer := prover.NewRecorder()
	program, err := batch.New(signer, batch.Options{}, nil)
	require.NoError(t, err)
	contract, err := ledger.NewContract(NewCounterStore(db), signer, ledger.Options{Program: batch.ProgramName}, nil)
	require.NoError(t, err)

	nine, err := program.Run(ctx, validSubs(9))
	require.NoError(t, err)
	three, err := program.Run(ctx, validSubs(3))
	require.NoError(t, err)

	mock.ExpectExec(initCounterSQL).WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectQuery(lockCounterSQL).WillReturnRows(counterRow(5))
	mock.ExpectExec(updateCounterSQL).WithArgs(9).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(insertReceiptSQL).WithArgs(nine.Digest().Bytes(), 9, 5, 9, false).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectBegin()
	mock.ExpectQuery(lockCounterSQL).WillReturnRows(counterRow(9))
	mock.ExpectCommit()
	mock.ExpectExec(insertReceiptSQL).WithArgs(three.Digest().Bytes(), 3, 9, 9, true).
		WillReturnResult(sqlmock.NewResult(2, 1))

	require.NoError(t, contract.Deploy(ctx))
	rec, err := contract.ProcessBatch(ctx, nine)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), rec.Current)
	assert.False(t, rec.Stale)

	rec, err = contract.ProcessBatch(ctx, three)
	require.NoError(t, err)
	assert.True(t, rec.Stale)
	assert.Equal(t, uint64(9), rec.Current)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// A forged certificate never reaches the database.
func TestContractOverMySQLRejectsForgery(t *testing.T) {
	db, mock := newMock(t)
	ctx := context.Background()

	signer := prover.NewRecorder()
	program, err := batch.New(signer, batch.Options{}, nil)
	require.NoError(t, err)
	contract, err := ledger.NewContract(NewCounterStore(db), signer, ledger.Options{Program: batch.ProgramName}, nil)
	require.NoError(t, err)

	cert, err := program.Run(ctx, validSubs(4))
	require.NoError(t, err)
	forged := cert.Copy()
	forged.PublicOutput = 1 << 40

	_, err = contract.ProcessBatch(ctx, forged)
	assert.ErrorIs(t, err, ledger.ErrVerification)
	assert.NoError(t, mock.ExpectationsWereMet())
}
