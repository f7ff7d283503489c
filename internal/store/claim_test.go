package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimNextReservesOldestPending(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(claimNextSQL)).
		WillReturnRows(sqlmock.NewRows(eventColumnNames()).
			AddRow(int64(5), "ord-5", "order.created", []byte(`{"amount": 1}`), "pending", 1, now, nil, nil, nil))
	mock.ExpectExec(regexp.QuoteMeta(markProcessingSQL)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(insertAttemptSQL)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "started_at"}).AddRow(int64(11), now))
	mock.ExpectCommit()

	claimed, err := s.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, int64(5), claimed.Event.ID)
	assert.Equal(t, StateProcessing, claimed.Event.State)
	assert.Equal(t, int64(11), claimed.AttemptID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmptyQueue(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(claimNextSQL)).
		WillReturnRows(sqlmock.NewRows(eventColumnNames()))
	mock.ExpectRollback()

	claimed, err := s.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStuckRequeuesAndClosesAttempts(t *testing.T) {
	s, mock := newArrayMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(recoverStuckSQL)).
		WithArgs(int64(300)).
		WillReturnRows(sqlmock.NewRows(eventColumnNames()).
			AddRow(int64(2), "b", "t", []byte(`{}`), "pending", 1, now, nil, nil, nil).
			AddRow(int64(4), "d", "t", []byte(`{}`), "pending", 1, now, nil, nil, nil))
	mock.ExpectExec(regexp.QuoteMeta(failOrphanAttemptsSQL)).
		WithArgs([]int64{2, 4}, "processing exceeded timeout after 5m0s; requeued by recovery").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	events, err := s.RecoverStuck(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStuckNothingToDo(t *testing.T) {
	s, mock := newArrayMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(recoverStuckSQL)).
		WithArgs(int64(300)).
		WillReturnRows(sqlmock.NewRows(eventColumnNames()))
	mock.ExpectCommit()

	events, err := s.RecoverStuck(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}
