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

func TestListAttemptsGroupsExecutions(t *testing.T) {
	s, mock := newArrayMockStore(t)
	now := time.Now()
	ruleName := "vip-orders"
	ruleVersion := 2

	attemptCols := []string{"id", "event_id", "status", "error", "started_at", "finished_at", "duration_ms"}
	execCols := []string{"id", "attempt_id", "rule_id", "rule_version_id", "result", "error", "executed_at", "rule_name", "rule_version"}

	mock.ExpectQuery(regexp.QuoteMeta(listAttemptsSQL)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(attemptCols).
			AddRow(int64(21), int64(7), "failed", "rule 3 (vip-orders): boom", now, &now, int64(850)).
			AddRow(int64(20), int64(7), "success", nil, now, &now, int64(120)))
	mock.ExpectQuery(regexp.QuoteMeta(listExecutionsSQL)).
		WithArgs([]int64{21, 20}).
		WillReturnRows(sqlmock.NewRows(execCols).
			AddRow(int64(31), int64(20), int64(3), int64(9), "applied", nil, now, &ruleName, &ruleVersion).
			AddRow(int64(32), int64(21), int64(3), int64(9), "failed", "boom", now, &ruleName, &ruleVersion).
			AddRow(int64(33), int64(21), int64(4), int64(12), "skipped", nil, now, nil, nil))

	attempts, err := s.ListAttempts(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	// Newest attempt first, executions in insertion order.
	assert.Equal(t, int64(21), attempts[0].ID)
	require.Len(t, attempts[0].Executions, 2)
	assert.Equal(t, ResultFailed, attempts[0].Executions[0].Result)
	assert.Equal(t, ResultSkipped, attempts[0].Executions[1].Result)
	assert.Nil(t, attempts[0].Executions[1].RuleName)

	require.Len(t, attempts[1].Executions, 1)
	assert.Equal(t, ResultApplied, attempts[1].Executions[0].Result)
	assert.Equal(t, "vip-orders", *attempts[1].Executions[0].RuleName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAttemptsEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	attemptCols := []string{"id", "event_id", "status", "error", "started_at", "finished_at", "duration_ms"}
	mock.ExpectQuery(regexp.QuoteMeta(listAttemptsSQL)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(attemptCols))

	attempts, err := s.ListAttempts(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertExecution(t *testing.T) {
	s, mock := newMockStore(t)
	errText := "Webhook failed with status 500"

	mock.ExpectExec(regexp.QuoteMeta(insertExecutionSQL)).
		WithArgs(int64(21), int64(3), int64(9), "failed", &errText).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.InsertExecution(context.Background(), ExecutionRecord{
		AttemptID:     21,
		RuleID:        3,
		RuleVersionID: 9,
		Result:        ResultFailed,
		Error:         &errText,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasCompletedExecution(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
	}{
		{"already completed", true},
		{"never completed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta(hasCompletedExecutionSQL)).
				WithArgs(int64(7), int64(9)).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			got, err := s.HasCompletedExecution(context.Background(), 7, 9)
			require.NoError(t, err)
			assert.Equal(t, tt.exists, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFinalizeAttemptTerminal(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(finalizeAttemptSQL)).
		WithArgs(int64(21), "success", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(settleEventSQL)).
		WithArgs(int64(7), "processed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.FinalizeAttempt(context.Background(), FinalizeParams{
		AttemptID:  21,
		EventID:    7,
		Status:     AttemptSuccess,
		EventState: StateProcessed,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeAttemptRequeuesOnTimeout(t *testing.T) {
	s, mock := newMockStore(t)
	errText := "processing exceeded timeout after 1m0s"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(finalizeAttemptSQL)).
		WithArgs(int64(21), "failed", &errText).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(requeueEventSQL)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.FinalizeAttempt(context.Background(), FinalizeParams{
		AttemptID:  21,
		EventID:    7,
		Status:     AttemptFailed,
		Error:      &errText,
		EventState: StatePending,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeAttemptRejectsProcessingTarget(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(finalizeAttemptSQL)).
		WithArgs(int64(21), "failed", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.FinalizeAttempt(context.Background(), FinalizeParams{
		AttemptID:  21,
		EventID:    7,
		Status:     AttemptFailed,
		EventState: StateProcessing,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot finalize")
	require.NoError(t, mock.ExpectationsWereMet())
}
