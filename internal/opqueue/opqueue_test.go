package opqueue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cashuwallet/core/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := fmt.Sprintf(":memory:?cache=shared&_test=%s", t.Name())
	db, err := store.Open(context.Background(), dsn)
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestEnqueueDequeueClaimsAtomically(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeSyncOCR, `{}`, PriorityHigh)
	require.Nil(t, err)

	op, derr := q.Dequeue(ctx)
	require.Nil(t, derr)
	require.NotNil(t, op)
	require.Equal(t, id, op.ID)
	require.Equal(t, StatusProcessing, op.Status)

	again, derr2 := q.Dequeue(ctx)
	require.Nil(t, derr2)
	require.Nil(t, again)
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, TypeSend, `{}`, PriorityLow)
	criticalID, _ := q.Enqueue(ctx, TypeMelt, `{}`, PriorityCritical)
	_, _ = q.Enqueue(ctx, TypeSwap, `{}`, PriorityMedium)

	op, err := q.Dequeue(ctx)
	require.Nil(t, err)
	require.Equal(t, criticalID, op.ID)
}

func TestFailReschedulesWithBackoffUntilMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeSwap, `{}`, PriorityMedium)
	require.Nil(t, err)

	op, derr := q.Dequeue(ctx)
	require.Nil(t, derr)
	require.Equal(t, id, op.ID)

	require.Nil(t, q.Fail(ctx, id, errors.New("network blip")))

	row := q.db.QueryRow(ctx, `SELECT status, retry_count, scheduled_for FROM operation_queue WHERE id = ?`, id)
	var status string
	var retryCount int
	var scheduledFor int64
	require.Nil(t, row.Scan(&status, &retryCount, &scheduledFor))
	require.Equal(t, string(StatusPending), status)
	require.Equal(t, 1, retryCount)
	require.Greater(t, scheduledFor, int64(0))
}

func TestFailTerminatesAtMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, TypeMelt, `{}`, PriorityHigh)
	require.Nil(t, err)
	require.Nil(t, q.db.Execute(ctx, `UPDATE operation_queue SET max_retries = 1 WHERE id = ?`, id))

	require.Nil(t, q.Fail(ctx, id, errors.New("still broken")))

	row := q.db.QueryRow(ctx, `SELECT status FROM operation_queue WHERE id = ?`, id)
	var status string
	require.Nil(t, row.Scan(&status))
	require.Equal(t, string(StatusFailed), status)
}

func TestProcessPendingContinuesPastIndividualFailures(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	okID, _ := q.Enqueue(ctx, TypeSend, `{}`, PriorityMedium)
	failID, _ := q.Enqueue(ctx, TypeMelt, `{}`, PriorityMedium)

	processed := map[string]bool{}
	err := q.ProcessPending(ctx, func(ctx context.Context, op *Op) error {
		processed[op.ID] = true
		if op.ID == failID {
			return errors.New("boom")
		}
		return nil
	})
	require.Nil(t, err)
	require.True(t, processed[okID])
	require.True(t, processed[failID])

	var okStatus, failStatus string
	require.Nil(t, q.db.QueryRow(ctx, `SELECT status FROM operation_queue WHERE id = ?`, okID).Scan(&okStatus))
	require.Nil(t, q.db.QueryRow(ctx, `SELECT status FROM operation_queue WHERE id = ?`, failID).Scan(&failStatus))
	require.Equal(t, string(StatusCompleted), okStatus)
	require.Equal(t, string(StatusPending), failStatus) // rescheduled, not failed outright
}
