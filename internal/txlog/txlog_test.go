package txlog

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cashuwallet/core/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dsn := fmt.Sprintf(":memory:?cache=shared&_test=%s", t.Name())
	db, err := store.Open(context.Background(), dsn)
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestAppendAndUpdateStatus(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	tx := &Transaction{Type: TypeMint, Direction: DirectionIncoming, Amount: 100, MintURL: "https://mint.example"}
	require.Nil(t, l.Append(ctx, tx))
	require.NotEmpty(t, tx.ID)

	got, err := l.ByID(ctx, tx.ID)
	require.Nil(t, err)
	require.Equal(t, StatusPending, got.Status)

	require.Nil(t, l.UpdateStatus(ctx, tx.ID, StatusCompleted, nil))
	got, err = l.ByID(ctx, tx.ID)
	require.Nil(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestGetPendingOrderedOldestFirst(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		tx := &Transaction{Type: TypeSend, Direction: DirectionOutgoing, Amount: uint64(i + 1), MintURL: "m"}
		require.Nil(t, l.Append(ctx, tx))
		ids = append(ids, tx.ID)
	}
	require.Nil(t, l.UpdateStatus(ctx, ids[1], StatusCompleted, nil))

	pending, err := l.GetPending(ctx)
	require.Nil(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, ids[0], pending[0].ID)
	require.Equal(t, ids[2], pending[1].ID)
}

func TestPerMintTotalsOnlyCountsCompleted(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	a := &Transaction{Type: TypeMint, Direction: DirectionIncoming, Amount: 50, MintURL: "https://a.example"}
	require.Nil(t, l.Append(ctx, a))
	require.Nil(t, l.UpdateStatus(ctx, a.ID, StatusCompleted, nil))

	b := &Transaction{Type: TypeMint, Direction: DirectionIncoming, Amount: 999, MintURL: "https://a.example"}
	require.Nil(t, l.Append(ctx, b)) // stays PENDING

	totals, err := l.PerMintTotals(ctx)
	require.Nil(t, err)
	require.Len(t, totals, 1)
	require.Equal(t, uint64(50), totals[0].Total)
	require.Equal(t, 1, totals[0].Count)
}
