// Package txlog is the append-only record of logical wallet actions:
// mints, sends, receives, swaps and melts, each with a PENDING ->
// COMPLETED|FAILED lifecycle that SyncEngine and Reconciler drive.
package txlog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/store"
)

var Err = er.NewErrorType("txlog")

var ErrDbError = Err.Code("tx log db error")
var ErrNotFound = Err.Code("transaction not found")

type Type string

const (
	TypeMint    Type = "MINT"
	TypeSend    Type = "SEND"
	TypeReceive Type = "RECEIVE"
	TypeSwap    Type = "SWAP"
	TypeMelt    Type = "MELT"
)

type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

type Transaction struct {
	ID             string
	Type           Type
	Direction      Direction
	Amount         uint64
	MintURL        string
	Status         Status
	PaymentRequest *string
	ProofCount     int
	Memo           *string
	Preimage       *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

type Log struct {
	db *store.DB
}

func New(db *store.DB) *Log {
	return &Log{db: db}
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// Append records a new transaction, defaulting ID/CreatedAt/Status if
// unset. The log is append-only: callers use UpdateStatus for transitions.
func (l *Log) Append(ctx context.Context, tx *Transaction) er.R {
	if tx.ID == "" {
		tx.ID = newID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	return l.db.Execute(ctx, `
		INSERT INTO transactions (id, type, direction, amount, mint_url, status, payment_request, proof_count, memo, preimage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, string(tx.Type), string(tx.Direction), tx.Amount, tx.MintURL, string(tx.Status),
		tx.PaymentRequest, tx.ProofCount, tx.Memo, tx.Preimage, tx.CreatedAt.Unix())
}

// UpdateStatus transitions a transaction's status, stamping
// completed_at when moving to a terminal status.
func (l *Log) UpdateStatus(ctx context.Context, id string, status Status, completedAt *time.Time) er.R {
	var completedUnix interface{}
	if completedAt != nil {
		completedUnix = completedAt.Unix()
	} else if status == StatusCompleted || status == StatusFailed {
		completedUnix = time.Now().Unix()
	}
	return l.db.Execute(ctx, `UPDATE transactions SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), completedUnix, id)
}

// SetPreimage records the Lightning payment preimage for a melt.
func (l *Log) SetPreimage(ctx context.Context, id string, preimage string) er.R {
	return l.db.Execute(ctx, `UPDATE transactions SET preimage = ? WHERE id = ?`, preimage, id)
}

// Filter narrows GetFiltered's result set. Zero-value fields are
// treated as "don't filter on this".
type Filter struct {
	Type      Type
	Status    Status
	Direction Direction
	MintURL   string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// GetFiltered returns transactions matching f, newest first.
func (l *Log) GetFiltered(ctx context.Context, f Filter) ([]*Transaction, er.R) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, type, direction, amount, mint_url, status, payment_request, proof_count, memo, preimage, created_at, completed_at FROM transactions WHERE 1=1`)
	var args []interface{}
	if f.Type != "" {
		query.WriteString(" AND type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	if f.Direction != "" {
		query.WriteString(" AND direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.MintURL != "" {
		query.WriteString(" AND mint_url = ?")
		args = append(args, f.MintURL)
	}
	if f.Since != nil {
		query.WriteString(" AND created_at >= ?")
		args = append(args, f.Since.Unix())
	}
	if f.Until != nil {
		query.WriteString(" AND created_at <= ?")
		args = append(args, f.Until.Unix())
	}
	query.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	}

	rows, err := l.db.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	return scanTransactions(rows)
}

// GetPending returns every PENDING transaction, oldest first, the
// order SyncEngine's transaction-priority step processes them in.
func (l *Log) GetPending(ctx context.Context) ([]*Transaction, er.R) {
	rows, err := l.db.Query(ctx, `
		SELECT id, type, direction, amount, mint_url, status, payment_request, proof_count, memo, preimage, created_at, completed_at
		FROM transactions WHERE status = ? ORDER BY created_at ASC`, string(StatusPending))
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	return scanTransactions(rows)
}

// ByID fetches a single transaction.
func (l *Log) ByID(ctx context.Context, id string) (*Transaction, er.R) {
	row := l.db.QueryRow(ctx, `
		SELECT id, type, direction, amount, mint_url, status, payment_request, proof_count, memo, preimage, created_at, completed_at
		FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, er.Wrap(ErrDbError, err)
	}
	return tx, nil
}

// MintTotal is one row of PerMintTotals: the sum of completed amounts
// at a single mint.
type MintTotal struct {
	MintURL string
	Total   uint64
	Count   int
}

// PerMintTotals aggregates completed transaction amounts grouped by
// mint, the per-mint totals a reconciliation pass needs.
func (l *Log) PerMintTotals(ctx context.Context) ([]MintTotal, er.R) {
	rows, err := l.db.Query(ctx, `
		SELECT mint_url, COALESCE(SUM(amount), 0), COUNT(*)
		FROM transactions WHERE status = ? GROUP BY mint_url`, string(StatusCompleted))
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	defer rows.Close()
	var out []MintTotal
	for rows.Next() {
		var m MintTotal
		if err := rows.Scan(&m.MintURL, &m.Total, &m.Count); err != nil {
			return nil, er.Wrap(ErrDbError, err)
		}
		out = append(out, m)
	}
	return out, er.Wrap(ErrDbError, rows.Err())
}

// PendingCount returns the number of PENDING transactions.
func (l *Log) PendingCount(ctx context.Context) (int, er.R) {
	row := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE status = ?`, string(StatusPending))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, er.Wrap(ErrDbError, err)
	}
	return n, nil
}
