// Package opqueue is the persistent retry queue: every operation that
// failed or can't complete synchronously (reconciliation, a stalled
// melt, a deferred keyset sync) lives here until a worker drains it.
package opqueue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/store"
	"github.com/cashuwallet/core/internal/walletlog"
)

var Err = er.NewErrorType("opqueue")

var ErrDbError = Err.Code("op queue db error")

type Type string

const (
	TypeMint        Type = "MINT"
	TypeSwap        Type = "SWAP"
	TypeMelt        Type = "MELT"
	TypeSend        Type = "SEND"
	TypeReceive     Type = "RECEIVE"
	TypeSyncOCR     Type = "SYNC_OCR"
	TypeSyncKeysets Type = "SYNC_KEYSETS"
	TypeReconcile   Type = "RECONCILE"
)

type Priority int

const (
	PriorityLow      Priority = 0
	PriorityMedium   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// backoffBase and backoffMax bound the exponential retry delay:
// min(base*2^n, max), n = retry_count.
const (
	backoffBase = 5 * time.Second
	backoffMax  = 5 * time.Minute
	defaultMaxRetries = 8
)

// Op is one queued, retryable unit of work.
type Op struct {
	ID           string
	Type         Type
	Payload      string // opaque JSON, interpreted by the caller's processor
	Priority     Priority
	Status       Status
	RetryCount   int
	MaxRetries   int
	LastError    *string
	ScheduledFor *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Queue struct {
	db *store.DB
}

func New(db *store.DB) *Queue {
	return &Queue{db: db}
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// Enqueue persists a new op as PENDING, immediately eligible for dequeue.
func (q *Queue) Enqueue(ctx context.Context, typ Type, payload string, priority Priority) (string, er.R) {
	id := newID()
	now := time.Now().Unix()
	err := q.db.Execute(ctx, `
		INSERT INTO operation_queue (id, type, payload, priority, status, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, string(typ), payload, int(priority), string(StatusPending), defaultMaxRetries, now, now)
	if err != nil {
		return "", err
	}
	opsEnqueued.WithLabelValues(string(typ), priorityLabel(priority)).Inc()
	queueDepth.Inc()
	return id, nil
}

func priorityLabel(p Priority) string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Dequeue atomically claims the next eligible PENDING op (scheduled_for
// null or due), flipping it to PROCESSING in the same transaction so no
// two callers can claim the same row. Returns nil, nil if nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Op, er.R) {
	var result *Op
	rerr := q.db.Transaction(ctx, func(t *store.Tx) er.R {
		now := time.Now().Unix()
		row := t.QueryRow(`
			SELECT id, type, payload, priority, status, retry_count, max_retries, last_error, scheduled_for, created_at, updated_at
			FROM operation_queue
			WHERE status = ? AND (scheduled_for IS NULL OR scheduled_for <= ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, string(StatusPending), now)
		op, err := scanOp(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return er.Wrap(ErrDbError, err)
		}
		if _, err := t.Exec(`UPDATE operation_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(StatusProcessing), now, op.ID); err != nil {
			return er.Wrap(ErrDbError, err)
		}
		op.Status = StatusProcessing
		result = op
		return nil
	})
	return result, rerr
}

// Complete marks an op COMPLETED.
func (q *Queue) Complete(ctx context.Context, id string) er.R {
	err := q.db.Execute(ctx, `UPDATE operation_queue SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusCompleted), time.Now().Unix(), id)
	if err == nil {
		opsCompleted.Inc()
		queueDepth.Dec()
	}
	return err
}

// Fail records a failed attempt. If retry_count+1 has reached
// max_retries the op terminates as FAILED; otherwise it's rescheduled
// with exponential backoff and returned to PENDING.
func (q *Queue) Fail(ctx context.Context, id string, cause error) er.R {
	return q.db.Transaction(ctx, func(t *store.Tx) er.R {
		row := t.QueryRow(`SELECT retry_count, max_retries FROM operation_queue WHERE id = ?`, id)
		var retryCount, maxRetries int
		if err := row.Scan(&retryCount, &maxRetries); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return er.Wrap(ErrDbError, err)
		}

		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		now := time.Now().Unix()
		nextRetry := retryCount + 1

		if nextRetry >= maxRetries {
			_, err := t.Exec(`UPDATE operation_queue SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				string(StatusFailed), nextRetry, msg, now, id)
			if err == nil {
				opsFailed.Inc()
				queueDepth.Dec()
			}
			return er.Wrap(ErrDbError, err)
		}

		delay := backoffDelay(retryCount)
		scheduledFor := time.Now().Add(delay).Unix()
		_, err := t.Exec(`
			UPDATE operation_queue
			SET status = ?, retry_count = ?, last_error = ?, scheduled_for = ?, updated_at = ?
			WHERE id = ?`,
			string(StatusPending), nextRetry, msg, scheduledFor, now, id)
		if err == nil {
			opsRetried.Inc()
		}
		return er.Wrap(ErrDbError, err)
	})
}

// backoffDelay computes min(base*2^n, max) for retry attempt n.
func backoffDelay(n int) time.Duration {
	d := backoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

// Retain deletes terminal ops past their retention window: COMPLETED
// older than 24h, FAILED older than 72h.
func (q *Queue) Retain(ctx context.Context) er.R {
	now := time.Now()
	return q.db.Transaction(ctx, func(t *store.Tx) er.R {
		if _, err := t.Exec(`DELETE FROM operation_queue WHERE status = ? AND updated_at < ?`,
			string(StatusCompleted), now.Add(-24*time.Hour).Unix()); err != nil {
			return er.Wrap(ErrDbError, err)
		}
		if _, err := t.Exec(`DELETE FROM operation_queue WHERE status = ? AND updated_at < ?`,
			string(StatusFailed), now.Add(-72*time.Hour).Unix()); err != nil {
			return er.Wrap(ErrDbError, err)
		}
		return nil
	})
}

// Processor handles one dequeued op; a returned error causes Fail, nil causes Complete.
type Processor func(ctx context.Context, op *Op) error

// ProcessPending iterates a snapshot of currently-PENDING ops (not ops
// that become PENDING as a side effect of processing this batch),
// dispatching each through processor. One op's failure doesn't stop
// the rest from being attempted.
func (q *Queue) ProcessPending(ctx context.Context, processor Processor) er.R {
	snapshot, err := q.snapshotPending(ctx)
	if err != nil {
		return err
	}
	for _, id := range snapshot {
		op, derr := q.claimByID(ctx, id)
		if derr != nil {
			walletlog.Warnf("opqueue: failed to claim %s: %s", id, derr.Message())
			continue
		}
		if op == nil {
			continue // already claimed/completed by someone else, or no longer pending
		}
		if procErr := processor(ctx, op); procErr != nil {
			if ferr := q.Fail(ctx, op.ID, procErr); ferr != nil {
				walletlog.Errorf("opqueue: failed to record failure for %s: %s", op.ID, ferr.Message())
			}
			continue
		}
		if cerr := q.Complete(ctx, op.ID); cerr != nil {
			walletlog.Errorf("opqueue: failed to mark %s complete: %s", op.ID, cerr.Message())
		}
	}
	return nil
}

func (q *Queue) snapshotPending(ctx context.Context) ([]string, er.R) {
	rows, err := q.db.Query(ctx, `SELECT id FROM operation_queue WHERE status = ? ORDER BY priority DESC, created_at ASC`, string(StatusPending))
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, er.Wrap(ErrDbError, err)
		}
		ids = append(ids, id)
	}
	return ids, er.Wrap(ErrDbError, rows.Err())
}

// claimByID atomically moves one specific op from PENDING to
// PROCESSING, mirroring Dequeue's claim discipline but for a known id.
func (q *Queue) claimByID(ctx context.Context, id string) (*Op, er.R) {
	var result *Op
	rerr := q.db.Transaction(ctx, func(t *store.Tx) er.R {
		row := t.QueryRow(`
			SELECT id, type, payload, priority, status, retry_count, max_retries, last_error, scheduled_for, created_at, updated_at
			FROM operation_queue WHERE id = ? AND status = ?`, id, string(StatusPending))
		op, err := scanOp(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return er.Wrap(ErrDbError, err)
		}
		now := time.Now().Unix()
		if _, err := t.Exec(`UPDATE operation_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(StatusProcessing), now, op.ID); err != nil {
			return er.Wrap(ErrDbError, err)
		}
		op.Status = StatusProcessing
		result = op
		return nil
	})
	return result, rerr
}
