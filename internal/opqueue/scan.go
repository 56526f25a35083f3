package opqueue

import (
	"database/sql"
	"time"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOp(r rowScanner) (*Op, error) {
	var op Op
	var typ, status string
	var retryCount, maxRetries, priorityInt int
	var lastError sql.NullString
	var scheduledFor, createdAt, updatedAt sql.NullInt64
	if err := r.Scan(&op.ID, &typ, &op.Payload, &priorityInt, &status, &retryCount, &maxRetries,
		&lastError, &scheduledFor, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	op.Type = Type(typ)
	op.Priority = Priority(priorityInt)
	op.Status = Status(status)
	op.RetryCount = retryCount
	op.MaxRetries = maxRetries
	if lastError.Valid {
		s := lastError.String
		op.LastError = &s
	}
	if scheduledFor.Valid {
		t := time.Unix(scheduledFor.Int64, 0)
		op.ScheduledFor = &t
	}
	if createdAt.Valid {
		op.CreatedAt = time.Unix(createdAt.Int64, 0)
	}
	if updatedAt.Valid {
		op.UpdatedAt = time.Unix(updatedAt.Int64, 0)
	}
	return &op, nil
}
