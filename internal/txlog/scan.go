package txlog

import (
	"database/sql"
	"time"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(r rowScanner) (*Transaction, error) {
	var tx Transaction
	var typ, direction, status string
	var createdAt int64
	var completedAt sql.NullInt64
	if err := r.Scan(&tx.ID, &typ, &direction, &tx.Amount, &tx.MintURL, &status,
		&tx.PaymentRequest, &tx.ProofCount, &tx.Memo, &tx.Preimage, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	tx.Type = Type(typ)
	tx.Direction = Direction(direction)
	tx.Status = Status(status)
	tx.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		tx.CompletedAt = &t
	}
	return &tx, nil
}

func scanTransaction(row *sql.Row) (*Transaction, error) {
	return scanOne(row)
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		tx, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
