package proofstore

import (
	"database/sql"
	"strconv"
	"strings"
	"time"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(r rowScanner) (*Proof, error) {
	var p Proof
	var state string
	var isReserve int
	var createdAt int64
	if err := r.Scan(&p.ID, &p.Secret, &p.C, &p.Amount, &p.MintURL, &p.KeysetID, &state, &isReserve, &createdAt); err != nil {
		return nil, err
	}
	p.State = State(state)
	p.IsReserve = isReserve != 0
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func scanProofRow(row *sql.Row) (*Proof, error) {
	return scanOne(row)
}

func scanProofs(rows *sql.Rows) ([]*Proof, error) {
	defer rows.Close()
	var out []*Proof
	for rows.Next() {
		p, err := scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// isUniqueViolation recognizes mattn/go-sqlite3's constraint error
// text without importing its internal error-code type, so store
// consumers only ever handle er.R.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func uitoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
