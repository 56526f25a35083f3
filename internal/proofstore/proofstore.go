package proofstore

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/store"
	"github.com/cashuwallet/core/internal/walletlog"
)

var Err = er.NewErrorType("proofstore")

var ErrInsufficientFunds = Err.Code("insufficient funds")
var ErrDuplicateProof = Err.Code("duplicate proof secret")
var ErrLostRace = Err.Code("lost race on state transition")
var ErrPreconditionViolation = Err.Code("precondition violation")
var ErrDbError = Err.Code("proof store db error")

// InsufficientFundsDetail carries the amounts ErrInsufficientFunds's
// message is built from. er.R has no structured payload slot, so this
// is consumed via String() into the error's info string rather than
// recovered as typed fields by the caller.
type InsufficientFundsDetail struct {
	Requested uint64
	Available uint64
}

func (d InsufficientFundsDetail) String() string {
	return "requested=" + uitoa(d.Requested) + " available=" + uitoa(d.Available)
}

// validTransitions enumerates every edge the state machine allows.
// Anything not listed here is rejected by Transition.
var validTransitions = map[State]map[State]bool{
	StateUnspent: {
		StatePendingSend: true,
		StatePendingSwap: true,
		StateSpent:       true, // reconciliation only; enforced by caller discipline
	},
	StatePendingSend: {
		StateSpent:   true,
		StateUnspent: true,
	},
	StatePendingSwap: {
		StateSpent:   true,
		StateUnspent: true,
	},
	StateSpent: {},
}

// Store is the durable proof table: CRUD, the state machine, coin
// selection, reserve tagging and balance queries all live here.
type Store struct {
	db *store.DB
}

func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Insert persists a brand new UNSPENT proof. A unique-secret violation
// is surfaced as ErrDuplicateProof since it may indicate a replayed
// mint response rather than ordinary contention.
func (s *Store) Insert(ctx context.Context, p *Proof) er.R {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.State == "" {
		p.State = StateUnspent
	}

	return s.db.Transaction(ctx, func(t *store.Tx) er.R {
		_, err := t.Exec(`
			INSERT INTO proofs (id, secret, c, amount, mint_url, keyset_id, state, is_reserve, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Secret, p.C, p.Amount, p.MintURL, p.KeysetID, string(p.State), boolToInt(p.IsReserve), p.CreatedAt.Unix())
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateProof.New(p.Secret, err)
			}
			return er.Wrap(ErrDbError, err)
		}
		return nil
	})
}

// Transition executes the atomic state-transition contract.
// It reads the row matching (id, state=from); if that
// row doesn't exist, the caller lost a race and ok is false with a nil
// error. A stale PENDING_* lock is recovered to UNSPENT in place of
// honoring `to`, and true is still returned (the caller's desired
// transition didn't happen, but the proof is usable again).
func (s *Store) Transition(ctx context.Context, proofID string, from, to State, txID *string) (ok bool, rerr er.R) {
	if !validTransitions[from][to] {
		return false, ErrPreconditionViolation.New(string(from)+"->"+string(to), nil)
	}

	rerr = s.db.Transaction(ctx, func(t *store.Tx) er.R {
		row := t.QueryRow(`SELECT locked_at FROM proofs WHERE id = ? AND state = ?`, proofID, string(from))
		var lockedAtUnix sql.NullInt64
		if err := row.Scan(&lockedAtUnix); err != nil {
			if err == sql.ErrNoRows {
				ok = false
				return nil
			}
			return er.Wrap(ErrDbError, err)
		}

		if isPending(from) && lockedAtUnix.Valid {
			lockedAt := time.Unix(lockedAtUnix.Int64, 0)
			if time.Since(lockedAt) > LockTimeout {
				walletlog.Warnf("proofstore: stale lock recovered for proof %s (locked at %s)", proofID, lockedAt)
				if _, err := t.Exec(`UPDATE proofs SET state = ?, locked_at = NULL, locked_for = NULL WHERE id = ?`,
					string(StateUnspent), proofID); err != nil {
					return er.Wrap(ErrDbError, err)
				}
				ok = true
				return nil
			}
		}

		var execErr error
		switch {
		case isPending(to):
			_, execErr = t.Exec(`UPDATE proofs SET state = ?, locked_at = ?, locked_for = ? WHERE id = ? AND state = ?`,
				string(to), time.Now().Unix(), txID, proofID, string(from))
		default: // UNSPENT or SPENT clear the lock
			_, execErr = t.Exec(`UPDATE proofs SET state = ?, locked_at = NULL, locked_for = NULL WHERE id = ? AND state = ?`,
				string(to), proofID, string(from))
		}
		if execErr != nil {
			return er.Wrap(ErrDbError, execErr)
		}
		ok = true
		return nil
	})
	return ok, rerr
}

// SelectionResult is the outcome of SelectForAmount.
type SelectionResult struct {
	Proofs []*Proof
	Total  uint64
	Change uint64
}

// SelectForAmount greedily selects UNSPENT proofs at mintURL covering
// amount, locking every selected proof as PENDING_SEND in the same
// transaction the selection is computed in, so no other caller can
// observe them as UNSPENT between selection and commit.
func (s *Store) SelectForAmount(ctx context.Context, mintURL string, amount uint64, txID string, useReserve bool) (*SelectionResult, er.R) {
	var result *SelectionResult

	rerr := s.db.Transaction(ctx, func(t *store.Tx) er.R {
		query := `SELECT id, secret, c, amount, mint_url, keyset_id, state, is_reserve, created_at
		          FROM proofs WHERE mint_url = ? AND state = ?`
		args := []interface{}{mintURL, string(StateUnspent)}
		if !useReserve {
			query += ` AND is_reserve = 0`
		}
		rows, err := t.Query(query, args...)
		if err != nil {
			return er.Wrap(ErrDbError, err)
		}
		candidates, err := scanProofs(rows)
		if err != nil {
			return er.Wrap(ErrDbError, err)
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Amount != candidates[j].Amount {
				return candidates[i].Amount > candidates[j].Amount
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})

		var selected []*Proof
		var total uint64
		for _, p := range candidates {
			if total >= amount {
				break
			}
			selected = append(selected, p)
			total += p.Amount
		}

		if total < amount {
			var available uint64
			for _, p := range candidates {
				available += p.Amount
			}
			return ErrInsufficientFunds.New(InsufficientFundsDetail{Requested: amount, Available: available}.String(), nil)
		}

		now := time.Now().Unix()
		for _, p := range selected {
			if _, err := t.Exec(`UPDATE proofs SET state = ?, locked_at = ?, locked_for = ? WHERE id = ?`,
				string(StatePendingSend), now, txID, p.ID); err != nil {
				return er.Wrap(ErrDbError, err)
			}
			p.State = StatePendingSend
		}

		result = &SelectionResult{Proofs: selected, Total: total, Change: total - amount}
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	return result, nil
}

// CandidatesForAmount is the read-only half of the selection algorithm
// SelectForAmount uses: it returns UNSPENT proofs at mintURL,
// largest-first with oldest-first tiebreak, greedily accumulated until
// their total covers amount, without locking anything. Callers who
// need to select proofs for something other than an immediate
// PENDING_SEND lock (OCRManager's refill picks PENDING_SWAP inputs via
// WalletCore.Swap instead) use this to decide which ids to act on.
func (s *Store) CandidatesForAmount(ctx context.Context, mintURL string, amount uint64, useReserve bool) ([]*Proof, er.R) {
	query := `SELECT id, secret, c, amount, mint_url, keyset_id, state, is_reserve, created_at
	          FROM proofs WHERE mint_url = ? AND state = ?`
	args := []interface{}{mintURL, string(StateUnspent)}
	if !useReserve {
		query += ` AND is_reserve = 0`
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	candidates, serr := scanProofs(rows)
	if serr != nil {
		return nil, er.Wrap(ErrDbError, serr)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Amount != candidates[j].Amount {
			return candidates[i].Amount > candidates[j].Amount
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var selected []*Proof
	var total uint64
	for _, p := range candidates {
		if total >= amount {
			break
		}
		selected = append(selected, p)
		total += p.Amount
	}
	if total < amount {
		var available uint64
		for _, p := range candidates {
			available += p.Amount
		}
		return nil, ErrInsufficientFunds.New(InsufficientFundsDetail{Requested: amount, Available: available}.String(), nil)
	}
	return selected, nil
}

// UnspentByMint returns every UNSPENT proof at mintURL, reserve or
// not, for Reconciler's conflict detection and balance comparisons.
func (s *Store) UnspentByMint(ctx context.Context, mintURL string) ([]*Proof, er.R) {
	rows, err := s.db.Query(ctx, `
		SELECT id, secret, c, amount, mint_url, keyset_id, state, is_reserve, created_at
		FROM proofs WHERE mint_url = ? AND state = ?`, mintURL, string(StateUnspent))
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	return scanProofs(rows)
}

// ByLockedFor returns every proof currently locked for txID, the
// lookup a reconciliation pass uses to find the specific proofs an
// ambiguous melt or swap dispatched, since the schema has no dedicated
// proof->transaction join table.
func (s *Store) ByLockedFor(ctx context.Context, txID string) ([]*Proof, er.R) {
	rows, err := s.db.Query(ctx, `
		SELECT id, secret, c, amount, mint_url, keyset_id, state, is_reserve, created_at
		FROM proofs WHERE locked_for = ?`, txID)
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	return scanProofs(rows)
}

// MarkReserve / UnmarkReserve flip the is_reserve tag. They never
// touch state: tagging a PENDING proof is allowed and orthogonal to
// its position in the state machine.
func (s *Store) MarkReserve(ctx context.Context, ids []string) er.R {
	return s.setReserve(ctx, ids, true)
}

func (s *Store) UnmarkReserve(ctx context.Context, ids []string) er.R {
	return s.setReserve(ctx, ids, false)
}

func (s *Store) setReserve(ctx context.Context, ids []string, reserve bool) er.R {
	return s.db.Transaction(ctx, func(t *store.Tx) er.R {
		for _, id := range ids {
			if _, err := t.Exec(`UPDATE proofs SET is_reserve = ? WHERE id = ?`, boolToInt(reserve), id); err != nil {
				return er.Wrap(ErrDbError, err)
			}
		}
		return nil
	})
}

// ReleaseStaleLocks sweeps every PENDING_* proof whose lock has aged
// past LockTimeout back to UNSPENT. Must run at startup and at least
// every LockTimeout.
func (s *Store) ReleaseStaleLocks(ctx context.Context) (released int, rerr er.R) {
	cutoff := time.Now().Add(-LockTimeout).Unix()
	rerr = s.db.Transaction(ctx, func(t *store.Tx) er.R {
		res, err := t.Exec(`
			UPDATE proofs SET state = ?, locked_at = NULL, locked_for = NULL
			WHERE state IN (?, ?) AND locked_at < ?`,
			string(StateUnspent), string(StatePendingSend), string(StatePendingSwap), cutoff)
		if err != nil {
			return er.Wrap(ErrDbError, err)
		}
		n, _ := res.RowsAffected()
		released = int(n)
		return nil
	})
	if rerr == nil && released > 0 {
		walletlog.Warnf("proofstore: released %d stale lock(s)", released)
	}
	return released, rerr
}

// TotalBalance sums amount over every UNSPENT proof, reserve or not.
func (s *Store) TotalBalance(ctx context.Context) (uint64, er.R) {
	return s.sumWhere(ctx, `state = ?`, string(StateUnspent))
}

// Balance sums amount over UNSPENT proofs at mintURL.
func (s *Store) Balance(ctx context.Context, mintURL string) (uint64, er.R) {
	return s.sumWhere(ctx, `state = ? AND mint_url = ?`, string(StateUnspent), mintURL)
}

// ReserveBalance sums amount over UNSPENT proofs tagged is_reserve.
func (s *Store) ReserveBalance(ctx context.Context) (uint64, er.R) {
	return s.sumWhere(ctx, `state = ? AND is_reserve = 1`, string(StateUnspent))
}

func (s *Store) sumWhere(ctx context.Context, where string, args ...interface{}) (uint64, er.R) {
	row := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM proofs WHERE `+where, args...)
	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, er.Wrap(ErrDbError, err)
	}
	return uint64(sum), nil
}

// Delete removes a proof row. Only SPENT proofs may be deleted; this
// is a compaction operation, not a cancellation path.
func (s *Store) Delete(ctx context.Context, id string) er.R {
	return s.db.Transaction(ctx, func(t *store.Tx) er.R {
		row := t.QueryRow(`SELECT state FROM proofs WHERE id = ?`, id)
		var state string
		if err := row.Scan(&state); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return er.Wrap(ErrDbError, err)
		}
		if State(state) != StateSpent {
			return ErrPreconditionViolation.New("cannot delete proof not in SPENT state", nil)
		}
		if _, err := t.Exec(`DELETE FROM proofs WHERE id = ?`, id); err != nil {
			return er.Wrap(ErrDbError, err)
		}
		return nil
	})
}

// ByID fetches a single proof by its local id.
func (s *Store) ByID(ctx context.Context, id string) (*Proof, er.R) {
	row := s.db.QueryRow(ctx, `
		SELECT id, secret, c, amount, mint_url, keyset_id, state, is_reserve, created_at
		FROM proofs WHERE id = ?`, id)
	p, err := scanProofRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, er.Wrap(ErrDbError, err)
	}
	return p, nil
}

func isPending(st State) bool {
	return st == StatePendingSend || st == StatePendingSwap
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

