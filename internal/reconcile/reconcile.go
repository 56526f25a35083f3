// Package reconcile aligns local proof state with a mint's
// authoritative spent-set, the final line of defense against a local
// view that has drifted from reality (a swept stale lock that turns
// out to have actually been spent, a crash mid-melt, etc).
package reconcile

import (
	"context"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/proofstore"
	"github.com/cashuwallet/core/internal/txlog"
	"github.com/cashuwallet/core/internal/wallet"
)

var Err = er.NewErrorType("reconcile")

var ErrDbError = Err.Code("reconcile db error")

type ConflictKind string

const (
	ConflictProofStateMismatch ConflictKind = "PROOF_STATE_MISMATCH"
	ConflictDoubleSpend        ConflictKind = "DOUBLE_SPEND_DETECTED"
)

// Conflict is one detected disagreement between local and mint state.
type Conflict struct {
	Kind    ConflictKind
	MintURL string
	ProofID string
	Secret  string
}

type Reconciler struct {
	proofs *proofstore.Store
	txlog  *txlog.Log
	core   *wallet.Core
}

func New(proofs *proofstore.Store, txl *txlog.Log, core *wallet.Core) *Reconciler {
	return &Reconciler{proofs: proofs, txlog: txl, core: core}
}

// DetectConflicts fetches every local UNSPENT proof at mintURL and
// asks the mint which of them it considers spent. Any hit is a
// PROOF_STATE_MISMATCH. Duplicate secrets among the local set (which
// the proofs table's unique constraint should prevent, but a
// reconciliation pass still checks for defensively) are reported as
// DOUBLE_SPEND_DETECTED.
func (r *Reconciler) DetectConflicts(ctx context.Context, mintURL string) ([]Conflict, er.R) {
	local, err := r.proofs.UnspentByMint(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	if len(local) == 0 {
		return nil, nil
	}

	seen := map[string]*proofstore.Proof{}
	var conflicts []Conflict
	for _, p := range local {
		if dup, ok := seen[p.Secret]; ok {
			conflicts = append(conflicts, Conflict{Kind: ConflictDoubleSpend, MintURL: mintURL, ProofID: dup.ID, Secret: p.Secret})
			continue
		}
		seen[p.Secret] = p
	}

	secrets := make([]string, len(local))
	for i, p := range local {
		secrets[i] = p.Secret
	}
	spentFlags, merr := r.core.ClientFor(mintURL).CheckSpent(ctx, secrets)
	if merr != nil {
		return nil, er.Wrap(ErrDbError, merr)
	}

	for i, spent := range spentFlags {
		if spent {
			p := local[i]
			conflicts = append(conflicts, Conflict{Kind: ConflictProofStateMismatch, MintURL: mintURL, ProofID: p.ID, Secret: p.Secret})
		}
	}
	return conflicts, nil
}

// Resolve handles a single conflict. PROOF_STATE_MISMATCH is always
// safe to auto-resolve: the mint is the source of truth, so the local
// proof moves to SPENT and any transaction still PENDING at that mint
// is failed out (the schema has no durable proof->transaction link, so
// this is a best-effort sweep of that mint's pending transactions, not
// a precise single-transaction match). DOUBLE_SPEND_DETECTED is never
// auto-resolved: a genuine double-spend needs a human or a higher-level
// policy decision.
func (r *Reconciler) Resolve(ctx context.Context, c Conflict) er.R {
	switch c.Kind {
	case ConflictProofStateMismatch:
		txID := ""
		if _, err := r.proofs.Transition(ctx, c.ProofID, proofstore.StateUnspent, proofstore.StateSpent, &txID); err != nil {
			return err
		}
		pending, perr := r.txlog.GetFiltered(ctx, txlog.Filter{MintURL: c.MintURL, Status: txlog.StatusPending})
		if perr != nil {
			return perr
		}
		for _, tx := range pending {
			if uerr := r.txlog.UpdateStatus(ctx, tx.ID, txlog.StatusFailed, nil); uerr != nil {
				return uerr
			}
		}
		return nil
	case ConflictDoubleSpend:
		return nil // surfaced to caller; never auto-resolved
	default:
		return nil
	}
}

// ResolveMeltAmbiguity follows up a melt whose outcome a network
// failure left unknown: it asks the mint whether the dispatched
// proofs were actually spent and brings the local proof/transaction
// state in line with the answer. If any were spent, the melt went
// through: proofs move to SPENT and the transaction completes (with
// no preimage, since the mint's response never arrived). Otherwise the
// proofs return to UNSPENT and the transaction is marked FAILED.
func (r *Reconciler) ResolveMeltAmbiguity(ctx context.Context, mintURL, txID string) er.R {
	proofs, err := r.proofs.ByLockedFor(ctx, txID)
	if err != nil {
		return err
	}
	if len(proofs) == 0 {
		return nil
	}

	secrets := make([]string, len(proofs))
	for i, p := range proofs {
		secrets[i] = p.Secret
	}
	spentFlags, merr := r.core.ClientFor(mintURL).CheckSpent(ctx, secrets)
	if merr != nil {
		return er.Wrap(ErrDbError, merr)
	}

	anySpent := false
	for _, spent := range spentFlags {
		if spent {
			anySpent = true
			break
		}
	}

	if anySpent {
		for _, p := range proofs {
			if _, terr := r.proofs.Transition(ctx, p.ID, proofstore.StatePendingSend, proofstore.StateSpent, &txID); terr != nil {
				return terr
			}
		}
		return r.txlog.UpdateStatus(ctx, txID, txlog.StatusCompleted, nil)
	}

	for _, p := range proofs {
		if _, terr := r.proofs.Transition(ctx, p.ID, proofstore.StatePendingSend, proofstore.StateUnspent, nil); terr != nil {
			return terr
		}
	}
	return r.txlog.UpdateStatus(ctx, txID, txlog.StatusFailed, nil)
}

// BalanceComparison is the result of CompareBalances.
type BalanceComparison struct {
	Local      uint64
	Verified   uint64
	Diff       int64
	ByKeyset   map[string]KeysetBalance
}

// KeysetBalance is one keyset's contribution to a balance comparison,
// a per-keyset breakdown on top of a plain {local, verified, diff}
// comparison.
type KeysetBalance struct {
	Local    uint64
	Verified uint64
}

// CompareBalances reports the locally-tracked UNSPENT balance at
// mintURL against the balance verified by check_spent, plus a
// per-keyset breakdown of both.
func (r *Reconciler) CompareBalances(ctx context.Context, mintURL string) (*BalanceComparison, er.R) {
	local, err := r.proofs.UnspentByMint(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	if len(local) == 0 {
		return &BalanceComparison{ByKeyset: map[string]KeysetBalance{}}, nil
	}

	secrets := make([]string, len(local))
	for i, p := range local {
		secrets[i] = p.Secret
	}
	spentFlags, merr := r.core.ClientFor(mintURL).CheckSpent(ctx, secrets)
	if merr != nil {
		return nil, er.Wrap(ErrDbError, merr)
	}

	byKeyset := map[string]KeysetBalance{}
	var localTotal, verifiedTotal uint64
	for i, p := range local {
		localTotal += p.Amount
		kb := byKeyset[p.KeysetID]
		kb.Local += p.Amount
		if !spentFlags[i] {
			verifiedTotal += p.Amount
			kb.Verified += p.Amount
		}
		byKeyset[p.KeysetID] = kb
	}

	return &BalanceComparison{
		Local:    localTotal,
		Verified: verifiedTotal,
		Diff:     int64(localTotal) - int64(verifiedTotal),
		ByKeyset: byKeyset,
	}, nil
}

// DriftReport is the result of DetectDrift.
type DriftReport struct {
	HasDrift bool
	DriftPct float64
	Invalid  uint64
	Total    uint64
}

// DetectDrift is CompareBalances reduced to a go/no-go signal:
// whether any of the locally-UNSPENT balance turned out invalid at the
// mint, and by how much.
func (r *Reconciler) DetectDrift(ctx context.Context, mintURL string) (*DriftReport, er.R) {
	cmp, err := r.CompareBalances(ctx, mintURL)
	if err != nil {
		return nil, err
	}
	invalid := cmp.Local - cmp.Verified
	var pct float64
	if cmp.Local > 0 {
		pct = 100 * float64(invalid) / float64(cmp.Local)
	}
	return &DriftReport{
		HasDrift: invalid > 0,
		DriftPct: pct,
		Invalid:  invalid,
		Total:    cmp.Local,
	}, nil
}
