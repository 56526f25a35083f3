package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/mintcatalog"
	"github.com/cashuwallet/core/internal/mintclient"
	"github.com/cashuwallet/core/internal/opqueue"
	"github.com/cashuwallet/core/internal/proofstore"
	"github.com/cashuwallet/core/internal/store"
	"github.com/cashuwallet/core/internal/txlog"
	"github.com/cashuwallet/core/internal/wallet"
)

type noopBlinder struct{}

func (noopBlinder) NewOutputs(keysetID string, amounts []uint64) ([]mintclient.BlindedMessage, []wallet.OutputSecret, er.R) {
	return nil, nil, nil
}
func (noopBlinder) Unblind(sigs []mintclient.BlindSignature, secrets []wallet.OutputSecret) ([]*proofstore.Proof, er.R) {
	return nil, nil
}

type env struct {
	recon   *Reconciler
	proofs  *proofstore.Store
	txl     *txlog.Log
	mintURL string
}

func newEnv(t *testing.T, spentSecrets map[string]bool) *env {
	t.Helper()
	dsn := fmt.Sprintf(":memory:?cache=shared&_test=%s", t.Name())
	db, err := store.Open(context.Background(), dsn)
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ys []string `json:"Ys"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		type stateEntry struct {
			Y     string `json:"Y"`
			State string `json:"state"`
		}
		states := make([]stateEntry, len(body.Ys))
		for i, y := range body.Ys {
			st := "UNSPENT"
			if spentSecrets[y] {
				st = "SPENT"
			}
			states[i] = stateEntry{Y: y, State: st}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"states": states})
	}))
	t.Cleanup(srv.Close)

	proofs := proofstore.New(db)
	catalog := mintcatalog.New(db)
	txl := txlog.New(db)
	opq := opqueue.New(db)

	ctx := context.Background()
	m, merr := catalog.Create(ctx, srv.URL, mintcatalog.TrustHigh)
	require.Nil(t, merr)

	core := wallet.New(proofs, catalog, txl, opq, noopBlinder{})
	return &env{recon: New(proofs, txl, core), proofs: proofs, txl: txl, mintURL: m.URL}
}

func TestDetectConflictsFindsMintReportedSpent(t *testing.T) {
	e := newEnv(t, map[string]bool{"spent-secret": true})
	ctx := context.Background()

	require.Nil(t, e.proofs.Insert(ctx, &proofstore.Proof{Secret: "spent-secret", C: "c", Amount: 8, MintURL: e.mintURL, KeysetID: "k"}))
	require.Nil(t, e.proofs.Insert(ctx, &proofstore.Proof{Secret: "fine-secret", C: "c2", Amount: 4, MintURL: e.mintURL, KeysetID: "k"}))

	conflicts, err := e.recon.DetectConflicts(ctx, e.mintURL)
	require.Nil(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, ConflictProofStateMismatch, conflicts[0].Kind)
	require.Equal(t, "spent-secret", conflicts[0].Secret)
}

func TestResolveProofStateMismatchTransitionsToSpent(t *testing.T) {
	e := newEnv(t, map[string]bool{"ghost": true})
	ctx := context.Background()
	p := &proofstore.Proof{Secret: "ghost", C: "c", Amount: 8, MintURL: e.mintURL, KeysetID: "k"}
	require.Nil(t, e.proofs.Insert(ctx, p))

	conflicts, err := e.recon.DetectConflicts(ctx, e.mintURL)
	require.Nil(t, err)
	require.Len(t, conflicts, 1)

	require.Nil(t, e.recon.Resolve(ctx, conflicts[0]))

	got, gerr := e.proofs.ByID(ctx, p.ID)
	require.Nil(t, gerr)
	require.Equal(t, proofstore.StateSpent, got.State)
}

func TestCompareBalancesReportsDiff(t *testing.T) {
	e := newEnv(t, map[string]bool{"x": true})
	ctx := context.Background()
	require.Nil(t, e.proofs.Insert(ctx, &proofstore.Proof{Secret: "x", C: "c", Amount: 8, MintURL: e.mintURL, KeysetID: "k1"}))
	require.Nil(t, e.proofs.Insert(ctx, &proofstore.Proof{Secret: "y", C: "c2", Amount: 4, MintURL: e.mintURL, KeysetID: "k2"}))

	cmp, err := e.recon.CompareBalances(ctx, e.mintURL)
	require.Nil(t, err)
	require.Equal(t, uint64(12), cmp.Local)
	require.Equal(t, uint64(4), cmp.Verified)
	require.Equal(t, int64(8), cmp.Diff)
	require.Equal(t, uint64(8), cmp.ByKeyset["k1"].Local)
	require.Equal(t, uint64(0), cmp.ByKeyset["k1"].Verified)
}

func TestDetectDriftComputesPct(t *testing.T) {
	e := newEnv(t, map[string]bool{"bad": true})
	ctx := context.Background()
	require.Nil(t, e.proofs.Insert(ctx, &proofstore.Proof{Secret: "bad", C: "c", Amount: 25, MintURL: e.mintURL, KeysetID: "k"}))
	require.Nil(t, e.proofs.Insert(ctx, &proofstore.Proof{Secret: "good", C: "c2", Amount: 75, MintURL: e.mintURL, KeysetID: "k"}))

	drift, err := e.recon.DetectDrift(ctx, e.mintURL)
	require.Nil(t, err)
	require.True(t, drift.HasDrift)
	require.Equal(t, 25.0, drift.DriftPct)
}
