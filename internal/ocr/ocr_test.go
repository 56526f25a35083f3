package ocr

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

type stubBlinder struct{ n int }

func (b *stubBlinder) NewOutputs(keysetID string, amounts []uint64) ([]mintclient.BlindedMessage, []wallet.OutputSecret, er.R) {
	outputs := make([]mintclient.BlindedMessage, len(amounts))
	secrets := make([]wallet.OutputSecret, len(amounts))
	for i, a := range amounts {
		b.n++
		secret := fmt.Sprintf("s-%d", b.n)
		outputs[i] = mintclient.BlindedMessage{Amount: a, ID: keysetID, B_: secret}
		secrets[i] = secret
	}
	return outputs, secrets, nil
}

func (b *stubBlinder) Unblind(sigs []mintclient.BlindSignature, secrets []wallet.OutputSecret) ([]*proofstore.Proof, er.R) {
	proofs := make([]*proofstore.Proof, len(sigs))
	for i, sig := range sigs {
		proofs[i] = &proofstore.Proof{Secret: secrets[i].(string), C: sig.C_, Amount: sig.Amount}
	}
	return proofs, nil
}

func newTestManager(t *testing.T) (*Manager, *proofstore.Store, string) {
	t.Helper()
	dsn := fmt.Sprintf(":memory:?cache=shared&_test=%s", t.Name())
	db, err := store.Open(context.Background(), dsn)
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Outputs []mintclient.BlindedMessage `json:"outputs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		sigs := make([]mintclient.BlindSignature, len(body.Outputs))
		for i, o := range body.Outputs {
			sigs[i] = mintclient.BlindSignature{Amount: o.Amount, ID: o.ID, C_: "sig-" + o.B_}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"signatures": sigs})
	}))
	t.Cleanup(srv.Close)

	proofs := proofstore.New(db)
	catalog := mintcatalog.New(db)
	txl := txlog.New(db)
	opq := opqueue.New(db)

	ctx := context.Background()
	m, merr := catalog.Create(ctx, srv.URL, mintcatalog.TrustHigh)
	require.Nil(t, merr)
	require.Nil(t, catalog.UpsertKeyset(ctx, &mintcatalog.Keyset{MintID: m.MintID, ID: "00abc", Unit: "sat", Active: true, Keys: map[string]string{"1": "aa"}}))

	core := wallet.New(proofs, catalog, txl, opq, &stubBlinder{})
	return New(db, proofs, core), proofs, m.URL
}

func TestStatusComputesThresholds(t *testing.T) {
	mgr, proofs, _ := newTestManager(t)
	ctx := context.Background()

	require.Nil(t, mgr.SetConfig(ctx, Patch{TargetAmount: ptrU64(1000)}))
	require.Nil(t, proofs.Insert(ctx, &proofstore.Proof{Secret: "r1", C: "c", Amount: 960, MintURL: "m", KeysetID: "k", IsReserve: true}))

	report, err := mgr.Status(ctx)
	require.Nil(t, err)
	require.Equal(t, StatusSynced, report.Status)
	require.False(t, report.NeedsRefill)
}

func TestSyncSwapsDeficitAndTagsReserve(t *testing.T) {
	mgr, proofs, mintURL := newTestManager(t)
	ctx := context.Background()

	require.Nil(t, mgr.SetConfig(ctx, Patch{TargetAmount: ptrU64(50_000)}))
	require.Nil(t, proofs.Insert(ctx, &proofstore.Proof{Secret: "reserve-seed", C: "c", Amount: 10_000, MintURL: mintURL, KeysetID: "00abc", IsReserve: true}))
	require.Nil(t, proofs.Insert(ctx, &proofstore.Proof{Secret: "spendable", C: "c2", Amount: 60_000, MintURL: mintURL, KeysetID: "00abc"}))

	require.Nil(t, mgr.Sync(ctx, mintURL))

	reserveBal, err := proofs.ReserveBalance(ctx)
	require.Nil(t, err)
	require.GreaterOrEqual(t, reserveBal, uint64(50_000))

	report, serr := mgr.Status(ctx)
	require.Nil(t, serr)
	require.Equal(t, StatusSynced, report.Status)
}

func TestSyncNoOpWhenAlreadySynced(t *testing.T) {
	mgr, proofs, mintURL := newTestManager(t)
	ctx := context.Background()

	require.Nil(t, mgr.SetConfig(ctx, Patch{TargetAmount: ptrU64(1000)}))
	require.Nil(t, proofs.Insert(ctx, &proofstore.Proof{Secret: "already-full", C: "c", Amount: 1000, MintURL: mintURL, KeysetID: "00abc", IsReserve: true}))

	require.Nil(t, mgr.Sync(ctx, mintURL))

	bal, err := proofs.ReserveBalance(ctx)
	require.Nil(t, err)
	require.Equal(t, uint64(1000), bal) // unchanged, no swap attempted
}

func ptrU64(v uint64) *uint64 { return &v }
