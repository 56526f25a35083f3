package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/mintcatalog"
	"github.com/cashuwallet/core/internal/mintclient"
	"github.com/cashuwallet/core/internal/ocr"
	"github.com/cashuwallet/core/internal/opqueue"
	"github.com/cashuwallet/core/internal/proofstore"
	"github.com/cashuwallet/core/internal/reconcile"
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
	engine  *Engine
	proofs  *proofstore.Store
	catalog *mintcatalog.Catalog
	txl     *txlog.Log
	mintURL string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf(":memory:?cache=shared&_test=%s", t.Name())
	db, err := store.Open(context.Background(), dsn)
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/info":
			_ = json.NewEncoder(w).Encode(mintclient.MintInfo{Name: "test mint", Version: "v1"})
		case "/v1/keys":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"keysets": []mintclient.Keyset{{ID: "00new", Unit: "sat", Keys: map[string]string{"1": "aa"}}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
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
	ocrMgr := ocr.New(db, proofs, core)
	recon := reconcile.New(proofs, txl, core)

	engine := New(core, ocrMgr, catalog, txl, opq, recon)
	return &env{engine: engine, proofs: proofs, catalog: catalog, txl: txl, mintURL: m.URL}
}

func TestCanSyncRequiresConnectedState(t *testing.T) {
	e := newEnv(t)
	require.False(t, e.engine.CanSync())

	e.engine.OnNetworkChange(context.Background(), NetworkState{Connected: true, IsWifi: true, Timestamp: time.Now()})
	require.True(t, e.engine.CanSync())
}

func TestCanSyncRespectsWifiOnly(t *testing.T) {
	e := newEnv(t)
	s := DefaultStrategy()
	s.WifiOnly = true
	e.engine.SetStrategy(s)

	e.engine.OnNetworkChange(context.Background(), NetworkState{Connected: true, IsWifi: false, Timestamp: time.Now()})
	require.False(t, e.engine.CanSync())

	e.engine.OnNetworkChange(context.Background(), NetworkState{Connected: true, IsWifi: true, Timestamp: time.Now()})
	require.True(t, e.engine.CanSync())
}

func TestSyncNowRunsAllPrioritiesAndTouchesMetadata(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.engine.OnNetworkChange(ctx, NetworkState{Connected: true, IsWifi: true, Timestamp: time.Now()})

	result, err := e.engine.SyncNow(ctx)
	require.Nil(t, err)
	require.True(t, result.Ok)
	require.Equal(t, 1, result.Counts.Metadata)

	m, merr := e.catalog.GetByURL(ctx, e.mintURL)
	require.Nil(t, merr)
	require.Equal(t, "test mint", m.Name)
}

func TestSyncNowRefreshesStaleKeysets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.engine.OnNetworkChange(ctx, NetworkState{Connected: true, IsWifi: true, Timestamp: time.Now()})

	result, err := e.engine.SyncNow(ctx)
	require.Nil(t, err)
	require.True(t, result.Ok)
	require.Equal(t, 1, result.Counts.Keysets)

	m, merr := e.catalog.GetByURL(ctx, e.mintURL)
	require.Nil(t, merr)
	keysets, kerr := e.catalog.Keysets(ctx, m.MintID, nil)
	require.Nil(t, kerr)
	require.Len(t, keysets, 1)
	require.Equal(t, "00new", keysets[0].ID)
}

func TestSyncNowKeepsFreshPendingTransactions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.engine.OnNetworkChange(ctx, NetworkState{Connected: true, IsWifi: true, Timestamp: time.Now()})

	old := &txlog.Transaction{Type: txlog.TypeSend, Direction: txlog.DirectionOutgoing, Amount: 10, MintURL: e.mintURL}
	require.Nil(t, e.txl.Append(ctx, old))
	// created just now, so it is counted but is younger than pendingTxMaxAge

	result, err := e.engine.SyncNow(ctx)
	require.Nil(t, err)
	require.True(t, result.Ok)
	require.Equal(t, 1, result.Counts.Transactions)

	tx, terr := e.txl.ByID(ctx, old.ID)
	require.Nil(t, terr)
	require.Equal(t, txlog.StatusPending, tx.Status) // too fresh to be aged out
}

func TestForceSyncNowRejectsWhileInProgress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.engine.OnNetworkChange(ctx, NetworkState{Connected: true, IsWifi: true, Timestamp: time.Now()})

	e.engine.mu.Lock()
	e.engine.inProgress = true
	e.engine.mu.Unlock()

	_, err := e.engine.ForceSyncNow(ctx)
	require.Equal(t, ErrAlreadySyncing, err)

	e.engine.mu.Lock()
	e.engine.inProgress = false
	e.engine.mu.Unlock()
}

func TestSetStrategyClampsIntervalFloor(t *testing.T) {
	e := newEnv(t)
	s := DefaultStrategy()
	s.IntervalMinutes = 1
	e.engine.SetStrategy(s)
	require.Equal(t, 5, e.engine.Strategy().IntervalMinutes)
}
