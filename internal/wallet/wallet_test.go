package wallet

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
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
)

// fakeBlinder stands in for the real Cashu blind-signature math (out
// of scope here): outputs and proofs carry plain random secrets
// instead of blinded points, but the shape and control flow through
// Core are exercised exactly as production code would.
type fakeBlinder struct{}

type fakeSecret struct {
	secret string
	amount uint64
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (fakeBlinder) NewOutputs(keysetID string, amounts []uint64) ([]mintclient.BlindedMessage, []OutputSecret, er.R) {
	outputs := make([]mintclient.BlindedMessage, len(amounts))
	secrets := make([]OutputSecret, len(amounts))
	for i, a := range amounts {
		s := fakeSecret{secret: randHex(16), amount: a}
		outputs[i] = mintclient.BlindedMessage{Amount: a, ID: keysetID, B_: s.secret}
		secrets[i] = s
	}
	return outputs, secrets, nil
}

func (fakeBlinder) Unblind(sigs []mintclient.BlindSignature, secrets []OutputSecret) ([]*proofstore.Proof, er.R) {
	proofs := make([]*proofstore.Proof, len(sigs))
	for i, sig := range sigs {
		s := secrets[i].(fakeSecret)
		proofs[i] = &proofstore.Proof{Secret: s.secret, C: sig.C_, Amount: sig.Amount}
	}
	return proofs, nil
}

// fakeMint is a minimal httptest-backed mint implementing just enough
// of the wire surface for these flows.
func fakeMint(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/mint/quote/bolt11":
			_ = json.NewEncoder(w).Encode(mintclient.MintQuote{Quote: "q-" + randHex(4), Request: "lnbc1..."})
		case "/v1/mint/bolt11":
			var body struct {
				Outputs []mintclient.BlindedMessage `json:"outputs"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(signOutputs(body.Outputs))
		case "/v1/swap":
			var body struct {
				Outputs []mintclient.BlindedMessage `json:"outputs"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(signOutputs(body.Outputs))
		case "/v1/melt/quote/bolt11":
			_ = json.NewEncoder(w).Encode(mintclient.MeltQuote{Quote: "mq-1", Amount: 20, FeeReserve: 1})
		case "/v1/melt/bolt11":
			var body struct {
				Outputs []mintclient.BlindedMessage `json:"outputs"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			preimage := "deadbeef"
			change := make([]mintclient.BlindSignature, len(body.Outputs))
			for i, o := range body.Outputs {
				change[i] = mintclient.BlindSignature{Amount: o.Amount, ID: o.ID, C_: "sig-" + o.B_}
			}
			_ = json.NewEncoder(w).Encode(mintclient.MeltResult{Paid: true, Preimage: &preimage, Change: change})
		default:
			http.NotFound(w, r)
		}
	}))
}

func signOutputs(outputs []mintclient.BlindedMessage) map[string][]mintclient.BlindSignature {
	sigs := make([]mintclient.BlindSignature, len(outputs))
	for i, o := range outputs {
		sigs[i] = mintclient.BlindSignature{Amount: o.Amount, ID: o.ID, C_: "sig-" + o.B_}
	}
	return map[string][]mintclient.BlindSignature{"signatures": sigs}
}

type testEnv struct {
	core    *Core
	proofs  *proofstore.Store
	catalog *mintcatalog.Catalog
	mintURL string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf(":memory:?cache=shared&_test=%s", t.Name())
	db, err := store.Open(context.Background(), dsn)
	require.Nil(t, err)
	t.Cleanup(func() { db.Close() })

	srv := fakeMint(t)
	t.Cleanup(srv.Close)

	proofs := proofstore.New(db)
	catalog := mintcatalog.New(db)
	txl := txlog.New(db)
	opq := opqueue.New(db)

	ctx := context.Background()
	m, merr := catalog.Create(ctx, srv.URL, mintcatalog.TrustHigh)
	require.Nil(t, merr)
	require.Nil(t, catalog.UpsertKeyset(ctx, &mintcatalog.Keyset{MintID: m.MintID, ID: "00abc", Unit: "sat", Active: true, Keys: map[string]string{"1": "aa"}}))

	core := New(proofs, catalog, txl, opq, fakeBlinder{})
	return &testEnv{core: core, proofs: proofs, catalog: catalog, mintURL: m.URL}
}

func insertProof(t *testing.T, s *proofstore.Store, mintURL, secret string, amount uint64) {
	t.Helper()
	require.Nil(t, s.Insert(context.Background(), &proofstore.Proof{
		Secret: secret, C: "c-" + secret, Amount: amount, MintURL: mintURL, KeysetID: "00abc",
	}))
}

func TestSendExactMatchNoSwapNeeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	insertProof(t, env.proofs, env.mintURL, "s64", 64)
	insertProof(t, env.proofs, env.mintURL, "s32", 32)

	res, err := env.core.Send(ctx, env.mintURL, 64)
	require.Nil(t, err)
	require.Len(t, res.Proofs, 1)
	require.Equal(t, uint64(64), res.Proofs[0].Amount)

	require.Nil(t, env.core.ConfirmSend(ctx, []string{res.Proofs[0].ID}, res.TxID))
	bal, berr := env.proofs.Balance(ctx, env.mintURL)
	require.Nil(t, berr)
	require.Equal(t, uint64(32), bal)
}

func TestSendWithChangeSwapsAtMint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	insertProof(t, env.proofs, env.mintURL, "s32", 32)
	insertProof(t, env.proofs, env.mintURL, "s16", 16)

	res, err := env.core.Send(ctx, env.mintURL, 20)
	require.Nil(t, err)

	var outTotal uint64
	for _, p := range res.Proofs {
		outTotal += p.Amount
	}
	require.Equal(t, uint64(20), outTotal)

	bal, berr := env.proofs.Balance(ctx, env.mintURL)
	require.Nil(t, berr)
	require.Equal(t, uint64(16+12), bal) // s16 untouched + 12 change, s32 consumed by swap
}

func TestReceiveDecodesAndSwapsToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok := Token{MintURL: env.mintURL, Proofs: []TokenProof{
		{Secret: "incoming-1", C: "c1", Amount: 16, KeysetID: "00abc"},
	}}
	encoded, eerr := EncodeToken(tok)
	require.Nil(t, eerr)

	tx, rerr := env.core.Receive(ctx, encoded)
	require.Nil(t, rerr)
	require.Equal(t, txlog.StatusCompleted, tx.Status)

	bal, berr := env.proofs.Balance(ctx, env.mintURL)
	require.Nil(t, berr)
	require.Equal(t, uint64(16), bal)
}

func TestMeltPaysAndRecordsPreimage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	insertProof(t, env.proofs, env.mintURL, "m32", 32)

	result, err := env.core.Melt(ctx, env.mintURL, "lnbc1...")
	require.Nil(t, err)
	require.True(t, result.Paid)
	require.NotNil(t, result.Preimage)

	bal, berr := env.proofs.Balance(ctx, env.mintURL)
	require.Nil(t, berr)
	require.Equal(t, uint64(11), bal) // 32 - (20 amount + 1 fee) = 11 change
}

func TestDecodeTokenAcceptsLegacyShape(t *testing.T) {
	legacy := `{"token":[{"mint":"https://mint.example","proofs":[{"secret":"s","C":"c","amount":4,"id":"00abc"}]}]}`
	encoded := tokenPrefix + base64.URLEncoding.EncodeToString([]byte(legacy))
	tok, err := DecodeToken(encoded)
	require.Nil(t, err)
	require.Equal(t, "https://mint.example", tok.MintURL)
	require.Len(t, tok.Proofs, 1)
}
