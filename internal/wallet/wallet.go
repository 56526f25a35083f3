// Package wallet orchestrates mint/send/receive/melt/swap against
// ProofStore, TxLog, MintCatalog and MintClient. The Cashu blind-
// signature math itself is out of scope; Core depends on
// a Blinder to produce blinded outputs and turn mint signatures back
// into spendable proofs, so every cryptographic detail stays behind
// one seam.
package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/mintcatalog"
	"github.com/cashuwallet/core/internal/mintclient"
	"github.com/cashuwallet/core/internal/opqueue"
	"github.com/cashuwallet/core/internal/proofstore"
	"github.com/cashuwallet/core/internal/txlog"
	"github.com/cashuwallet/core/internal/walletlog"
)

var Err = er.NewErrorType("wallet")

var ErrInvalidToken = Err.Code("invalid token")
var ErrNoActiveKeyset = Err.Code("mint has no active keyset")
var ErrMeltNotPaid = Err.Code("melt quote not paid")

// OutputSecret is the blinding-side-channel data a Blinder needs to
// later unblind a signature into a spendable proof. Its shape is
// entirely up to the Blinder implementation; Core only threads it
// through unmodified.
type OutputSecret interface{}

// Blinder hides every detail of the Cashu blind-signature protocol
// behind two operations: producing outputs to submit to the mint, and
// recovering spendable proofs once the mint signs them.
type Blinder interface {
	NewOutputs(keysetID string, amounts []uint64) ([]mintclient.BlindedMessage, []OutputSecret, er.R)
	Unblind(sigs []mintclient.BlindSignature, secrets []OutputSecret) ([]*proofstore.Proof, er.R)
}

// Core composes every wallet-core component into the orchestration
// layer the daemon describes. It never opens its own database
// connection; all persistence goes through the components it holds.
type Core struct {
	proofs   *proofstore.Store
	catalog  *mintcatalog.Catalog
	txlog    *txlog.Log
	opqueue  *opqueue.Queue
	blinder  Blinder

	mu      sync.Mutex
	clients map[string]*mintclient.Client // keyed by normalized mint URL, read-mostly
}

func New(proofs *proofstore.Store, catalog *mintcatalog.Catalog, txl *txlog.Log, opq *opqueue.Queue, blinder Blinder) *Core {
	return &Core{
		proofs:  proofs,
		catalog: catalog,
		txlog:   txl,
		opqueue: opq,
		blinder: blinder,
		clients: make(map[string]*mintclient.Client),
	}
}

// ClientFor exposes the cached per-mint RPC client so other
// components (Reconciler, SyncEngine) can talk to a mint without each
// keeping their own connection cache.
func (c *Core) ClientFor(url string) *mintclient.Client {
	return c.clientFor(url)
}

// clientFor returns the cached MintClient for url, creating one on
// first use. Creation is idempotent and guarded by a lookup, not a
// per-mint lock.
func (c *Core) clientFor(url string) *mintclient.Client {
	norm := mintcatalog.NormalizeURL(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[norm]; ok {
		return cl
	}
	cl := mintclient.New(norm)
	c.clients[norm] = cl
	return cl
}

func (c *Core) activeKeyset(ctx context.Context, mintID string) (*mintcatalog.Keyset, er.R) {
	active := true
	keysets, err := c.catalog.Keysets(ctx, mintID, &active)
	if err != nil {
		return nil, err
	}
	if len(keysets) == 0 {
		return nil, ErrNoActiveKeyset.New(mintID, nil)
	}
	return keysets[0], nil
}

// bumpKeysetCounter advances ks's deterministic-secret counter by n
// outputs. Best-effort: a restore hint falling behind doesn't fail the
// transaction that produced the outputs.
func (c *Core) bumpKeysetCounter(ctx context.Context, ks *mintcatalog.Keyset, n int) {
	if n <= 0 {
		return
	}
	if err := c.catalog.IncrementKeysetCounter(ctx, ks.MintID, ks.ID, ks.Counter+uint32(n)); err != nil {
		walletlog.Warnf("wallet: failed to advance restore counter for keyset %s: %v", ks.ID, err)
	}
}

// ensureMint looks a mint up by URL, registering it as UNTRUSTED on
// first contact.
func (c *Core) ensureMint(ctx context.Context, url string) (*mintcatalog.Mint, er.R) {
	m, err := c.catalog.GetByURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	return c.catalog.Create(ctx, url, mintcatalog.TrustUntrusted)
}

// Mint requests a Lightning invoice for amount, records a PENDING MINT
// transaction, and returns the quote for the caller to present for
// payment. CompleteMint finishes the flow once payment is confirmed.
func (c *Core) Mint(ctx context.Context, mintURL string, amount uint64) (*mintclient.MintQuote, *txlog.Transaction, er.R) {
	m, err := c.ensureMint(ctx, mintURL)
	if err != nil {
		return nil, nil, err
	}
	quote, merr := c.clientFor(m.URL).GetMintQuote(ctx, amount)
	if merr != nil {
		return nil, nil, wrapMintErr(merr)
	}

	tx := &txlog.Transaction{
		Type: txlog.TypeMint, Direction: txlog.DirectionIncoming,
		Amount: amount, MintURL: m.URL, PaymentRequest: &quote.Request,
	}
	if err := c.txlog.Append(ctx, tx); err != nil {
		return nil, nil, err
	}
	return quote, tx, nil
}

// CompleteMint redeems a paid quote for proofs, inserting them UNSPENT
// and marking tx COMPLETED. On any failure the transaction is marked
// FAILED and no proofs are inserted.
func (c *Core) CompleteMint(ctx context.Context, txID string, mintURL string, amount uint64, quote string, markReserve bool) er.R {
	m, err := c.ensureMint(ctx, mintURL)
	if err != nil {
		return err
	}
	ks, err := c.activeKeyset(ctx, m.MintID)
	if err != nil {
		return c.failTx(ctx, txID, err)
	}

	outputs, secrets, berr := c.blinder.NewOutputs(ks.ID, splitAmount(amount))
	if berr != nil {
		return c.failTx(ctx, txID, berr)
	}
	c.bumpKeysetCounter(ctx, ks, len(outputs))

	sigs, merr := c.clientFor(m.URL).Mint(ctx, amount, quote, outputs)
	if merr != nil {
		return c.failTx(ctx, txID, wrapMintErr(merr))
	}

	proofs, uerr := c.blinder.Unblind(sigs, secrets)
	if uerr != nil {
		return c.failTx(ctx, txID, uerr)
	}
	for _, p := range proofs {
		p.MintURL = m.URL
		p.KeysetID = ks.ID
		p.IsReserve = markReserve
		if ierr := c.proofs.Insert(ctx, p); ierr != nil {
			return c.failTx(ctx, txID, ierr)
		}
	}
	return c.txlog.UpdateStatus(ctx, txID, txlog.StatusCompleted, nil)
}

// SendResult is the outcome of Send: the proofs the caller should
// encode into a shareable token, plus the transaction tracking them.
type SendResult struct {
	Proofs []*proofstore.Proof
	TxID   string
}

// Send selects proofs covering amount. An exact match is returned
// as-is (PENDING_SEND, no mint call). Otherwise the covering proof set
// is swapped for an exact-amount output plus change: the exact outputs
// go out PENDING_SEND, the change stays UNSPENT, and the originals are
// marked SPENT immediately (the swap already consumed them at the mint).
func (c *Core) Send(ctx context.Context, mintURL string, amount uint64) (*SendResult, er.R) {
	tx := &txlog.Transaction{Type: txlog.TypeSend, Direction: txlog.DirectionOutgoing, Amount: amount, MintURL: mintURL}
	if err := c.txlog.Append(ctx, tx); err != nil {
		return nil, err
	}

	sel, err := c.proofs.SelectForAmount(ctx, mintURL, amount, tx.ID, false)
	if err != nil {
		_ = c.failTx(ctx, tx.ID, err)
		return nil, err
	}

	if sel.Change == 0 {
		_ = c.txlog.UpdateStatus(ctx, tx.ID, txlog.StatusCompleted, nil)
		return &SendResult{Proofs: sel.Proofs, TxID: tx.ID}, nil
	}

	m, merr := c.ensureMint(ctx, mintURL)
	if merr != nil {
		return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, merr)
	}
	ks, kerr := c.activeKeyset(ctx, m.MintID)
	if kerr != nil {
		return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, kerr)
	}

	inputs := toProofInputs(sel.Proofs)
	wantAmounts := append(splitAmount(amount), splitAmount(sel.Change)...)
	outputs, secrets, berr := c.blinder.NewOutputs(ks.ID, wantAmounts)
	if berr != nil {
		return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, berr)
	}
	c.bumpKeysetCounter(ctx, ks, len(outputs))

	sigs, swapErr := c.clientFor(m.URL).Swap(ctx, inputs, outputs)
	if swapErr != nil {
		return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, wrapMintErr(swapErr))
	}

	newProofs, uerr := c.blinder.Unblind(sigs, secrets)
	if uerr != nil {
		return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, uerr)
	}

	spendAmounts := splitAmount(amount)
	var outgoing, change []*proofstore.Proof
	for i, p := range newProofs {
		p.MintURL = m.URL
		p.KeysetID = ks.ID
		if i < len(spendAmounts) {
			outgoing = append(outgoing, p)
		} else {
			change = append(change, p)
		}
	}

	for _, p := range outgoing {
		p.State = proofstore.StatePendingSend
		if ierr := c.proofs.Insert(ctx, p); ierr != nil {
			return nil, ierr
		}
	}
	for _, p := range change {
		p.State = proofstore.StateUnspent
		if ierr := c.proofs.Insert(ctx, p); ierr != nil {
			return nil, ierr
		}
	}
	for _, p := range sel.Proofs {
		if _, terr := c.proofs.Transition(ctx, p.ID, proofstore.StatePendingSend, proofstore.StateSpent, &tx.ID); terr != nil {
			return nil, terr
		}
	}

	_ = c.txlog.UpdateStatus(ctx, tx.ID, txlog.StatusCompleted, nil)
	return &SendResult{Proofs: outgoing, TxID: tx.ID}, nil
}

// ConfirmSend finalizes a send once the recipient has (or is assumed
// to have) redeemed the token: PENDING_SEND proofs transition to SPENT.
func (c *Core) ConfirmSend(ctx context.Context, proofIDs []string, txID string) er.R {
	for _, id := range proofIDs {
		if _, err := c.proofs.Transition(ctx, id, proofstore.StatePendingSend, proofstore.StateSpent, &txID); err != nil {
			return err
		}
	}
	return nil
}

// CancelSend reverses an unclaimed send optimistically: proofs go
// back to UNSPENT without first checking with the mint. If the token
// was in fact already redeemed, Reconciler corrects this on the next
// sync pass.
func (c *Core) CancelSend(ctx context.Context, proofIDs []string, txID string) er.R {
	for _, id := range proofIDs {
		if _, err := c.proofs.Transition(ctx, id, proofstore.StatePendingSend, proofstore.StateUnspent, &txID); err != nil {
			return err
		}
	}
	return c.txlog.UpdateStatus(ctx, txID, txlog.StatusFailed, nil)
}

// Receive decodes a token, registers its mint if unknown, swaps its
// proofs for fresh outputs at that mint, and inserts the outputs
// UNSPENT. Swapping on receive (rather than trusting the token's
// proofs directly) invalidates the sender's copy immediately.
func (c *Core) Receive(ctx context.Context, tokenStr string) (*txlog.Transaction, er.R) {
	token, derr := DecodeToken(tokenStr)
	if derr != nil {
		return nil, derr
	}
	if token.MintURL == "" {
		return nil, ErrInvalidToken.New("token missing mint_url", nil)
	}

	var total uint64
	for _, p := range token.Proofs {
		total += p.Amount
	}
	tx := &txlog.Transaction{Type: txlog.TypeReceive, Direction: txlog.DirectionIncoming, Amount: total, MintURL: token.MintURL}
	if err := c.txlog.Append(ctx, tx); err != nil {
		return nil, err
	}

	m, merr := c.ensureMint(ctx, token.MintURL)
	if merr != nil {
		return nil, c.failTx(ctx, tx.ID, merr)
	}
	ks, kerr := c.activeKeyset(ctx, m.MintID)
	if kerr != nil {
		return nil, c.failTx(ctx, tx.ID, kerr)
	}

	inputs := make([]mintclient.ProofInput, len(token.Proofs))
	for i, p := range token.Proofs {
		inputs[i] = mintclient.ProofInput{Amount: p.Amount, ID: p.KeysetID, Secret: p.Secret, C: p.C}
	}

	outputs, secrets, berr := c.blinder.NewOutputs(ks.ID, splitAmount(total))
	if berr != nil {
		return nil, c.failTx(ctx, tx.ID, berr)
	}
	c.bumpKeysetCounter(ctx, ks, len(outputs))

	sigs, swapErr := c.clientFor(m.URL).Swap(ctx, inputs, outputs)
	if swapErr != nil {
		return nil, c.failTx(ctx, tx.ID, wrapMintErr(swapErr))
	}

	proofs, uerr := c.blinder.Unblind(sigs, secrets)
	if uerr != nil {
		return nil, c.failTx(ctx, tx.ID, uerr)
	}
	for _, p := range proofs {
		p.MintURL = m.URL
		p.KeysetID = ks.ID
		if ierr := c.proofs.Insert(ctx, p); ierr != nil {
			return nil, c.failTx(ctx, tx.ID, ierr)
		}
	}

	if err := c.txlog.UpdateStatus(ctx, tx.ID, txlog.StatusCompleted, nil); err != nil {
		return nil, err
	}
	tx.Status = txlog.StatusCompleted
	return tx, nil
}

// MeltResult reports the outcome of a Lightning payment via Melt.
type MeltResult struct {
	Paid     bool
	Preimage *string
	Pending  bool // true when the outcome is ambiguous; proofs remain locked
}

// Melt pays a Lightning invoice by burning proofs covering amount plus
// fee reserve. A definitive non-payment rolls proofs back to UNSPENT.
// A network failure after dispatch is ambiguous: this core must not
// assume success or failure, so the proofs stay PENDING_SEND and a
// reconciliation op is enqueued for the next sync pass instead.
func (c *Core) Melt(ctx context.Context, mintURL string, invoice string) (*MeltResult, er.R) {
	m, merr := c.ensureMint(ctx, mintURL)
	if merr != nil {
		return nil, merr
	}
	client := c.clientFor(m.URL)

	quote, qerr := client.GetMeltQuote(ctx, invoice)
	if qerr != nil {
		return nil, wrapMintErr(qerr)
	}

	tx := &txlog.Transaction{
		Type: txlog.TypeMelt, Direction: txlog.DirectionOutgoing,
		Amount: quote.Amount + quote.FeeReserve, MintURL: m.URL, PaymentRequest: &invoice,
	}
	if err := c.txlog.Append(ctx, tx); err != nil {
		return nil, err
	}

	sel, serr := c.proofs.SelectForAmount(ctx, m.URL, quote.Amount+quote.FeeReserve, tx.ID, false)
	if serr != nil {
		_ = c.failTx(ctx, tx.ID, serr)
		return nil, serr
	}

	ks, kerr := c.activeKeyset(ctx, m.MintID)
	if kerr != nil {
		return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, kerr)
	}
	changeOutputs, changeSecrets, berr := c.blinder.NewOutputs(ks.ID, splitAmount(sel.Change))
	if berr != nil {
		return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, berr)
	}
	c.bumpKeysetCounter(ctx, ks, len(changeOutputs))

	result, meltErr := client.Melt(ctx, quote.Quote, toProofInputs(sel.Proofs), changeOutputs)
	if meltErr != nil {
		if isDefiniteNotPaid(meltErr) {
			return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, wrapMintErr(meltErr))
		}
		return c.deferMelt(ctx, sel.Proofs, tx.ID, m.URL, meltErr)
	}

	if !result.Paid {
		return nil, c.rollbackSend(ctx, sel.Proofs, tx.ID, ErrMeltNotPaid.Default())
	}

	for _, p := range sel.Proofs {
		if _, terr := c.proofs.Transition(ctx, p.ID, proofstore.StatePendingSend, proofstore.StateSpent, &tx.ID); terr != nil {
			return nil, terr
		}
	}
	if len(result.Change) > 0 {
		changeProofs, uerr := c.blinder.Unblind(result.Change, changeSecrets)
		if uerr != nil {
			return nil, uerr
		}
		for _, p := range changeProofs {
			p.MintURL = m.URL
			p.KeysetID = ks.ID
			if ierr := c.proofs.Insert(ctx, p); ierr != nil {
				return nil, ierr
			}
		}
	}
	if result.Preimage != nil {
		_ = c.txlog.SetPreimage(ctx, tx.ID, *result.Preimage)
	}
	_ = c.txlog.UpdateStatus(ctx, tx.ID, txlog.StatusCompleted, nil)
	return &MeltResult{Paid: true, Preimage: result.Preimage}, nil
}

// deferMelt leaves proofs PENDING_SEND and enqueues a reconciliation
// op so the next sync pass resolves the ambiguity via check_spent.
func (c *Core) deferMelt(ctx context.Context, proofs []*proofstore.Proof, txID, mintURL string, cause error) (*MeltResult, er.R) {
	walletlog.Warnf("wallet: melt outcome ambiguous for tx %s, deferring to reconciliation: %v", txID, cause)
	payload := reconcilePayload(mintURL, txID)
	if _, err := c.opqueue.Enqueue(ctx, opqueue.TypeReconcile, payload, opqueue.PriorityCritical); err != nil {
		return nil, err
	}
	return &MeltResult{Paid: false, Pending: true}, nil
}

// Swap exchanges inputs for fresh outputs of equal total value. Every
// output is tagged reserve when any input was reserve-tagged.
func (c *Core) Swap(ctx context.Context, mintURL string, proofIDs []string) ([]*proofstore.Proof, er.R) {
	var inputs []*proofstore.Proof
	var total uint64
	var anyReserve bool
	for _, id := range proofIDs {
		p, err := c.proofs.ByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		inputs = append(inputs, p)
		total += p.Amount
		anyReserve = anyReserve || p.IsReserve
	}

	txID := ""
	for _, p := range inputs {
		ok, err := c.proofs.Transition(ctx, p.ID, proofstore.StateUnspent, proofstore.StatePendingSwap, &txID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, proofstore.ErrLostRace.New(p.ID, nil)
		}
	}

	m, merr := c.ensureMint(ctx, mintURL)
	if merr != nil {
		return nil, c.rollbackSwap(ctx, inputs, merr)
	}
	ks, kerr := c.activeKeyset(ctx, m.MintID)
	if kerr != nil {
		return nil, c.rollbackSwap(ctx, inputs, kerr)
	}

	outputs, secrets, berr := c.blinder.NewOutputs(ks.ID, splitAmount(total))
	if berr != nil {
		return nil, c.rollbackSwap(ctx, inputs, berr)
	}
	c.bumpKeysetCounter(ctx, ks, len(outputs))

	sigs, swapErr := c.clientFor(m.URL).Swap(ctx, toProofInputs(inputs), outputs)
	if swapErr != nil {
		return nil, c.rollbackSwap(ctx, inputs, wrapMintErr(swapErr))
	}

	newProofs, uerr := c.blinder.Unblind(sigs, secrets)
	if uerr != nil {
		return nil, c.rollbackSwap(ctx, inputs, uerr)
	}
	for _, p := range newProofs {
		p.MintURL = m.URL
		p.KeysetID = ks.ID
		p.IsReserve = anyReserve
		if ierr := c.proofs.Insert(ctx, p); ierr != nil {
			return nil, ierr
		}
	}
	for _, p := range inputs {
		if _, terr := c.proofs.Transition(ctx, p.ID, proofstore.StatePendingSwap, proofstore.StateSpent, &txID); terr != nil {
			return nil, terr
		}
	}
	return newProofs, nil
}

func (c *Core) rollbackSend(ctx context.Context, proofs []*proofstore.Proof, txID string, cause er.R) er.R {
	for _, p := range proofs {
		_, _ = c.proofs.Transition(ctx, p.ID, proofstore.StatePendingSend, proofstore.StateUnspent, &txID)
	}
	_ = c.txlog.UpdateStatus(ctx, txID, txlog.StatusFailed, nil)
	return cause
}

func (c *Core) rollbackSwap(ctx context.Context, proofs []*proofstore.Proof, cause er.R) er.R {
	empty := ""
	for _, p := range proofs {
		_, _ = c.proofs.Transition(ctx, p.ID, proofstore.StatePendingSwap, proofstore.StateUnspent, &empty)
	}
	return cause
}

func (c *Core) failTx(ctx context.Context, txID string, cause er.R) er.R {
	_ = c.txlog.UpdateStatus(ctx, txID, txlog.StatusFailed, nil)
	return cause
}

func toProofInputs(proofs []*proofstore.Proof) []mintclient.ProofInput {
	out := make([]mintclient.ProofInput, len(proofs))
	for i, p := range proofs {
		out[i] = mintclient.ProofInput{Amount: p.Amount, ID: p.KeysetID, Secret: p.Secret, C: p.C}
	}
	return out
}

// splitAmount decomposes amount into a power-of-two denomination list,
// the only shape allowed for a single proof's amount.
func splitAmount(amount uint64) []uint64 {
	var out []uint64
	for bit := uint64(1); amount > 0; bit <<= 1 {
		if amount&1 == 1 {
			out = append(out, bit)
		}
		amount >>= 1
	}
	return out
}

func wrapMintErr(err er.R) er.R {
	return err
}

// isDefiniteNotPaid distinguishes a mint's definitive "invoice was
// never paid" response from an ambiguous transport failure. Only the
// former is safe to roll back locally.
func isDefiniteNotPaid(err er.R) bool {
	return mintclient.ErrInvalidQuote.Is(err)
}

func reconcilePayload(mintURL, txID string) string {
	return `{"mint_url":"` + mintURL + `","tx_id":"` + txID + `","reason":"melt_ambiguous","at":"` + time.Now().UTC().Format(time.RFC3339) + `"}`
}
