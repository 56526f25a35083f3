// Package sync is the network-aware synchronizer: it watches
// connectivity, decides when it's allowed to talk to mints, and runs
// the priority-ordered reconciliation pipeline against the wallet's
// mints.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cashuwallet/core/internal/mintcatalog"
	"github.com/cashuwallet/core/internal/mintclient"
	"github.com/cashuwallet/core/internal/ocr"
	"github.com/cashuwallet/core/internal/opqueue"
	"github.com/cashuwallet/core/internal/reconcile"
	"github.com/cashuwallet/core/internal/txlog"
	"github.com/cashuwallet/core/internal/wallet"
	"github.com/cashuwallet/core/internal/walletlog"
)

// NetworkState is a point-in-time connectivity snapshot. Production
// hosts feed this from the OS network reachability APIs; this package
// only consumes it via Engine.OnNetworkChange.
type NetworkState struct {
	Connected bool
	IsWifi    bool
	IsMetered bool
	Timestamp time.Time
}

// Priorities selects which pipeline stages sync_now runs, in a fixed
// order: transactions, then ocr, then keysets, then metadata.
type Priorities struct {
	Transactions bool
	OCR          bool
	Keysets      bool
	Metadata     bool
}

// Strategy is SyncEngine's mutable runtime configuration.
type Strategy struct {
	AutoSync        bool
	WifiOnly        bool
	IntervalMinutes int
	BackgroundSync  bool
	Priorities      Priorities
}

// DefaultStrategy mirrors a reasonably conservative default: sync
// automatically on any connection (wifi or not), and touch every
// priority at a 15-minute cadence.
func DefaultStrategy() Strategy {
	return Strategy{
		AutoSync:        true,
		WifiOnly:        false,
		IntervalMinutes: 15,
		BackgroundSync:  true,
		Priorities:      Priorities{Transactions: true, OCR: true, Keysets: true, Metadata: true},
	}
}

// Counts tallies how many items each pipeline stage touched.
type Counts struct {
	Transactions int
	OCR          int
	Keysets      int
	Metadata     int
}

// Result is sync_now's outcome: Ok is true iff Errors is empty.
type Result struct {
	Ok        bool
	Timestamp time.Time
	Counts    Counts
	Errors    []string
}

// pendingTxMaxAge is how long a PENDING transaction can sit unresolved
// before the transactions priority gives up and marks it FAILED.
const pendingTxMaxAge = time.Hour

// keysetStaleAfter is how long since a mint's last sync before the
// keysets priority re-fetches its keyset list.
const keysetStaleAfter = 24 * time.Hour

// Engine is the sync orchestrator. Construction wires it to the
// collaborators it drives; it never owns the Store directly.
type Engine struct {
	core    *wallet.Core
	ocr     *ocr.Manager
	catalog *mintcatalog.Catalog
	txlog   *txlog.Log
	opq     *opqueue.Queue
	recon   *reconcile.Reconciler

	mu         sync.Mutex
	strategy   Strategy
	inProgress bool
	lastState  NetworkState
	wasOnline  bool

	cancel context.CancelFunc
}

func New(core *wallet.Core, ocrMgr *ocr.Manager, catalog *mintcatalog.Catalog, txl *txlog.Log, opq *opqueue.Queue, recon *reconcile.Reconciler) *Engine {
	return &Engine{core: core, ocr: ocrMgr, catalog: catalog, txlog: txl, opq: opq, recon: recon, strategy: DefaultStrategy()}
}

// SetStrategy replaces the runtime strategy wholesale. IntervalMinutes
// below 5 is clamped up to that floor.
func (e *Engine) SetStrategy(s Strategy) {
	if s.IntervalMinutes < 5 {
		s.IntervalMinutes = 5
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategy = s
}

func (e *Engine) Strategy() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// CanSync reports whether sync_now is currently allowed: connected,
// not wifi-gated (or on wifi), and not already running.
func (e *Engine) CanSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canSyncLocked()
}

func (e *Engine) canSyncLocked() bool {
	if e.inProgress {
		return false
	}
	if !e.lastState.Connected {
		return false
	}
	if e.strategy.WifiOnly && !e.lastState.IsWifi {
		return false
	}
	return true
}

// OnNetworkChange feeds a fresh connectivity reading. A transition
// from offline to online fires SyncNow in the background if AutoSync
// is on.
func (e *Engine) OnNetworkChange(ctx context.Context, state NetworkState) {
	e.mu.Lock()
	wasOnline := e.wasOnline
	e.lastState = state
	e.wasOnline = state.Connected
	autoSync := e.strategy.AutoSync
	e.mu.Unlock()

	if !wasOnline && state.Connected && autoSync {
		go func() {
			if _, err := e.SyncNow(ctx); err != nil {
				walletlog.Warnf("sync: offline->online trigger failed: %v", err)
			}
		}()
	}
}

// Start launches the periodic timer driving sync_now every
// IntervalMinutes while BackgroundSync is enabled. Cancel via ctx or Stop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	interval := time.Duration(e.strategy.IntervalMinutes) * time.Minute
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.mu.Lock()
				bg := e.strategy.BackgroundSync
				e.mu.Unlock()
				if !bg {
					continue
				}
				if _, err := e.SyncNow(ctx); err != nil {
					walletlog.Warnf("sync: periodic tick failed: %v", err)
				}
			}
		}
	}()
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// ErrAlreadySyncing is returned by ForceSyncNow (and surfaced as an
// immediate "already syncing" result by SyncNow's in-progress guard)
// when a sync is already running.
var ErrAlreadySyncing = fmt.Errorf("sync already in progress")

// ForceSyncNow bypasses the wifi_only and interval gates but still
// respects the in-progress guard: a manual trigger can't stack with an
// already-running sync.
func (e *Engine) ForceSyncNow(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return nil, ErrAlreadySyncing
	}
	e.mu.Unlock()
	return e.runPipeline(ctx)
}

// SyncNow is the gated entry point triggers call: it defers to
// CanSync, returning an "already syncing" no-op result rather than an
// error when one is already running.
func (e *Engine) SyncNow(ctx context.Context) (*Result, error) {
	if !e.CanSync() {
		return &Result{Ok: false, Timestamp: time.Now(), Errors: []string{"cannot sync: offline, wifi-gated, or already in progress"}}, nil
	}
	return e.runPipeline(ctx)
}

// runPipeline executes every enabled priority stage under the
// in-progress flag, guaranteeing release on any exit path. Each
// stage's failure is collected, not fatal to later stages.
func (e *Engine) runPipeline(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return nil, ErrAlreadySyncing
	}
	e.inProgress = true
	strategy := e.strategy
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
	}()

	runsTotal.Inc()
	result := &Result{Timestamp: time.Now()}

	if strategy.Priorities.Transactions {
		n, errs := e.syncTransactions(ctx)
		result.Counts.Transactions = n
		result.Errors = append(result.Errors, errs...)
		stageItems.WithLabelValues("transactions").Add(float64(n))
		stageErrors.WithLabelValues("transactions").Add(float64(len(errs)))
	}
	if strategy.Priorities.OCR {
		n, errs := e.syncOCR(ctx)
		result.Counts.OCR = n
		result.Errors = append(result.Errors, errs...)
		stageItems.WithLabelValues("ocr").Add(float64(n))
		stageErrors.WithLabelValues("ocr").Add(float64(len(errs)))
	}
	if strategy.Priorities.Keysets {
		n, errs := e.syncKeysets(ctx)
		result.Counts.Keysets = n
		result.Errors = append(result.Errors, errs...)
		stageItems.WithLabelValues("keysets").Add(float64(n))
		stageErrors.WithLabelValues("keysets").Add(float64(len(errs)))
	}
	if strategy.Priorities.Metadata {
		n, errs := e.syncMetadata(ctx)
		result.Counts.Metadata = n
		result.Errors = append(result.Errors, errs...)
		stageItems.WithLabelValues("metadata").Add(float64(n))
		stageErrors.WithLabelValues("metadata").Add(float64(len(errs)))
	}

	result.Ok = len(result.Errors) == 0
	if !result.Ok {
		runsFailed.Inc()
	}
	lastRunTimestamp.Set(float64(result.Timestamp.Unix()))
	return result, nil
}

func (e *Engine) syncTransactions(ctx context.Context) (int, []string) {
	pending, err := e.txlog.GetPending(ctx)
	if err != nil {
		return 0, []string{"transactions: " + err.Message()}
	}
	var errs []string
	n := 0
	for _, tx := range pending {
		n++
		if time.Since(tx.CreatedAt) > pendingTxMaxAge {
			if uerr := e.txlog.UpdateStatus(ctx, tx.ID, txlog.StatusFailed, nil); uerr != nil {
				errs = append(errs, "transactions: "+uerr.Message())
			}
		}
	}

	drained, derrs := e.drainOpQueue(ctx)
	n += drained
	errs = append(errs, derrs...)
	return n, errs
}

// reconcilePayload mirrors the JSON shape wallet.Core.deferMelt writes
// into a RECONCILE op's payload.
type reconcilePayload struct {
	MintURL string `json:"mint_url"`
	TxID    string `json:"tx_id"`
	Reason  string `json:"reason"`
}

// drainOpQueue processes every PENDING op, dispatching RECONCILE ops to
// the Reconciler. Unrecognized op types complete as a no-op: nothing
// else in this codebase currently enqueues any other type.
func (e *Engine) drainOpQueue(ctx context.Context) (int, []string) {
	if e.opq == nil {
		return 0, nil
	}
	n := 0
	var errs []string
	perr := e.opq.ProcessPending(ctx, func(ctx context.Context, op *opqueue.Op) error {
		n++
		switch op.Type {
		case opqueue.TypeReconcile:
			var p reconcilePayload
			if jerr := json.Unmarshal([]byte(op.Payload), &p); jerr != nil {
				errs = append(errs, "transactions: reconcile op "+op.ID+": bad payload: "+jerr.Error())
				return jerr
			}
			if p.Reason == "melt_ambiguous" && e.recon != nil {
				if rerr := e.recon.ResolveMeltAmbiguity(ctx, p.MintURL, p.TxID); rerr != nil {
					errs = append(errs, "transactions: reconcile "+p.TxID+": "+rerr.Message())
					return rerr
				}
			}
			return nil
		default:
			return nil
		}
	})
	if perr != nil {
		errs = append(errs, "transactions: opqueue drain: "+perr.Message())
	}
	return n, errs
}

// syncOCR refills the offline cash reserve for every trusted mint,
// fanned out one goroutine per mint since each refill is an
// independent network round trip.
func (e *Engine) syncOCR(ctx context.Context) (int, []string) {
	trusted, err := e.catalog.GetTrusted(ctx)
	if err != nil {
		return 0, []string{"ocr: " + err.Message()}
	}
	var mu sync.Mutex
	var errs []string
	var g errgroup.Group
	for _, m := range trusted {
		m := m
		g.Go(func() error {
			if rerr := e.ocr.RefillIfNeeded(ctx, m.URL); rerr != nil {
				mu.Lock()
				errs = append(errs, "ocr: "+m.URL+": "+rerr.Message())
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return len(trusted), errs
}

// syncKeysets re-fetches and reconciles the keyset list for every mint
// whose last sync is stale, one goroutine per mint.
func (e *Engine) syncKeysets(ctx context.Context) (int, []string) {
	stale, err := e.catalog.GetStale(ctx, keysetStaleAfter)
	if err != nil {
		return 0, []string{"keysets: " + err.Message()}
	}
	var mu sync.Mutex
	var errs []string
	var g errgroup.Group
	for _, m := range stale {
		m := m
		g.Go(func() error {
			client := e.core.ClientFor(m.URL)
			remote, kerr := client.GetKeys(ctx)
			if kerr != nil {
				mu.Lock()
				errs = append(errs, "keysets: "+m.URL+": "+kerr.Message())
				mu.Unlock()
				return nil
			}
			advertised := make([]*mintcatalog.Keyset, len(remote))
			for i, k := range remote {
				advertised[i] = &mintcatalog.Keyset{ID: k.ID, Unit: k.Unit, Keys: k.Keys}
			}
			if serr := e.catalog.SyncKeysets(ctx, m.MintID, advertised); serr != nil {
				mu.Lock()
				errs = append(errs, "keysets: "+m.URL+": "+serr.Message())
				mu.Unlock()
				return nil
			}
			if uerr := e.catalog.UpdateLastSynced(ctx, m.MintID); uerr != nil {
				mu.Lock()
				errs = append(errs, "keysets: "+m.URL+": "+uerr.Message())
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return len(stale), errs
}

// syncMetadata refreshes mint info (name, description, MOTD, icon) for
// every registered mint. A single unreachable mint is silent, not a
// pipeline error, so this stage fans out without collecting errs.
func (e *Engine) syncMetadata(ctx context.Context) (int, []string) {
	mints, err := e.catalog.GetAll(ctx)
	if err != nil {
		return 0, []string{"metadata: " + err.Message()}
	}
	var g errgroup.Group
	for _, m := range mints {
		m := m
		g.Go(func() error {
			client := e.core.ClientFor(m.URL)
			info, ierr := client.GetInfo(ctx)
			if ierr != nil {
				return nil
			}
			updated := mintInfoToMint(info, m.TrustLevel)
			_ = e.catalog.UpdateInfo(ctx, m.MintID, updated)
			return nil
		})
	}
	g.Wait()
	return len(mints), nil
}

func mintInfoToMint(info *mintclient.MintInfo, trust mintcatalog.TrustLevel) *mintcatalog.Mint {
	contact := make([]mintcatalog.ContactInfo, 0, len(info.Contact))
	for _, pair := range info.Contact {
		if len(pair) == 2 {
			contact = append(contact, mintcatalog.ContactInfo{Kind: pair[0], Value: pair[1]})
		}
	}
	return &mintcatalog.Mint{
		Name: info.Name, Description: info.Description, Pubkey: info.Pubkey,
		Version: info.Version, Contact: contact, MOTD: info.MOTD, IconURL: info.IconURL,
		TrustLevel: trust,
	}
}
