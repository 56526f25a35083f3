// Command walletd wires the wallet core's components into a running
// process: load config, open the store, construct every package, and
// run the sync engine until an interrupt signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/mintcatalog"
	"github.com/cashuwallet/core/internal/mintclient"
	"github.com/cashuwallet/core/internal/ocr"
	"github.com/cashuwallet/core/internal/opqueue"
	"github.com/cashuwallet/core/internal/proofstore"
	"github.com/cashuwallet/core/internal/reconcile"
	"github.com/cashuwallet/core/internal/store"
	syncpkg "github.com/cashuwallet/core/internal/sync"
	"github.com/cashuwallet/core/internal/txlog"
	"github.com/cashuwallet/core/internal/wallet"
	"github.com/cashuwallet/core/internal/walletcfg"
	"github.com/cashuwallet/core/internal/walletlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, _, err := walletcfg.Load(os.Stdout)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := filepath.Join(cfg.DataDir, "wallet.db")
	db, dberr := store.Open(ctx, dbPath)
	if dberr != nil {
		return fmt.Errorf("opening store: %v", dberr)
	}
	defer db.Close()

	proofs := proofstore.New(db)
	catalog := mintcatalog.New(db)
	txl := txlog.New(db)
	opq := opqueue.New(db)

	core := wallet.New(proofs, catalog, txl, opq, &unimplementedBlinder{})
	ocrMgr := ocr.New(db, proofs, core)
	recon := reconcile.New(proofs, txl, core)

	engine := syncpkg.New(core, ocrMgr, catalog, txl, opq, recon)
	engine.SetStrategy(syncpkg.Strategy{
		AutoSync:        cfg.SyncAutoSync,
		WifiOnly:        cfg.SyncWifiOnly,
		IntervalMinutes: cfg.SyncIntervalMinutes,
		BackgroundSync:  cfg.SyncBackgroundSync,
		Priorities:      syncpkg.Priorities{Transactions: true, OCR: true, Keysets: true, Metadata: true},
	})

	for _, url := range cfg.Mints {
		if _, merr := registerMint(ctx, catalog, url); merr != nil {
			walletlog.Warnf("walletd: failed to register mint %s: %v", url, merr)
		}
	}
	var targetAmount *uint64
	if cfg.OCRTargetAmount > 0 {
		targetAmount = &cfg.OCRTargetAmount
	}
	if merr := ocrMgr.SetConfig(ctx, ocr.Patch{
		TargetLevel:    patchLevel(cfg.OCRTargetLevel),
		TargetAmount:   targetAmount,
		AutoRefill:     &cfg.OCRAutoRefill,
		AlertThreshold: &cfg.OCRAlertThreshold,
	}); merr != nil {
		walletlog.Warnf("walletd: failed to apply ocr config: %v", merr)
	}

	engine.OnNetworkChange(ctx, syncpkg.NetworkState{Connected: true, IsWifi: true})
	engine.Start(ctx)
	defer engine.Stop()

	walletlog.Infof("walletd: started, version %s", walletcfg.Version())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	walletlog.Info("walletd: shutting down")
	return nil
}

func registerMint(ctx context.Context, catalog *mintcatalog.Catalog, url string) (*mintcatalog.Mint, error) {
	existing, err := catalog.GetByURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	m, cerr := catalog.Create(ctx, url, mintcatalog.TrustUntrusted)
	if cerr != nil {
		return nil, cerr
	}
	return m, nil
}

func patchLevel(s string) *ocr.Level {
	l := ocr.Level(s)
	return &l
}

// unimplementedBlinder is the daemon's placeholder wallet.Blinder: the
// Cashu blind-signature math (NUT-00) has no implementation in this
// tree, so every call fails loudly rather than producing an invalid
// token. A real build swaps this for a proper blind-diffie-hellman
// implementation.
type unimplementedBlinder struct{}

var errBlinderUnwired = wallet.Err.Code("blind signature support not wired into this build")

func (unimplementedBlinder) NewOutputs(keysetID string, amounts []uint64) ([]mintclient.BlindedMessage, []wallet.OutputSecret, er.R) {
	return nil, nil, errBlinderUnwired.Default()
}

func (unimplementedBlinder) Unblind(sigs []mintclient.BlindSignature, secrets []wallet.OutputSecret) ([]*proofstore.Proof, er.R) {
	return nil, errBlinderUnwired.Default()
}
