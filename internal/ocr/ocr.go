// Package ocr manages the Offline Cash Reserve: a tagged subset of
// UNSPENT proofs a wallet keeps on hand for spending while offline,
// replenished by swapping ordinary balance into reserve-tagged proofs.
package ocr

import (
	"context"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/proofstore"
	"github.com/cashuwallet/core/internal/store"
	"github.com/cashuwallet/core/internal/wallet"
)

var Err = er.NewErrorType("ocr")

var ErrDbError = Err.Code("ocr config db error")

type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// defaultTargets maps a named level to its sat amount; target_amount
// tracks the level unless explicitly overridden by SetConfig.
var defaultTargets = map[Level]uint64{
	LevelLow:    10_000,
	LevelMedium: 50_000,
	LevelHigh:   100_000,
}

type Config struct {
	TargetLevel    Level
	TargetAmount   uint64
	AutoRefill     bool
	AlertThreshold int
}

type Status string

const (
	StatusSynced     Status = "SYNCED"
	StatusReady      Status = "OFFLINE_READY"
	StatusOutOfSync  Status = "OUT_OF_SYNC"
	StatusDepleted   Status = "DEPLETED"
)

type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertLow      AlertLevel = "low"
	AlertCritical AlertLevel = "critical"
)

// Report is the snapshot status() computes.
type Report struct {
	Current     uint64
	Target      uint64
	Pct         float64
	Status      Status
	NeedsRefill bool
	AlertLevel  AlertLevel
}

type Manager struct {
	db     *store.DB
	proofs *proofstore.Store
	core   *wallet.Core
}

func New(db *store.DB, proofs *proofstore.Store, core *wallet.Core) *Manager {
	return &Manager{db: db, proofs: proofs, core: core}
}

// GetConfig loads the singleton config row.
func (m *Manager) GetConfig(ctx context.Context) (*Config, er.R) {
	row := m.db.QueryRow(ctx, `SELECT target_level, target_amount, auto_refill, alert_threshold FROM ocr_config WHERE id = 0`)
	var cfg Config
	var level string
	var autoRefill int
	if err := row.Scan(&level, &cfg.TargetAmount, &autoRefill, &cfg.AlertThreshold); err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	cfg.TargetLevel = Level(level)
	cfg.AutoRefill = autoRefill != 0
	return &cfg, nil
}

// Patch carries only the fields a caller wants to change; nil means
// "leave as-is".
type Patch struct {
	TargetLevel    *Level
	TargetAmount   *uint64
	AutoRefill     *bool
	AlertThreshold *int
}

// SetConfig merges patch into the persisted singleton. Changing
// TargetLevel without an explicit TargetAmount re-derives the amount
// from the level's default.
func (m *Manager) SetConfig(ctx context.Context, patch Patch) er.R {
	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return err
	}
	if patch.TargetLevel != nil {
		cfg.TargetLevel = *patch.TargetLevel
		if patch.TargetAmount == nil {
			cfg.TargetAmount = defaultTargets[*patch.TargetLevel]
		}
	}
	if patch.TargetAmount != nil {
		cfg.TargetAmount = *patch.TargetAmount
	}
	if patch.AutoRefill != nil {
		cfg.AutoRefill = *patch.AutoRefill
	}
	if patch.AlertThreshold != nil {
		cfg.AlertThreshold = *patch.AlertThreshold
	}
	return m.db.Execute(ctx, `
		UPDATE ocr_config SET target_level = ?, target_amount = ?, auto_refill = ?, alert_threshold = ? WHERE id = 0`,
		string(cfg.TargetLevel), cfg.TargetAmount, boolToInt(cfg.AutoRefill), cfg.AlertThreshold)
}

// Status computes the current reserve report against the configured
// target: SYNCED at >=95%, OFFLINE_READY at >=50%, OUT_OF_SYNC if
// nonzero, DEPLETED at zero. needs_refill is pct < 80. alert_level is
// critical below threshold, low below 2x threshold.
func (m *Manager) Status(ctx context.Context) (*Report, er.R) {
	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	current, berr := m.proofs.ReserveBalance(ctx)
	if berr != nil {
		return nil, berr
	}

	var pct float64
	if cfg.TargetAmount > 0 {
		pct = 100 * float64(current) / float64(cfg.TargetAmount)
	}

	var status Status
	switch {
	case current == 0:
		status = StatusDepleted
	case pct >= 95:
		status = StatusSynced
	case pct >= 50:
		status = StatusReady
	default:
		status = StatusOutOfSync
	}

	alert := AlertNone
	threshold := float64(cfg.AlertThreshold)
	switch {
	case pct < threshold:
		alert = AlertCritical
	case pct < 2*threshold:
		alert = AlertLow
	}

	return &Report{
		Current:     current,
		Target:      cfg.TargetAmount,
		Pct:         pct,
		Status:      status,
		NeedsRefill: pct < 80,
		AlertLevel:  alert,
	}, nil
}

// Sync tops the reserve up to target by swapping non-reserve UNSPENT
// proofs into reserve-tagged ones. A no-op if already SYNCED.
func (m *Manager) Sync(ctx context.Context, mintURL string) er.R {
	report, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if report.Status == StatusSynced {
		return nil
	}
	deficit := report.Target - report.Current

	candidates, cerr := m.proofs.CandidatesForAmount(ctx, mintURL, deficit, false)
	if cerr != nil {
		return cerr
	}

	ids := make([]string, len(candidates))
	for i, p := range candidates {
		ids[i] = p.ID
	}

	newProofs, swapErr := m.core.Swap(ctx, mintURL, ids)
	if swapErr != nil {
		return swapErr
	}

	var newIDs []string
	for _, p := range newProofs {
		newIDs = append(newIDs, p.ID)
	}
	return m.proofs.MarkReserve(ctx, newIDs)
}

// RefillIfNeeded invokes Sync only when auto-refill is on and the
// reserve currently needs it; otherwise it's a no-op.
func (m *Manager) RefillIfNeeded(ctx context.Context, mintURL string) er.R {
	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.AutoRefill {
		return nil
	}
	report, rerr := m.Status(ctx)
	if rerr != nil {
		return rerr
	}
	if !report.NeedsRefill {
		return nil
	}
	return m.Sync(ctx, mintURL)
}

// HealthWarning is one advisory emitted by HealthCheck.
type HealthWarning struct {
	Kind    string
	Message string
}

// HealthCheck reports depletion/out-of-sync/threshold warnings, plus a
// recommendation to lower the target when it exceeds half of the
// wallet's total balance (an over-provisioned reserve starves everyday
// spending).
func (m *Manager) HealthCheck(ctx context.Context) ([]HealthWarning, er.R) {
	report, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	var warnings []HealthWarning
	switch report.Status {
	case StatusDepleted:
		warnings = append(warnings, HealthWarning{Kind: "DEPLETED", Message: "reserve is empty"})
	case StatusOutOfSync:
		warnings = append(warnings, HealthWarning{Kind: "OUT_OF_SYNC", Message: "reserve below offline-ready threshold"})
	}
	if report.AlertLevel != AlertNone {
		warnings = append(warnings, HealthWarning{Kind: "ALERT_" + string(report.AlertLevel), Message: "reserve percentage below alert threshold"})
	}

	total, terr := m.proofs.TotalBalance(ctx)
	if terr != nil {
		return nil, terr
	}
	if total > 0 && report.Target > total/2 {
		warnings = append(warnings, HealthWarning{
			Kind:    "TARGET_TOO_HIGH",
			Message: "target reserve exceeds half of total balance; consider lowering the target level",
		})
	}
	return warnings, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
