// Package mintcatalog tracks the mints the wallet knows about and each
// mint's keyset generations, including the active/inactive lifecycle
// the catalog requires: old keysets are deactivated, never deleted,
// since proofs issued under them still need their keys to validate.
package mintcatalog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/store"
)

var Err = er.NewErrorType("mintcatalog")

var ErrNotFound = Err.Code("mint not found")
var ErrDbError = Err.Code("mint catalog db error")

type TrustLevel string

const (
	TrustUntrusted TrustLevel = "UNTRUSTED"
	TrustLow       TrustLevel = "LOW"
	TrustMedium    TrustLevel = "MEDIUM"
	TrustHigh      TrustLevel = "HIGH"
)

// ContactInfo mirrors one [kind, value] pair from a mint's /v1/info
// response.
type ContactInfo struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Mint is an external issuer, plus the metadata fields /v1/info
// advertises (gonuts-style restore and SyncEngine's metadata priority
// both depend on having the full shape cached, not just name/description).
type Mint struct {
	MintID        string
	URL           string
	Name          string
	Description   string
	Pubkey        string
	Version       string
	Contact       []ContactInfo
	MOTD          string
	IconURL       string
	TrustLevel    TrustLevel
	LastSyncedAt  *time.Time
}

// Keyset is one generation of a mint's signing keys.
type Keyset struct {
	MintID  string
	ID      string
	Unit    string
	Active  bool
	Keys    map[string]string // amount (as decimal string) -> pubkey hex
	Counter uint32
}

type Catalog struct {
	db *store.DB
}

func New(db *store.DB) *Catalog {
	return &Catalog{db: db}
}

// NormalizeURL strips a trailing slash, the only normalization
// applied to a mint's canonical URL.
func NormalizeURL(url string) string {
	return strings.TrimSuffix(url, "/")
}

func newMintID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// Create registers a new mint at the given (normalized) URL.
func (c *Catalog) Create(ctx context.Context, url string, trust TrustLevel) (*Mint, er.R) {
	m := &Mint{
		MintID:     newMintID(),
		URL:        NormalizeURL(url),
		TrustLevel: trust,
	}
	contact, _ := json.Marshal(m.Contact)
	err := c.db.Execute(ctx, `
		INSERT INTO mints (mint_id, url, name, description, pubkey, version, contact, motd, icon_url, trust_level)
		VALUES (?, ?, '', '', '', '', ?, '', '', ?)`,
		m.MintID, m.URL, string(contact), string(trust))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetByURL returns the mint registered at the normalized URL, or nil
// if none exists.
func (c *Catalog) GetByURL(ctx context.Context, url string) (*Mint, er.R) {
	row := c.db.QueryRow(ctx, `
		SELECT mint_id, url, name, description, pubkey, version, contact, motd, icon_url, trust_level, last_synced_at
		FROM mints WHERE url = ?`, NormalizeURL(url))
	m, err := scanMint(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, er.Wrap(ErrDbError, err)
	}
	return m, nil
}

// UpdateLastSynced stamps last_synced_at with now.
func (c *Catalog) UpdateLastSynced(ctx context.Context, mintID string) er.R {
	return c.db.Execute(ctx, `UPDATE mints SET last_synced_at = ? WHERE mint_id = ?`, time.Now().Unix(), mintID)
}

// UpdateInfo refreshes the cached /v1/info fields for a mint.
func (c *Catalog) UpdateInfo(ctx context.Context, mintID string, info *Mint) er.R {
	contact, _ := json.Marshal(info.Contact)
	return c.db.Execute(ctx, `
		UPDATE mints SET name = ?, description = ?, pubkey = ?, version = ?, contact = ?, motd = ?, icon_url = ?
		WHERE mint_id = ?`,
		info.Name, info.Description, info.Pubkey, info.Version, string(contact), info.MOTD, info.IconURL, mintID)
}

// GetStale returns mints whose last_synced_at is null or older than
// olderThan.
func (c *Catalog) GetStale(ctx context.Context, olderThan time.Duration) ([]*Mint, er.R) {
	cutoff := time.Now().Add(-olderThan).Unix()
	rows, err := c.db.Query(ctx, `
		SELECT mint_id, url, name, description, pubkey, version, contact, motd, icon_url, trust_level, last_synced_at
		FROM mints WHERE last_synced_at IS NULL OR last_synced_at < ?`, cutoff)
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	return scanMints(rows)
}

// GetAll returns every registered mint, for SyncEngine's metadata
// refresh priority which touches every known mint regardless of trust
// or staleness.
func (c *Catalog) GetAll(ctx context.Context) ([]*Mint, er.R) {
	rows, err := c.db.Query(ctx, `
		SELECT mint_id, url, name, description, pubkey, version, contact, motd, icon_url, trust_level, last_synced_at
		FROM mints`)
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	return scanMints(rows)
}

// GetTrusted returns mints at trust level MEDIUM or HIGH.
func (c *Catalog) GetTrusted(ctx context.Context) ([]*Mint, er.R) {
	rows, err := c.db.Query(ctx, `
		SELECT mint_id, url, name, description, pubkey, version, contact, motd, icon_url, trust_level, last_synced_at
		FROM mints WHERE trust_level IN (?, ?)`, string(TrustMedium), string(TrustHigh))
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	return scanMints(rows)
}

// Keysets returns a mint's keysets: all of them when active is nil,
// otherwise only the active (*active=true) or inactive (*active=false) ones.
func (c *Catalog) Keysets(ctx context.Context, mintID string, active *bool) ([]*Keyset, er.R) {
	query := `SELECT mint_id, keyset_id, unit, active, keys, counter FROM mint_keysets WHERE mint_id = ?`
	args := []interface{}{mintID}
	if active != nil {
		query += ` AND active = ?`
		args = append(args, boolToInt(*active))
	}
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, er.Wrap(ErrDbError, err)
	}
	return scanKeysets(rows)
}

// UpsertKeyset inserts a new keyset or marks an existing one active
// with refreshed keys.
func (c *Catalog) UpsertKeyset(ctx context.Context, k *Keyset) er.R {
	keys, _ := json.Marshal(k.Keys)
	return c.db.Execute(ctx, `
		INSERT INTO mint_keysets (mint_id, keyset_id, unit, active, keys, counter)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (mint_id, keyset_id) DO UPDATE SET unit = excluded.unit, active = 1, keys = excluded.keys`,
		k.MintID, k.ID, k.Unit, boolToInt(k.Active), string(keys), k.Counter)
}

// DeactivateKeyset flips active=false without deleting the row; old
// proofs still need these keys to validate.
func (c *Catalog) DeactivateKeyset(ctx context.Context, mintID, keysetID string) er.R {
	return c.db.Execute(ctx, `UPDATE mint_keysets SET active = 0 WHERE mint_id = ? AND keyset_id = ?`, mintID, keysetID)
}

// IncrementKeysetCounter sets the deterministic-secret derivation
// counter to to, used by restore flows to know how many outputs a
// keyset has already produced.
func (c *Catalog) IncrementKeysetCounter(ctx context.Context, mintID, keysetID string, to uint32) er.R {
	return c.db.Execute(ctx, `UPDATE mint_keysets SET counter = ? WHERE mint_id = ? AND keyset_id = ?`, to, mintID, keysetID)
}

// SyncKeysets reconciles the mint's currently advertised keyset list
// against what's stored: new ids are added, ids present in both are
// marked active, and stored ids absent from advertised are deactivated
// (never deleted) the keyset sync needs.
func (c *Catalog) SyncKeysets(ctx context.Context, mintID string, advertised []*Keyset) er.R {
	existing, err := c.Keysets(ctx, mintID, nil)
	if err != nil {
		return err
	}
	existingByID := make(map[string]*Keyset, len(existing))
	for _, k := range existing {
		existingByID[k.ID] = k
	}
	advertisedIDs := make(map[string]bool, len(advertised))

	for _, k := range advertised {
		k.MintID = mintID
		k.Active = true
		advertisedIDs[k.ID] = true
		if err := c.UpsertKeyset(ctx, k); err != nil {
			return err
		}
	}
	for id, k := range existingByID {
		if !advertisedIDs[id] {
			if err := c.DeactivateKeyset(ctx, mintID, id); err != nil {
				return err
			}
		}
		_ = k
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
