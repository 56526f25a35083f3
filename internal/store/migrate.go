package store

import (
	"context"
	"database/sql"

	"github.com/cashuwallet/core/internal/er"
	"github.com/cashuwallet/core/internal/walletlog"
)

// migration is one forward-only, self-contained schema step. Each
// migration is executed inside its own transaction and the schema
// version (SQLite's user_version pragma) is bumped atomically with it.
type migration struct {
	version int
	name    string
	apply   func(t *Tx) er.R
}

// migrations is ordered oldest-first; index i+1 must be version i's
// successor. Never edit a migration once released — append a new one.
var migrations = []migration{
	{1, "create proofs table", migrate001Proofs},
	{2, "create mints and keysets tables", migrate002Mints},
	{3, "create transactions table", migrate003Transactions},
	{4, "create operation_queue table", migrate004OpQueue},
	{5, "create ocr_config table", migrate005OCRConfig},
}

func currentUserVersion(ctx context.Context, sqlDB *sql.DB) (int, error) {
	var v int
	row := sqlDB.QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func setUserVersion(t *Tx, v int) error {
	// PRAGMA statements don't accept bound parameters.
	_, err := t.Exec("PRAGMA user_version = " + itoa(v))
	return err
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// migrate brings the schema from whatever version is stored up to the
// latest migration, applying each intermediate step inside its own
// transaction. If the stored version is already current, it's a no-op.
func (d *DB) migrate(ctx context.Context) er.R {
	have, err := currentUserVersion(ctx, d.sql)
	if err != nil {
		return er.Wrap(ErrMigrate, err)
	}

	for _, m := range migrations {
		if m.version <= have {
			continue
		}
		walletlog.Infof("store: applying migration %d (%s)", m.version, m.name)
		rerr := d.Transaction(ctx, func(t *Tx) er.R {
			if err := m.apply(t); err != nil {
				return err
			}
			if err := setUserVersion(t, m.version); err != nil {
				return er.Wrap(ErrMigrate, err)
			}
			return nil
		})
		if rerr != nil {
			return ErrMigrate.New(m.name, rerr)
		}
		walletlog.Infof("store: migration %d applied", m.version)
	}
	return nil
}

func migrate001Proofs(t *Tx) er.R {
	const stmt = `
CREATE TABLE proofs (
	id          TEXT PRIMARY KEY,
	secret      TEXT NOT NULL UNIQUE,
	c           TEXT NOT NULL,
	amount      INTEGER NOT NULL CHECK (amount > 0),
	mint_url    TEXT NOT NULL,
	keyset_id   TEXT NOT NULL,
	state       TEXT NOT NULL CHECK (state IN ('UNSPENT','PENDING_SEND','PENDING_SWAP','SPENT')),
	is_reserve  INTEGER NOT NULL DEFAULT 0,
	locked_at   INTEGER,
	locked_for  TEXT,
	created_at  INTEGER NOT NULL
);
CREATE INDEX idx_proofs_mint_state ON proofs(mint_url, state);
CREATE INDEX idx_proofs_reserve_state ON proofs(is_reserve, state);
CREATE INDEX idx_proofs_locked_for ON proofs(locked_for);
`
	if _, err := t.Exec(stmt); err != nil {
		return er.Wrap(ErrMigrate, err)
	}
	return nil
}

func migrate002Mints(t *Tx) er.R {
	const stmt = `
CREATE TABLE mints (
	mint_id         TEXT PRIMARY KEY,
	url             TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	pubkey          TEXT NOT NULL DEFAULT '',
	version         TEXT NOT NULL DEFAULT '',
	contact         TEXT NOT NULL DEFAULT '[]',
	motd            TEXT NOT NULL DEFAULT '',
	icon_url        TEXT NOT NULL DEFAULT '',
	trust_level     TEXT NOT NULL DEFAULT 'UNTRUSTED' CHECK (trust_level IN ('UNTRUSTED','LOW','MEDIUM','HIGH')),
	last_synced_at  INTEGER
);
CREATE INDEX idx_mints_last_synced ON mints(last_synced_at);

CREATE TABLE mint_keysets (
	mint_id   TEXT NOT NULL REFERENCES mints(mint_id) ON DELETE CASCADE,
	keyset_id TEXT NOT NULL,
	unit      TEXT NOT NULL,
	active    INTEGER NOT NULL DEFAULT 1,
	keys      TEXT NOT NULL,
	counter   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (mint_id, keyset_id)
);
CREATE INDEX idx_keysets_mint_active ON mint_keysets(mint_id, active);
`
	if _, err := t.Exec(stmt); err != nil {
		return er.Wrap(ErrMigrate, err)
	}
	return nil
}

func migrate003Transactions(t *Tx) er.R {
	const stmt = `
CREATE TABLE transactions (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL CHECK (type IN ('MINT','SEND','RECEIVE','SWAP','MELT')),
	direction        TEXT NOT NULL CHECK (direction IN ('INCOMING','OUTGOING')),
	amount           INTEGER NOT NULL,
	mint_url         TEXT NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('PENDING','COMPLETED','FAILED')),
	payment_request  TEXT,
	proof_count      INTEGER NOT NULL DEFAULT 0,
	memo             TEXT,
	preimage         TEXT,
	created_at       INTEGER NOT NULL,
	completed_at     INTEGER
);
CREATE INDEX idx_tx_type_status ON transactions(type, status);
CREATE INDEX idx_tx_mint ON transactions(mint_url);
CREATE INDEX idx_tx_created ON transactions(created_at);
`
	if _, err := t.Exec(stmt); err != nil {
		return er.Wrap(ErrMigrate, err)
	}
	return nil
}

func migrate004OpQueue(t *Tx) er.R {
	const stmt = `
CREATE TABLE operation_queue (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL CHECK (type IN ('MINT','SWAP','MELT','SEND','RECEIVE','SYNC_OCR','SYNC_KEYSETS','RECONCILE')),
	payload        TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 1,
	status         TEXT NOT NULL CHECK (status IN ('PENDING','PROCESSING','COMPLETED','FAILED','CANCELLED')),
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 8,
	last_error     TEXT,
	scheduled_for  INTEGER,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX idx_opqueue_dequeue ON operation_queue(status, priority DESC, created_at ASC);
CREATE INDEX idx_opqueue_scheduled ON operation_queue(scheduled_for) WHERE scheduled_for IS NOT NULL;
`
	if _, err := t.Exec(stmt); err != nil {
		return er.Wrap(ErrMigrate, err)
	}
	return nil
}

func migrate005OCRConfig(t *Tx) er.R {
	const stmt = `
CREATE TABLE ocr_config (
	id              INTEGER PRIMARY KEY CHECK (id = 0),
	target_level    TEXT NOT NULL DEFAULT 'LOW',
	target_amount   INTEGER NOT NULL DEFAULT 10000,
	auto_refill     INTEGER NOT NULL DEFAULT 0,
	alert_threshold INTEGER NOT NULL DEFAULT 20
);
INSERT INTO ocr_config (id) VALUES (0);
`
	if _, err := t.Exec(stmt); err != nil {
		return er.Wrap(ErrMigrate, err)
	}
	return nil
}
