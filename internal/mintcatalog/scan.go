package mintcatalog

import (
	"database/sql"
	"encoding/json"
	"time"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMintRow(r rowScanner) (*Mint, error) {
	var m Mint
	var contact string
	var trust string
	var lastSynced sql.NullInt64
	if err := r.Scan(&m.MintID, &m.URL, &m.Name, &m.Description, &m.Pubkey, &m.Version,
		&contact, &m.MOTD, &m.IconURL, &trust, &lastSynced); err != nil {
		return nil, err
	}
	m.TrustLevel = TrustLevel(trust)
	_ = json.Unmarshal([]byte(contact), &m.Contact)
	if lastSynced.Valid {
		t := time.Unix(lastSynced.Int64, 0)
		m.LastSyncedAt = &t
	}
	return &m, nil
}

func scanMint(row *sql.Row) (*Mint, error) {
	return scanMintRow(row)
}

func scanMints(rows *sql.Rows) ([]*Mint, error) {
	defer rows.Close()
	var out []*Mint
	for rows.Next() {
		m, err := scanMintRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanKeysets(rows *sql.Rows) ([]*Keyset, error) {
	defer rows.Close()
	var out []*Keyset
	for rows.Next() {
		var k Keyset
		var active int
		var keys string
		if err := rows.Scan(&k.MintID, &k.ID, &k.Unit, &active, &keys, &k.Counter); err != nil {
			return nil, err
		}
		k.Active = active != 0
		_ = json.Unmarshal([]byte(keys), &k.Keys)
		out = append(out, &k)
	}
	return out, rows.Err()
}
