// Package proofstore is the hardest component of the wallet core: a
// durable proof table with an atomic state machine, pessimistic
// locking for coin selection, and the Offline Cash Reserve tag.
package proofstore

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// State is one of the four positions a Proof can occupy.
type State string

const (
	StateUnspent     State = "UNSPENT"
	StatePendingSend State = "PENDING_SEND"
	StatePendingSwap State = "PENDING_SWAP"
	StateSpent       State = "SPENT"
)

// LockTimeout is the age past which a PENDING_* lock is considered
// stale and eligible for automatic release.
const LockTimeout = 5 * time.Minute

// Proof is a single bearer ecash token as persisted in the proofs
// table. Secret is its canonical external identity; ID is a local
// opaque handle used by every other method in this package.
type Proof struct {
	ID        string
	Secret    string
	C         string
	Amount    uint64
	MintURL   string
	KeysetID  string
	State     State
	IsReserve bool
	LockedAt  *time.Time
	LockedFor *string
	CreatedAt time.Time
}

// newID generates a fresh local proof identity. Proofs are identified
// externally by Secret (globally unique, mint-issued entropy); ID only
// needs to be unique within this wallet's own database, so a short
// random hex token is sufficient and avoids pulling in a UUID library
// the rest of the stack doesn't otherwise need (see DESIGN.md).
func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
