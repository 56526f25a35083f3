package wallet

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/cashuwallet/core/internal/er"
)

const tokenPrefix = "cashu"

// TokenProof is one proof as it appears inside an encoded token: the
// bearer material plus enough metadata (keyset_id) to redeem it
// without a prior lookup.
type TokenProof struct {
	Secret   string `json:"secret"`
	C        string `json:"C"`
	Amount   uint64 `json:"amount"`
	KeysetID string `json:"id"`
}

// Token is the decoded, canonical shape: one mint and its proofs. The
// legacy wire form nests this under "token": [...] to support multiple
// mints per token; this core only ever emits and expects one mint
// per token, but accepts the legacy shape on decode.
type Token struct {
	MintURL string
	Proofs  []TokenProof
}

type compactWrapper struct {
	Mint   string       `json:"mint"`
	Proofs []TokenProof `json:"proofs"`
}

type legacyEntry struct {
	Mint   string       `json:"mint"`
	Proofs []TokenProof `json:"proofs"`
}

type legacyWrapper struct {
	Token []legacyEntry `json:"token"`
}

// EncodeToken emits the compact canonical form: "cashu" + base64(JSON).
func EncodeToken(t Token) (string, er.R) {
	wrapper := compactWrapper{Mint: t.MintURL, Proofs: t.Proofs}
	data, err := json.Marshal(wrapper)
	if err != nil {
		return "", er.Wrap(ErrInvalidToken, err)
	}
	return tokenPrefix + base64.URLEncoding.EncodeToString(data), nil
}

// DecodeToken accepts either the compact {mint, proofs} shape or the
// legacy {token: [{mint, proofs}, ...]} shape. A token spanning more
// than one mint in the legacy shape is rejected: this core's flows
// are single-mint.
func DecodeToken(s string) (*Token, er.R) {
	if !strings.HasPrefix(s, tokenPrefix) {
		return nil, ErrInvalidToken.New("missing cashu prefix", nil)
	}
	encoded := strings.TrimPrefix(s, tokenPrefix)

	data, err := decodeAnyBase64(encoded)
	if err != nil {
		return nil, ErrInvalidToken.New("bad base64 payload", err)
	}

	var compact compactWrapper
	if err := json.Unmarshal(data, &compact); err == nil && compact.Mint != "" {
		return &Token{MintURL: compact.Mint, Proofs: compact.Proofs}, nil
	}

	var legacy legacyWrapper
	if err := json.Unmarshal(data, &legacy); err == nil && len(legacy.Token) > 0 {
		if len(legacy.Token) > 1 {
			return nil, ErrInvalidToken.New("multi-mint legacy tokens are not supported", nil)
		}
		entry := legacy.Token[0]
		if entry.Mint == "" {
			return nil, ErrInvalidToken.New("legacy token missing mint_url", nil)
		}
		return &Token{MintURL: entry.Mint, Proofs: entry.Proofs}, nil
	}

	return nil, ErrInvalidToken.New("unrecognized token payload", nil)
}

func decodeAnyBase64(s string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
