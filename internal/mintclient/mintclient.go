// Package mintclient is a typed wrapper around one mint's HTTP
// surface. It never touches the wallet's persisted state: WalletCore
// is the only caller, and ProofStore/TxLog translate its responses
// into local state changes.
package mintclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cashuwallet/core/internal/er"
)

var Err = er.NewErrorType("mintclient")

var ErrNetwork = Err.Code("network error")
var ErrHTTPStatus = Err.Code("unexpected http status")
var ErrProtocol = Err.Code("protocol error")
var ErrRateLimited = Err.Code("rate limited")
var ErrInvalidQuote = Err.Code("invalid quote")
var ErrAlreadySpent = Err.Code("already spent")

// defaultTimeout bounds any single RPC absent a shorter deadline on
// the caller's context, so a stalled mint can never wedge the event
// loop indefinitely.
const defaultTimeout = 30 * time.Second

// Client is a thin REST client scoped to a single mint URL.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

type MintInfo struct {
	Name            string          `json:"name"`
	Pubkey          string          `json:"pubkey"`
	Version         string          `json:"version"`
	Description     string          `json:"description"`
	DescriptionLong string          `json:"description_long,omitempty"`
	Contact         [][]string      `json:"contact,omitempty"`
	Nuts            map[string]any  `json:"nuts,omitempty"`
	MOTD            string          `json:"motd,omitempty"`
	IconURL         string          `json:"icon_url,omitempty"`
}

type Keyset struct {
	ID     string            `json:"id"`
	Unit   string            `json:"unit"`
	Keys   map[string]string `json:"keys"`
	Active *bool             `json:"active,omitempty"`
}

type keysResponse struct {
	Keysets []Keyset `json:"keysets"`
}

// GetInfo calls GET /v1/info.
func (c *Client) GetInfo(ctx context.Context) (*MintInfo, er.R) {
	var info MintInfo
	if err := c.get(ctx, "/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetKeys calls GET /v1/keys.
func (c *Client) GetKeys(ctx context.Context) ([]Keyset, er.R) {
	var resp keysResponse
	if err := c.get(ctx, "/v1/keys", &resp); err != nil {
		return nil, err
	}
	return resp.Keysets, nil
}

type MintQuote struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
}

// GetMintQuote calls the mint-quote endpoint for a Lightning invoice
// covering amount.
func (c *Client) GetMintQuote(ctx context.Context, amount uint64) (*MintQuote, er.R) {
	var q MintQuote
	body := map[string]interface{}{"amount": amount, "unit": "sat"}
	if err := c.post(ctx, "/v1/mint/quote/bolt11", body, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// BlindedMessage is an opaque blinded-message output; the
// blinding math itself is out of scope for this core.
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	B_     string `json:"B_"`
}

type BlindSignature struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	C_     string `json:"C_"`
}

type mintResponse struct {
	Signatures []BlindSignature `json:"signatures"`
}

// Mint redeems a paid quote for new blind signatures.
func (c *Client) Mint(ctx context.Context, amount uint64, quote string, outputs []BlindedMessage) ([]BlindSignature, er.R) {
	var resp mintResponse
	body := map[string]interface{}{"quote": quote, "outputs": outputs}
	if err := c.post(ctx, "/v1/mint/bolt11", body, &resp); err != nil {
		return nil, err
	}
	return resp.Signatures, nil
}

// ProofInput is an input proof in the wire shape the swap/melt
// endpoints expect.
type ProofInput struct {
	Amount  uint64 `json:"amount"`
	ID      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
}

type swapResponse struct {
	Signatures []BlindSignature `json:"signatures"`
}

// Swap exchanges inputs for blind signatures over outputs, consuming
// inputs and issuing outputs of equal total value.
func (c *Client) Swap(ctx context.Context, inputs []ProofInput, outputs []BlindedMessage) ([]BlindSignature, er.R) {
	var resp swapResponse
	body := map[string]interface{}{"inputs": inputs, "outputs": outputs}
	if err := c.post(ctx, "/v1/swap", body, &resp); err != nil {
		return nil, err
	}
	return resp.Signatures, nil
}

type MeltQuote struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
}

// GetMeltQuote calls the melt-quote endpoint for a Lightning invoice.
func (c *Client) GetMeltQuote(ctx context.Context, invoice string) (*MeltQuote, er.R) {
	var q MeltQuote
	body := map[string]interface{}{"request": invoice, "unit": "sat"}
	if err := c.post(ctx, "/v1/melt/quote/bolt11", body, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

type MeltResult struct {
	Paid     bool             `json:"paid"`
	Preimage *string          `json:"payment_preimage,omitempty"`
	Change   []BlindSignature `json:"change,omitempty"`
}

// Melt settles a Lightning payment by burning inputs.
func (c *Client) Melt(ctx context.Context, quote string, inputs []ProofInput, change []BlindedMessage) (*MeltResult, er.R) {
	var result MeltResult
	body := map[string]interface{}{"quote": quote, "inputs": inputs, "outputs": change}
	if err := c.post(ctx, "/v1/melt/bolt11", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type checkStateResponse struct {
	States []struct {
		Y     string `json:"Y"`
		State string `json:"state"`
	} `json:"states"`
}

// CheckSpent reports, for each secret (by its Y = hash-to-curve
// value), whether the mint considers it spent. The crypto to derive Y
// from a secret is out of scope here; callers pass Ys directly.
func (c *Client) CheckSpent(ctx context.Context, ys []string) ([]bool, er.R) {
	var resp checkStateResponse
	body := map[string]interface{}{"Ys": ys}
	if err := c.post(ctx, "/v1/checkstate", body, &resp); err != nil {
		return nil, err
	}
	out := make([]bool, len(resp.States))
	for i, s := range resp.States {
		out[i] = s.State == "SPENT"
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) er.R {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return er.Wrap(ErrNetwork, err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) er.R {
	payload, err := json.Marshal(body)
	if err != nil {
		return er.Wrap(ErrProtocol, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return er.Wrap(ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) er.R {
	resp, err := c.http.Do(req)
	if err != nil {
		return er.Wrap(ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return er.Wrap(ErrNetwork, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return ErrRateLimited.New(retryAfter.String(), nil)
	}
	if resp.StatusCode >= 400 {
		if code := mintErrorCode(data); code != "" {
			switch code {
			case "TOKEN_ALREADY_SPENT":
				return ErrAlreadySpent.New(string(data), nil)
			case "QUOTE_EXPIRED", "QUOTE_NOT_PAID", "QUOTE_NOT_FOUND":
				return ErrInvalidQuote.New(string(data), nil)
			}
		}
		return ErrHTTPStatus.New(strconv.Itoa(resp.StatusCode)+": "+string(data), nil)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return er.Wrap(ErrProtocol, err)
		}
	}
	return nil
}

type mintErrorBody struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func mintErrorCode(data []byte) string {
	var body mintErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	switch body.Code {
	case 11001:
		return "TOKEN_ALREADY_SPENT"
	case 20001, 20002, 20003:
		return "QUOTE_EXPIRED"
	}
	return ""
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
