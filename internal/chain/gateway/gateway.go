// Package gateway reaches oracle contracts on non-EVM chains through a JSON
// sidecar that owns the chain SDK and the signing key.
package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/witnz/witnz-oracle/internal/chain"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var errNotFound = errors.New("not found")

type transport struct {
	chain   string
	baseURL string
	http    HTTPClient
}

// New matches chain.Constructor. The key is unused; the sidecar signs.
func New(ctx context.Context, s chain.Settings, _ *ecdsa.PrivateKey, logger *slog.Logger) (chain.Client, chain.Wallet, error) {
	return Dial(ctx, s, &http.Client{Timeout: 30 * time.Second}, logger)
}

func Dial(ctx context.Context, s chain.Settings, httpClient HTTPClient, logger *slog.Logger) (*Client, *Wallet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &transport{chain: s.ID, baseURL: strings.TrimRight(s.RPCURL, "/"), http: httpClient}

	var info struct {
		Address string `json:"address"`
	}
	if err := t.do(ctx, http.MethodGet, "/wallet", nil, &info); err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to chain gateway", "url", t.baseURL, "wallet", info.Address)

	return &Client{t: t, id: s.ID, address: s.ContractAddress},
		&Wallet{t: t, address: info.Address},
		nil
}

type Client struct {
	t       *transport
	id      string
	address string
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) ResolveStatus(ctx context.Context) (*chain.Status, error) {
	var status chain.Status
	if err := c.t.do(ctx, http.MethodGet, "/status?contract="+url.QueryEscape(c.address), nil, &status); err != nil {
		return nil, err
	}
	if status.ChainAddress == "" {
		status.ChainAddress = c.address
	}
	return &status, nil
}

func (c *Client) SupportsProtocol(ctx context.Context) (bool, error) {
	var out struct {
		Version  int  `json:"version"`
		Supports bool `json:"supportsSubmit"`
	}
	if err := c.t.do(ctx, http.MethodGet, "/version?contract="+url.QueryEscape(c.address), nil, &out); err != nil {
		return false, err
	}
	return out.Supports, nil
}

type submitBody struct {
	Contract      string          `json:"contract"`
	DataTimestamp uint64          `json:"dataTimestamp"`
	Root          string          `json:"root"`
	Keys          []hexutil.Bytes `json:"keys"`
	Values        []string        `json:"values"`
	V             []uint8         `json:"v"`
	R             []hexutil.Bytes `json:"r"`
	S             []hexutil.Bytes `json:"s"`
	Tx            txBody          `json:"tx"`
}

type txBody struct {
	Nonce     uint64 `json:"nonce"`
	GasLimit  uint64 `json:"gasLimit,omitempty"`
	GasPrice  string `json:"gasPrice,omitempty"`
	GasFeeCap string `json:"gasFeeCap,omitempty"`
	GasTipCap string `json:"gasTipCap,omitempty"`
}

type txResult struct {
	TxHash string `json:"txHash"`
}

func (c *Client) Submit(ctx context.Context, req chain.SubmitRequest, opts chain.TxOptions) (string, error) {
	body := submitBody{
		Contract:      c.address,
		DataTimestamp: req.DataTimestamp,
		Root:          req.Root.Hex(),
		Keys:          make([]hexutil.Bytes, len(req.Keys)),
		Values:        make([]string, len(req.Values)),
		V:             req.V,
		R:             make([]hexutil.Bytes, len(req.R)),
		S:             make([]hexutil.Bytes, len(req.S)),
		Tx:            toTxBody(opts),
	}
	for i := range req.Keys {
		body.Keys[i] = req.Keys[i][:]
		body.Values[i] = req.Values[i].String()
	}
	for i := range req.R {
		body.R[i] = req.R[i][:]
		body.S[i] = req.S[i][:]
	}

	var out txResult
	if err := c.t.do(ctx, http.MethodPost, "/submit", body, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

type Wallet struct {
	t       *transport
	address string
}

func (w *Wallet) Address() string {
	return w.address
}

func (w *Wallet) Balance(ctx context.Context) (*big.Int, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	if err := w.t.do(ctx, http.MethodGet, "/balance", nil, &out); err != nil {
		return nil, err
	}
	return parseBig(w.t.chain, "balance", out.Balance)
}

func (w *Wallet) PendingNonce(ctx context.Context) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := w.t.do(ctx, http.MethodGet, "/nonce", nil, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

func (w *Wallet) SuggestFees(ctx context.Context) (chain.Fees, error) {
	var out struct {
		GasPrice string `json:"gasPrice"`
		BaseFee  string `json:"baseFee"`
		TipCap   string `json:"tipCap"`
	}
	if err := w.t.do(ctx, http.MethodGet, "/fees", nil, &out); err != nil {
		return chain.Fees{}, err
	}

	var fees chain.Fees
	var err error
	if fees.GasPrice, err = parseBig(w.t.chain, "gasPrice", out.GasPrice); err != nil {
		return chain.Fees{}, err
	}
	if out.BaseFee != "" {
		if fees.BaseFee, err = parseBig(w.t.chain, "baseFee", out.BaseFee); err != nil {
			return chain.Fees{}, err
		}
		if fees.TipCap, err = parseBig(w.t.chain, "tipCap", out.TipCap); err != nil {
			return chain.Fees{}, err
		}
	}
	return fees, nil
}

func (w *Wallet) BlockNumber(ctx context.Context) (uint64, error) {
	var out struct {
		BlockNumber uint64 `json:"blockNumber"`
	}
	if err := w.t.do(ctx, http.MethodGet, "/block", nil, &out); err != nil {
		return 0, err
	}
	return out.BlockNumber, nil
}

func (w *Wallet) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	var out struct {
		BlockNumber uint64 `json:"blockNumber"`
		Success     bool   `json:"success"`
	}
	err := w.t.do(ctx, http.MethodGet, "/receipt/"+url.PathEscape(txHash), nil, &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: out.BlockNumber, Success: out.Success}, nil
}

func (w *Wallet) SendSelfTransfer(ctx context.Context, opts chain.TxOptions) (string, error) {
	body := struct {
		To    string `json:"to"`
		Value string `json:"value"`
		Tx    txBody `json:"tx"`
	}{To: w.address, Value: "0", Tx: toTxBody(opts)}

	var out txResult
	if err := w.t.do(ctx, http.MethodPost, "/transfer", body, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func toTxBody(opts chain.TxOptions) txBody {
	return txBody{
		Nonce:     opts.Nonce,
		GasLimit:  opts.GasLimit,
		GasPrice:  bigString(opts.GasPrice),
		GasFeeCap: bigString(opts.GasFeeCap),
		GasTipCap: bigString(opts.GasTipCap),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseBig(chainID, field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, chain.NewChainError(chainID, field, fmt.Errorf("not a decimal integer: %q", s))
	}
	return v, nil
}

func (t *transport) do(ctx context.Context, method, path string, in, out any) error {
	op := strings.SplitN(strings.TrimPrefix(path, "/"), "?", 2)[0]

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return chain.NewChainError(t.chain, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return chain.NewChainError(t.chain, op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return chain.NewChainError(t.chain, op, chain.NormalizeError(fmt.Errorf("gateway status %d: %s", resp.StatusCode, msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return chain.NewChainError(t.chain, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
