// Package evm implements the chain client and wallet for EVM chains.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/witnz/witnz-oracle/internal/chain"
)

// Backend is the subset of ethclient.Client the chain client and wallet use.
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Client struct {
	id       string
	address  common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	contract *bind.BoundContract
	logger   *slog.Logger
}

// New dials the RPC endpoint in s and binds the oracle contract. It matches
// chain.Constructor.
func New(ctx context.Context, s chain.Settings, key *ecdsa.PrivateKey, logger *slog.Logger) (chain.Client, chain.Wallet, error) {
	rpc, err := ethclient.DialContext(ctx, s.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", s.RPCURL, err)
	}

	chainID := big.NewInt(s.ChainID)
	if s.ChainID == 0 {
		chainID, err = rpc.ChainID(ctx)
		if err != nil {
			rpc.Close()
			return nil, nil, fmt.Errorf("failed to fetch chain id: %w", err)
		}
	}

	client, err := NewClient(s.ID, common.HexToAddress(s.ContractAddress), chainID, key, rpc, logger)
	if err != nil {
		rpc.Close()
		return nil, nil, err
	}
	return client, NewWallet(s.ID, chainID, key, rpc), nil
}

func NewClient(id string, address common.Address, chainID *big.Int, key *ecdsa.PrivateKey, backend Backend, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parsed, err := parseChainABI()
	if err != nil {
		return nil, err
	}

	return &Client{
		id:       id,
		address:  address,
		chainID:  chainID,
		key:      key,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		logger:   logger,
	}, nil
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Address() string {
	return c.address.Hex()
}

func (c *Client) ResolveStatus(ctx context.Context) (*chain.Status, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getStatus"); err != nil {
		return nil, chain.NewChainError(c.id, "getStatus", err)
	}

	status, err := decodeStatus(c.Address(), out)
	if err != nil {
		return nil, chain.NewChainError(c.id, "getStatus", err)
	}
	return status, nil
}

func (c *Client) SupportsProtocol(ctx context.Context) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "VERSION"); err != nil {
		// Contracts that predate VERSION revert here. Anything else is a
		// transport failure and must not be read as an old contract.
		if !isRevert(err) {
			return false, chain.NewChainError(c.id, "VERSION", err)
		}
		c.logger.Debug("VERSION call reverted, assuming legacy contract", "error", err)
		return false, nil
	}
	if len(out) != 1 {
		return false, nil
	}

	version := *abi.ConvertType(out[0], new(uint8)).(*uint8)
	return version >= MinProtocolVersion, nil
}

func (c *Client) Submit(ctx context.Context, req chain.SubmitRequest, opts chain.TxOptions) (string, error) {
	txOpts, err := c.transactOpts(ctx, opts)
	if err != nil {
		return "", err
	}

	tx, err := c.contract.Transact(txOpts, "submit",
		uint32(req.DataTimestamp),
		req.Root,
		req.Keys,
		req.Values,
		req.V,
		req.R,
		req.S,
	)
	if err != nil {
		return "", chain.NewChainError(c.id, "submit", chain.NormalizeError(err))
	}
	return tx.Hash().Hex(), nil
}

func (c *Client) transactOpts(ctx context.Context, opts chain.TxOptions) (*bind.TransactOpts, error) {
	txOpts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	txOpts.Context = ctx
	txOpts.Nonce = new(big.Int).SetUint64(opts.Nonce)
	txOpts.GasLimit = opts.GasLimit
	if opts.Legacy() {
		txOpts.GasPrice = opts.GasPrice
	} else {
		txOpts.GasFeeCap = opts.GasFeeCap
		txOpts.GasTipCap = opts.GasTipCap
	}
	return txOpts, nil
}

// isRevert reports whether a contract call was executed and reverted, as
// opposed to failing to reach the node.
func isRevert(err error) bool {
	if errors.Is(err, bind.ErrNoCode) {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
