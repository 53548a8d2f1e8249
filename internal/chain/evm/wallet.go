package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/witnz/witnz-oracle/internal/chain"
)

type Wallet struct {
	chain   string
	chainID *big.Int
	key     *ecdsa.PrivateKey
	address common.Address
	backend Backend
}

func NewWallet(chainName string, chainID *big.Int, key *ecdsa.PrivateKey, backend Backend) *Wallet {
	return &Wallet{
		chain:   chainName,
		chainID: chainID,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		backend: backend,
	}
}

func (w *Wallet) Address() string {
	return w.address.Hex()
}

func (w *Wallet) Balance(ctx context.Context) (*big.Int, error) {
	balance, err := w.backend.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return nil, chain.NewChainError(w.chain, "balance", err)
	}
	return balance, nil
}

func (w *Wallet) PendingNonce(ctx context.Context) (uint64, error) {
	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return 0, chain.NewChainError(w.chain, "nonce", err)
	}
	return nonce, nil
}

func (w *Wallet) SuggestFees(ctx context.Context) (chain.Fees, error) {
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return chain.Fees{}, chain.NewChainError(w.chain, "gas price", err)
	}
	fees := chain.Fees{GasPrice: gasPrice}

	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.Fees{}, chain.NewChainError(w.chain, "header", err)
	}
	if head.BaseFee == nil {
		return fees, nil
	}

	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return chain.Fees{}, chain.NewChainError(w.chain, "tip cap", err)
	}
	fees.BaseFee = head.BaseFee
	fees.TipCap = tip
	return fees, nil
}

func (w *Wallet) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return 0, chain.NewChainError(w.chain, "block number", err)
	}
	return n, nil
}

func (w *Wallet) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	r, err := w.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, chain.NewChainError(w.chain, "receipt", err)
	}

	receipt := &chain.Receipt{
		TxHash:  txHash,
		Success: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	return receipt, nil
}

// SendSelfTransfer sends zero value to the wallet itself, replacing whatever
// transaction holds opts.Nonce.
func (w *Wallet) SendSelfTransfer(ctx context.Context, opts chain.TxOptions) (string, error) {
	var txData types.TxData
	if opts.Legacy() {
		txData = &types.LegacyTx{
			Nonce:    opts.Nonce,
			GasPrice: opts.GasPrice,
			Gas:      params.TxGas,
			To:       &w.address,
			Value:    big.NewInt(0),
		}
	} else {
		txData = &types.DynamicFeeTx{
			ChainID:   w.chainID,
			Nonce:     opts.Nonce,
			GasTipCap: opts.GasTipCap,
			GasFeeCap: opts.GasFeeCap,
			Gas:       params.TxGas,
			To:        &w.address,
			Value:     big.NewInt(0),
		}
	}

	tx, err := types.SignTx(types.NewTx(txData), types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign self transfer: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, tx); err != nil {
		return "", chain.NewChainError(w.chain, "self transfer", chain.NormalizeError(err))
	}
	return tx.Hash().Hex(), nil
}
