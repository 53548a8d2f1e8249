// Package dispatch submits finalized consensus to one target chain.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/witnz/witnz-oracle/internal/chain"
	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/metrics"
	"github.com/witnz/witnz-oracle/internal/storage"
	"go.uber.org/multierr"
)

type ConsensusSource interface {
	// LatestConsensus returns nil when nothing has been finalized yet.
	LatestConsensus(ctx context.Context) (*consensus.Consensus, error)
}

type MarkerStore interface {
	GetSubmitMarker(chainID string) (*storage.SubmitMarker, error)
	SaveSubmitMarker(marker *storage.SubmitMarker) error
}

type BlockSaver interface {
	SaveBlock(ctx context.Context, chainAddress string, c *consensus.Consensus, minted bool) error
}

// BlockSavers saves to every store, continuing past failures.
type BlockSavers []BlockSaver

func (b BlockSavers) SaveBlock(ctx context.Context, chainAddress string, c *consensus.Consensus, minted bool) error {
	var err error
	for _, s := range b {
		err = multierr.Append(err, s.SaveBlock(ctx, chainAddress, c, minted))
	}
	return err
}

type Alerter interface {
	SendBalanceAlert(chainID, wallet, balance, threshold, severity string) error
	SendTransactionAlert(chainID, txHash, status, details string) error
}

const minCancelBump = 1.1

type Config struct {
	Gas chain.GasStrategy

	BalanceWarning *big.Int
	BalanceError   *big.Int

	// ConfirmationTimeout is the lower bound; the chain's time padding wins
	// when it is longer.
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	CancelBump          float64
	ProtocolBackoff     time.Duration
}

type Deps struct {
	Client    chain.Client
	Wallet    chain.Wallet
	Consensus ConsensusSource
	Markers   MarkerStore
	Blocks    BlockSaver
	Alerts    Alerter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Dispatcher owns one chain's wallet. Apply must not run concurrently with
// itself or with another dispatcher on the same wallet.
type Dispatcher struct {
	client    chain.Client
	wallet    chain.Wallet
	consensus ConsensusSource
	markers   MarkerStore
	blocks    BlockSaver
	alerts    Alerter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	config    Config

	now          func() time.Time
	backoffUntil time.Time
	background   sync.WaitGroup
}

func New(deps Deps, cfg Config) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	// Nodes reject replacements priced less than 10% above the original.
	switch {
	case cfg.CancelBump <= 0:
		cfg.CancelBump = 1.5
	case cfg.CancelBump < minCancelBump:
		cfg.CancelBump = minCancelBump
	}
	if cfg.ProtocolBackoff <= 0 {
		cfg.ProtocolBackoff = 10 * time.Minute
	}

	return &Dispatcher{
		client:    deps.Client,
		wallet:    deps.Wallet,
		consensus: deps.Consensus,
		markers:   deps.Markers,
		blocks:    deps.Blocks,
		alerts:    deps.Alerts,
		metrics:   deps.Metrics,
		logger:    logger.With("chain", deps.Client.ID()),
		config:    cfg,
		now:       time.Now,
	}
}

func (d *Dispatcher) ChainID() string {
	return d.client.ID()
}

// Apply submits the latest consensus if this chain still needs it and returns
// the confirmed transaction hash. An empty hash with a nil error means there
// was nothing to do this round.
func (d *Dispatcher) Apply(ctx context.Context) (string, error) {
	chainID := d.client.ID()

	if ok, err := d.protocolSupported(ctx); err != nil || !ok {
		return "", err
	}

	if err := d.checkBalance(ctx); err != nil {
		d.metrics.ObserveDispatch(chainID, metrics.OutcomeAborted)
		return "", err
	}

	c, err := d.consensus.LatestConsensus(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load latest consensus: %w", err)
	}
	if c == nil {
		d.logger.Debug("No finalized consensus yet")
		return "", nil
	}

	marker, err := d.markers.GetSubmitMarker(chainID)
	if err != nil {
		return "", fmt.Errorf("failed to read submit marker: %w", err)
	}
	if marker != nil && marker.DataTimestamp >= c.DataTimestamp {
		d.logger.Debug("Consensus already submitted",
			"data_timestamp", c.DataTimestamp,
			"tx_hash", marker.TxHash,
		)
		d.metrics.ObserveDispatch(chainID, metrics.OutcomeSkipped)
		return "", nil
	}

	status, err := d.client.ResolveStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve chain status: %w", err)
	}
	if !status.ReadyFor(c.DataTimestamp) {
		d.logger.Info("Chain not ready for consensus",
			"data_timestamp", c.DataTimestamp,
			"last_data_timestamp", status.LastDataTimestamp,
			"time_padding", status.TimePadding,
		)
		d.metrics.ObserveDispatch(chainID, metrics.OutcomeSkipped)
		return "", nil
	}
	if len(c.Signatures) < status.MinSignatures {
		d.logger.Warn("Consensus has fewer signatures than the chain requires",
			"data_timestamp", c.DataTimestamp,
			"signatures", len(c.Signatures),
			"min_signatures", status.MinSignatures,
		)
		d.metrics.ObserveDispatch(chainID, metrics.OutcomeSkipped)
		return "", nil
	}

	req, err := chain.NewSubmitRequest(c)
	if err != nil {
		return "", fmt.Errorf("failed to build submit request: %w", err)
	}
	opts, err := d.txOptions(ctx)
	if err != nil {
		return "", err
	}

	txHash, opts, err := d.submit(ctx, req, opts)
	if err != nil {
		d.logger.Error("Submit failed",
			"data_timestamp", c.DataTimestamp,
			"nonce", opts.Nonce,
			"error", err,
		)
		d.metrics.ObserveDispatch(chainID, metrics.OutcomeFailed)
		return "", err
	}
	d.logger.Info("Consensus submitted",
		"data_timestamp", c.DataTimestamp,
		"tx_hash", txHash,
		"nonce", opts.Nonce,
	)

	timeout := d.config.ConfirmationTimeout
	if padding := time.Duration(status.TimePadding) * time.Second; padding > timeout {
		timeout = padding
	}

	receipt, err := d.waitForReceipt(ctx, txHash, timeout)
	if errors.Is(err, chain.ErrConfirmationTimeout) {
		d.logger.Warn("Transaction not confirmed, cancelling",
			"tx_hash", txHash,
			"timeout", timeout,
		)
		d.metrics.ObserveDispatch(chainID, metrics.OutcomeTimeout)
		d.cancel(txHash, opts)
		return "", chain.NewChainError(chainID, "confirm", err)
	}
	if err != nil {
		return "", err
	}

	if !receipt.Success {
		d.logger.Error("Transaction reverted",
			"data_timestamp", c.DataTimestamp,
			"tx_hash", txHash,
			"block", receipt.BlockNumber,
		)
		d.metrics.ObserveDispatch(chainID, metrics.OutcomeReverted)
		d.alert(func(a Alerter) error {
			return a.SendTransactionAlert(chainID, txHash, "reverted", fmt.Sprintf("data timestamp %d", c.DataTimestamp))
		})
		return "", chain.NewChainError(chainID, "submit", fmt.Errorf("%w: tx %s", chain.ErrReverted, txHash))
	}

	if err := d.markers.SaveSubmitMarker(&storage.SubmitMarker{
		ChainID:       chainID,
		DataTimestamp: c.DataTimestamp,
		TxHash:        txHash,
		SubmittedAt:   d.now().UTC(),
	}); err != nil {
		return txHash, fmt.Errorf("failed to save submit marker: %w", err)
	}
	if d.blocks != nil {
		if err := d.blocks.SaveBlock(ctx, status.ChainAddress, c, true); err != nil {
			d.logger.Warn("Failed to record minted block", "data_timestamp", c.DataTimestamp, "error", err)
		}
	}

	d.logger.Info("Consensus minted",
		"data_timestamp", c.DataTimestamp,
		"tx_hash", txHash,
		"block", receipt.BlockNumber,
	)
	d.metrics.ObserveDispatch(chainID, metrics.OutcomeSuccess)
	return txHash, nil
}

func (d *Dispatcher) protocolSupported(ctx context.Context) (bool, error) {
	if d.now().Before(d.backoffUntil) {
		return false, nil
	}

	ok, err := d.client.SupportsProtocol(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check protocol support: %w", err)
	}
	if !ok {
		d.backoffUntil = d.now().Add(d.config.ProtocolBackoff)
		d.logger.Warn("Contract does not support the submission protocol, backing off",
			"contract", d.client.Address(),
			"until", d.backoffUntil,
		)
		d.metrics.ObserveDispatch(d.client.ID(), metrics.OutcomeSkipped)
	}
	return ok, nil
}

func (d *Dispatcher) checkBalance(ctx context.Context) error {
	chainID := d.client.ID()
	balance, err := d.wallet.Balance(ctx)
	if err != nil {
		return fmt.Errorf("failed to read wallet balance: %w", err)
	}
	d.metrics.SetBalance(chainID, toEther(balance))

	if d.config.BalanceError != nil && balance.Cmp(d.config.BalanceError) < 0 {
		d.logger.Error("Wallet balance below error threshold, skipping round",
			"wallet", d.wallet.Address(),
			"balance", balance.String(),
			"threshold", d.config.BalanceError.String(),
		)
		d.alert(func(a Alerter) error {
			return a.SendBalanceAlert(chainID, d.wallet.Address(), balance.String(), d.config.BalanceError.String(), "danger")
		})
		return &chain.ResourceError{
			Chain:     chainID,
			Wallet:    d.wallet.Address(),
			Balance:   balance,
			Threshold: d.config.BalanceError,
		}
	}

	if d.config.BalanceWarning != nil && balance.Cmp(d.config.BalanceWarning) < 0 {
		d.logger.Warn("Wallet balance below warning threshold",
			"wallet", d.wallet.Address(),
			"balance", balance.String(),
			"threshold", d.config.BalanceWarning.String(),
		)
	}
	return nil
}

func (d *Dispatcher) txOptions(ctx context.Context) (chain.TxOptions, error) {
	fees, err := d.wallet.SuggestFees(ctx)
	if err != nil {
		return chain.TxOptions{}, fmt.Errorf("failed to suggest fees: %w", err)
	}
	opts := d.config.Gas.Apply(fees)

	nonce, err := d.wallet.PendingNonce(ctx)
	if err != nil {
		return chain.TxOptions{}, fmt.Errorf("failed to read nonce: %w", err)
	}
	opts.Nonce = nonce
	return opts, nil
}

// submit retries exactly once, with the next nonce, when the first attempt
// hits a nonce conflict.
func (d *Dispatcher) submit(ctx context.Context, req chain.SubmitRequest, opts chain.TxOptions) (string, chain.TxOptions, error) {
	txHash, err := d.client.Submit(ctx, req, opts)
	if err == nil || !errors.Is(err, chain.ErrNonceConflict) {
		return txHash, opts, err
	}

	d.logger.Warn("Nonce conflict, retrying with next nonce",
		"nonce", opts.Nonce,
		"error", err,
	)
	opts.Nonce++
	txHash, err = d.client.Submit(ctx, req, opts)
	return txHash, opts, err
}

// waitForReceipt polls for a receipt only once a block newer than the one at
// submission time has been seen.
func (d *Dispatcher) waitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*chain.Receipt, error) {
	startBlock, err := d.wallet.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read block number: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, chain.ErrConfirmationTimeout
		case <-ticker.C:
		}

		current, err := d.wallet.BlockNumber(ctx)
		if err != nil {
			d.logger.Debug("Block number poll failed", "error", err)
			continue
		}
		if current <= startBlock {
			continue
		}

		receipt, err := d.wallet.Receipt(ctx, txHash)
		if err != nil {
			d.logger.Debug("Receipt poll failed", "tx_hash", txHash, "error", err)
			continue
		}
		if receipt != nil {
			return receipt, nil
		}
	}
}

// cancel replaces the stuck transaction with a zero value self transfer at
// bumped fees. It runs in the background; the outcome is only logged.
func (d *Dispatcher) cancel(txHash string, opts chain.TxOptions) {
	chainID := d.client.ID()
	bumped := chain.Bump(opts, d.config.CancelBump)

	d.background.Add(1)
	go func() {
		defer d.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.config.ConfirmationTimeout)
		defer cancel()

		cancelHash, err := d.wallet.SendSelfTransfer(ctx, bumped)
		if err != nil {
			d.logger.Error("Cancellation failed",
				"tx_hash", txHash,
				"nonce", bumped.Nonce,
				"error", err,
			)
			d.metrics.ObserveCancellation(chainID, metrics.OutcomeFailed)
			d.alert(func(a Alerter) error {
				return a.SendTransactionAlert(chainID, txHash, "stuck", fmt.Sprintf("cancellation failed: %v", err))
			})
			return
		}

		d.logger.Info("Cancellation sent",
			"tx_hash", txHash,
			"cancel_tx_hash", cancelHash,
			"nonce", bumped.Nonce,
		)
		d.metrics.ObserveCancellation(chainID, metrics.OutcomeSuccess)
	}()
}

// Wait blocks until background cancellations have finished.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

func (d *Dispatcher) alert(send func(a Alerter) error) {
	if d.alerts == nil {
		return
	}
	if err := send(d.alerts); err != nil {
		d.logger.Warn("Failed to send alert", "error", err)
	}
}

func toEther(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}
