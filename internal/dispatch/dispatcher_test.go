package dispatch

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
	"github.com/witnz/witnz-oracle/internal/chain"
	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/hash"
	"github.com/witnz/witnz-oracle/internal/leaf"
	"github.com/witnz/witnz-oracle/internal/storage"
)

const testTimestamp = 1621508941

type fakeClient struct {
	mu         sync.Mutex
	supports   bool
	supportErr error
	status     *chain.Status
	submitErrs []error
	submits    []chain.TxOptions
	requests   []chain.SubmitRequest
	versions   int
}

func (f *fakeClient) ID() string      { return "local" }
func (f *fakeClient) Address() string { return "0xc0de" }

func (f *fakeClient) ResolveStatus(context.Context) (*chain.Status, error) {
	s := *f.status
	return &s, nil
}

func (f *fakeClient) SupportsProtocol(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions++
	return f.supports, f.supportErr
}

func (f *fakeClient) Submit(_ context.Context, req chain.SubmitRequest, opts chain.TxOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := len(f.submits)
	f.submits = append(f.submits, opts)
	f.requests = append(f.requests, req)
	if attempt < len(f.submitErrs) && f.submitErrs[attempt] != nil {
		return "", f.submitErrs[attempt]
	}
	return "0xtx", nil
}

func (f *fakeClient) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type fakeWallet struct {
	mu           sync.Mutex
	balance      *big.Int
	balanceCalls int
	nonce        uint64
	block        uint64
	advance      bool
	receipt      *chain.Receipt
	receiptCalls int
	transfers    []chain.TxOptions
	transferErr  error
}

func (f *fakeWallet) Address() string { return "0xwallet" }

func (f *fakeWallet) Balance(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, nil
}

func (f *fakeWallet) PendingNonce(context.Context) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeWallet) SuggestFees(context.Context) (chain.Fees, error) {
	return chain.Fees{GasPrice: big.NewInt(10)}, nil
}

func (f *fakeWallet) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.block
	if f.advance {
		f.block++
	}
	return n, nil
}

func (f *fakeWallet) Receipt(context.Context, string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	return f.receipt, nil
}

func (f *fakeWallet) SendSelfTransfer(_ context.Context, opts chain.TxOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, opts)
	if f.transferErr != nil {
		return "", f.transferErr
	}
	return "0xcancel", nil
}

type fakeConsensus struct {
	c *consensus.Consensus
}

func (f *fakeConsensus) LatestConsensus(context.Context) (*consensus.Consensus, error) {
	return f.c, nil
}

type savedBlock struct {
	chainAddress string
	ts           uint64
	minted       bool
}

type fakeBlocks struct {
	saved []savedBlock
	err   error
}

func (f *fakeBlocks) SaveBlock(_ context.Context, chainAddress string, c *consensus.Consensus, minted bool) error {
	f.saved = append(f.saved, savedBlock{chainAddress: chainAddress, ts: c.DataTimestamp, minted: minted})
	return f.err
}

type fakeAlerts struct {
	mu       sync.Mutex
	balances []string
	txs      []string
}

func (f *fakeAlerts) SendBalanceAlert(chainID, _, _, _, severity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = append(f.balances, chainID+":"+severity)
	return nil
}

func (f *fakeAlerts) SendTransactionAlert(chainID, _, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, chainID+":"+status)
	return nil
}

type harness struct {
	client  *fakeClient
	wallet  *fakeWallet
	store   *storage.Storage
	blocks  *fakeBlocks
	alerts  *fakeAlerts
	cons    *fakeConsensus
	d       *Dispatcher
	current time.Time
}

func signedConsensus(t *testing.T) *consensus.Consensus {
	t.Helper()
	value, err := leaf.Encode("ETH-USD", "3000")
	require.NoError(t, err)

	c := &consensus.Consensus{
		DataTimestamp: testTimestamp,
		Root:          common.HexToHash("0xaa"),
		FCDKeys:       []string{"ETH-USD"},
		FCDValues:     []hexutil.Bytes{value},
		Power:         big.NewInt(2),
		Status:        consensus.StatusSuccess,
	}
	for i := 0; i < 2; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		sig, err := hash.SignAffidavit(key, common.HexToHash("0xbb"))
		require.NoError(t, err)
		c.Signatures = append(c.Signatures, sig)
		c.Signers = append(c.Signers, crypto.PubkeyToAddress(key.PublicKey))
	}
	return c
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "oracle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		client: &fakeClient{
			supports: true,
			status: &chain.Status{
				ChainAddress:      "0xchain",
				LastDataTimestamp: testTimestamp - 60,
				MinSignatures:     2,
			},
		},
		wallet: &fakeWallet{
			balance: big.NewInt(5_000_000_000_000_000_000),
			nonce:   5,
			block:   100,
			advance: true,
			receipt: &chain.Receipt{TxHash: "0xtx", BlockNumber: 101, Success: true},
		},
		store:   store,
		blocks:  &fakeBlocks{},
		alerts:  &fakeAlerts{},
		cons:    &fakeConsensus{c: signedConsensus(t)},
		current: time.Unix(testTimestamp, 0),
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = 2 * time.Second
	}

	h.d = New(Deps{
		Client:    h.client,
		Wallet:    h.wallet,
		Consensus: h.cons,
		Markers:   store,
		Blocks:    h.blocks,
		Alerts:    h.alerts,
		Logger:    slogt.New(t),
	}, cfg)
	h.d.now = func() time.Time { return h.current }
	return h
}

func TestApply_Success(t *testing.T) {
	h := newHarness(t, Config{})

	txHash, err := h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0xtx", txHash)

	require.Len(t, h.client.submits, 1)
	require.Equal(t, uint64(5), h.client.submits[0].Nonce)
	require.Equal(t, int64(10), h.client.submits[0].GasPrice.Int64())

	req := h.client.requests[0]
	require.Equal(t, uint64(testTimestamp), req.DataTimestamp)
	require.Len(t, req.V, 2)

	marker, err := h.store.GetSubmitMarker("local")
	require.NoError(t, err)
	require.Equal(t, uint64(testTimestamp), marker.DataTimestamp)
	require.Equal(t, "0xtx", marker.TxHash)

	require.Equal(t, []savedBlock{{chainAddress: "0xchain", ts: testTimestamp, minted: true}}, h.blocks.saved)
}

func TestApply_IdempotentAfterMarker(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.d.Apply(context.Background())
	require.NoError(t, err)

	txHash, err := h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Empty(t, txHash)
	require.Equal(t, 1, h.client.submitCount(), "second dispatch must not send a transaction")
}

func TestApply_NonceConflictRetriedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.submitErrs = []error{chain.NewChainError("local", "submit", chain.NormalizeError(errors.New("nonce too low")))}

	txHash, err := h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0xtx", txHash)

	require.Len(t, h.client.submits, 2)
	require.Equal(t, uint64(5), h.client.submits[0].Nonce)
	require.Equal(t, uint64(6), h.client.submits[1].Nonce)
}

func TestApply_SecondNonceConflictNotRetried(t *testing.T) {
	h := newHarness(t, Config{})
	conflict := chain.NormalizeError(errors.New("nonce too low"))
	h.client.submitErrs = []error{conflict, conflict, nil}

	txHash, err := h.d.Apply(context.Background())
	require.ErrorIs(t, err, chain.ErrNonceConflict)
	require.Empty(t, txHash)
	require.Len(t, h.client.submits, 2, "no third attempt")

	marker, err := h.store.GetSubmitMarker("local")
	require.NoError(t, err)
	require.Nil(t, marker)
}

func TestApply_OtherSubmitErrorNotRetried(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.submitErrs = []error{errors.New("insufficient funds for gas")}

	_, err := h.d.Apply(context.Background())
	require.Error(t, err)
	require.Len(t, h.client.submits, 1)
}

func TestApply_BalanceBelowErrorThreshold(t *testing.T) {
	h := newHarness(t, Config{BalanceError: big.NewInt(1_000), BalanceWarning: big.NewInt(10_000)})
	h.wallet.balance = big.NewInt(999)

	txHash, err := h.d.Apply(context.Background())
	require.Empty(t, txHash)
	require.True(t, chain.IsResourceError(err))
	require.Zero(t, h.client.submitCount())
	require.Equal(t, []string{"local:danger"}, h.alerts.balances)
}

func TestApply_BalanceBelowWarningContinues(t *testing.T) {
	h := newHarness(t, Config{BalanceError: big.NewInt(1_000), BalanceWarning: big.NewInt(10_000)})
	h.wallet.balance = big.NewInt(5_000)

	txHash, err := h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0xtx", txHash)
}

func TestApply_ProtocolUnsupportedBacksOff(t *testing.T) {
	h := newHarness(t, Config{ProtocolBackoff: time.Minute})
	h.client.supports = false

	txHash, err := h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Empty(t, txHash)
	require.Zero(t, h.wallet.balanceCalls, "no work after an unsupported protocol")

	h.current = h.current.Add(30 * time.Second)
	_, err = h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.client.versions, "version is not re-checked during backoff")

	h.client.supports = true
	h.current = h.current.Add(time.Minute)
	txHash, err = h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0xtx", txHash)
}

func TestApply_ProtocolCheckErrorDoesNotBackOff(t *testing.T) {
	h := newHarness(t, Config{ProtocolBackoff: time.Minute})
	h.client.supportErr = chain.NewChainError("local", "VERSION", errors.New("connection refused"))

	txHash, err := h.d.Apply(context.Background())
	require.Error(t, err)
	require.Empty(t, txHash)
	require.Zero(t, h.client.submitCount())

	h.client.supportErr = nil
	txHash, err = h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0xtx", txHash)
	require.Equal(t, 2, h.client.versions, "version is re-checked right after a failed check")
}

func TestApply_NoConsensus(t *testing.T) {
	h := newHarness(t, Config{})
	h.cons.c = nil

	txHash, err := h.d.Apply(context.Background())
	require.NoError(t, err)
	require.Empty(t, txHash)
	require.Zero(t, h.client.submitCount())
}

func TestApply_ChainNotReady(t *testing.T) {
	tests := []struct {
		name   string
		status chain.Status
	}{
		{name: "already submitted", status: chain.Status{LastDataTimestamp: testTimestamp}},
		{name: "inside padding", status: chain.Status{LastDataTimestamp: testTimestamp - 10, TimePadding: 60}},
		{name: "not enough signatures", status: chain.Status{LastDataTimestamp: testTimestamp - 60, MinSignatures: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.client.status = &tt.status

			txHash, err := h.d.Apply(context.Background())
			require.NoError(t, err)
			require.Empty(t, txHash)
			require.Zero(t, h.client.submitCount())
		})
	}
}

func TestApply_Reverted(t *testing.T) {
	h := newHarness(t, Config{})
	h.wallet.receipt = &chain.Receipt{TxHash: "0xtx", BlockNumber: 101, Success: false}

	txHash, err := h.d.Apply(context.Background())
	require.ErrorIs(t, err, chain.ErrReverted)
	require.True(t, chain.IsChainError(err))
	require.Empty(t, txHash)

	marker, err := h.store.GetSubmitMarker("local")
	require.NoError(t, err)
	require.Nil(t, marker, "reverted transactions leave no marker")
	require.Empty(t, h.blocks.saved)
	require.Equal(t, []string{"local:reverted"}, h.alerts.txs)
}

func TestApply_TimeoutCancelsInBackground(t *testing.T) {
	h := newHarness(t, Config{ConfirmationTimeout: 50 * time.Millisecond})
	h.wallet.receipt = nil

	txHash, err := h.d.Apply(context.Background())
	require.Empty(t, txHash)
	require.ErrorIs(t, err, chain.ErrConfirmationTimeout)
	require.True(t, chain.IsChainError(err))

	h.d.Wait()

	h.wallet.mu.Lock()
	defer h.wallet.mu.Unlock()
	require.Len(t, h.wallet.transfers, 1)
	cancelOpts := h.wallet.transfers[0]
	require.Equal(t, uint64(5), cancelOpts.Nonce, "cancellation replaces the stuck nonce")
	require.Equal(t, int64(15), cancelOpts.GasPrice.Int64())
}

func TestApply_CancelBumpFloor(t *testing.T) {
	h := newHarness(t, Config{ConfirmationTimeout: 50 * time.Millisecond, CancelBump: 1.05})
	h.wallet.receipt = nil

	_, err := h.d.Apply(context.Background())
	require.ErrorIs(t, err, chain.ErrConfirmationTimeout)
	h.d.Wait()

	h.wallet.mu.Lock()
	defer h.wallet.mu.Unlock()
	require.Len(t, h.wallet.transfers, 1)
	require.Equal(t, int64(11), h.wallet.transfers[0].GasPrice.Int64(), "bump below 1.1 is raised to 1.1")
}

func TestApply_CancellationFailureAlerts(t *testing.T) {
	h := newHarness(t, Config{ConfirmationTimeout: 50 * time.Millisecond})
	h.wallet.receipt = nil
	h.wallet.transferErr = errors.New("replacement transaction underpriced")

	_, err := h.d.Apply(context.Background())
	require.ErrorIs(t, err, chain.ErrConfirmationTimeout)

	h.d.Wait()
	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	require.Equal(t, []string{"local:stuck"}, h.alerts.txs)
}

func TestApply_ReceiptPolledOnlyAfterNewBlock(t *testing.T) {
	h := newHarness(t, Config{ConfirmationTimeout: 50 * time.Millisecond})
	h.wallet.advance = false

	_, err := h.d.Apply(context.Background())
	require.ErrorIs(t, err, chain.ErrConfirmationTimeout)
	h.d.Wait()

	h.wallet.mu.Lock()
	defer h.wallet.mu.Unlock()
	require.Zero(t, h.wallet.receiptCalls)
}

func TestBlockSavers(t *testing.T) {
	ok := &fakeBlocks{}
	failing := &fakeBlocks{err: errors.New("db down")}
	c := &consensus.Consensus{DataTimestamp: 7}

	err := BlockSavers{failing, ok}.SaveBlock(context.Background(), "0xchain", c, true)
	require.Error(t, err)
	require.Len(t, ok.saved, 1, "later savers still run")
	require.Len(t, failing.saved, 1)
}
