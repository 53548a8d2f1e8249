// Package chain abstracts the oracle contract on a target blockchain and the
// wallet that pays for submissions.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/witnz/witnz-oracle/internal/consensus"
)

// Client is one deployed oracle contract.
type Client interface {
	ID() string
	Address() string
	ResolveStatus(ctx context.Context) (*Status, error)

	// SupportsProtocol reports whether the deployed contract speaks the
	// submission protocol this node produces.
	SupportsProtocol(ctx context.Context) (bool, error)

	Submit(ctx context.Context, req SubmitRequest, opts TxOptions) (string, error)
}

// Wallet sends transactions on one chain. Nonces are not locked; only one
// dispatcher may use a wallet at a time.
type Wallet interface {
	Address() string
	Balance(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context) (uint64, error)
	SuggestFees(ctx context.Context) (Fees, error)
	BlockNumber(ctx context.Context) (uint64, error)

	// Receipt returns nil without error while the transaction is pending.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)

	SendSelfTransfer(ctx context.Context, opts TxOptions) (string, error)
}

// Status is the oracle contract's view of the current round.
type Status struct {
	ChainAddress      string           `json:"chainAddress"`
	BlockNumber       uint64           `json:"blockNumber"`
	NextLeader        common.Address   `json:"nextLeader"`
	LastDataTimestamp uint64           `json:"lastDataTimestamp"`
	LastID            uint64           `json:"lastId"`
	TimePadding       uint64           `json:"timePadding"`
	NextBlockID       uint64           `json:"nextBlockId"`
	Validators        []common.Address `json:"validators"`
	Powers            []*big.Int       `json:"powers"`
	Locations         []string         `json:"locations"`
	Staked            *big.Int         `json:"staked"`
	MinSignatures     int              `json:"minSignatures"`
}

// ValidatorSet zips the parallel validator arrays.
func (s *Status) ValidatorSet() []consensus.Validator {
	out := make([]consensus.Validator, len(s.Validators))
	for i, id := range s.Validators {
		v := consensus.Validator{ID: id, Power: big.NewInt(0)}
		if i < len(s.Locations) {
			v.Location = s.Locations[i]
		}
		if i < len(s.Powers) && s.Powers[i] != nil {
			v.Power = new(big.Int).Set(s.Powers[i])
		}
		out[i] = v
	}
	return out
}

// ReadyFor reports whether the contract accepts a block for dataTimestamp.
func (s *Status) ReadyFor(dataTimestamp uint64) bool {
	return dataTimestamp > s.LastDataTimestamp && dataTimestamp >= s.LastDataTimestamp+s.TimePadding
}

// Fees are the chain's current fee suggestions. BaseFee is nil on chains
// without a fee market.
type Fees struct {
	GasPrice *big.Int
	BaseFee  *big.Int
	TipCap   *big.Int
}

type TxOptions struct {
	Nonce     uint64
	GasLimit  uint64
	GasPrice  *big.Int
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// Legacy reports whether the options price gas with a single gas price.
func (o TxOptions) Legacy() bool {
	return o.GasFeeCap == nil
}

type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
}
