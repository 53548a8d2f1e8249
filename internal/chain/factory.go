package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"
)

const (
	TypeEVM     = "evm"
	TypeGateway = "gateway"
)

// Settings describe one target chain.
type Settings struct {
	ID              string
	Type            string
	RPCURL          string
	ContractAddress string
	ChainID         int64

	Gas GasStrategy

	BalanceWarning *big.Int
	BalanceError   *big.Int

	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	CancelBump          float64
}

// Constructor dials a chain and returns its contract client and wallet.
type Constructor func(ctx context.Context, s Settings, key *ecdsa.PrivateKey, logger *slog.Logger) (Client, Wallet, error)

// Factory selects a Constructor by chain type.
type Factory struct {
	constructors map[string]Constructor
}

func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

func (f *Factory) Register(chainType string, c Constructor) {
	f.constructors[chainType] = c
}

func (f *Factory) Types() []string {
	types := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (f *Factory) New(ctx context.Context, s Settings, key *ecdsa.PrivateKey, logger *slog.Logger) (Client, Wallet, error) {
	c, ok := f.constructors[s.Type]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q for chain %s", ErrUnsupportedType, s.Type, s.ID)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, wallet, err := c(ctx, s, key, logger.With("chain", s.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to chain %s: %w", s.ID, err)
	}
	return client, wallet, nil
}
