package consensus

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/witnz/witnz-oracle/internal/hash"
	"github.com/witnz/witnz-oracle/internal/leaf"
	"github.com/witnz/witnz-oracle/internal/metrics"
)

type Collector interface {
	Collect(ctx context.Context, block SignedBlock, affidavit common.Hash, validators []Validator) []ValidatorResponse
}

type RunnerConfig struct {
	MaxRetries         int
	RoundInterval      time.Duration
	RequiredSignatures int
}

type RoundInput struct {
	DataTimestamp uint64
	FCDs          []leaf.Leaf
	Leaves        []leaf.Leaf
	Validators    []Validator

	// RequiredSignatures overrides the configured threshold when positive,
	// typically with the chain's minSignatures.
	RequiredSignatures int
}

// Runner drives the signature rounds for one data timestamp. Rounds run one
// after another; discrepant keys are dropped between rounds.
type Runner struct {
	key       *ecdsa.PrivateKey
	collector Collector
	config    RunnerConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	wait      func(ctx context.Context, d time.Duration) error
}

func NewRunner(key *ecdsa.PrivateKey, collector Collector, cfg RunnerConfig, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RequiredSignatures < 1 {
		cfg.RequiredSignatures = 1
	}

	return &Runner{
		key:       key,
		collector: collector,
		config:    cfg,
		metrics:   m,
		logger:    logger,
		wait:      sleep,
	}
}

func (r *Runner) Address() common.Address {
	return crypto.PubkeyToAddress(r.key.PublicKey)
}

// Apply returns a SUCCESS consensus, or nil when the signature threshold
// could not be met. Errors are reserved for local failures (encoding,
// signing, cancellation).
func (r *Runner) Apply(ctx context.Context, in RoundInput) (*Consensus, error) {
	required := in.RequiredSignatures
	if required <= 0 {
		required = r.config.RequiredSignatures
	}

	fcds := leaf.Sorted(in.FCDs)
	leaves := leaf.Sorted(in.Leaves)
	initialKeys := len(fcds) + len(leaves)

	for round := 1; round <= r.config.MaxRetries; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(leaves) == 0 {
			r.logger.Warn("No leaves to agree on, aborting consensus",
				"data_timestamp", in.DataTimestamp,
				"round", round,
			)
			r.metrics.ObserveRound(metrics.OutcomeAborted)
			return nil, nil
		}

		root, affidavit, err := Commit(in.DataTimestamp, fcds, leaves)
		if err != nil {
			return nil, NewValidationError(r.Address().Hex(), "failed to commit leaves", err)
		}

		signature, err := hash.SignAffidavit(r.key, affidavit)
		if err != nil {
			return nil, err
		}

		block := SignedBlock{
			DataTimestamp: in.DataTimestamp,
			FCDs:          fcds,
			Leaves:        leaves,
			Signature:     signature,
		}
		responses := r.collector.Collect(ctx, block, affidavit, in.Validators)

		signers, signatures, power := tally(responses)
		keys := len(fcds) + len(leaves)
		yield := float64(keys) / float64(initialKeys)
		r.metrics.ObserveYield(yield, len(signatures))

		r.logger.Info("Consensus round finished",
			"data_timestamp", in.DataTimestamp,
			"round", round,
			"signatures", len(signatures),
			"required", required,
			"power", power.String(),
			"keys", keys,
			"yield", fmt.Sprintf("%.2f", yield),
		)

		if len(signatures) >= required {
			r.metrics.ObserveRound(metrics.OutcomeSuccess)
			return newConsensus(in.DataTimestamp, root, fcds, leaves, signers, signatures, power), nil
		}

		discrepant := DiscrepantLabels(responses)
		if len(discrepant) == 0 || round == r.config.MaxRetries {
			r.logger.Warn("Consensus failed",
				"data_timestamp", in.DataTimestamp,
				"round", round,
				"signatures", len(signatures),
				"required", required,
				"discrepant_keys", len(discrepant),
			)
			r.metrics.ObserveRound(metrics.OutcomeFailed)
			return nil, nil
		}

		// Every flagged key is dropped, even when a single validator flagged it.
		fcds = leaf.Without(fcds, discrepant)
		leaves = leaf.Without(leaves, discrepant)
		r.metrics.ObserveRound(metrics.OutcomeRetry)

		r.logger.Info("Retrying consensus without discrepant keys",
			"data_timestamp", in.DataTimestamp,
			"dropped", len(discrepant),
			"remaining", len(fcds)+len(leaves),
		)

		if err := r.wait(ctx, r.config.RoundInterval); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// tally deduplicates accepted signatures by signer and sums their power.
func tally(responses []ValidatorResponse) ([]common.Address, [][]byte, *big.Int) {
	power := big.NewInt(0)
	seen := make(map[common.Address]struct{}, len(responses))
	signers := make([]common.Address, 0, len(responses))
	signatures := make([][]byte, 0, len(responses))

	for _, resp := range responses {
		if !resp.Accepted() {
			continue
		}
		if _, ok := seen[resp.ValidatorID]; ok {
			continue
		}
		seen[resp.ValidatorID] = struct{}{}
		signers = append(signers, resp.ValidatorID)
		signatures = append(signatures, resp.Signature)
		if resp.Power != nil {
			power.Add(power, resp.Power)
		}
	}

	return signers, signatures, power
}

func newConsensus(dataTimestamp uint64, root common.Hash, fcds, leaves []leaf.Leaf, signers []common.Address, signatures [][]byte, power *big.Int) *Consensus {
	order := make([]int, len(signers))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return bytes.Compare(signers[order[a]][:], signers[order[b]][:]) < 0
	})

	c := &Consensus{
		DataTimestamp: dataTimestamp,
		Leaves:        leaves,
		Root:          root,
		FCDKeys:       make([]string, len(fcds)),
		FCDValues:     make([]hexutil.Bytes, len(fcds)),
		Signatures:    make([]hexutil.Bytes, len(order)),
		Signers:       make([]common.Address, len(order)),
		Power:         power,
		Status:        StatusSuccess,
	}
	for i, f := range fcds {
		c.FCDKeys[i] = f.Label
		c.FCDValues[i] = f.Value
	}
	for i, idx := range order {
		c.Signatures[i] = signatures[idx]
		c.Signers[i] = signers[idx]
	}
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
