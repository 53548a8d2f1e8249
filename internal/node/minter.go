// Package node schedules the leader's consensus rounds and the per-chain
// dispatchers.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/witnz/witnz-oracle/internal/chain"
	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/feeds"
)

type StatusSource interface {
	ResolveStatus(ctx context.Context) (*chain.Status, error)
}

type ConsensusRunner interface {
	Apply(ctx context.Context, in consensus.RoundInput) (*consensus.Consensus, error)
}

type ConsensusStore interface {
	HasConsensus(dataTimestamp uint64) (bool, error)
	SaveConsensus(c *consensus.Consensus) error
}

type FailureAlerter interface {
	SendConsensusFailureAlert(dataTimestamp uint64, leader, reason string) error
}

type MinterDeps struct {
	Self        common.Address
	Status      StatusSource
	Feeds       feeds.Source
	Runner      ConsensusRunner
	Store       ConsensusStore
	Alerts      FailureAlerter
	RoundLength uint64
	Logger      *slog.Logger
}

// Minter starts a consensus round whenever the local node leads the current
// data timestamp.
type Minter struct {
	self        common.Address
	status      StatusSource
	feeds       feeds.Source
	runner      ConsensusRunner
	store       ConsensusStore
	alerts      FailureAlerter
	roundLength uint64
	logger      *slog.Logger
}

func NewMinter(deps MinterDeps) *Minter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Minter{
		self:        deps.Self,
		status:      deps.Status,
		feeds:       deps.Feeds,
		runner:      deps.Runner,
		store:       deps.Store,
		alerts:      deps.Alerts,
		roundLength: deps.RoundLength,
		logger:      logger,
	}
}

// Tick runs one round for now if this node leads it. It returns the stored
// consensus, or nil when there was nothing to do or the round failed.
func (m *Minter) Tick(ctx context.Context, now time.Time) (*consensus.Consensus, error) {
	dataTimestamp := uint64(now.Unix())

	status, err := m.status.ResolveStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain status: %w", err)
	}

	leader, err := consensus.Leader(dataTimestamp, status.Validators, m.roundLength)
	if err != nil {
		return nil, fmt.Errorf("failed to select leader: %w", err)
	}
	if leader != m.self {
		m.logger.Debug("Not the leader", "data_timestamp", dataTimestamp, "leader", leader.Hex())
		return nil, nil
	}

	if dataTimestamp <= status.LastDataTimestamp {
		m.logger.Debug("Timestamp already submitted",
			"data_timestamp", dataTimestamp,
			"last_data_timestamp", status.LastDataTimestamp,
		)
		return nil, nil
	}

	agreed, err := m.store.HasConsensus(dataTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to check consensus history: %w", err)
	}
	if agreed {
		return nil, nil
	}

	fcds, leaves, err := m.feeds.ComputeLeaves(ctx, dataTimestamp)
	if err != nil {
		m.alertFailure(dataTimestamp, fmt.Sprintf("feed pipeline failed: %v", err))
		return nil, fmt.Errorf("failed to compute leaves: %w", err)
	}

	m.logger.Info("Leading consensus round",
		"data_timestamp", dataTimestamp,
		"fcds", len(fcds),
		"leaves", len(leaves),
		"validators", len(status.Validators),
	)

	c, err := m.runner.Apply(ctx, consensus.RoundInput{
		DataTimestamp:      dataTimestamp,
		FCDs:               fcds,
		Leaves:             leaves,
		Validators:         status.ValidatorSet(),
		RequiredSignatures: status.MinSignatures,
	})
	if err != nil {
		m.alertFailure(dataTimestamp, err.Error())
		return nil, fmt.Errorf("consensus round failed: %w", err)
	}
	if c == nil {
		m.alertFailure(dataTimestamp, "not enough signatures")
		return nil, nil
	}

	if err := m.store.SaveConsensus(c); err != nil {
		return nil, fmt.Errorf("failed to save consensus: %w", err)
	}

	m.logger.Info("Consensus reached",
		"data_timestamp", c.DataTimestamp,
		"root", c.Root.Hex(),
		"signatures", len(c.Signatures),
		"power", c.Power.String(),
	)
	return c, nil
}

func (m *Minter) alertFailure(dataTimestamp uint64, reason string) {
	if m.alerts == nil {
		return
	}
	if err := m.alerts.SendConsensusFailureAlert(dataTimestamp, m.self.Hex(), reason); err != nil {
		m.logger.Warn("Failed to send alert", "error", err)
	}
}
