// Package signer is the validator side of a consensus round: it checks a
// leader's proposal against local data and signs it when they agree.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/witnz/witnz-oracle/internal/chain"
	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/feeds"
	"github.com/witnz/witnz-oracle/internal/hash"
)

// StatusSource reads the oracle contract state that decides leadership.
type StatusSource interface {
	ResolveStatus(ctx context.Context) (*chain.Status, error)
}

type Config struct {
	RoundLength uint64
	Tolerances  consensus.Tolerances
}

type BlockSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	status  StatusSource
	feeds   feeds.Source
	config  Config
	logger  *slog.Logger
}

func New(key *ecdsa.PrivateKey, status StatusSource, source feeds.Source, cfg Config, logger *slog.Logger) *BlockSigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		status:  status,
		feeds:   source,
		config:  cfg,
		logger:  logger,
	}
}

// Sign returns a signature, or the discrepancies that prevent one. Requests
// this node must not sign return a *consensus.ValidationError.
func (s *BlockSigner) Sign(ctx context.Context, req *consensus.SignatureRequest) (*consensus.SignatureResponse, error) {
	block, err := req.Block()
	if err != nil {
		return nil, consensus.NewValidationError("proposer", "malformed block", err)
	}

	proposal, err := consensus.NewProposedConsensus(block)
	if err != nil {
		return nil, err
	}
	proposer := proposal.Signer.Hex()

	if proposal.Signer == s.address {
		return nil, consensus.NewValidationError(proposer, "refusing to countersign", consensus.ErrSelfSignature)
	}

	status, err := s.status.ResolveStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain status: %w", err)
	}

	if block.DataTimestamp <= status.LastDataTimestamp {
		return nil, consensus.NewValidationError(proposer,
			fmt.Sprintf("data timestamp %d not after last submitted %d", block.DataTimestamp, status.LastDataTimestamp), nil)
	}

	leader, err := consensus.Leader(block.DataTimestamp, status.Validators, s.config.RoundLength)
	if err != nil {
		return nil, fmt.Errorf("failed to select leader: %w", err)
	}
	if leader != proposal.Signer {
		return nil, consensus.NewValidationError(proposer,
			fmt.Sprintf("expected leader %s", leader.Hex()), consensus.ErrNotLeader)
	}

	localFCDs, localLeaves, err := s.feeds.ComputeLeaves(ctx, block.DataTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to compute local leaves: %w", err)
	}

	discrepancies := consensus.FindAllDiscrepancies(localFCDs, proposal.FCDs, localLeaves, proposal.Leaves, s.config.Tolerances)
	if len(discrepancies) > 0 {
		s.logger.Info("Proposal differs from local data",
			"data_timestamp", block.DataTimestamp,
			"leader", proposer,
			"discrepancies", len(discrepancies),
			"worst_key", discrepancies[0].Label,
			"worst", discrepancies[0].Discrepancy,
		)
		return &consensus.SignatureResponse{Discrepancies: discrepancies}, nil
	}

	signature, err := hash.SignAffidavit(s.key, proposal.Affidavit)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Signed proposal",
		"data_timestamp", block.DataTimestamp,
		"leader", proposer,
		"root", proposal.Root.Hex(),
		"keys", len(proposal.FCDs)+len(proposal.Leaves),
	)
	return &consensus.SignatureResponse{
		Signature:     signature,
		Discrepancies: []consensus.Discrepancy{},
	}, nil
}
