package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/witnz/witnz-oracle/internal/hash"
	"github.com/witnz/witnz-oracle/internal/metrics"
	"go.uber.org/multierr"
)

// ValidatorClient talks to remote validators.
type ValidatorClient interface {
	RequestSignature(ctx context.Context, location string, req *SignatureRequest) (*SignatureResponse, error)
	CheckLiveness(ctx context.Context, location string) error
}

type CollectorConfig struct {
	SignatureTimeout time.Duration
	LivenessTimeout  time.Duration
}

// SignatureCollector gathers signatures over a proposed block from every
// validator. A failing validator contributes nothing and never aborts the round.
type SignatureCollector struct {
	self    common.Address
	client  ValidatorClient
	config  CollectorConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewSignatureCollector(self common.Address, client ValidatorClient, cfg CollectorConfig, m *metrics.Metrics, logger *slog.Logger) *SignatureCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SignatureTimeout <= 0 {
		cfg.SignatureTimeout = 15 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 5 * time.Second
	}

	return &SignatureCollector{
		self:    self,
		client:  client,
		config:  cfg,
		metrics: m,
		logger:  logger,
	}
}

// Collect returns one response per validator, in validator order. The block
// signature is this node's own and is used for the self entry directly.
func (c *SignatureCollector) Collect(ctx context.Context, block SignedBlock, affidavit common.Hash, validators []Validator) []ValidatorResponse {
	responses := make([]ValidatorResponse, len(validators))
	req := NewSignatureRequest(block)

	var wg sync.WaitGroup
	for i, v := range validators {
		if v.ID == c.self {
			responses[i] = ValidatorResponse{
				ValidatorID: v.ID,
				Power:       powerOf(v),
				Signature:   block.Signature,
				Alive:       true,
			}
			continue
		}

		wg.Add(1)
		go func(i int, v Validator) {
			defer wg.Done()
			responses[i] = c.collectOne(ctx, req, affidavit, v)
		}(i, v)
	}
	wg.Wait()

	var failures error
	for _, r := range responses {
		if r.Err != nil {
			failures = multierr.Append(failures, r.Err)
		}
	}
	if failures != nil {
		c.logger.Warn("Some validators did not contribute a signature",
			"data_timestamp", block.DataTimestamp,
			"failed", len(multierr.Errors(failures)),
			"validators", len(validators),
			"error", failures,
		)
	}

	return responses
}

func (c *SignatureCollector) collectOne(ctx context.Context, req *SignatureRequest, affidavit common.Hash, v Validator) ValidatorResponse {
	var (
		wg      sync.WaitGroup
		resp    *SignatureResponse
		sigErr  error
		liveErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		sigCtx, cancel := context.WithTimeout(ctx, c.config.SignatureTimeout)
		defer cancel()
		resp, sigErr = c.client.RequestSignature(sigCtx, v.Location, req)
	}()
	go func() {
		defer wg.Done()
		liveCtx, cancel := context.WithTimeout(ctx, c.config.LivenessTimeout)
		defer cancel()
		liveErr = c.client.CheckLiveness(liveCtx, v.Location)
	}()
	wg.Wait()

	id := v.ID.Hex()
	result := ValidatorResponse{
		ValidatorID: v.ID,
		Power:       powerOf(v),
		Alive:       liveErr == nil,
	}
	c.metrics.ValidatorLiveness(id, result.Alive)
	if liveErr != nil {
		c.logger.Debug("Validator liveness check failed", "validator", id, "location", v.Location, "error", liveErr)
	}

	if sigErr != nil {
		result.Err = NewNetworkError(id, v.Location, sigErr)
		reason := "network"
		if IsTimeout(sigErr) {
			reason = "timeout"
		}
		c.metrics.ValidatorFailed(id, reason)
		return result
	}

	result.Version = resp.Version
	if resp.Error != "" {
		result.Err = fmt.Errorf("validator %s refused to sign: %s", id, resp.Error)
		c.metrics.ValidatorFailed(id, "refused")
		return result
	}

	if len(resp.Discrepancies) > 0 {
		result.Discrepancies = resp.Discrepancies
		c.metrics.ValidatorFailed(id, "discrepancy")
		c.logger.Info("Validator reported discrepancies",
			"validator", id,
			"count", len(resp.Discrepancies),
		)
		return result
	}

	if len(resp.Signature) == 0 {
		result.Err = NewValidationError(id, "response carries no signature", nil)
		c.metrics.ValidatorFailed(id, "no_signature")
		return result
	}

	signer, err := hash.RecoverSigner(affidavit, resp.Signature)
	if err != nil {
		result.Err = NewValidationError(id, "unrecoverable signature", err)
		c.metrics.ValidatorFailed(id, "invalid_signature")
		return result
	}
	if signer != v.ID {
		result.Err = NewValidationError(id, fmt.Sprintf("signed by %s", signer.Hex()), ErrSignerMismatch)
		c.metrics.ValidatorFailed(id, "signer_mismatch")
		return result
	}

	result.Signature = resp.Signature
	return result
}

func powerOf(v Validator) *big.Int {
	if v.Power == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v.Power)
}

// IsTimeout reports whether a validator error came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
