package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrNonceConflict       = errors.New("nonce conflict")
	ErrReverted            = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("transaction not confirmed in time")
	ErrUnsupportedType     = errors.New("unsupported chain type")
)

// nonceConflictMessages are provider error fragments that mean the nonce was
// already taken. "already known" is left out: it means the same transaction is
// already pooled, and resending at the next nonce would submit twice.
var nonceConflictMessages = []string{
	"nonce too low",
	"nonce has already been used",
	"replacement transaction underpriced",
	"invalid nonce",
}

// ChainError is a failed operation against a chain RPC or contract.
type ChainError struct {
	Chain string
	Op    string
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s: %s failed: %v", e.Chain, e.Op, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

func NewChainError(chain, op string, err error) *ChainError {
	return &ChainError{Chain: chain, Op: op, Err: err}
}

func IsChainError(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce)
}

// ResourceError means the wallet cannot afford to submit.
type ResourceError struct {
	Chain     string
	Wallet    string
	Balance   *big.Int
	Threshold *big.Int
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("wallet %s on %s has balance %s below %s", e.Wallet, e.Chain, e.Balance, e.Threshold)
}

func IsResourceError(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// NormalizeError maps provider specific nonce errors onto ErrNonceConflict so
// callers can match them with errors.Is.
func NormalizeError(err error) error {
	if err == nil || errors.Is(err, ErrNonceConflict) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range nonceConflictMessages {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrNonceConflict, err)
		}
	}
	return err
}
