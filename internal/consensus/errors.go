package consensus

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyValidators    = errors.New("validator list is empty")
	ErrInvalidRoundLength = errors.New("round length must be positive")
	ErrSignerMismatch     = errors.New("recovered signer does not match validator")
	ErrSelfSignature      = errors.New("signature request signed by this validator")
	ErrNotLeader          = errors.New("proposer is not the leader for this round")
)

// ValidationError is a protocol violation: bad encoding, signer mismatch or a
// request this node must not sign.
type ValidationError struct {
	Validator string
	Message   string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed for %s: %s: %v", e.Validator, e.Message, e.Err)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Validator, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func NewValidationError(validator, message string, err error) *ValidationError {
	return &ValidationError{
		Validator: validator,
		Message:   message,
		Err:       err,
	}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NetworkError wraps a timed out or unreachable validator.
type NetworkError struct {
	Validator string
	Location  string
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("validator %s at %s unreachable: %v", e.Validator, e.Location, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func NewNetworkError(validator, location string, err error) *NetworkError {
	return &NetworkError{
		Validator: validator,
		Location:  location,
		Err:       err,
	}
}

func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
