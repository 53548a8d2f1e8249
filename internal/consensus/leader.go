package consensus

import (
	"github.com/ethereum/go-ethereum/common"
)

// RoundID returns the round a data timestamp belongs to.
func RoundID(timestamp, roundLength uint64) (uint64, error) {
	if roundLength == 0 {
		return 0, ErrInvalidRoundLength
	}
	return timestamp / roundLength, nil
}

// Leader returns the validator expected to propose data stamped with
// timestamp. It depends on the data timestamp only, never on wall-clock time,
// so a node running late still agrees with its peers on the leader.
func Leader(timestamp uint64, validators []common.Address, roundLength uint64) (common.Address, error) {
	if len(validators) == 0 {
		return common.Address{}, ErrEmptyValidators
	}
	round, err := RoundID(timestamp, roundLength)
	if err != nil {
		return common.Address{}, err
	}
	return validators[round%uint64(len(validators))], nil
}
