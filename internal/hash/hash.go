package hash

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/witnz/witnz-oracle/internal/leaf"
)

const SignatureLength = crypto.SignatureLength

var ErrInvalidSignature = errors.New("invalid signature")

// Affidavit is the hash every validator signs for a round:
// keccak256(uint256 dataTimestamp || root || fcdKeys... || fcdValues...),
// packed like Solidity abi.encodePacked with FCDs in label order.
func Affidavit(dataTimestamp uint64, root common.Hash, fcds []leaf.Leaf) (common.Hash, error) {
	if err := leaf.Validate(fcds); err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode affidavit: %w", err)
	}
	sorted := leaf.Sorted(fcds)

	packed := make([]byte, 0, 64+64*len(sorted))
	packed = append(packed, math.U256Bytes(new(big.Int).SetUint64(dataTimestamp))...)
	packed = append(packed, root[:]...)
	for _, f := range sorted {
		key, err := leaf.Key(f.Label)
		if err != nil {
			return common.Hash{}, err
		}
		packed = append(packed, key[:]...)
	}
	for _, f := range sorted {
		packed = append(packed, f.Value...)
	}

	return crypto.Keccak256Hash(packed), nil
}

// SignAffidavit signs the affidavit as an Ethereum signed message. The
// returned signature is R || S || V with V in {27, 28}.
func SignAffidavit(key *ecdsa.PrivateKey, affidavit common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(affidavit[:]), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign affidavit: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over the affidavit.
func RecoverSigner(affidavit common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[crypto.RecoveryIDOffset])
	}

	pub, err := crypto.SigToPub(accounts.TextHash(affidavit[:]), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SplitSignature splits a 65 byte signature into the v, r, s arguments of the
// on-chain submit call.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != SignatureLength {
		return 0, r, s, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[crypto.RecoveryIDOffset]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
