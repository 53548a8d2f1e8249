package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/witnz/witnz-oracle/internal/consensus"
	"github.com/witnz/witnz-oracle/internal/hash"
	"github.com/witnz/witnz-oracle/internal/leaf"
)

// SubmitRequest is the argument list of the contract's submit call.
type SubmitRequest struct {
	DataTimestamp uint64
	Root          common.Hash
	Keys          [][32]byte
	Values        []*big.Int
	V             []uint8
	R             [][32]byte
	S             [][32]byte
}

// NewSubmitRequest encodes a finalized consensus for submission. Signatures
// keep the consensus order, which is sorted by signer.
func NewSubmitRequest(c *consensus.Consensus) (SubmitRequest, error) {
	req := SubmitRequest{
		DataTimestamp: c.DataTimestamp,
		Root:          c.Root,
		Keys:          make([][32]byte, len(c.FCDKeys)),
		Values:        make([]*big.Int, len(c.FCDValues)),
		V:             make([]uint8, len(c.Signatures)),
		R:             make([][32]byte, len(c.Signatures)),
		S:             make([][32]byte, len(c.Signatures)),
	}

	for i, label := range c.FCDKeys {
		key, err := leaf.Key(label)
		if err != nil {
			return SubmitRequest{}, fmt.Errorf("failed to encode key %q: %w", label, err)
		}
		req.Keys[i] = key
		req.Values[i] = leaf.Uint(c.FCDValues[i])
	}

	for i, sig := range c.Signatures {
		v, r, s, err := hash.SplitSignature(sig)
		if err != nil {
			return SubmitRequest{}, fmt.Errorf("failed to split signature %d: %w", i, err)
		}
		req.V[i], req.R[i], req.S[i] = v, r, s
	}

	return req, nil
}
