package consensus

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/witnz/witnz-oracle/internal/leaf"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

type Validator struct {
	ID       common.Address `json:"id"`
	Location string         `json:"location"`
	Power    *big.Int       `json:"power"`
}

type Discrepancy struct {
	Label       string  `json:"key"`
	Discrepancy float64 `json:"discrepancy"`
}

// SignedBlock is what a leader proposes to the other validators.
type SignedBlock struct {
	DataTimestamp uint64
	FCDs          []leaf.Leaf
	Leaves        []leaf.Leaf
	Signature     []byte
}

// ProposedConsensus is a SignedBlock after its commitment has been recomputed
// and its signer recovered.
type ProposedConsensus struct {
	Signer        common.Address
	Leaves        []leaf.Leaf
	FCDs          []leaf.Leaf
	Root          common.Hash
	Affidavit     common.Hash
	DataTimestamp uint64
}

type ValidatorResponse struct {
	ValidatorID   common.Address
	Power         *big.Int
	Signature     []byte
	Discrepancies []Discrepancy
	Alive         bool
	Version       string
	Err           error
}

// Accepted reports whether the response contributes a signature.
func (r ValidatorResponse) Accepted() bool {
	return r.Err == nil && len(r.Signature) > 0 && len(r.Discrepancies) == 0
}

// Consensus is the terminal artifact of a round. It is never mutated after
// the runner returns it.
type Consensus struct {
	DataTimestamp uint64           `json:"data_timestamp"`
	Leaves        []leaf.Leaf      `json:"leaves"`
	Root          common.Hash      `json:"root"`
	FCDKeys       []string         `json:"fcd_keys"`
	FCDValues     []hexutil.Bytes  `json:"fcd_values"`
	Signatures    []hexutil.Bytes  `json:"signatures"`
	Signers       []common.Address `json:"signers"`
	Power         *big.Int         `json:"power"`
	Status        Status           `json:"status"`
}

// FCDs returns the first-class data as leaves.
func (c *Consensus) FCDs() []leaf.Leaf {
	out := make([]leaf.Leaf, len(c.FCDKeys))
	for i, k := range c.FCDKeys {
		out[i] = leaf.Leaf{Label: k, Value: c.FCDValues[i]}
	}
	return out
}

func (c *Consensus) KeyCount() int {
	return len(c.Leaves) + len(c.FCDKeys)
}
