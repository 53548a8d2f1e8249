package consensus

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/witnz/witnz-oracle/internal/leaf"
)

// SignatureRequest is the body of POST {location}/signature.
type SignatureRequest struct {
	DataTimestamp uint64                   `json:"dataTimestamp"`
	FCD           map[string]hexutil.Bytes `json:"fcd"`
	Leaves        map[string]hexutil.Bytes `json:"leaves"`
	Signature     hexutil.Bytes            `json:"signature"`
}

// SignatureResponse carries either a signature with no discrepancies, a list
// of discrepancies, or an error.
type SignatureResponse struct {
	Signature     hexutil.Bytes `json:"signature,omitempty"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Version       string        `json:"version,omitempty"`
	Error         string        `json:"error,omitempty"`
}

func NewSignatureRequest(block SignedBlock) *SignatureRequest {
	return &SignatureRequest{
		DataTimestamp: block.DataTimestamp,
		FCD:           toWire(block.FCDs),
		Leaves:        toWire(block.Leaves),
		Signature:     block.Signature,
	}
}

// Block decodes the request back into a label-sorted SignedBlock.
func (r *SignatureRequest) Block() (SignedBlock, error) {
	fcds := fromWire(r.FCD)
	leaves := fromWire(r.Leaves)

	if err := leaf.Validate(fcds); err != nil {
		return SignedBlock{}, fmt.Errorf("invalid fcd: %w", err)
	}
	if err := leaf.Validate(leaves); err != nil {
		return SignedBlock{}, fmt.Errorf("invalid leaves: %w", err)
	}

	return SignedBlock{
		DataTimestamp: r.DataTimestamp,
		FCDs:          fcds,
		Leaves:        leaves,
		Signature:     r.Signature,
	}, nil
}

func toWire(leaves []leaf.Leaf) map[string]hexutil.Bytes {
	m := make(map[string]hexutil.Bytes, len(leaves))
	for _, l := range leaves {
		m[l.Label] = l.Value
	}
	return m
}

func fromWire(m map[string]hexutil.Bytes) []leaf.Leaf {
	raw := make(map[string][]byte, len(m))
	for k, v := range m {
		raw[k] = v
	}
	return leaf.FromMap(raw)
}
