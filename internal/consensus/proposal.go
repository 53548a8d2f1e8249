package consensus

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/witnz/witnz-oracle/internal/hash"
	"github.com/witnz/witnz-oracle/internal/leaf"
)

// Commit computes the Merkle root of leaves and the affidavit binding it to
// the timestamp and first-class data.
func Commit(dataTimestamp uint64, fcds, leaves []leaf.Leaf) (root, affidavit common.Hash, err error) {
	tree, err := hash.NewSortedMerkleTree(leaves)
	if err != nil {
		return root, affidavit, err
	}
	root = tree.GetRoot()
	affidavit, err = hash.Affidavit(dataTimestamp, root, fcds)
	return root, affidavit, err
}

// NewProposedConsensus recomputes the commitment of a received block and
// recovers who signed it.
func NewProposedConsensus(block SignedBlock) (*ProposedConsensus, error) {
	root, affidavit, err := Commit(block.DataTimestamp, block.FCDs, block.Leaves)
	if err != nil {
		return nil, NewValidationError("proposer", "failed to encode affidavit", err)
	}

	signer, err := hash.RecoverSigner(affidavit, block.Signature)
	if err != nil {
		return nil, NewValidationError("proposer", "failed to recover signer", err)
	}

	return &ProposedConsensus{
		Signer:        signer,
		Leaves:        block.Leaves,
		FCDs:          block.FCDs,
		Root:          root,
		Affidavit:     affidavit,
		DataTimestamp: block.DataTimestamp,
	}, nil
}
