package hash

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/witnz/witnz-oracle/internal/leaf"
)

var (
	// EmptyRoot is the root of a tree without leaves. It is never computed.
	EmptyRoot = common.Hash{}

	// PaddingHash fills the last slot of a level with an odd number of nodes.
	PaddingHash = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
)

type MerkleProof struct {
	Label     string
	LeafHash  common.Hash
	LeafIndex int
	Siblings  []common.Hash
}

// SortedMerkleTree is a binary Merkle tree over label-sorted leaves. Pairs are
// hashed in byte order, so proofs carry no left/right directions.
type SortedMerkleTree struct {
	levels  [][]common.Hash
	indexes map[string]int
}

func NewSortedMerkleTree(leaves []leaf.Leaf) (*SortedMerkleTree, error) {
	if err := leaf.Validate(leaves); err != nil {
		return nil, fmt.Errorf("failed to build tree: %w", err)
	}

	sorted := leaf.Sorted(leaves)
	tree := &SortedMerkleTree{
		indexes: make(map[string]int, len(sorted)),
	}
	if len(sorted) == 0 {
		return tree, nil
	}

	level := make([]common.Hash, len(sorted))
	for i, l := range sorted {
		h, err := LeafHash(l.Label, l.Value)
		if err != nil {
			return nil, err
		}
		level[i] = h
		tree.indexes[l.Label] = i
	}

	for {
		if len(level) > 1 && len(level)%2 == 1 {
			level = append(level, PaddingHash)
		}
		tree.levels = append(tree.levels, level)
		if len(level) == 1 {
			break
		}

		next := make([]common.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = HashPair(level[i], level[i+1])
		}
		level = next
	}

	return tree, nil
}

// LeafHash is keccak256(key32 || value).
func LeafHash(label string, value []byte) (common.Hash, error) {
	key, err := leaf.Key(label)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(key[:], value), nil
}

// HashPair hashes two nodes smaller-first.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

func (t *SortedMerkleTree) GetRoot() common.Hash {
	if len(t.levels) == 0 {
		return EmptyRoot
	}
	return t.levels[len(t.levels)-1][0]
}

func (t *SortedMerkleTree) GetProof(label string) (*MerkleProof, error) {
	index, ok := t.indexes[label]
	if !ok {
		return nil, fmt.Errorf("label not found in tree: %s", label)
	}

	proof := &MerkleProof{
		Label:     label,
		LeafHash:  t.levels[0][index],
		LeafIndex: index,
		Siblings:  make([]common.Hash, 0, len(t.levels)),
	}

	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index + 1
		if index%2 == 1 {
			sibling = index - 1
		}
		proof.Siblings = append(proof.Siblings, level[sibling])
		index /= 2
	}

	return proof, nil
}

func (p *MerkleProof) Verify(expectedRoot common.Hash) bool {
	return VerifyProof(p.Siblings, expectedRoot, p.LeafHash)
}

// VerifyProof folds leafHash upward through proof and compares with root.
func VerifyProof(proof []common.Hash, root, leafHash common.Hash) bool {
	current := leafHash
	for _, sibling := range proof {
		current = HashPair(current, sibling)
	}
	return current == root
}
