package leaf

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	KeySize   = 32
	ValueSize = 32

	// Decimals is the fixed-point scale of numeric leaf values.
	Decimals = 18

	FixedPrefix = "FIXED_"
	HashPrefix  = "HASH_"
)

var (
	ErrDuplicateLabel = errors.New("duplicate leaf label")
	ErrLabelTooLong   = errors.New("leaf label longer than 32 bytes")
	ErrEmptyLabel     = errors.New("empty leaf label")
	ErrInvalidValue   = errors.New("invalid leaf value")
)

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Leaf is the canonical (label, value) unit of an oracle dataset.
type Leaf struct {
	Label string `json:"label"`
	Value []byte `json:"value"`
}

type Kind int

const (
	KindNumeric Kind = iota
	KindFixed
	KindHash
)

func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindHash:
		return "hash"
	default:
		return "numeric"
	}
}

// KindOf returns the value encoding used by a label.
func KindOf(label string) Kind {
	switch {
	case strings.HasPrefix(label, FixedPrefix):
		return KindFixed
	case strings.HasPrefix(label, HashPrefix):
		return KindHash
	default:
		return KindNumeric
	}
}

// Key encodes a label as its UTF-8 bytes right-padded to 32 bytes.
func Key(label string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if label == "" {
		return key, ErrEmptyLabel
	}
	if len(label) > KeySize {
		return key, fmt.Errorf("%w: %q", ErrLabelTooLong, label)
	}
	copy(key[:], label)
	return key, nil
}

// EncodeNumber encodes a non-negative decimal string scaled by 1e18.
func EncodeNumber(decimal string) ([]byte, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(decimal))
	if !ok {
		return nil, fmt.Errorf("%w: not a decimal number: %q", ErrInvalidValue, decimal)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative value %q", ErrInvalidValue, decimal)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scale))
	n := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return EncodeUint(n)
}

// EncodeUint encodes an unsigned integer as a 32-byte big-endian word.
func EncodeUint(n *big.Int) ([]byte, error) {
	if n == nil || n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%w: %v out of uint256 range", ErrInvalidValue, n)
	}
	out := make([]byte, ValueSize)
	n.FillBytes(out)
	return out, nil
}

// EncodeHex decodes a 0x-prefixed hex string into a left-padded 32-byte word.
func EncodeHex(s string) ([]byte, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if len(b) > ValueSize {
		return nil, fmt.Errorf("%w: hex value longer than 32 bytes", ErrInvalidValue)
	}
	return common.LeftPadBytes(b, ValueSize), nil
}

// Encode picks the encoding from the label: HASH_ labels take hex, every other
// label takes a decimal string (FIXED_ labels without scaling).
func Encode(label, raw string) ([]byte, error) {
	switch KindOf(label) {
	case KindHash:
		return EncodeHex(raw)
	case KindFixed:
		if strings.HasPrefix(raw, "0x") {
			return EncodeHex(raw)
		}
		n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok {
			return nil, fmt.Errorf("%w: not an integer: %q", ErrInvalidValue, raw)
		}
		return EncodeUint(n)
	default:
		return EncodeNumber(raw)
	}
}

// Uint decodes a value as an unsigned integer.
func Uint(value []byte) *big.Int {
	return new(big.Int).SetBytes(value)
}

// Magnitude returns the numeric value a leaf represents. Numeric leaves are
// unscaled by 1e18, FIXED_ leaves are taken as-is. HASH_ leaves have no magnitude.
func Magnitude(label string, value []byte) (*big.Rat, error) {
	if len(value) > ValueSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidValue, len(value))
	}
	n := Uint(value)
	switch KindOf(label) {
	case KindHash:
		return nil, fmt.Errorf("%w: %s has no magnitude", ErrInvalidValue, label)
	case KindFixed:
		return new(big.Rat).SetInt(n), nil
	default:
		return new(big.Rat).SetFrac(n, scale), nil
	}
}

// String renders a value for logs.
func String(label string, value []byte) string {
	if KindOf(label) == KindHash {
		return hexutil.Encode(value)
	}
	m, err := Magnitude(label, value)
	if err != nil {
		return hexutil.Encode(value)
	}
	return m.FloatString(8)
}

// Validate rejects empty, oversized and duplicate labels and non 32-byte values.
func Validate(leaves []Leaf) error {
	seen := make(map[string]struct{}, len(leaves))
	for _, l := range leaves {
		if _, err := Key(l.Label); err != nil {
			return err
		}
		if _, ok := seen[l.Label]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateLabel, l.Label)
		}
		seen[l.Label] = struct{}{}
		if len(l.Value) != ValueSize {
			return fmt.Errorf("%w: %s has %d bytes", ErrInvalidValue, l.Label, len(l.Value))
		}
	}
	return nil
}

// Sorted returns a copy of leaves ordered by label.
func Sorted(leaves []Leaf) []Leaf {
	out := make([]Leaf, len(leaves))
	copy(out, leaves)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Label < out[j].Label
	})
	return out
}

// FromMap builds a label-sorted leaf list.
func FromMap(m map[string][]byte) []Leaf {
	out := make([]Leaf, 0, len(m))
	for label, value := range m {
		out = append(out, Leaf{Label: label, Value: value})
	}
	return Sorted(out)
}

func ToMap(leaves []Leaf) map[string][]byte {
	m := make(map[string][]byte, len(leaves))
	for _, l := range leaves {
		m[l.Label] = l.Value
	}
	return m
}

func Labels(leaves []Leaf) []string {
	out := make([]string, len(leaves))
	for i, l := range leaves {
		out[i] = l.Label
	}
	return out
}

// Without returns the leaves whose labels are not in drop.
func Without(leaves []Leaf, drop map[string]struct{}) []Leaf {
	out := make([]Leaf, 0, len(leaves))
	for _, l := range leaves {
		if _, ok := drop[l.Label]; ok {
			continue
		}
		out = append(out, l)
	}
	return out
}
