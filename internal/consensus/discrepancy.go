package consensus

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/witnz/witnz-oracle/internal/leaf"
)

// MaxDiscrepancy is reported for leaves that cannot be compared at all.
const MaxDiscrepancy = 100.0

// Tolerances are the allowed percent differences per label.
type Tolerances struct {
	Default  float64
	PerLabel map[string]float64
}

func (t Tolerances) For(label string) float64 {
	if v, ok := t.PerLabel[label]; ok {
		return v
	}
	return t.Default
}

// FindDiscrepancies compares proposed leaves against local ones. A proposed
// leaf without a local counterpart is always reported with MaxDiscrepancy.
func FindDiscrepancies(local, proposed []leaf.Leaf, tol Tolerances) []Discrepancy {
	localValues := leaf.ToMap(local)
	out := make([]Discrepancy, 0)

	for _, p := range proposed {
		l, ok := localValues[p.Label]
		if !ok {
			out = append(out, Discrepancy{Label: p.Label, Discrepancy: MaxDiscrepancy})
			continue
		}

		d := Difference(p.Label, l, p.Value)
		if d > tol.For(p.Label) {
			out = append(out, Discrepancy{Label: p.Label, Discrepancy: d})
		}
	}

	return out
}

// FindAllDiscrepancies checks first-class data and tree leaves, largest first.
func FindAllDiscrepancies(localFCDs, proposedFCDs, localLeaves, proposedLeaves []leaf.Leaf, tol Tolerances) []Discrepancy {
	all := append(
		FindDiscrepancies(localFCDs, proposedFCDs, tol),
		FindDiscrepancies(localLeaves, proposedLeaves, tol)...,
	)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Discrepancy > all[j].Discrepancy
	})
	return all
}

// Difference is the percent difference of proposed relative to local.
// HASH_ leaves are equal or maximally different.
func Difference(label string, local, proposed []byte) float64 {
	if leaf.KindOf(label) == leaf.KindHash {
		if bytes.Equal(local, proposed) {
			return 0
		}
		return MaxDiscrepancy
	}

	l, err := leaf.Magnitude(label, local)
	if err != nil {
		return MaxDiscrepancy
	}
	p, err := leaf.Magnitude(label, proposed)
	if err != nil {
		return MaxDiscrepancy
	}

	if l.Sign() == 0 {
		if p.Sign() == 0 {
			return 0
		}
		return MaxDiscrepancy
	}

	diff := new(big.Rat).Sub(p, l)
	diff.Abs(diff)
	diff.Quo(diff, l)
	diff.Mul(diff, big.NewRat(100, 1))

	pct, _ := diff.Float64()
	if pct > MaxDiscrepancy {
		return MaxDiscrepancy
	}
	return pct
}

// DiscrepantLabels collects every label flagged by any response.
func DiscrepantLabels(responses []ValidatorResponse) map[string]struct{} {
	labels := make(map[string]struct{})
	for _, r := range responses {
		for _, d := range r.Discrepancies {
			labels[d.Label] = struct{}{}
		}
	}
	return labels
}
