package chain

import (
	"math/big"
)

// GasStrategy turns fee suggestions into transaction pricing.
type GasStrategy struct {
	Legacy      bool
	Multiplier  float64
	MinGasPrice *big.Int
	MaxGasPrice *big.Int
	GasLimit    uint64
}

// Apply prices a transaction. Legacy chains, and fee-market chains that did
// not report a base fee, get a single gas price. Otherwise the fee cap is
// twice the base fee plus the tip. Multiplier and bounds apply to whichever
// price is used; the tip inside the fee cap is scaled only once.
func (g GasStrategy) Apply(fees Fees) TxOptions {
	opts := TxOptions{GasLimit: g.GasLimit}

	if g.Legacy || fees.BaseFee == nil {
		price := fees.GasPrice
		if price == nil {
			price = big.NewInt(0)
		}
		opts.GasPrice = g.clamp(g.scale(price))
		return opts
	}

	rawTip := fees.TipCap
	if rawTip == nil {
		rawTip = big.NewInt(0)
	}
	tip := g.scale(rawTip)
	feeCap := new(big.Int).Mul(fees.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, rawTip)
	feeCap = g.clamp(g.scale(feeCap))
	if tip.Cmp(feeCap) > 0 {
		tip = new(big.Int).Set(feeCap)
	}

	opts.GasFeeCap = feeCap
	opts.GasTipCap = tip
	return opts
}

// Bump raises every price in opts by factor, keeping the nonce. The result is
// not capped so a replacement always outbids the original.
func Bump(opts TxOptions, factor float64) TxOptions {
	bumped := opts
	bumped.GasPrice = mulFloat(opts.GasPrice, factor)
	bumped.GasFeeCap = mulFloat(opts.GasFeeCap, factor)
	bumped.GasTipCap = mulFloat(opts.GasTipCap, factor)
	return bumped
}

func (g GasStrategy) scale(v *big.Int) *big.Int {
	if g.Multiplier <= 0 || g.Multiplier == 1 {
		return new(big.Int).Set(v)
	}
	return mulFloat(v, g.Multiplier)
}

func (g GasStrategy) clamp(v *big.Int) *big.Int {
	if g.MinGasPrice != nil && v.Cmp(g.MinGasPrice) < 0 {
		return new(big.Int).Set(g.MinGasPrice)
	}
	if g.MaxGasPrice != nil && g.MaxGasPrice.Sign() > 0 && v.Cmp(g.MaxGasPrice) > 0 {
		return new(big.Int).Set(g.MaxGasPrice)
	}
	return v
}

func mulFloat(v *big.Int, factor float64) *big.Int {
	if v == nil {
		return nil
	}
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}
