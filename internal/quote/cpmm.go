package quote

import (
	"fmt"
	"math"
	"math/big"
)

// Constant-product math shared by CPMM/CPMMv2 pools. big.Int throughout to
// avoid overflow on large reserves.

// CPMMOutput computes the output for a base-in swap with fee applied to the
// input. Returns (amountOut, priceImpact, error).
func CPMMOutput(
	amountIn uint64,
	reserveIn uint64,
	reserveOut uint64,
	feeNumerator uint64,
	feeDenominator uint64,
) (uint64, float64, error) {

	if amountIn == 0 || reserveIn == 0 || reserveOut == 0 {
		return 0, 0, fmt.Errorf("invalid inputs: amounts must be > 0")
	}
	if feeDenominator == 0 {
		return 0, 0, fmt.Errorf("feeDenominator cannot be 0")
	}

	// amountInAfterFee = amountIn * (feeDenominator - feeNumerator) / feeDenominator
	amountInBig := new(big.Int).SetUint64(amountIn)
	feeMultiplier := new(big.Int).SetUint64(feeDenominator - feeNumerator)
	feeDenom := new(big.Int).SetUint64(feeDenominator)

	amountInAfterFee := new(big.Int).Mul(amountInBig, feeMultiplier)
	amountInAfterFee.Div(amountInAfterFee, feeDenom)

	// out = (amountInAfterFee * reserveOut) / (reserveIn + amountInAfterFee)
	reserveOutBig := new(big.Int).SetUint64(reserveOut)
	reserveInBig := new(big.Int).SetUint64(reserveIn)

	numerator := new(big.Int).Mul(amountInAfterFee, reserveOutBig)
	denominator := new(big.Int).Add(reserveInBig, amountInAfterFee)

	amountOutBig := new(big.Int).Div(numerator, denominator)
	if !amountOutBig.IsUint64() {
		return 0, 0, fmt.Errorf("output amount overflow")
	}
	amountOut := amountOutBig.Uint64()

	// priceImpact = 1 - (executionRate / idealRate)
	idealRate := float64(reserveOut) / float64(reserveIn)
	executionRate := float64(amountOut) / float64(amountIn)
	priceImpact := 0.0
	if idealRate > 0 {
		priceImpact = math.Max(0, 1-(executionRate/idealRate))
	}

	return amountOut, priceImpact, nil
}

// CPMMInput computes the input required to receive an exact output
// (base-out). Division rounds up so the swap can never under-deliver.
func CPMMInput(
	amountOut uint64,
	reserveIn uint64,
	reserveOut uint64,
	feeNumerator uint64,
	feeDenominator uint64,
) (uint64, error) {

	if amountOut == 0 || reserveIn == 0 || reserveOut == 0 {
		return 0, fmt.Errorf("invalid inputs: amounts must be > 0")
	}
	if feeDenominator == 0 {
		return 0, fmt.Errorf("feeDenominator cannot be 0")
	}
	if amountOut >= reserveOut {
		return 0, fmt.Errorf("requested output %d exceeds pool reserve %d", amountOut, reserveOut)
	}

	// inAfterFee = ceil(amountOut * reserveIn / (reserveOut - amountOut))
	amountOutBig := new(big.Int).SetUint64(amountOut)
	reserveInBig := new(big.Int).SetUint64(reserveIn)
	reserveOutBig := new(big.Int).SetUint64(reserveOut)

	numerator := new(big.Int).Mul(amountOutBig, reserveInBig)
	denominator := new(big.Int).Sub(reserveOutBig, amountOutBig)
	inAfterFee := ceilDivBig(numerator, denominator)

	// amountIn = ceil(inAfterFee * feeDenominator / (feeDenominator - feeNumerator))
	feeDenom := new(big.Int).SetUint64(feeDenominator)
	feeKeep := new(big.Int).SetUint64(feeDenominator - feeNumerator)
	amountInBig := ceilDivBig(new(big.Int).Mul(inAfterFee, feeDenom), feeKeep)

	if !amountInBig.IsUint64() {
		return 0, fmt.Errorf("input amount overflow")
	}
	return amountInBig.Uint64(), nil
}

// ApplySlippage lowers an expected output by a slippage tolerance in basis
// points to produce a minimum-out threshold.
func ApplySlippage(amountOut uint64, slippageBps uint16) uint64 {
	if slippageBps >= 10000 {
		return 0
	}

	slippageFactor := 10000 - uint64(slippageBps)

	amountBig := new(big.Int).SetUint64(amountOut)
	factor := new(big.Int).SetUint64(slippageFactor)
	denom := new(big.Int).SetUint64(10000)

	result := new(big.Int).Mul(amountBig, factor)
	result.Div(result, denom)

	return result.Uint64()
}

// ApplySlippageUp raises an expected input by a slippage tolerance to
// produce a maximum-in threshold for base-out swaps. Rounds up.
func ApplySlippageUp(amountIn uint64, slippageBps uint16) uint64 {
	amountBig := new(big.Int).SetUint64(amountIn)
	factor := new(big.Int).SetUint64(10000 + uint64(slippageBps))
	denom := new(big.Int).SetUint64(10000)

	result := ceilDivBig(new(big.Int).Mul(amountBig, factor), denom)
	if !result.IsUint64() {
		return math.MaxUint64
	}
	return result.Uint64()
}

// deviationBps measures the relative gap between two amounts in basis
// points of want.
func deviationBps(got, want uint64) uint64 {
	if want == 0 {
		if got == 0 {
			return 0
		}
		return math.MaxUint64
	}

	var diff uint64
	if got > want {
		diff = got - want
	} else {
		diff = want - got
	}

	bps := new(big.Int).Mul(new(big.Int).SetUint64(diff), big.NewInt(10_000))
	bps.Div(bps, new(big.Int).SetUint64(want))
	if !bps.IsUint64() {
		return math.MaxUint64
	}
	return bps.Uint64()
}

func ceilDivBig(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
