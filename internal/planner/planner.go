package planner

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/quote"
)

// Planner converts high-level intents into ordered swap legs with computed
// amounts and slippage thresholds. It performs no network writes; planning
// failures are cheap and abort before anything is signed.
type Planner struct {
	quotes quote.Adapter
	logger *logrus.Logger

	// DustThreshold skips rebalance deltas at or below this many raw units.
	DustThreshold uint64

	// WidenBps is added to a leg's slippage for the single retry after a
	// failed quote. A second failure is fatal for the whole plan.
	WidenBps uint16
}

func NewPlanner(quotes quote.Adapter, logger *logrus.Logger) *Planner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Planner{
		quotes:        quotes,
		logger:        logger,
		DustThreshold: 100,
		WidenBps:      50,
	}
}

// PlanBuyAndMint sizes per-component buy legs to mint intent.ShareAmount
// shares. Inputs are inflated by the fee and the caller's buffer so drift
// between quoting and execution cannot under-fund the mint.
func (p *Planner) PlanBuyAndMint(ctx context.Context, intent BuyAndMintIntent) (*RebalancePlan, error) {
	if intent.Basket == nil {
		return nil, fmt.Errorf("basket is nil")
	}
	if intent.ShareAmount == 0 {
		return nil, fmt.Errorf("share amount must be > 0")
	}

	plan := &RebalancePlan{BasketID: intent.Basket.ID, Intent: IntentBuy}
	var totalIn uint64

	for _, comp := range intent.Basket.Components {
		// The native portion is deposited directly, never swapped.
		if comp.Mint.Equals(basket.NativeMint) {
			continue
		}

		targetOut := mulDivCeil(intent.ShareAmount, comp.Quantity, basket.UnitScale)
		if targetOut == 0 {
			continue
		}

		pool, ok := intent.Pools[comp.Mint]
		if !ok {
			return nil, fmt.Errorf("no pool configured for component %s", comp.Mint)
		}

		res, err := p.quoteLeg(ctx, quote.Request{
			PoolID:      pool.ID,
			PoolType:    pool.Type,
			InputMint:   basket.NativeMint,
			OutputMint:  comp.Mint,
			Amount:      targetOut,
			IsAmountOut: true,
			SlippageBps: intent.SlippageBps,
		})
		if err != nil {
			return nil, err
		}

		maxIn := inflateCeil(res.OtherAmountThreshold, intent.FeeBps, intent.BufferBps)
		totalIn += maxIn

		p.noteImpact(plan, comp.Mint, res.PriceImpact, intent.SlippageBps)

		plan.Legs = append(plan.Legs, SwapLeg{
			Direction:     DirectionBuy,
			Pool:          pool,
			InputMint:     basket.NativeMint,
			OutputMint:    comp.Mint,
			Amount:        targetOut,
			IsSwapBaseOut: true,
			Threshold:     maxIn,
			SlippageBps:   intent.SlippageBps,
			Instructions:  res.Instructions,
			AccountCount:  res.AccountCount,
			PriceImpact:   res.PriceImpact,
		})
	}

	if intent.MaxBudget > 0 && totalIn > intent.MaxBudget {
		return nil, fmt.Errorf("%w: need %d native units, budget is %d",
			ErrInsufficientSourceBalance, totalIn, intent.MaxBudget)
	}

	p.logger.WithFields(logrus.Fields{
		"basket":  intent.Basket.ID,
		"shares":  intent.ShareAmount,
		"legs":    len(plan.Legs),
		"totalIn": totalIn,
	}).Info("planned buy-and-mint")

	return plan, nil
}

// PlanRedeemAndSell converts each component's proportional share of the
// redeemed quantity into a sell leg. The rounding remainder goes to the last
// leg so the legs sum exactly to the redeem amount. No buffer is applied: we
// are disposing of a known quantity, not sizing an input.
func (p *Planner) PlanRedeemAndSell(ctx context.Context, intent RedeemAndSellIntent) (*RebalancePlan, error) {
	if intent.Basket == nil {
		return nil, fmt.Errorf("basket is nil")
	}
	if intent.RedeemAmount == 0 {
		return nil, fmt.Errorf("redeem amount must be > 0")
	}

	totalWeight := intent.Basket.TotalWeight()
	if totalWeight == 0 {
		return nil, fmt.Errorf("basket %d has zero total weight", intent.Basket.ID)
	}

	// Floor every component's share first; whatever rounding dust is left
	// over goes to the last sellable component.
	amounts := make([]uint64, len(intent.Basket.Components))
	var floorSum uint64
	lastSellable := -1
	for i, comp := range intent.Basket.Components {
		amounts[i] = mulDivFloor(intent.RedeemAmount, comp.Quantity, totalWeight)
		floorSum += amounts[i]
		if !comp.Mint.Equals(basket.NativeMint) {
			lastSellable = i
		}
	}
	if lastSellable >= 0 {
		amounts[lastSellable] += intent.RedeemAmount - floorSum
	}

	plan := &RebalancePlan{BasketID: intent.Basket.ID, Intent: IntentRedeem}

	for i, comp := range intent.Basket.Components {
		if comp.Mint.Equals(basket.NativeMint) || amounts[i] == 0 {
			continue
		}

		if bal := intent.VaultBalance[comp.Mint]; amounts[i] > bal {
			return nil, fmt.Errorf("%w: selling %d of %s but vault holds %d",
				ErrInsufficientSourceBalance, amounts[i], comp.Mint, bal)
		}

		pool, ok := intent.Pools[comp.Mint]
		if !ok {
			return nil, fmt.Errorf("no pool configured for component %s", comp.Mint)
		}

		res, err := p.quoteLeg(ctx, quote.Request{
			PoolID:      pool.ID,
			PoolType:    pool.Type,
			InputMint:   comp.Mint,
			OutputMint:  basket.NativeMint,
			Amount:      amounts[i],
			SlippageBps: intent.SlippageBps,
		})
		if err != nil {
			return nil, err
		}

		// No slippage specified means no minimum-out bound.
		var minOut uint64
		if intent.SlippageBps > 0 {
			minOut = quote.ApplySlippage(res.AmountOut, intent.SlippageBps)
		}

		p.noteImpact(plan, comp.Mint, res.PriceImpact, intent.SlippageBps)

		plan.Legs = append(plan.Legs, SwapLeg{
			Direction:    DirectionSell,
			Pool:         pool,
			InputMint:    comp.Mint,
			OutputMint:   basket.NativeMint,
			Amount:       amounts[i],
			Threshold:    minOut,
			SlippageBps:  intent.SlippageBps,
			Instructions: res.Instructions,
			AccountCount: res.AccountCount,
			PriceImpact:  res.PriceImpact,
		})
	}

	p.logger.WithFields(logrus.Fields{
		"basket": intent.Basket.ID,
		"redeem": intent.RedeemAmount,
		"legs":   len(plan.Legs),
	}).Info("planned redeem-and-sell")

	return plan, nil
}

// PlanRebalance computes signed deltas against the target weights and emits
// sell legs before buy legs, with the native asset as the intermediary for
// every trade. The plan carries the start/stop rebalancing bracket.
func (p *Planner) PlanRebalance(ctx context.Context, intent RebalanceIntent) (*RebalancePlan, error) {
	if intent.Basket == nil {
		return nil, fmt.Errorf("basket is nil")
	}
	if intent.BasketSupply == 0 {
		return nil, fmt.Errorf("basket supply must be > 0")
	}

	type delta struct {
		mint   solana.PublicKey
		amount uint64 // magnitude
		buy    bool
	}
	var sells, buys []delta

	for _, target := range intent.Targets {
		if target.Mint.Equals(basket.NativeMint) {
			// Never traded directly; it is every leg's counter-asset.
			continue
		}

		want := mulDivFloor(intent.BasketSupply, target.Quantity, basket.UnitScale)
		have := intent.VaultBalance[target.Mint]

		switch {
		case want > have && want-have > p.DustThreshold:
			buys = append(buys, delta{mint: target.Mint, amount: want - have, buy: true})
		case have > want && have-want > p.DustThreshold:
			sells = append(sells, delta{mint: target.Mint, amount: have - want})
		}
	}

	// Components held but absent from the target list are sold off entirely.
	targeted := make(map[solana.PublicKey]struct{}, len(intent.Targets))
	for _, t := range intent.Targets {
		targeted[t.Mint] = struct{}{}
	}
	for _, comp := range intent.Basket.Components {
		if comp.Mint.Equals(basket.NativeMint) {
			continue
		}
		if _, ok := targeted[comp.Mint]; ok {
			continue
		}
		if have := intent.VaultBalance[comp.Mint]; have > p.DustThreshold {
			sells = append(sells, delta{mint: comp.Mint, amount: have})
		}
	}

	plan := &RebalancePlan{
		BasketID: intent.Basket.ID,
		Intent:   IntentRebalance,
		Bracket:  Bracket{WithStart: true, WithStop: true},
	}

	// Sells first: buys are funded by their native-asset proceeds.
	nativeAvailable := intent.VaultBalance[basket.NativeMint]

	for _, d := range sells {
		leg, res, err := p.buildLeg(ctx, intent, d.mint, d.amount, false)
		if err != nil {
			return nil, err
		}
		// Count proceeds at the minimum-out bound so a worst-case fill
		// still funds the buys.
		nativeAvailable += leg.Threshold
		p.noteImpact(plan, d.mint, res.PriceImpact, intent.SlippageBps)
		plan.Legs = append(plan.Legs, *leg)
	}

	for _, d := range buys {
		leg, res, err := p.buildLeg(ctx, intent, d.mint, d.amount, true)
		if err != nil {
			return nil, err
		}
		if leg.Threshold > nativeAvailable {
			return nil, fmt.Errorf("%w: buy of %s needs up to %d native units, %d available",
				ErrInsufficientSourceBalance, d.mint, leg.Threshold, nativeAvailable)
		}
		nativeAvailable -= leg.Threshold
		p.noteImpact(plan, d.mint, res.PriceImpact, intent.SlippageBps)
		plan.Legs = append(plan.Legs, *leg)
	}

	p.logger.WithFields(logrus.Fields{
		"basket": intent.Basket.ID,
		"sells":  len(sells),
		"buys":   len(buys),
	}).Info("planned rebalance")

	return plan, nil
}

func (p *Planner) buildLeg(ctx context.Context, intent RebalanceIntent, mint solana.PublicKey, amount uint64, buy bool) (*SwapLeg, *quote.Result, error) {
	pool, ok := intent.Pools[mint]
	if !ok {
		return nil, nil, fmt.Errorf("no pool configured for component %s", mint)
	}

	req := quote.Request{
		PoolID:      pool.ID,
		PoolType:    pool.Type,
		Amount:      amount,
		SlippageBps: intent.SlippageBps,
	}
	if buy {
		req.InputMint = basket.NativeMint
		req.OutputMint = mint
		req.IsAmountOut = true
	} else {
		req.InputMint = mint
		req.OutputMint = basket.NativeMint
	}

	res, err := p.quoteLeg(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	leg := &SwapLeg{
		Pool:         pool,
		InputMint:    req.InputMint,
		OutputMint:   req.OutputMint,
		Amount:       amount,
		SlippageBps:  intent.SlippageBps,
		Instructions: res.Instructions,
		AccountCount: res.AccountCount,
		PriceImpact:  res.PriceImpact,
	}
	if buy {
		leg.Direction = DirectionBuy
		leg.IsSwapBaseOut = true
		leg.Threshold = quote.ApplySlippageUp(res.AmountIn, intent.SlippageBps)
	} else {
		leg.Direction = DirectionSell
		leg.Threshold = quote.ApplySlippage(res.AmountOut, intent.SlippageBps)
	}
	return leg, res, nil
}

// quoteLeg asks the adapter once, retries once with widened slippage, then
// fails the plan. The behavior is the same on buy and sell paths.
func (p *Planner) quoteLeg(ctx context.Context, req quote.Request) (*quote.Result, error) {
	res, err := p.quotes.Quote(ctx, req)
	if err == nil {
		return res, nil
	}

	widened := req
	widened.SlippageBps += p.WidenBps

	p.logger.WithFields(logrus.Fields{
		"pool":        req.PoolID,
		"poolType":    req.PoolType.String(),
		"slippageBps": widened.SlippageBps,
	}).Warn("quote failed, retrying with widened slippage")

	res, retryErr := p.quotes.Quote(ctx, widened)
	if retryErr == nil {
		return res, nil
	}

	return nil, fmt.Errorf("%w: pool %s (%s): %v", ErrQuoteUnavailable, req.PoolID, req.PoolType, retryErr)
}

func (p *Planner) noteImpact(plan *RebalancePlan, mint solana.PublicKey, impact float64, slippageBps uint16) {
	if slippageBps == 0 {
		return
	}
	if impact > float64(slippageBps)/10000 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"%s: price impact %.4f%% exceeds slippage tolerance %.2f%%",
			mint, impact*100, float64(slippageBps)/100))
	}
}

// mulDivFloor computes floor(a*b/den) without intermediate overflow.
func mulDivFloor(a, b, den uint64) uint64 {
	result := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	result.Div(result, new(big.Int).SetUint64(den))
	if !result.IsUint64() {
		return math.MaxUint64
	}
	return result.Uint64()
}

// mulDivCeil computes ceil(a*b/den). Buy sizing always rounds up so that
// under-funding, which would abort the whole bundle on-chain, cannot occur.
func mulDivCeil(a, b, den uint64) uint64 {
	num := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	d := new(big.Int).SetUint64(den)
	q, r := new(big.Int).QuoRem(num, d, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsUint64() {
		return math.MaxUint64
	}
	return q.Uint64()
}

// inflateCeil scales amount by (1 + feeBps/10000) * (1 + bufferBps/10000),
// rounding up.
func inflateCeil(amount uint64, feeBps, bufferBps uint16) uint64 {
	d := decimal.NewFromUint64(amount).
		Mul(decimal.NewFromInt(10000 + int64(feeBps))).
		Mul(decimal.NewFromInt(10000 + int64(bufferBps))).
		Div(decimal.NewFromInt(10000 * 10000)).
		Ceil()

	out := d.BigInt()
	if !out.IsUint64() {
		return math.MaxUint64
	}
	return out.Uint64()
}
