package planner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/quote"
)

// stubQuotes scripts the adapter and records every request it receives.
type stubQuotes struct {
	fn    func(req quote.Request) (*quote.Result, error)
	calls []quote.Request
}

func (s *stubQuotes) Quote(_ context.Context, req quote.Request) (*quote.Result, error) {
	s.calls = append(s.calls, req)
	return s.fn(req)
}

// echoQuotes answers every request 1:1 with zero price impact.
func echoQuotes() *stubQuotes {
	return &stubQuotes{fn: func(req quote.Request) (*quote.Result, error) {
		return &quote.Result{
			AmountIn:             req.Amount,
			AmountOut:            req.Amount,
			OtherAmountThreshold: req.Amount,
		}, nil
	}}
}

func testMint(b byte) solana.PublicKey {
	var pk solana.PublicKey
	pk[0] = b
	pk[31] = 1
	return pk
}

func testPools(mints ...solana.PublicKey) map[solana.PublicKey]PoolRef {
	pools := make(map[solana.PublicKey]PoolRef, len(mints))
	for i, m := range mints {
		pools[m] = PoolRef{ID: testMint(byte(100 + i)), Type: quote.PoolTypeCPMM}
	}
	return pools
}

func TestPlanRedeemAndSell_ProportionalSplit(t *testing.T) {
	a, b, c := testMint(1), testMint(2), testMint(3)
	bk := &basket.Basket{
		ID: 7,
		Components: []basket.Component{
			{Mint: a, Quantity: 1},
			{Mint: b, Quantity: 2},
			{Mint: c, Quantity: 3},
		},
	}

	p := NewPlanner(echoQuotes(), nil)
	plan, err := p.PlanRedeemAndSell(context.Background(), RedeemAndSellIntent{
		Basket:       bk,
		RedeemAmount: 1000,
		Pools:        testPools(a, b, c),
		VaultBalance: map[solana.PublicKey]uint64{a: 1000, b: 1000, c: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, IntentRedeem, plan.Intent)
	require.Len(t, plan.Legs, 3)

	// Floors are 166, 333, 500; the rounding remainder lands on the last
	// sellable leg so the total is exactly the redeemed quantity.
	assert.Equal(t, uint64(166), plan.Legs[0].Amount)
	assert.Equal(t, uint64(333), plan.Legs[1].Amount)
	assert.Equal(t, uint64(501), plan.Legs[2].Amount)

	var total uint64
	for _, leg := range plan.Legs {
		assert.Equal(t, DirectionSell, leg.Direction)
		assert.Equal(t, basket.NativeMint, leg.OutputMint)
		total += leg.Amount
	}
	assert.Equal(t, uint64(1000), total)
	assert.False(t, plan.Bracket.WithStart)
	assert.False(t, plan.Bracket.WithStop)
}

func TestPlanRedeemAndSell_NativeShareNotSold(t *testing.T) {
	tok := testMint(4)
	bk := &basket.Basket{
		ID: 3,
		Components: []basket.Component{
			{Mint: basket.NativeMint, Quantity: 1},
			{Mint: tok, Quantity: 1},
		},
	}

	quotes := echoQuotes()
	p := NewPlanner(quotes, nil)
	plan, err := p.PlanRedeemAndSell(context.Background(), RedeemAndSellIntent{
		Basket:       bk,
		RedeemAmount: 1001,
		Pools:        testPools(tok),
		VaultBalance: map[solana.PublicKey]uint64{tok: 10_000},
	})
	require.NoError(t, err)

	// One leg only: the native portion is paid out directly. The odd unit
	// of rounding dust goes to the token leg, not the native share.
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, tok, plan.Legs[0].InputMint)
	assert.Equal(t, uint64(501), plan.Legs[0].Amount)
	require.Len(t, quotes.calls, 1)
}

func TestPlanRedeemAndSell_VaultShortfall(t *testing.T) {
	tok := testMint(5)
	bk := &basket.Basket{
		ID:         9,
		Components: []basket.Component{{Mint: tok, Quantity: 1}},
	}

	p := NewPlanner(echoQuotes(), nil)
	_, err := p.PlanRedeemAndSell(context.Background(), RedeemAndSellIntent{
		Basket:       bk,
		RedeemAmount: 5000,
		Pools:        testPools(tok),
		VaultBalance: map[solana.PublicKey]uint64{tok: 4999},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSourceBalance)
}

func TestPlanRedeemAndSell_MinOutOnlyWithSlippage(t *testing.T) {
	tok := testMint(6)
	bk := &basket.Basket{
		ID:         2,
		Components: []basket.Component{{Mint: tok, Quantity: 1}},
	}
	intent := RedeemAndSellIntent{
		Basket:       bk,
		RedeemAmount: 10_000,
		Pools:        testPools(tok),
		VaultBalance: map[solana.PublicKey]uint64{tok: 10_000},
	}

	p := NewPlanner(echoQuotes(), nil)

	plan, err := p.PlanRedeemAndSell(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), plan.Legs[0].Threshold)

	intent.SlippageBps = 100
	plan, err = p.PlanRedeemAndSell(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, uint64(9900), plan.Legs[0].Threshold)
}

func TestPlanBuyAndMint_InflatedThreshold(t *testing.T) {
	tok := testMint(7)
	bk := &basket.Basket{
		ID:         1,
		Components: []basket.Component{{Mint: tok, Quantity: 2 * basket.UnitScale}},
	}

	quotes := &stubQuotes{fn: func(req quote.Request) (*quote.Result, error) {
		require.True(t, req.IsAmountOut)
		return &quote.Result{
			AmountIn:             1000,
			AmountOut:            req.Amount,
			OtherAmountThreshold: 1000,
		}, nil
	}}

	p := NewPlanner(quotes, nil)
	plan, err := p.PlanBuyAndMint(context.Background(), BuyAndMintIntent{
		Basket:      bk,
		ShareAmount: basket.UnitScale, // one whole share
		FeeBps:      100,
		BufferBps:   200,
		Pools:       testPools(tok),
	})
	require.NoError(t, err)
	assert.Equal(t, IntentBuy, plan.Intent)
	require.Len(t, plan.Legs, 1)

	leg := plan.Legs[0]
	assert.Equal(t, DirectionBuy, leg.Direction)
	assert.True(t, leg.IsSwapBaseOut)
	assert.Equal(t, uint64(2*basket.UnitScale), leg.Amount)
	assert.Equal(t, basket.NativeMint, leg.InputMint)

	// 1000 * 1.01 * 1.02 = 1030.2, rounded up.
	assert.Equal(t, uint64(1031), leg.Threshold)
}

func TestPlanBuyAndMint_BuyAmountRoundsUp(t *testing.T) {
	tok := testMint(8)
	bk := &basket.Basket{
		ID:         1,
		Components: []basket.Component{{Mint: tok, Quantity: 1}},
	}

	quotes := echoQuotes()
	p := NewPlanner(quotes, nil)
	plan, err := p.PlanBuyAndMint(context.Background(), BuyAndMintIntent{
		Basket:      bk,
		ShareAmount: 1, // 1 * 1 / 1e6 floors to zero; must round up
		Pools:       testPools(tok),
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, uint64(1), plan.Legs[0].Amount)
}

func TestPlanBuyAndMint_BudgetExceeded(t *testing.T) {
	tok := testMint(9)
	bk := &basket.Basket{
		ID:         4,
		Components: []basket.Component{{Mint: tok, Quantity: basket.UnitScale}},
	}

	p := NewPlanner(echoQuotes(), nil)
	_, err := p.PlanBuyAndMint(context.Background(), BuyAndMintIntent{
		Basket:      bk,
		ShareAmount: basket.UnitScale,
		MaxBudget:   basket.UnitScale - 1,
		Pools:       testPools(tok),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSourceBalance)
}

func TestQuoteLeg_RetriesOnceWithWidenedSlippage(t *testing.T) {
	tok := testMint(10)
	bk := &basket.Basket{
		ID:         5,
		Components: []basket.Component{{Mint: tok, Quantity: basket.UnitScale}},
	}

	attempt := 0
	quotes := &stubQuotes{fn: func(req quote.Request) (*quote.Result, error) {
		attempt++
		if attempt == 1 {
			return nil, fmt.Errorf("pool momentarily unreadable")
		}
		return &quote.Result{AmountIn: 10, AmountOut: req.Amount, OtherAmountThreshold: 10}, nil
	}}

	p := NewPlanner(quotes, nil)
	_, err := p.PlanBuyAndMint(context.Background(), BuyAndMintIntent{
		Basket:      bk,
		ShareAmount: basket.UnitScale,
		SlippageBps: 30,
		Pools:       testPools(tok),
	})
	require.NoError(t, err)
	require.Len(t, quotes.calls, 2)
	assert.Equal(t, uint16(30), quotes.calls[0].SlippageBps)
	assert.Equal(t, uint16(80), quotes.calls[1].SlippageBps)
}

func TestQuoteLeg_SecondFailureIsFatal(t *testing.T) {
	tok := testMint(11)
	bk := &basket.Basket{
		ID:         6,
		Components: []basket.Component{{Mint: tok, Quantity: basket.UnitScale}},
	}

	quotes := &stubQuotes{fn: func(quote.Request) (*quote.Result, error) {
		return nil, errors.New("no route")
	}}

	p := NewPlanner(quotes, nil)
	_, err := p.PlanBuyAndMint(context.Background(), BuyAndMintIntent{
		Basket:      bk,
		ShareAmount: basket.UnitScale,
		Pools:       testPools(tok),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	assert.Len(t, quotes.calls, 2)
}

func TestPlanRebalance_SellsBeforeBuys(t *testing.T) {
	over, under := testMint(12), testMint(13)
	bk := &basket.Basket{
		ID: 20,
		Components: []basket.Component{
			{Mint: over, Quantity: 2 * basket.UnitScale},
			{Mint: under, Quantity: 0},
		},
	}

	quotes := &stubQuotes{fn: func(req quote.Request) (*quote.Result, error) {
		if req.IsAmountOut {
			return &quote.Result{AmountIn: 400, AmountOut: req.Amount}, nil
		}
		return &quote.Result{AmountIn: req.Amount, AmountOut: 500}, nil
	}}

	p := NewPlanner(quotes, nil)
	plan, err := p.PlanRebalance(context.Background(), RebalanceIntent{
		Basket: bk,
		Targets: []basket.Component{
			{Mint: over, Quantity: basket.UnitScale},
			{Mint: under, Quantity: basket.UnitScale},
		},
		BasketSupply: basket.UnitScale,
		SlippageBps:  100,
		Pools:        testPools(over, under),
		VaultBalance: map[solana.PublicKey]uint64{
			over:  2 * basket.UnitScale,
			under: 0,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, IntentRebalance, plan.Intent)
	require.Len(t, plan.Legs, 2)

	assert.Equal(t, DirectionSell, plan.Legs[0].Direction)
	assert.Equal(t, over, plan.Legs[0].InputMint)
	assert.Equal(t, uint64(basket.UnitScale), plan.Legs[0].Amount)
	assert.Equal(t, uint64(495), plan.Legs[0].Threshold) // 500 minus 1%

	assert.Equal(t, DirectionBuy, plan.Legs[1].Direction)
	assert.Equal(t, under, plan.Legs[1].OutputMint)
	assert.Equal(t, uint64(404), plan.Legs[1].Threshold) // 400 plus 1%, rounded up

	assert.True(t, plan.Bracket.WithStart)
	assert.True(t, plan.Bracket.WithStop)
}

func TestPlanRebalance_BuysBoundedBySellProceeds(t *testing.T) {
	over, under := testMint(14), testMint(15)
	bk := &basket.Basket{
		ID: 21,
		Components: []basket.Component{
			{Mint: over, Quantity: 2 * basket.UnitScale},
			{Mint: under, Quantity: 0},
		},
	}

	// Selling raises 500 native units at worst case, but the buy can cost
	// up to 600. The plan must refuse rather than emit an unfundable leg.
	quotes := &stubQuotes{fn: func(req quote.Request) (*quote.Result, error) {
		if req.IsAmountOut {
			return &quote.Result{AmountIn: 600, AmountOut: req.Amount}, nil
		}
		return &quote.Result{AmountIn: req.Amount, AmountOut: 500}, nil
	}}

	p := NewPlanner(quotes, nil)
	_, err := p.PlanRebalance(context.Background(), RebalanceIntent{
		Basket: bk,
		Targets: []basket.Component{
			{Mint: over, Quantity: basket.UnitScale},
			{Mint: under, Quantity: basket.UnitScale},
		},
		BasketSupply: basket.UnitScale,
		Pools:        testPools(over, under),
		VaultBalance: map[solana.PublicKey]uint64{over: 2 * basket.UnitScale},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSourceBalance)
}

func TestPlanRebalance_DustDeltasSkipped(t *testing.T) {
	tok := testMint(16)
	bk := &basket.Basket{
		ID:         22,
		Components: []basket.Component{{Mint: tok, Quantity: basket.UnitScale}},
	}

	quotes := echoQuotes()
	p := NewPlanner(quotes, nil)
	plan, err := p.PlanRebalance(context.Background(), RebalanceIntent{
		Basket:       bk,
		Targets:      []basket.Component{{Mint: tok, Quantity: basket.UnitScale}},
		BasketSupply: basket.UnitScale,
		Pools:        testPools(tok),
		VaultBalance: map[solana.PublicKey]uint64{tok: basket.UnitScale + 100},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Legs)
	assert.Empty(t, quotes.calls)
}

func TestPlanRebalance_UntargetedHoldingsSoldOff(t *testing.T) {
	kept, dropped := testMint(17), testMint(18)
	bk := &basket.Basket{
		ID: 23,
		Components: []basket.Component{
			{Mint: kept, Quantity: basket.UnitScale},
			{Mint: dropped, Quantity: basket.UnitScale},
		},
	}

	p := NewPlanner(echoQuotes(), nil)
	plan, err := p.PlanRebalance(context.Background(), RebalanceIntent{
		Basket:       bk,
		Targets:      []basket.Component{{Mint: kept, Quantity: basket.UnitScale}},
		BasketSupply: basket.UnitScale,
		Pools:        testPools(kept, dropped),
		VaultBalance: map[solana.PublicKey]uint64{
			kept:    basket.UnitScale,
			dropped: 5000,
		},
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, DirectionSell, plan.Legs[0].Direction)
	assert.Equal(t, dropped, plan.Legs[0].InputMint)
	assert.Equal(t, uint64(5000), plan.Legs[0].Amount)
}

func TestNoteImpact_WarnsAboveTolerance(t *testing.T) {
	tok := testMint(19)
	bk := &basket.Basket{
		ID:         24,
		Components: []basket.Component{{Mint: tok, Quantity: basket.UnitScale}},
	}

	quotes := &stubQuotes{fn: func(req quote.Request) (*quote.Result, error) {
		return &quote.Result{
			AmountIn:             10,
			AmountOut:            req.Amount,
			OtherAmountThreshold: 10,
			PriceImpact:          0.02, // 2%, over the 0.5% tolerance
		}, nil
	}}

	p := NewPlanner(quotes, nil)
	plan, err := p.PlanBuyAndMint(context.Background(), BuyAndMintIntent{
		Basket:      bk,
		ShareAmount: basket.UnitScale,
		SlippageBps: 50,
		Pools:       testPools(tok),
	})
	require.NoError(t, err)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "price impact")
}

func TestMulDivHelpers(t *testing.T) {
	assert.Equal(t, uint64(166), mulDivFloor(1000, 1, 6))
	assert.Equal(t, uint64(167), mulDivCeil(1000, 1, 6))
	assert.Equal(t, uint64(100), mulDivFloor(100, 7, 7))

	// No intermediate overflow at uint64 scale.
	huge := uint64(1) << 62
	assert.Equal(t, huge, mulDivFloor(huge, 1<<10, 1<<10))

	assert.Equal(t, uint64(1031), inflateCeil(1000, 100, 200))
	assert.Equal(t, uint64(1000), inflateCeil(1000, 0, 0))
}
