package planner

import (
	"github.com/gagliardetto/solana-go"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/quote"
)

// Direction says which way a leg moves value relative to the basket vaults.
type Direction uint8

const (
	DirectionBuy  Direction = iota // native -> component, into the vault
	DirectionSell                  // component -> native, out of the vault
)

func (d Direction) String() string {
	if d == DirectionBuy {
		return "buy"
	}
	return "sell"
}

// PoolRef selects the pool a component trades through.
type PoolRef struct {
	ID   solana.PublicKey
	Type quote.PoolType
}

// SwapLeg is one atomic swap within a plan. Amount is the exact output when
// IsSwapBaseOut is set, the exact input otherwise; Threshold is the
// corresponding counter-amount bound with slippage applied.
type SwapLeg struct {
	Direction     Direction
	Pool          PoolRef
	InputMint     solana.PublicKey
	OutputMint    solana.PublicKey
	Amount        uint64
	IsSwapBaseOut bool
	Threshold     uint64
	SlippageBps   uint16

	// Filled from the quote that sized this leg.
	Instructions []solana.Instruction
	AccountCount int
	PriceImpact  float64
}

// Bracket says whether start/stop rebalancing instructions must wrap the
// plan's execution.
type Bracket struct {
	WithStart bool
	WithStop  bool
}

// Intent tags for the operation a plan executes.
const (
	IntentBuy       = "buy"
	IntentRedeem    = "redeem"
	IntentRebalance = "rebalance"
)

// RebalancePlan is an ordered list of legs plus the bracket requirement.
// Legs that sell into the native asset always precede legs that spend it.
type RebalancePlan struct {
	BasketID uint64
	Intent   string
	Legs     []SwapLeg
	Bracket  Bracket

	// Non-fatal findings, e.g. price impact above the slippage tolerance.
	// The caller decides whether to proceed.
	Warnings []string
}

// BuyAndMintIntent sizes inputs to mint ShareAmount basket shares.
type BuyAndMintIntent struct {
	Basket       *basket.Basket
	ShareAmount  uint64 // shares to mint, basket units
	FeeBps       uint16
	BufferBps    uint16 // absorbs price drift between quoting and execution
	SlippageBps  uint16
	MaxBudget    uint64 // optional cap on total native input; 0 = uncapped
	Pools        map[solana.PublicKey]PoolRef
	VaultBalance map[solana.PublicKey]uint64
}

// RedeemAndSellIntent disposes of RedeemAmount shares' worth of components.
type RedeemAndSellIntent struct {
	Basket       *basket.Basket
	RedeemAmount uint64
	SlippageBps  uint16 // 0 means no minimum-out bound
	Pools        map[solana.PublicKey]PoolRef
	VaultBalance map[solana.PublicKey]uint64
}

// RebalanceIntent moves the basket's holdings toward Targets.
type RebalanceIntent struct {
	Basket       *basket.Basket
	Targets      []basket.Component // desired weights, basket units
	BasketSupply uint64             // current share supply
	SlippageBps  uint16
	Pools        map[solana.PublicKey]PoolRef
	VaultBalance map[solana.PublicKey]uint64
}
