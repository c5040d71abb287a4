package quote

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// PoolType tags the AMM variant a pool belongs to. The numeric values match
// the program's enum.
type PoolType uint8

const (
	PoolTypeCPMM   PoolType = iota // constant-product
	PoolTypeCLMM                   // concentrated-liquidity
	PoolTypeCPMMV2                 // constant-product v2
)

func (t PoolType) String() string {
	switch t {
	case PoolTypeCPMM:
		return "cpmm"
	case PoolTypeCLMM:
		return "clmm"
	case PoolTypeCPMMV2:
		return "cpmmv2"
	default:
		return "unknown"
	}
}

// Request describes one swap to quote. When IsAmountOut is set, Amount is the
// desired output and the adapter returns the maximum input; otherwise Amount
// is the input and the adapter returns the minimum output.
type Request struct {
	PoolID      solana.PublicKey
	PoolType    PoolType
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	IsAmountOut bool
	SlippageBps uint16
}

// Result is a quote plus the raw instructions that execute it. The threshold
// is the minimum-out (base-in) or maximum-in (base-out) bound with slippage
// already applied.
type Result struct {
	AmountIn             uint64
	AmountOut            uint64
	OtherAmountThreshold uint64
	PriceImpact          float64
	Instructions         []solana.Instruction
	AccountCount         int // total account references across Instructions
}

// Adapter is the narrow contract the planner depends on. Implementations are
// pure functions of on-chain state at call time and may fail or go stale.
type Adapter interface {
	Quote(ctx context.Context, req Request) (*Result, error)
}

// CountAccounts sums account references across a set of instructions,
// program ids included. CLMM legs carry remaining accounts for tick arrays
// and dominate the per-transaction account budget.
func CountAccounts(ixs []solana.Instruction) int {
	total := 0
	for _, ix := range ixs {
		total += len(ix.Accounts()) + 1 // +1 for the program id
	}
	return total
}
