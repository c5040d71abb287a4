package basket

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// UnitDecimals is the number of implied decimal places in the basket's
// internal fixed-point unit. Component quantities and target weights are
// expressed in this unit regardless of each token's native decimals.
const UnitDecimals = 6

// UnitScale is 10^UnitDecimals.
const UnitScale = 1_000_000

// NativeMint is the wrapped SOL mint. The native asset is never traded
// directly during a rebalance; it is the intermediary for every leg.
var NativeMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

// Component is one (mint, quantity) entry of a basket. Quantity is in the
// basket fixed-point unit and represents either a target weight (basket
// config) or a live vault balance, depending on where it came from.
type Component struct {
	Mint     solana.PublicKey
	Quantity uint64
}

// Basket is the on-chain basket configuration account.
type Basket struct {
	ID            uint64
	Creator       solana.PublicKey
	Rebalancer    solana.PublicKey
	Mint          solana.PublicKey // share mint
	IsRebalancing bool
	Components    []Component
}

// Validate checks structural invariants that the program enforces on-chain.
// Mints must be unique within a basket; weights need not be normalized.
func (b *Basket) Validate() error {
	seen := make(map[solana.PublicKey]struct{}, len(b.Components))
	for _, c := range b.Components {
		if _, dup := seen[c.Mint]; dup {
			return fmt.Errorf("basket %d: duplicate component mint %s", b.ID, c.Mint)
		}
		seen[c.Mint] = struct{}{}
	}
	return nil
}

// TotalWeight sums raw component quantities. Used to compute per-component
// proportions; callers must not assume the sum equals UnitScale.
func (b *Basket) TotalWeight() uint64 {
	var total uint64
	for _, c := range b.Components {
		total += c.Quantity
	}
	return total
}

// Component returns the component for a mint, or nil.
func (b *Basket) Component(mint solana.PublicKey) *Component {
	for i := range b.Components {
		if b.Components[i].Mint.Equals(mint) {
			return &b.Components[i]
		}
	}
	return nil
}

// UserFund is the per-(user, basket) ledger of component balances accrued
// before minting. Mint consumes it, redeem replenishes it before selling.
type UserFund struct {
	User       solana.PublicKey
	BasketID   uint64
	Components []Component
}

// Balance returns the user's accrued balance for a mint in basket units.
func (f *UserFund) Balance(mint solana.PublicKey) uint64 {
	for _, c := range f.Components {
		if c.Mint.Equals(mint) {
			return c.Quantity
		}
	}
	return 0
}
