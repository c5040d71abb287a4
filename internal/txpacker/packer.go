package txpacker

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
)

// ErrPackingOverflow means a single leg's instruction group exceeds the
// transaction budget on its own. That is a configuration error, not a
// retryable condition.
var ErrPackingOverflow = errors.New("swap leg cannot fit any transaction budget")

// Batch is an ordered instruction list sized to fit one transaction.
type Batch struct {
	Instructions []solana.Instruction
	AccountCount int
	LegCount     int
}

// Config bounds what one transaction may carry. CLMM legs burn through the
// account budget fastest (tick-array remaining accounts).
type Config struct {
	MaxInstructions int
	MaxAccounts     int

	// One compute-budget pair is attached per batch, not per leg.
	ComputeUnitLimit uint32
	PriorityFee      uint64 // micro-lamports per compute unit
}

func DefaultConfig() Config {
	return Config{
		MaxInstructions:  12,
		MaxAccounts:      64,
		ComputeUnitLimit: 600_000,
		PriorityFee:      1_000,
	}
}

// Options describes the per-run account context the packer wraps legs in.
type Options struct {
	// Payer signs and funds account creation and native wrapping.
	Payer solana.PublicKey

	// CreateDestination lists output mints whose destination token account
	// does not exist yet and must be created ahead of the swap.
	CreateDestination map[solana.PublicKey]bool

	// WrapNative adds a transfer+sync ahead of legs that spend the native
	// asset, and UnwrapNative closes the wrapped account after legs that
	// receive it, reclaiming rent.
	WrapNative   bool
	UnwrapNative bool
}

// Packer groups plan legs into transaction-sized batches.
type Packer struct {
	cfg    Config
	logger *logrus.Logger
}

func NewPacker(cfg Config, logger *logrus.Logger) *Packer {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxInstructions == 0 {
		cfg = DefaultConfig()
	}
	return &Packer{cfg: cfg, logger: logger}
}

// Budget exposes the packing limits so downstream stages can respect them.
func (p *Packer) Budget() Config {
	return p.cfg
}

// Pack walks the plan in leg order and greedily fills batches. A leg's
// instruction group is never split across batches, and concatenating the
// emitted batches reproduces the plan's original instruction order.
func (p *Packer) Pack(plan *planner.RebalancePlan, opts Options) ([]Batch, error) {
	if plan == nil || len(plan.Legs) == 0 {
		return nil, nil
	}

	// Budget available to legs after the per-batch compute-budget pair.
	ixBudget := p.cfg.MaxInstructions - 2
	acctBudget := p.cfg.MaxAccounts - 2 // compute-budget program ids

	var batches []Batch
	current := p.newBatch()

	for i, leg := range plan.Legs {
		group, err := p.legGroup(&leg, opts)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}

		groupAccts := countAccounts(group)
		if len(group) > ixBudget || groupAccts > acctBudget {
			return nil, fmt.Errorf("%w: leg %d needs %d instructions / %d accounts, budget is %d/%d",
				ErrPackingOverflow, i, len(group), groupAccts, ixBudget, acctBudget)
		}

		if current.LegCount > 0 &&
			(len(current.Instructions)+len(group) > p.cfg.MaxInstructions ||
				current.AccountCount+groupAccts > p.cfg.MaxAccounts) {
			batches = append(batches, current)
			current = p.newBatch()
		}

		current.Instructions = append(current.Instructions, group...)
		current.AccountCount += groupAccts
		current.LegCount++
	}

	if current.LegCount > 0 {
		batches = append(batches, current)
	}

	p.logger.WithFields(logrus.Fields{
		"legs":    len(plan.Legs),
		"batches": len(batches),
	}).Debug("packed plan")

	return batches, nil
}

// newBatch starts a batch with its compute-budget pair already attached.
func (p *Packer) newBatch() Batch {
	ixs := []solana.Instruction{
		NewComputeUnitLimitIx(p.cfg.ComputeUnitLimit),
		NewComputeUnitPriceIx(p.cfg.PriorityFee),
	}
	return Batch{
		Instructions: ixs,
		AccountCount: countAccounts(ixs),
	}
}

// legGroup assembles the full instruction set one leg requires, in required
// order: destination creation, native wrap, the swap itself, native unwrap.
func (p *Packer) legGroup(leg *planner.SwapLeg, opts Options) ([]solana.Instruction, error) {
	if len(leg.Instructions) == 0 {
		return nil, fmt.Errorf("leg has no swap instructions")
	}

	var group []solana.Instruction

	if opts.CreateDestination[leg.OutputMint] {
		ata, _, err := FindAssociatedTokenAddress(opts.Payer, leg.OutputMint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive destination ATA: %w", err)
		}
		group = append(group, NewCreateAssociatedTokenAccountIx(opts.Payer, ata, opts.Payer, leg.OutputMint))
	}

	if opts.WrapNative && leg.InputMint.Equals(basket.NativeMint) {
		wsol, _, err := FindAssociatedTokenAddress(opts.Payer, basket.NativeMint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive wSOL ATA: %w", err)
		}
		// Fund at the leg's worst case; base-out legs carry the bound in
		// Threshold, base-in legs in Amount.
		lamports := leg.Amount
		if leg.IsSwapBaseOut {
			lamports = leg.Threshold
		}
		group = append(group,
			NewSystemTransferIx(opts.Payer, wsol, lamports),
			NewTokenSyncNativeIx(wsol),
		)
	}

	group = append(group, leg.Instructions...)

	if opts.UnwrapNative && leg.OutputMint.Equals(basket.NativeMint) {
		wsol, _, err := FindAssociatedTokenAddress(opts.Payer, basket.NativeMint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive wSOL ATA: %w", err)
		}
		group = append(group, NewTokenCloseAccountIx(wsol, opts.Payer, opts.Payer))
	}

	return group, nil
}

func countAccounts(ixs []solana.Instruction) int {
	total := 0
	for _, ix := range ixs {
		total += len(ix.Accounts()) + 1 // +1 for the program id
	}
	return total
}
