package bundle

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
)

// Block-builder tip accounts; one is chosen per bundle.
var tipAccounts = []solana.PublicKey{
	solana.MustPublicKeyFromBase58("96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5"),
	solana.MustPublicKeyFromBase58("HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe"),
	solana.MustPublicKeyFromBase58("Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY"),
	solana.MustPublicKeyFromBase58("ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49"),
	solana.MustPublicKeyFromBase58("DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh"),
	solana.MustPublicKeyFromBase58("ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt"),
	solana.MustPublicKeyFromBase58("DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL"),
	solana.MustPublicKeyFromBase58("3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT"),
}

// AssembleOptions configures slicing and the rebalancing bracket.
type AssembleOptions struct {
	// SwapsPerBundle caps consecutive swap batches per bundle.
	SwapsPerBundle int

	Bracket planner.Bracket

	// StartIx/StopIx are the program instructions that set and clear the
	// on-chain rebalancing flag. Required when the bracket asks for them.
	StartIx solana.Instruction
	StopIx  solana.Instruction

	// TipPayer funds the tip transfers; TipLamports sizes them.
	TipPayer    solana.PublicKey
	TipLamports uint64

	// MaxInstructions/MaxAccounts are the per-transaction budgets the
	// batches were packed under. A tip that would push its batch over
	// either budget spills into its own batch instead. Zero disables the
	// check.
	MaxInstructions int
	MaxAccounts     int
}

// Assembler slices packed batches into fixed-size atomic bundles.
type Assembler struct {
	logger *logrus.Logger
}

func NewAssembler(logger *logrus.Logger) *Assembler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Assembler{logger: logger}
}

// Assemble slices the batch list into groups of at most SwapsPerBundle
// consecutive batches, prepends the start bracket to the first bundle and
// appends the stop bracket to the last, and attaches exactly one tip payment
// per bundle, on the final batch when it has budget headroom and in a batch
// of its own otherwise. Assembly is deterministic: the same input always
// yields the same partition.
func (a *Assembler) Assemble(batches []txpacker.Batch, opts AssembleOptions) ([]Bundle, error) {
	if opts.SwapsPerBundle < 1 {
		return nil, fmt.Errorf("swapsPerBundle must be >= 1, got %d", opts.SwapsPerBundle)
	}
	if len(batches) == 0 && !opts.Bracket.WithStart && !opts.Bracket.WithStop {
		return nil, nil
	}
	if opts.Bracket.WithStart && opts.StartIx == nil {
		return nil, fmt.Errorf("bracket requires a start instruction")
	}
	if opts.Bracket.WithStop && opts.StopIx == nil {
		return nil, fmt.Errorf("bracket requires a stop instruction")
	}
	if opts.TipLamports == 0 {
		return nil, fmt.Errorf("tip amount must be > 0")
	}

	var bundles []Bundle
	for start := 0; start < len(batches); start += opts.SwapsPerBundle {
		end := start + opts.SwapsPerBundle
		if end > len(batches) {
			end = len(batches)
		}
		group := make([]txpacker.Batch, end-start)
		copy(group, batches[start:end])
		bundles = append(bundles, Bundle{Batches: group})
	}

	// An empty plan with a bracket still needs one bundle to carry it.
	if len(bundles) == 0 {
		bundles = append(bundles, Bundle{})
	}

	if opts.Bracket.WithStart {
		first := &bundles[0]
		first.Batches = append([]txpacker.Batch{bracketBatch(opts.StartIx)}, first.Batches...)
	}
	if opts.Bracket.WithStop {
		last := &bundles[len(bundles)-1]
		last.Batches = append(last.Batches, bracketBatch(opts.StopIx))
	}

	for i := range bundles {
		b := &bundles[i]
		if len(b.Batches) == 0 {
			return nil, fmt.Errorf("bundle %d is empty", i)
		}
		tip := txpacker.NewSystemTransferIx(opts.TipPayer, tipAccountFor(i), opts.TipLamports)
		tipAccts := len(tip.Accounts()) + 1
		last := &b.Batches[len(b.Batches)-1]
		if tipFits(last, tipAccts, opts) {
			last.Instructions = append(last.Instructions, tip)
			last.AccountCount += tipAccts
		} else {
			b.Batches = append(b.Batches, txpacker.Batch{
				Instructions: []solana.Instruction{tip},
				AccountCount: tipAccts,
			})
		}
		b.TipIndex = len(b.Batches) - 1
	}

	a.logger.WithFields(logrus.Fields{
		"batches": len(batches),
		"bundles": len(bundles),
		"start":   opts.Bracket.WithStart,
		"stop":    opts.Bracket.WithStop,
	}).Debug("assembled bundles")

	return bundles, nil
}

func bracketBatch(ix solana.Instruction) txpacker.Batch {
	return txpacker.Batch{
		Instructions: []solana.Instruction{ix},
		AccountCount: len(ix.Accounts()) + 1,
		LegCount:     0,
	}
}

// tipFits reports whether the tip rides the batch without exceeding the
// budgets the batch was packed under. A batch the packer filled to the
// limit has no headroom left.
func tipFits(b *txpacker.Batch, tipAccounts int, opts AssembleOptions) bool {
	if opts.MaxInstructions > 0 && len(b.Instructions)+1 > opts.MaxInstructions {
		return false
	}
	if opts.MaxAccounts > 0 && b.AccountCount+tipAccounts > opts.MaxAccounts {
		return false
	}
	return true
}

func tipAccountFor(bundleIndex int) solana.PublicKey {
	return tipAccounts[bundleIndex%len(tipAccounts)]
}
