package bundle

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
)

func bundleKey(b byte) solana.PublicKey {
	var pk solana.PublicKey
	pk[0] = b
	pk[31] = 3
	return pk
}

func markerIx(tag byte) solana.Instruction {
	return solana.NewInstruction(bundleKey(99), nil, []byte{tag})
}

func makeBatches(n int) []txpacker.Batch {
	batches := make([]txpacker.Batch, n)
	for i := range batches {
		batches[i] = txpacker.Batch{
			Instructions: []solana.Instruction{markerIx(byte(i + 1))},
			AccountCount: 1,
			LegCount:     1,
		}
	}
	return batches
}

func assembleOpts(n int, bracket bool) AssembleOptions {
	opts := AssembleOptions{
		SwapsPerBundle: n,
		TipPayer:       bundleKey(1),
		TipLamports:    10_000,
	}
	if bracket {
		opts.Bracket = planner.Bracket{WithStart: true, WithStop: true}
		opts.StartIx = markerIx(0xAA)
		opts.StopIx = markerIx(0xBB)
	}
	return opts
}

func firstDataByte(t *testing.T, ix solana.Instruction) byte {
	t.Helper()
	data, err := ix.Data()
	require.NoError(t, err)
	require.NotEmpty(t, data)
	return data[0]
}

func TestAssemble_FixedSizePartition(t *testing.T) {
	a := NewAssembler(nil)

	bundles, err := a.Assemble(makeBatches(7), assembleOpts(3, false))
	require.NoError(t, err)
	require.Len(t, bundles, 3)

	assert.Len(t, bundles[0].Batches, 3)
	assert.Len(t, bundles[1].Batches, 3)
	assert.Len(t, bundles[2].Batches, 1)

	// Concatenating the bundles reproduces the original batch order.
	var tags []byte
	for _, b := range bundles {
		for _, batch := range b.Batches {
			tags = append(tags, firstDataByte(t, batch.Instructions[0]))
		}
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, tags)
}

func TestAssemble_Deterministic(t *testing.T) {
	a := NewAssembler(nil)

	first, err := a.Assemble(makeBatches(5), assembleOpts(2, true))
	require.NoError(t, err)
	second, err := a.Assemble(makeBatches(5), assembleOpts(2, true))
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, len(first[i].Batches), len(second[i].Batches))
		assert.Equal(t, first[i].TipIndex, second[i].TipIndex)
	}
}

func TestAssemble_BracketPlacement(t *testing.T) {
	a := NewAssembler(nil)

	bundles, err := a.Assemble(makeBatches(5), assembleOpts(2, true))
	require.NoError(t, err)
	require.Len(t, bundles, 3)

	// Start bracket is the very first instruction of the first bundle.
	firstBatch := bundles[0].Batches[0]
	assert.Equal(t, byte(0xAA), firstDataByte(t, firstBatch.Instructions[0]))
	assert.Len(t, bundles[0].Batches, 3) // bracket + 2 swaps

	// Stop bracket is the last batch of the last bundle; only the middle
	// bundle carries swaps alone.
	lastBundle := bundles[len(bundles)-1]
	lastBatch := lastBundle.Batches[len(lastBundle.Batches)-1]
	assert.Equal(t, byte(0xBB), firstDataByte(t, lastBatch.Instructions[0]))
}

func TestAssemble_EmptyPlanWithBracket(t *testing.T) {
	a := NewAssembler(nil)

	// No swaps to run, yet the flag still has to be set and cleared
	// atomically in one bundle.
	bundles, err := a.Assemble(nil, assembleOpts(4, true))
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Len(t, bundles[0].Batches, 2)
	assert.Equal(t, byte(0xAA), firstDataByte(t, bundles[0].Batches[0].Instructions[0]))
	assert.Equal(t, byte(0xBB), firstDataByte(t, bundles[0].Batches[1].Instructions[0]))
}

func TestAssemble_EmptyPlanNoBracket(t *testing.T) {
	a := NewAssembler(nil)

	bundles, err := a.Assemble(nil, assembleOpts(4, false))
	require.NoError(t, err)
	assert.Nil(t, bundles)
}

func TestAssemble_OneTipPerBundle(t *testing.T) {
	a := NewAssembler(nil)

	bundles, err := a.Assemble(makeBatches(4), assembleOpts(2, true))
	require.NoError(t, err)
	require.Len(t, bundles, 2)

	for i, b := range bundles {
		assert.Equal(t, len(b.Batches)-1, b.TipIndex)

		tips := 0
		for _, batch := range b.Batches {
			for _, ix := range batch.Instructions {
				if ix.ProgramID().Equals(solana.SystemProgramID) {
					tips++
				}
			}
		}
		assert.Equal(t, 1, tips, "bundle %d", i)

		// Tip accounts rotate per bundle index.
		last := b.Batches[b.TipIndex]
		tip := last.Instructions[len(last.Instructions)-1]
		assert.Equal(t, tipAccountFor(i), tip.Accounts()[1].PublicKey)
	}
	assert.NotEqual(t,
		tipAccountFor(0), tipAccountFor(1))
}

func TestAssemble_Validation(t *testing.T) {
	a := NewAssembler(nil)

	_, err := a.Assemble(makeBatches(1), AssembleOptions{SwapsPerBundle: 0, TipPayer: bundleKey(1), TipLamports: 1})
	assert.Error(t, err)

	opts := assembleOpts(2, true)
	opts.StartIx = nil
	_, err = a.Assemble(makeBatches(1), opts)
	assert.Error(t, err)

	opts = assembleOpts(2, false)
	opts.TipLamports = 0
	_, err = a.Assemble(makeBatches(1), opts)
	assert.Error(t, err)
}

func fullBatch(n, accounts int) txpacker.Batch {
	b := txpacker.Batch{AccountCount: accounts, LegCount: 1}
	for i := 0; i < n; i++ {
		b.Instructions = append(b.Instructions, markerIx(byte(i+1)))
	}
	return b
}

func TestAssemble_TipSpillsWhenBatchFull(t *testing.T) {
	a := NewAssembler(nil)

	opts := assembleOpts(4, false)
	opts.MaxInstructions = 5
	opts.MaxAccounts = 64

	bundles, err := a.Assemble([]txpacker.Batch{fullBatch(5, 10)}, opts)
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	// The batch is already at the instruction budget, so the tip rides in
	// a batch of its own and every batch stays within budget.
	require.Len(t, bundles[0].Batches, 2)
	assert.Equal(t, 1, bundles[0].TipIndex)
	assert.Len(t, bundles[0].Batches[0].Instructions, 5)

	tipBatch := bundles[0].Batches[1]
	require.Len(t, tipBatch.Instructions, 1)
	assert.True(t, tipBatch.Instructions[0].ProgramID().Equals(solana.SystemProgramID))

	for _, batch := range bundles[0].Batches {
		assert.LessOrEqual(t, len(batch.Instructions), opts.MaxInstructions)
		assert.LessOrEqual(t, batch.AccountCount, opts.MaxAccounts)
	}
}

func TestAssemble_TipSpillsOnAccountBudget(t *testing.T) {
	a := NewAssembler(nil)

	opts := assembleOpts(4, false)
	opts.MaxInstructions = 12
	opts.MaxAccounts = 12

	// Two instructions, but only one account slot left: the tip needs
	// three.
	bundles, err := a.Assemble([]txpacker.Batch{fullBatch(2, 11)}, opts)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Len(t, bundles[0].Batches, 2)
	assert.LessOrEqual(t, bundles[0].Batches[1].AccountCount, opts.MaxAccounts)
}

func TestAssemble_TipRidesBatchWithHeadroom(t *testing.T) {
	a := NewAssembler(nil)

	opts := assembleOpts(4, false)
	opts.MaxInstructions = 5
	opts.MaxAccounts = 64

	bundles, err := a.Assemble([]txpacker.Batch{fullBatch(3, 10)}, opts)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Len(t, bundles[0].Batches, 1)
	assert.Equal(t, 0, bundles[0].TipIndex)
	assert.Len(t, bundles[0].Batches[0].Instructions, 4)
}

func budgetLeg(tag byte, ixs int) planner.SwapLeg {
	leg := planner.SwapLeg{
		Direction:  planner.DirectionSell,
		InputMint:  bundleKey(tag),
		OutputMint: bundleKey(200),
	}
	for i := 0; i < ixs; i++ {
		leg.Instructions = append(leg.Instructions, solana.NewInstruction(
			bundleKey(98),
			[]*solana.AccountMeta{solana.Meta(bundleKey(tag)).WRITE()},
			[]byte{tag, byte(i)},
		))
	}
	return leg
}

// Packed batches must stay within the transaction budget after the tip is
// attached, including batches the packer filled to the limit.
func TestPackAssemble_BudgetHolds(t *testing.T) {
	cfg := txpacker.Config{
		MaxInstructions:  5,
		MaxAccounts:      64,
		ComputeUnitLimit: 600_000,
		PriorityFee:      1,
	}
	packer := txpacker.NewPacker(cfg, nil)

	// Each leg carries three instructions: with the compute-budget pair the
	// batch lands exactly on the instruction budget.
	plan := &planner.RebalancePlan{
		BasketID: 9,
		Legs: []planner.SwapLeg{
			budgetLeg(1, 3),
			budgetLeg(2, 3),
		},
	}

	batches, err := packer.Pack(plan, txpacker.Options{Payer: bundleKey(1)})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Len(t, batches[0].Instructions, cfg.MaxInstructions)

	opts := assembleOpts(2, false)
	opts.MaxInstructions = cfg.MaxInstructions
	opts.MaxAccounts = cfg.MaxAccounts

	bundles, err := NewAssembler(nil).Assemble(batches, opts)
	require.NoError(t, err)

	for i, b := range bundles {
		tips := 0
		for j, batch := range b.Batches {
			assert.LessOrEqual(t, len(batch.Instructions), cfg.MaxInstructions,
				"bundle %d batch %d", i, j)
			assert.LessOrEqual(t, batch.AccountCount, cfg.MaxAccounts,
				"bundle %d batch %d", i, j)
			for _, ix := range batch.Instructions {
				if ix.ProgramID().Equals(solana.SystemProgramID) {
					tips++
				}
			}
		}
		assert.Equal(t, 1, tips, "bundle %d", i)
	}
}
