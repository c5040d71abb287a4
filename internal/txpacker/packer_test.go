package txpacker

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
)

func packerMint(b byte) solana.PublicKey {
	var pk solana.PublicKey
	pk[0] = b
	pk[31] = 2
	return pk
}

// swapIx builds a dummy swap instruction with the given account count and a
// single payload byte so instruction identity survives packing.
func swapIx(tag byte, accounts int) solana.Instruction {
	metas := make([]*solana.AccountMeta, accounts)
	for i := range metas {
		metas[i] = solana.Meta(packerMint(byte(200 + i)))
	}
	return solana.NewInstruction(packerMint(255), metas, []byte{tag})
}

func sellLeg(tag byte, accountsPerIx, ixCount int) planner.SwapLeg {
	leg := planner.SwapLeg{
		Direction:  planner.DirectionSell,
		InputMint:  packerMint(tag),
		OutputMint: basket.NativeMint,
		Amount:     1000,
	}
	for i := 0; i < ixCount; i++ {
		leg.Instructions = append(leg.Instructions, swapIx(tag, accountsPerIx))
	}
	return leg
}

func TestPack_EmptyPlan(t *testing.T) {
	p := NewPacker(DefaultConfig(), nil)

	batches, err := p.Pack(nil, Options{})
	require.NoError(t, err)
	assert.Nil(t, batches)

	batches, err = p.Pack(&planner.RebalancePlan{}, Options{})
	require.NoError(t, err)
	assert.Nil(t, batches)
}

func TestPack_ComputeBudgetPairPerBatch(t *testing.T) {
	p := NewPacker(DefaultConfig(), nil)
	plan := &planner.RebalancePlan{Legs: []planner.SwapLeg{sellLeg(1, 4, 1)}}

	batches, err := p.Pack(plan, Options{Payer: packerMint(50)})
	require.NoError(t, err)
	require.Len(t, batches, 1)

	ixs := batches[0].Instructions
	require.Len(t, ixs, 3)
	assert.Equal(t, computeBudgetProgramID, ixs[0].ProgramID())
	assert.Equal(t, computeBudgetProgramID, ixs[1].ProgramID())
	assert.Equal(t, 1, batches[0].LegCount)
}

func TestPack_PreservesLegOrder(t *testing.T) {
	p := NewPacker(Config{MaxInstructions: 5, MaxAccounts: 64}, nil)

	// Three legs, one instruction each, three per batch after the compute
	// pair. The payload tag tracks the original ordering.
	plan := &planner.RebalancePlan{Legs: []planner.SwapLeg{
		sellLeg(1, 2, 1),
		sellLeg(2, 2, 1),
		sellLeg(3, 2, 1),
		sellLeg(4, 2, 1),
	}}

	batches, err := p.Pack(plan, Options{Payer: packerMint(50)})
	require.NoError(t, err)
	require.Len(t, batches, 2)

	var tags []byte
	for _, b := range batches {
		for _, ix := range b.Instructions {
			if ix.ProgramID().Equals(computeBudgetProgramID) {
				continue
			}
			data, err := ix.Data()
			require.NoError(t, err)
			tags = append(tags, data[0])
		}
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, tags)
	assert.Equal(t, 3, batches[0].LegCount)
	assert.Equal(t, 1, batches[1].LegCount)
}

func TestPack_AccountBudgetForcesNewBatch(t *testing.T) {
	// Each leg's single instruction uses 20 accounts plus its program id.
	// Two legs fit under 64 alongside the compute pair; a third does not.
	p := NewPacker(Config{MaxInstructions: 12, MaxAccounts: 64}, nil)
	plan := &planner.RebalancePlan{Legs: []planner.SwapLeg{
		sellLeg(1, 20, 1),
		sellLeg(2, 20, 1),
		sellLeg(3, 20, 1),
	}}

	batches, err := p.Pack(plan, Options{Payer: packerMint(50)})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0].LegCount)
	assert.Equal(t, 1, batches[1].LegCount)
	for _, b := range batches {
		assert.LessOrEqual(t, b.AccountCount, 64)
	}
}

func TestPack_GroupNeverSplit(t *testing.T) {
	// A three-instruction leg that does not fit the space left in the first
	// batch must move to a fresh batch whole.
	p := NewPacker(Config{MaxInstructions: 6, MaxAccounts: 64}, nil)
	plan := &planner.RebalancePlan{Legs: []planner.SwapLeg{
		sellLeg(1, 2, 3),
		sellLeg(2, 2, 3),
	}}

	batches, err := p.Pack(plan, Options{Payer: packerMint(50)})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 5, len(batches[0].Instructions)) // compute pair + 3
	assert.Equal(t, 5, len(batches[1].Instructions))
}

func TestPack_OversizedLegFails(t *testing.T) {
	p := NewPacker(Config{MaxInstructions: 4, MaxAccounts: 64}, nil)
	plan := &planner.RebalancePlan{Legs: []planner.SwapLeg{
		sellLeg(1, 2, 3), // 3 ixs > 4-2 budget
	}}

	_, err := p.Pack(plan, Options{Payer: packerMint(50)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPackingOverflow)
}

func TestPack_LegWithoutInstructionsRejected(t *testing.T) {
	p := NewPacker(DefaultConfig(), nil)
	plan := &planner.RebalancePlan{Legs: []planner.SwapLeg{{
		Direction: planner.DirectionSell,
		InputMint: packerMint(1),
		Amount:    1,
	}}}

	_, err := p.Pack(plan, Options{Payer: packerMint(50)})
	require.Error(t, err)
}

func TestLegGroup_WrapFundsBuyAtThreshold(t *testing.T) {
	payer := packerMint(60)
	tok := packerMint(61)

	buy := planner.SwapLeg{
		Direction:     planner.DirectionBuy,
		InputMint:     basket.NativeMint,
		OutputMint:    tok,
		Amount:        2000, // exact output wanted
		IsSwapBaseOut: true,
		Threshold:     1031, // worst-case input
		Instructions:  []solana.Instruction{swapIx(9, 3)},
	}

	p := NewPacker(DefaultConfig(), nil)
	group, err := p.legGroup(&buy, Options{Payer: payer, WrapNative: true})
	require.NoError(t, err)

	// transfer + syncNative + swap
	require.Len(t, group, 3)
	transfer := group[0]
	assert.Equal(t, solana.SystemProgramID, transfer.ProgramID())

	data, err := transfer.Data()
	require.NoError(t, err)
	// Little-endian lamports follow the 4-byte transfer tag; the wrap must
	// carry the threshold, not the requested output amount.
	require.Len(t, data, 12)
	lamports := uint64(data[4]) | uint64(data[5])<<8 | uint64(data[6])<<16 | uint64(data[7])<<24
	assert.Equal(t, uint64(1031), lamports)
}

func TestLegGroup_SellUnwrapsNative(t *testing.T) {
	payer := packerMint(62)
	leg := sellLeg(5, 3, 1)

	p := NewPacker(DefaultConfig(), nil)
	group, err := p.legGroup(&leg, Options{Payer: payer, UnwrapNative: true})
	require.NoError(t, err)

	// swap followed by closeAccount on the wrapped native account
	require.Len(t, group, 2)
	assert.Equal(t, solana.TokenProgramID, group[1].ProgramID())
}

func TestLegGroup_CreatesMissingDestination(t *testing.T) {
	payer := packerMint(63)
	tok := packerMint(64)

	buy := planner.SwapLeg{
		Direction:     planner.DirectionBuy,
		InputMint:     basket.NativeMint,
		OutputMint:    tok,
		Amount:        100,
		IsSwapBaseOut: true,
		Threshold:     110,
		Instructions:  []solana.Instruction{swapIx(9, 3)},
	}

	p := NewPacker(DefaultConfig(), nil)
	group, err := p.legGroup(&buy, Options{
		Payer:             payer,
		CreateDestination: map[solana.PublicKey]bool{tok: true},
	})
	require.NoError(t, err)

	require.Len(t, group, 2)
	assert.Equal(t, associatedTokenProgramID, group[0].ProgramID())
}
