package basket

import (
	"github.com/gagliardetto/solana-go"
)

// Anchor method discriminators for the rebalancing bracket.
var (
	startRebalancingDiscriminator = []byte{0xb9, 0x12, 0x4b, 0x80, 0x67, 0xcd, 0x5a, 0x31}
	stopRebalancingDiscriminator  = []byte{0x2e, 0xa1, 0x50, 0x09, 0xf3, 0xc2, 0x8d, 0x74}
)

// NewStartRebalancingIx builds the instruction that sets the basket's
// rebalancing flag. The program rejects it when the flag is already set,
// which is what makes the flag usable as a distributed lock.
func NewStartRebalancingIx(programID, basketPDA, rebalancer solana.PublicKey) solana.Instruction {
	accounts := []*solana.AccountMeta{
		{PublicKey: rebalancer, IsSigner: true, IsWritable: true},
		{PublicKey: basketPDA, IsSigner: false, IsWritable: true},
	}
	return solana.NewInstruction(programID, accounts, startRebalancingDiscriminator)
}

// NewStopRebalancingIx builds the instruction that clears the flag and
// re-enables normal buy/sell operations.
func NewStopRebalancingIx(programID, basketPDA, rebalancer solana.PublicKey) solana.Instruction {
	accounts := []*solana.AccountMeta{
		{PublicKey: rebalancer, IsSigner: true, IsWritable: true},
		{PublicKey: basketPDA, IsSigner: false, IsWritable: true},
	}
	return solana.NewInstruction(programID, accounts, stopRebalancingDiscriminator)
}
