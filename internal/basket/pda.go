package basket

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DeriveBasketPDA derives the basket config account address for an id.
func DeriveBasketPDA(programID solana.PublicKey, id uint64) (solana.PublicKey, error) {
	idBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBytes, id)

	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("basket"), idBytes},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive basket PDA: %w", err)
	}
	return addr, nil
}

// DeriveUserFundPDA derives the per-(user, basket) fund account address.
func DeriveUserFundPDA(programID, user solana.PublicKey, id uint64) (solana.PublicKey, error) {
	idBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBytes, id)

	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("user_fund"), user.Bytes(), idBytes},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive user fund PDA: %w", err)
	}
	return addr, nil
}

// DeriveVaultAddress derives a basket's vault (the basket PDA's ATA) for a
// mint.
func DeriveVaultAddress(basketPDA, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{basketPDA.Bytes(), solana.TokenProgramID.Bytes(), mint.Bytes()},
		associatedTokenProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive vault address: %w", err)
	}
	return addr, nil
}

// DeriveTokenAddress derives a wallet's ATA for a mint.
func DeriveTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner.Bytes(), solana.TokenProgramID.Bytes(), mint.Bytes()},
		associatedTokenProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return addr, nil
}
