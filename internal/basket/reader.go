package basket

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/rpc"
)

var associatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

// LedgerReader fetches live basket state from the chain. All state is read
// fresh on every call; nothing is cached, since vault balances move under us
// whenever a bundle lands.
type LedgerReader struct {
	rpc       *rpc.Client
	programID solana.PublicKey
	logger    *logrus.Logger
}

// NewLedgerReader creates a reader bound to one basket program.
func NewLedgerReader(client *rpc.Client, programID solana.PublicKey, logger *logrus.Logger) *LedgerReader {
	if logger == nil {
		logger = logrus.New()
	}
	return &LedgerReader{rpc: client, programID: programID, logger: logger}
}

// GetBasket fetches and decodes a basket by id. Returns (nil, nil) when the
// basket does not exist.
func (r *LedgerReader) GetBasket(ctx context.Context, id uint64) (*Basket, error) {
	pda, err := DeriveBasketPDA(r.programID, id)
	if err != nil {
		return nil, err
	}

	data, err := r.rpc.GetAccountInfo(ctx, pda.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch basket %d: %w", id, err)
	}
	if data == nil {
		return nil, nil
	}

	b, err := DecodeBasket(data)
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"basket":      id,
		"components":  len(b.Components),
		"rebalancing": b.IsRebalancing,
	}).Debug("fetched basket")

	return b, nil
}

// GetUserFund fetches the pre-mint component ledger for (user, basket).
// Returns (nil, nil) when the user has no fund account yet.
func (r *LedgerReader) GetUserFund(ctx context.Context, user solana.PublicKey, id uint64) (*UserFund, error) {
	pda, err := DeriveUserFundPDA(r.programID, user, id)
	if err != nil {
		return nil, err
	}

	data, err := r.rpc.GetAccountInfo(ctx, pda.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user fund: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	return DecodeUserFund(data)
}

// GetVaultBalance returns the basket vault's raw token balance for a mint.
// An uncreated vault reads as zero.
func (r *LedgerReader) GetVaultBalance(ctx context.Context, b *Basket, mint solana.PublicKey) (uint64, error) {
	pda, err := DeriveBasketPDA(r.programID, b.ID)
	if err != nil {
		return 0, err
	}
	vault, err := DeriveVaultAddress(pda, mint)
	if err != nil {
		return 0, err
	}
	return r.rpc.GetTokenAccountBalance(ctx, vault.String())
}

// GetTokenBalance returns a wallet's ATA balance for a mint.
func (r *LedgerReader) GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, err := DeriveTokenAddress(owner, mint)
	if err != nil {
		return 0, err
	}
	return r.rpc.GetTokenAccountBalance(ctx, ata.String())
}

// VaultBalances reads live vault balances for every basket component plus
// the native mint.
func (r *LedgerReader) VaultBalances(ctx context.Context, b *Basket) (map[solana.PublicKey]uint64, error) {
	balances := make(map[solana.PublicKey]uint64, len(b.Components)+1)
	for _, c := range b.Components {
		bal, err := r.GetVaultBalance(ctx, b, c.Mint)
		if err != nil {
			return nil, fmt.Errorf("failed to read vault for %s: %w", c.Mint, err)
		}
		balances[c.Mint] = bal
	}
	if _, ok := balances[NativeMint]; !ok {
		bal, err := r.GetVaultBalance(ctx, b, NativeMint)
		if err != nil {
			return nil, fmt.Errorf("failed to read native vault: %w", err)
		}
		balances[NativeMint] = bal
	}
	return balances, nil
}
