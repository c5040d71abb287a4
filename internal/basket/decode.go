package basket

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Anchor account discriminators (first 8 bytes of the account data).
var (
	basketDiscriminator   = [8]byte{0x94, 0x1e, 0x6c, 0x52, 0x0f, 0x2a, 0xd1, 0x37}
	userFundDiscriminator = [8]byte{0x47, 0xd3, 0x0a, 0x85, 0x9b, 0x22, 0xe1, 0x6f}
)

// rawComponent mirrors the borsh layout of a component entry.
type rawComponent struct {
	Mint     solana.PublicKey
	Quantity uint64
}

// rawBasket mirrors the borsh layout of the basket config account, after
// the discriminator.
type rawBasket struct {
	ID            uint64
	Creator       solana.PublicKey
	Rebalancer    solana.PublicKey
	Mint          solana.PublicKey
	IsRebalancing uint8
	Components    []rawComponent
}

type rawUserFund struct {
	User       solana.PublicKey
	BasketID   uint64
	Components []rawComponent
}

// DecodeBasket decodes a basket config account's raw data.
func DecodeBasket(data []byte) (*Basket, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("basket account too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], basketDiscriminator[:]) {
		return nil, fmt.Errorf("not a basket account (discriminator mismatch)")
	}

	var raw rawBasket
	if err := bin.NewBorshDecoder(data[8:]).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode basket account: %w", err)
	}

	b := &Basket{
		ID:            raw.ID,
		Creator:       raw.Creator,
		Rebalancer:    raw.Rebalancer,
		Mint:          raw.Mint,
		IsRebalancing: raw.IsRebalancing != 0,
		Components:    componentsFromRaw(raw.Components),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeUserFund decodes a user fund account's raw data.
func DecodeUserFund(data []byte) (*UserFund, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("user fund account too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], userFundDiscriminator[:]) {
		return nil, fmt.Errorf("not a user fund account (discriminator mismatch)")
	}

	var raw rawUserFund
	if err := bin.NewBorshDecoder(data[8:]).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode user fund account: %w", err)
	}

	return &UserFund{
		User:       raw.User,
		BasketID:   raw.BasketID,
		Components: componentsFromRaw(raw.Components),
	}, nil
}

func componentsFromRaw(raw []rawComponent) []Component {
	out := make([]Component, len(raw))
	for i, rc := range raw {
		out[i] = Component{Mint: rc.Mint, Quantity: rc.Quantity}
	}
	return out
}
