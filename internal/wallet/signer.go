// Package wallet holds the caller-side signing identity used to drive a
// session. Key custody and signing UX belong to the caller; this is just
// enough to close the sign loop from the CLI and tests.
package wallet

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Signer wraps one keypair.
type Signer struct {
	priv solana.PrivateKey
	pub  solana.PublicKey
}

// NewSigner parses a base58-encoded 64-byte key or a solana-keygen JSON
// byte array.
func NewSigner(privateKey string) (*Signer, error) {
	if strings.TrimSpace(privateKey) == "" {
		return nil, fmt.Errorf("signer: private key is required")
	}

	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	return &Signer{priv: priv, pub: priv.PublicKey()}, nil
}

func parsePrivateKey(s string) (solana.PrivateKey, error) {
	s = strings.TrimSpace(s)

	// solana-keygen JSON array form
	if strings.HasPrefix(s, "[") {
		var raw []byte
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, fmt.Errorf("invalid keygen JSON array: %w", err)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("keygen array must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
		}
		return solana.PrivateKey(raw), nil
	}

	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return solana.PrivateKey(raw), nil
}

// PublicKey returns the signer's address.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.pub
}

// SignTransaction signs a transaction in place.
func (s *Signer) SignTransaction(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.pub) {
			return &s.priv
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

// SignBase64 decodes base64 unsigned transactions, signs each, and returns
// them re-encoded. This is the caller half of the session protocol's
// sign round-trip.
func (s *Signer) SignBase64(unsigned []string) ([]string, error) {
	signed := make([]string, len(unsigned))
	for i, e := range unsigned {
		raw, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: invalid base64: %w", i, err)
		}
		tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
		if err != nil {
			return nil, fmt.Errorf("transaction %d: failed to decode: %w", i, err)
		}

		if err := s.SignTransaction(tx); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}

		out, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("transaction %d: failed to serialize: %w", i, err)
		}
		signed[i] = base64.StdEncoding.EncodeToString(out)
	}
	return signed, nil
}
