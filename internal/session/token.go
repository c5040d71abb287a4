package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/bundle"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
)

// State is the session's position in the saga. Only states a caller can
// actually observe in a token or result exist; submission happens entirely
// inside one Advance call and has no state of its own.
type State string

const (
	StateAwaitingSignature State = "awaiting_signature"
	StateAwaitingLanding   State = "awaiting_landing"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// BundleOutcome records one bundle's terminal (or last known) status.
type BundleOutcome struct {
	BundleID   string        `json:"bundleId"`
	Status     bundle.Status `json:"status"`
	LandedSlot uint64        `json:"landedSlot,omitempty"`
	Batches    int           `json:"batches"`
	Legs       int           `json:"legs"`
	Error      string        `json:"error,omitempty"`
}

// Wire forms for instructions crossing the process boundary inside the
// continuation token.
type wireAccount struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type wireInstruction struct {
	Program  string        `json:"program"`
	Accounts []wireAccount `json:"accounts"`
	Data     []byte        `json:"data"`
}

type wireBatch struct {
	Instructions []wireInstruction `json:"instructions"`
	LegCount     int               `json:"legCount"`
}

type wireBundle struct {
	Batches  []wireBatch `json:"batches"`
	TipIndex int         `json:"tipIndex"`
}

// tokenPayload is the session's complete state. The token is the only place
// it lives; nothing is persisted server-side.
type tokenPayload struct {
	Version         int             `json:"v"`
	BasketID        uint64          `json:"basketId"`
	Intent          string          `json:"intent,omitempty"`
	Payer           string          `json:"payer"`
	State           State           `json:"state"`
	EmittedTxCount  int             `json:"emittedTxCount"`
	EmittedLegCount int             `json:"emittedLegCount,omitempty"`
	Pending         []wireBundle    `json:"pending"`
	Outcomes        []BundleOutcome `json:"outcomes"`
	IssuedAt        time.Time       `json:"issuedAt"`
}

// TokenCodec signs and verifies continuation tokens. The payload is JSON,
// the MAC is HMAC-SHA256; the token is payload "." mac, both base64url.
// Tamper-evident, not encrypted: the token carries no secrets.
type TokenCodec struct {
	key []byte
}

func NewTokenCodec(key string) (*TokenCodec, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("session token key must be at least 16 bytes")
	}
	return &TokenCodec{key: []byte(key)}, nil
}

func (c *TokenCodec) encode(p *tokenPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode session token: %w", err)
	}

	mac := hmac.New(sha256.New, c.key)
	mac.Write(raw)

	return base64.RawURLEncoding.EncodeToString(raw) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *TokenCodec) decode(token string) (*tokenPayload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed session token")
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed session token payload: %w", err)
	}
	gotMAC, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed session token signature: %w", err)
	}

	mac := hmac.New(sha256.New, c.key)
	mac.Write(raw)
	if !hmac.Equal(mac.Sum(nil), gotMAC) {
		return nil, fmt.Errorf("session token signature mismatch")
	}

	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode session token: %w", err)
	}
	return &p, nil
}

func batchToWire(b txpacker.Batch) wireBatch {
	w := wireBatch{LegCount: b.LegCount}
	for _, ix := range b.Instructions {
		data, _ := ix.Data()
		wi := wireInstruction{
			Program: ix.ProgramID().String(),
			Data:    data,
		}
		for _, a := range ix.Accounts() {
			wi.Accounts = append(wi.Accounts, wireAccount{
				Pubkey:   a.PublicKey.String(),
				Signer:   a.IsSigner,
				Writable: a.IsWritable,
			})
		}
		w.Instructions = append(w.Instructions, wi)
	}
	return w
}

func wireToBatch(w wireBatch) (txpacker.Batch, error) {
	b := txpacker.Batch{LegCount: w.LegCount}
	for i, wi := range w.Instructions {
		program, err := solana.PublicKeyFromBase58(wi.Program)
		if err != nil {
			return b, fmt.Errorf("instruction %d: invalid program id: %w", i, err)
		}
		accounts := make([]*solana.AccountMeta, len(wi.Accounts))
		for j, wa := range wi.Accounts {
			pk, err := solana.PublicKeyFromBase58(wa.Pubkey)
			if err != nil {
				return b, fmt.Errorf("instruction %d account %d: %w", i, j, err)
			}
			accounts[j] = &solana.AccountMeta{
				PublicKey:  pk,
				IsSigner:   wa.Signer,
				IsWritable: wa.Writable,
			}
		}
		b.Instructions = append(b.Instructions, solana.NewInstruction(program, accounts, wi.Data))
		b.AccountCount += len(accounts) + 1
	}
	return b, nil
}

func bundleToWire(b bundle.Bundle) wireBundle {
	w := wireBundle{TipIndex: b.TipIndex}
	for _, batch := range b.Batches {
		w.Batches = append(w.Batches, batchToWire(batch))
	}
	return w
}

func wireToBundle(w wireBundle) (bundle.Bundle, error) {
	b := bundle.Bundle{TipIndex: w.TipIndex}
	for i, wb := range w.Batches {
		batch, err := wireToBatch(wb)
		if err != nil {
			return b, fmt.Errorf("batch %d: %w", i, err)
		}
		b.Batches = append(b.Batches, batch)
	}
	return b, nil
}
