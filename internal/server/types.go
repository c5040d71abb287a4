package server

import (
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/quote"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/session"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
)

// ErrorResponse is the standardized error payload
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details any    `json:"details,omitempty"`
}

// HealthResponse for the health check endpoint
type HealthResponse struct {
	OK bool `json:"ok"`
}

// PoolRefDTO selects a pool for one component mint.
type PoolRefDTO struct {
	PoolID   string `json:"poolId"`
	PoolType string `json:"poolType"` // cpmm | clmm | cpmmv2
}

// InstructionDTO is one instruction in wire form.
type InstructionDTO struct {
	ProgramID string       `json:"programId"`
	Accounts  []AccountDTO `json:"accounts"`
	Data      string       `json:"data"` // base64
}

type AccountDTO struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// LegDTO is one swap leg in wire form.
type LegDTO struct {
	Direction     string           `json:"direction"` // buy | sell
	PoolID        string           `json:"poolId"`
	PoolType      string           `json:"poolType"`
	InputMint     string           `json:"inputMint"`
	OutputMint    string           `json:"outputMint"`
	Amount        uint64           `json:"amount,string"`
	IsSwapBaseOut bool             `json:"isSwapBaseOut"`
	Threshold     uint64           `json:"threshold,string"`
	SlippageBps   uint16           `json:"slippageBps"`
	Instructions  []InstructionDTO `json:"instructions"`
}

// PlanDTO is a full plan in wire form, round-trippable through
// /session/begin.
type PlanDTO struct {
	BasketID  uint64   `json:"basketId"`
	Intent    string   `json:"intent"` // buy | redeem | rebalance
	Legs      []LegDTO `json:"legs"`
	WithStart bool     `json:"withStart"`
	WithStop  bool     `json:"withStop"`
	Warnings  []string `json:"warnings,omitempty"`
}

// ComponentDTO is a (mint, quantity) pair in wire form.
type ComponentDTO struct {
	Mint     string `json:"mint"`
	Quantity uint64 `json:"quantity,string"`
}

// PlanBuyRequest sizes inputs to mint shares.
type PlanBuyRequest struct {
	BasketID    uint64                `json:"basketId"`
	ShareAmount uint64                `json:"shareAmount,string"`
	FeeBps      uint16                `json:"feeBps"`
	BufferBps   uint16                `json:"bufferBps"`
	SlippageBps uint16                `json:"slippageBps"`
	MaxBudget   uint64                `json:"maxBudget,string"`
	Pools       map[string]PoolRefDTO `json:"pools"`
}

// PlanRedeemRequest sizes sell legs for a redemption.
type PlanRedeemRequest struct {
	BasketID     uint64                `json:"basketId"`
	RedeemAmount uint64                `json:"redeemAmount,string"`
	SlippageBps  uint16                `json:"slippageBps"`
	Pools        map[string]PoolRefDTO `json:"pools"`
}

// PlanRebalanceRequest moves the basket toward target weights.
type PlanRebalanceRequest struct {
	BasketID     uint64                `json:"basketId"`
	Targets      []ComponentDTO        `json:"targets"`
	BasketSupply uint64                `json:"basketSupply,string"`
	SlippageBps  uint16                `json:"slippageBps"`
	Pools        map[string]PoolRefDTO `json:"pools"`
}

// BeginSessionRequest starts the multi-round signing protocol. The account
// context fields cover wallet-funded buy and redeem flows; rebalances run
// against the program vaults and leave them unset.
type BeginSessionRequest struct {
	Payer string  `json:"payer"`
	Plan  PlanDTO `json:"plan"`

	// CreateDestinations lists output mints whose destination token
	// account must be created ahead of its swap.
	CreateDestinations []string `json:"createDestinations,omitempty"`
	WrapNative         bool     `json:"wrapNative,omitempty"`
	UnwrapNative       bool     `json:"unwrapNative,omitempty"`
}

// AdvanceSessionRequest continues it.
type AdvanceSessionRequest struct {
	Token     string   `json:"token"`
	SignedTxs []string `json:"signedTxs"`
}

// SessionResponse is one round's output. Non-empty toSignTxs means more
// work is pending.
type SessionResponse struct {
	BasketID  uint64                  `json:"basketId"`
	Intent    string                  `json:"intent,omitempty"`
	State     string                  `json:"state"`
	ToSignTxs []string                `json:"toSignTxs,omitempty"`
	Token     string                  `json:"token,omitempty"`
	Outcomes  []session.BundleOutcome `json:"outcomes,omitempty"`
}

func packOptionsFromRequest(req *BeginSessionRequest, payer solana.PublicKey) (txpacker.Options, error) {
	opts := txpacker.Options{
		Payer:        payer,
		WrapNative:   req.WrapNative,
		UnwrapNative: req.UnwrapNative,
	}
	if len(req.CreateDestinations) > 0 {
		opts.CreateDestination = make(map[solana.PublicKey]bool, len(req.CreateDestinations))
		for _, m := range req.CreateDestinations {
			mint, err := solana.PublicKeyFromBase58(m)
			if err != nil {
				return opts, fmt.Errorf("invalid destination mint %q: %w", m, err)
			}
			opts.CreateDestination[mint] = true
		}
	}
	return opts, nil
}

func poolTypeFromString(s string) (quote.PoolType, error) {
	switch s {
	case "cpmm":
		return quote.PoolTypeCPMM, nil
	case "clmm":
		return quote.PoolTypeCLMM, nil
	case "cpmmv2":
		return quote.PoolTypeCPMMV2, nil
	default:
		return 0, fmt.Errorf("unknown pool type %q", s)
	}
}

func poolsFromDTO(dto map[string]PoolRefDTO) (map[solana.PublicKey]planner.PoolRef, error) {
	pools := make(map[solana.PublicKey]planner.PoolRef, len(dto))
	for mintStr, ref := range dto {
		mint, err := solana.PublicKeyFromBase58(mintStr)
		if err != nil {
			return nil, fmt.Errorf("invalid mint %q: %w", mintStr, err)
		}
		poolID, err := solana.PublicKeyFromBase58(ref.PoolID)
		if err != nil {
			return nil, fmt.Errorf("invalid pool id %q: %w", ref.PoolID, err)
		}
		poolType, err := poolTypeFromString(ref.PoolType)
		if err != nil {
			return nil, err
		}
		pools[mint] = planner.PoolRef{ID: poolID, Type: poolType}
	}
	return pools, nil
}

func planToDTO(plan *planner.RebalancePlan) PlanDTO {
	dto := PlanDTO{
		BasketID:  plan.BasketID,
		Intent:    plan.Intent,
		WithStart: plan.Bracket.WithStart,
		WithStop:  plan.Bracket.WithStop,
		Warnings:  plan.Warnings,
	}
	for _, leg := range plan.Legs {
		l := LegDTO{
			Direction:     leg.Direction.String(),
			PoolID:        leg.Pool.ID.String(),
			PoolType:      leg.Pool.Type.String(),
			InputMint:     leg.InputMint.String(),
			OutputMint:    leg.OutputMint.String(),
			Amount:        leg.Amount,
			IsSwapBaseOut: leg.IsSwapBaseOut,
			Threshold:     leg.Threshold,
			SlippageBps:   leg.SlippageBps,
		}
		for _, ix := range leg.Instructions {
			data, _ := ix.Data()
			dtoIx := InstructionDTO{
				ProgramID: ix.ProgramID().String(),
				Data:      base64.StdEncoding.EncodeToString(data),
			}
			for _, a := range ix.Accounts() {
				dtoIx.Accounts = append(dtoIx.Accounts, AccountDTO{
					Pubkey:     a.PublicKey.String(),
					IsSigner:   a.IsSigner,
					IsWritable: a.IsWritable,
				})
			}
			l.Instructions = append(l.Instructions, dtoIx)
		}
		dto.Legs = append(dto.Legs, l)
	}
	return dto
}

func planFromDTO(dto PlanDTO) (*planner.RebalancePlan, error) {
	plan := &planner.RebalancePlan{
		BasketID: dto.BasketID,
		Intent:   dto.Intent,
		Bracket:  planner.Bracket{WithStart: dto.WithStart, WithStop: dto.WithStop},
		Warnings: dto.Warnings,
	}
	for i, l := range dto.Legs {
		poolID, err := solana.PublicKeyFromBase58(l.PoolID)
		if err != nil {
			return nil, fmt.Errorf("leg %d: invalid pool id: %w", i, err)
		}
		poolType, err := poolTypeFromString(l.PoolType)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		inputMint, err := solana.PublicKeyFromBase58(l.InputMint)
		if err != nil {
			return nil, fmt.Errorf("leg %d: invalid input mint: %w", i, err)
		}
		outputMint, err := solana.PublicKeyFromBase58(l.OutputMint)
		if err != nil {
			return nil, fmt.Errorf("leg %d: invalid output mint: %w", i, err)
		}

		leg := planner.SwapLeg{
			Pool:          planner.PoolRef{ID: poolID, Type: poolType},
			InputMint:     inputMint,
			OutputMint:    outputMint,
			Amount:        l.Amount,
			IsSwapBaseOut: l.IsSwapBaseOut,
			Threshold:     l.Threshold,
			SlippageBps:   l.SlippageBps,
		}
		if l.Direction == "sell" {
			leg.Direction = planner.DirectionSell
		}

		for j, dtoIx := range l.Instructions {
			program, err := solana.PublicKeyFromBase58(dtoIx.ProgramID)
			if err != nil {
				return nil, fmt.Errorf("leg %d instruction %d: %w", i, j, err)
			}
			accounts := make([]*solana.AccountMeta, len(dtoIx.Accounts))
			for k, a := range dtoIx.Accounts {
				pk, err := solana.PublicKeyFromBase58(a.Pubkey)
				if err != nil {
					return nil, fmt.Errorf("leg %d instruction %d account %d: %w", i, j, k, err)
				}
				accounts[k] = &solana.AccountMeta{
					PublicKey:  pk,
					IsSigner:   a.IsSigner,
					IsWritable: a.IsWritable,
				}
			}
			data, err := base64.StdEncoding.DecodeString(dtoIx.Data)
			if err != nil {
				return nil, fmt.Errorf("leg %d instruction %d: invalid data: %w", i, j, err)
			}
			leg.Instructions = append(leg.Instructions, solana.NewInstruction(program, accounts, data))
			leg.AccountCount += len(accounts) + 1
		}

		plan.Legs = append(plan.Legs, leg)
	}
	return plan, nil
}
