package quote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// HTTPAdapter quotes swaps through an external quote service. The service's
// response shape is a versioned contract; nothing beyond Result leaks out.
type HTTPAdapter struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewHTTPAdapter(baseURL, apiKey string) *HTTPAdapter {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &HTTPAdapter{
		BaseURL: baseURL,
		APIKey:  strings.TrimSpace(apiKey),
		HTTP: &http.Client{
			Timeout: 12 * time.Second,
		},
	}
}

// HTTPError carries a non-2xx response body back to the caller.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	b := strings.TrimSpace(string(e.Body))
	if b == "" {
		return fmt.Sprintf("quote service http %d", e.StatusCode)
	}
	return fmt.Sprintf("quote service http %d: %s", e.StatusCode, b)
}

type wireAccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type wireInstruction struct {
	ProgramID string            `json:"programId"`
	Accounts  []wireAccountMeta `json:"accounts"`
	Data      string            `json:"data"` // base64
}

type wireQuoteResponse struct {
	AmountIn             uint64            `json:"amountIn,string"`
	AmountOut            uint64            `json:"amountOut,string"`
	OtherAmountThreshold uint64            `json:"otherAmountThreshold,string"`
	PriceImpactPct       float64           `json:"priceImpactPct"`
	Instructions         []wireInstruction `json:"instructions"`

	// Pool state at quote time, reported for constant-product pools so the
	// numbers can be re-derived locally.
	ReserveIn      uint64 `json:"reserveIn,string"`
	ReserveOut     uint64 `json:"reserveOut,string"`
	FeeNumerator   uint64 `json:"feeNumerator"`
	FeeDenominator uint64 `json:"feeDenominator"`
}

// Quote fetches a quote and the swap instructions for one leg.
func (c *HTTPAdapter) Quote(ctx context.Context, req Request) (*Result, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("quote service URL is not configured")
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("amount must be > 0")
	}

	q := url.Values{}
	q.Set("poolId", req.PoolID.String())
	q.Set("poolType", req.PoolType.String())
	q.Set("inputMint", req.InputMint.String())
	q.Set("outputMint", req.OutputMint.String())
	q.Set("amount", fmt.Sprintf("%d", req.Amount))
	q.Set("swapBaseOut", fmt.Sprintf("%t", req.IsAmountOut))
	q.Set("slippageBps", fmt.Sprintf("%d", req.SlippageBps))

	u := c.BaseURL + "/quote?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("accept", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.APIKey)
	}

	res, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: res.StatusCode, Body: body}
	}

	var wire wireQuoteResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}

	if err := verifyCPMM(req, &wire); err != nil {
		return nil, fmt.Errorf("pool %s: %w", req.PoolID, err)
	}

	ixs, err := decodeInstructions(wire.Instructions)
	if err != nil {
		return nil, err
	}

	return &Result{
		AmountIn:             wire.AmountIn,
		AmountOut:            wire.AmountOut,
		OtherAmountThreshold: wire.OtherAmountThreshold,
		PriceImpact:          wire.PriceImpactPct / 100,
		Instructions:         ixs,
		AccountCount:         CountAccounts(ixs),
	}, nil
}

// verifyToleranceBps bounds how far a constant-product quote may drift from
// the amount re-derived locally from the reported reserves. Rounding
// differences stay well inside this.
const verifyToleranceBps = 100

// verifyCPMM re-derives a CPMM/CPMMv2 quote from the pool reserves the
// service reported and rejects quotes that diverge beyond tolerance. A
// divergent quote means the service is stale or its math is wrong, and the
// thresholds built from it would be too. Skipped when the service reports
// no reserves, and for concentrated-liquidity pools.
func verifyCPMM(req Request, wire *wireQuoteResponse) error {
	if req.PoolType == PoolTypeCLMM {
		return nil
	}
	if wire.ReserveIn == 0 || wire.ReserveOut == 0 || wire.FeeDenominator == 0 {
		return nil
	}

	if req.IsAmountOut {
		localIn, err := CPMMInput(wire.AmountOut, wire.ReserveIn, wire.ReserveOut,
			wire.FeeNumerator, wire.FeeDenominator)
		if err != nil {
			return fmt.Errorf("quote verification: %w", err)
		}
		if deviationBps(wire.AmountIn, localIn) > verifyToleranceBps {
			return fmt.Errorf("quoted input %d deviates from pool math %d", wire.AmountIn, localIn)
		}
		return nil
	}

	localOut, _, err := CPMMOutput(wire.AmountIn, wire.ReserveIn, wire.ReserveOut,
		wire.FeeNumerator, wire.FeeDenominator)
	if err != nil {
		return fmt.Errorf("quote verification: %w", err)
	}
	if deviationBps(wire.AmountOut, localOut) > verifyToleranceBps {
		return fmt.Errorf("quoted output %d deviates from pool math %d", wire.AmountOut, localOut)
	}
	return nil
}

func decodeInstructions(wire []wireInstruction) ([]solana.Instruction, error) {
	ixs := make([]solana.Instruction, 0, len(wire))
	for i, w := range wire {
		program, err := solana.PublicKeyFromBase58(w.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: invalid program id: %w", i, err)
		}

		accounts := make([]*solana.AccountMeta, len(w.Accounts))
		for j, a := range w.Accounts {
			pk, err := solana.PublicKeyFromBase58(a.Pubkey)
			if err != nil {
				return nil, fmt.Errorf("instruction %d account %d: %w", i, j, err)
			}
			accounts[j] = &solana.AccountMeta{
				PublicKey:  pk,
				IsSigner:   a.IsSigner,
				IsWritable: a.IsWritable,
			}
		}

		data, err := base64.StdEncoding.DecodeString(w.Data)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: invalid data: %w", i, err)
		}

		ixs = append(ixs, solana.NewInstruction(program, accounts, data))
	}
	return ixs, nil
}
