package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/history"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/session"
)

// Handlers contains all dependencies for API endpoint handlers
type Handlers struct {
	Reader     *basket.LedgerReader
	Planner    *planner.Planner
	Controller *session.Controller
	Recorder   *history.Recorder
	DevMode    bool
	Logger     *logrus.Logger
}

// err returns a standardized JSON error response
func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// Health returns a simple health check endpoint
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{OK: true})
}

// planStatus maps a planning error to the right HTTP status.
func planStatus(err error) int {
	switch {
	case errors.Is(err, planner.ErrQuoteUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, planner.ErrInsufficientSourceBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// PlanBuy computes buy legs to mint basket shares.
func (h *Handlers) PlanBuy(c echo.Context) error {
	var req PlanBuyRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", err.Error())
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	b, balances, err := h.loadBasket(ctx, req.BasketID)
	if err != nil {
		return h.err(c, http.StatusNotFound, err.Error(), nil)
	}

	pools, err := poolsFromDTO(req.Pools)
	if err != nil {
		return h.err(c, http.StatusBadRequest, err.Error(), nil)
	}

	plan, err := h.Planner.PlanBuyAndMint(ctx, planner.BuyAndMintIntent{
		Basket:       b,
		ShareAmount:  req.ShareAmount,
		FeeBps:       req.FeeBps,
		BufferBps:    req.BufferBps,
		SlippageBps:  req.SlippageBps,
		MaxBudget:    req.MaxBudget,
		Pools:        pools,
		VaultBalance: balances,
	})
	if err != nil {
		return h.err(c, planStatus(err), err.Error(), nil)
	}

	return c.JSON(http.StatusOK, planToDTO(plan))
}

// PlanRedeem computes sell legs for a share redemption.
func (h *Handlers) PlanRedeem(c echo.Context) error {
	var req PlanRedeemRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", err.Error())
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	b, balances, err := h.loadBasket(ctx, req.BasketID)
	if err != nil {
		return h.err(c, http.StatusNotFound, err.Error(), nil)
	}

	pools, err := poolsFromDTO(req.Pools)
	if err != nil {
		return h.err(c, http.StatusBadRequest, err.Error(), nil)
	}

	plan, err := h.Planner.PlanRedeemAndSell(ctx, planner.RedeemAndSellIntent{
		Basket:       b,
		RedeemAmount: req.RedeemAmount,
		SlippageBps:  req.SlippageBps,
		Pools:        pools,
		VaultBalance: balances,
	})
	if err != nil {
		return h.err(c, planStatus(err), err.Error(), nil)
	}

	return c.JSON(http.StatusOK, planToDTO(plan))
}

// PlanRebalance computes delta legs toward target weights.
func (h *Handlers) PlanRebalance(c echo.Context) error {
	var req PlanRebalanceRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", err.Error())
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	b, balances, err := h.loadBasket(ctx, req.BasketID)
	if err != nil {
		return h.err(c, http.StatusNotFound, err.Error(), nil)
	}

	pools, err := poolsFromDTO(req.Pools)
	if err != nil {
		return h.err(c, http.StatusBadRequest, err.Error(), nil)
	}

	targets := make([]basket.Component, 0, len(req.Targets))
	for _, t := range req.Targets {
		mint, err := solana.PublicKeyFromBase58(t.Mint)
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid target mint", t.Mint)
		}
		targets = append(targets, basket.Component{Mint: mint, Quantity: t.Quantity})
	}

	plan, err := h.Planner.PlanRebalance(ctx, planner.RebalanceIntent{
		Basket:       b,
		Targets:      targets,
		BasketSupply: req.BasketSupply,
		SlippageBps:  req.SlippageBps,
		Pools:        pools,
		VaultBalance: balances,
	})
	if err != nil {
		return h.err(c, planStatus(err), err.Error(), nil)
	}

	return c.JSON(http.StatusOK, planToDTO(plan))
}

// BeginSession starts the multi-round signing protocol for a plan.
func (h *Handlers) BeginSession(c echo.Context) error {
	var req BeginSessionRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", err.Error())
	}

	payer, err := solana.PublicKeyFromBase58(req.Payer)
	if err != nil {
		return h.err(c, http.StatusBadRequest, "invalid payer", nil)
	}

	plan, err := planFromDTO(req.Plan)
	if err != nil {
		return h.err(c, http.StatusBadRequest, err.Error(), nil)
	}

	packOpts, err := packOptionsFromRequest(&req, payer)
	if err != nil {
		return h.err(c, http.StatusBadRequest, err.Error(), nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	result, err := h.Controller.Begin(ctx, plan, session.BeginOptions{Payer: payer, PackOptions: packOpts})
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, session.ErrAlreadyRebalancing) {
			code = http.StatusConflict
		}
		return h.err(c, code, err.Error(), nil)
	}

	return c.JSON(http.StatusOK, sessionResponse(result))
}

// AdvanceSession lands the previous bundle and emits the next one.
func (h *Handlers) AdvanceSession(c echo.Context) error {
	var req AdvanceSessionRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", err.Error())
	}
	if req.Token == "" {
		return h.err(c, http.StatusBadRequest, "missing token", nil)
	}

	// Landing a bundle can legitimately take the whole poll window.
	ctx, cancel := h.withTimeout(c.Request().Context(), 2*time.Minute)
	defer cancel()

	result, err := h.Controller.Advance(ctx, req.Token, req.SignedTxs)

	if result != nil {
		h.recordOutcomes(ctx, result)
	}

	if err != nil {
		if errors.Is(err, session.ErrNotResumable) {
			return h.err(c, http.StatusConflict, err.Error(), nil)
		}
		// A failed or timed-out bundle still returns the session state so
		// the caller can inspect or re-poll.
		if result != nil {
			return c.JSON(http.StatusOK, sessionResponse(result))
		}
		return h.err(c, http.StatusInternalServerError, err.Error(), nil)
	}

	return c.JSON(http.StatusOK, sessionResponse(result))
}

// RecentExecutions lists recorded executions for a basket.
func (h *Handlers) RecentExecutions(c echo.Context) error {
	basketID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return h.err(c, http.StatusBadRequest, "invalid basket id", nil)
	}

	limitStr := c.QueryParam("limit")
	limit := int64(50)
	if limitStr != "" {
		n, err := strconv.ParseInt(limitStr, 10, 64)
		if err != nil || n < 1 || n > 100 {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 100"})
		}
		limit = n
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	events, err := h.Recorder.RecentExecutions(ctx, basketID, limit)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, err.Error(), nil)
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handlers) loadBasket(ctx context.Context, id uint64) (*basket.Basket, map[solana.PublicKey]uint64, error) {
	b, err := h.Reader.GetBasket(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if b == nil {
		return nil, nil, errors.New("basket not found")
	}
	balances, err := h.Reader.VaultBalances(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	return b, balances, nil
}

func (h *Handlers) recordOutcomes(ctx context.Context, result *session.Result) {
	if h.Recorder == nil || len(result.Outcomes) == 0 {
		return
	}
	last := result.Outcomes[len(result.Outcomes)-1]
	h.Recorder.Record(ctx, &history.Event{
		BasketID:   result.BasketID,
		BundleID:   last.BundleID,
		Intent:     result.Intent,
		Status:     string(last.Status),
		LandedSlot: last.LandedSlot,
		Batches:    last.Batches,
		Legs:       last.Legs,
	})
}

func sessionResponse(r *session.Result) SessionResponse {
	return SessionResponse{
		BasketID:  r.BasketID,
		Intent:    r.Intent,
		State:     string(r.State),
		ToSignTxs: r.ToSignTxs,
		Token:     r.Token,
		Outcomes:  r.Outcomes,
	}
}
