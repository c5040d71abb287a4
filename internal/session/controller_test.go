package session

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/bundle"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
)

type stubReader struct {
	basket *basket.Basket
	err    error
}

func (s *stubReader) GetBasket(context.Context, uint64) (*basket.Basket, error) {
	return s.basket, s.err
}

// stubExecutor scripts one result per Execute call and one per Poll call.
type stubExecutor struct {
	execResults []*bundle.LandingResult
	execErrs    []error
	execCalls   int

	pollResult *bundle.LandingResult
	pollErr    error
	pollCalls  int
}

func (s *stubExecutor) Execute(context.Context, []*solana.Transaction) (*bundle.LandingResult, error) {
	i := s.execCalls
	s.execCalls++
	var res *bundle.LandingResult
	var err error
	if i < len(s.execResults) {
		res = s.execResults[i]
	}
	if i < len(s.execErrs) {
		err = s.execErrs[i]
	}
	return res, err
}

func (s *stubExecutor) Poll(context.Context, string) (*bundle.LandingResult, error) {
	s.pollCalls++
	return s.pollResult, s.pollErr
}

type stubBlockhash struct{}

func (stubBlockhash) GetLatestBlockhash(context.Context, string) (string, uint64, error) {
	var h solana.Hash
	h[0] = 42
	return h.String(), 100, nil
}

func sessionKey(b byte) solana.PublicKey {
	var pk solana.PublicKey
	pk[0] = b
	pk[31] = 4
	return pk
}

func sessionLeg(tag byte) planner.SwapLeg {
	return planner.SwapLeg{
		Direction:  planner.DirectionSell,
		InputMint:  sessionKey(tag),
		OutputMint: basket.NativeMint,
		Amount:     1000,
		Instructions: []solana.Instruction{
			solana.NewInstruction(sessionKey(90), []*solana.AccountMeta{
				solana.Meta(sessionKey(tag)).WRITE(),
			}, []byte{tag}),
		},
		AccountCount: 2,
	}
}

func testPlan(legs int) *planner.RebalancePlan {
	plan := &planner.RebalancePlan{
		BasketID: 5,
		Intent:   planner.IntentRebalance,
		Bracket:  planner.Bracket{WithStart: true, WithStop: true},
	}
	for i := 0; i < legs; i++ {
		plan.Legs = append(plan.Legs, sessionLeg(byte(i+1)))
	}
	return plan
}

// newTestController wires the controller so each leg lands in its own batch
// and each batch in its own bundle, making bundle counts predictable.
func newTestController(t *testing.T, reader *stubReader, exec *stubExecutor) *Controller {
	t.Helper()
	codec, err := NewTokenCodec(testTokenKey)
	require.NoError(t, err)

	packer := txpacker.NewPacker(txpacker.Config{
		MaxInstructions: 3, // compute pair + one swap
		MaxAccounts:     64,
	}, nil)

	return NewController(reader, exec, stubBlockhash{}, packer, codec, Config{
		ProgramID:      sessionKey(200),
		SwapsPerBundle: 1,
		TipLamports:    10_000,
	}, nil)
}

func landed(id string) *bundle.LandingResult {
	return &bundle.LandingResult{BundleID: id, Status: bundle.StatusLanded, LandedSlot: 777}
}

func TestBegin_RefusesWhenFlagAlreadySet(t *testing.T) {
	reader := &stubReader{basket: &basket.Basket{ID: 5, IsRebalancing: true}}
	c := newTestController(t, reader, &stubExecutor{})

	_, err := c.Begin(context.Background(), testPlan(1), BeginOptions{Payer: sessionKey(77)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRebalancing)
}

func TestBegin_MissingBasketFatal(t *testing.T) {
	c := newTestController(t, &stubReader{}, &stubExecutor{})

	_, err := c.Begin(context.Background(), testPlan(1), BeginOptions{Payer: sessionKey(77)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestBegin_EmitsFirstBundleOnly(t *testing.T) {
	reader := &stubReader{basket: &basket.Basket{ID: 5}}
	c := newTestController(t, reader, &stubExecutor{})

	res, err := c.Begin(context.Background(), testPlan(2), BeginOptions{Payer: sessionKey(77)})
	require.NoError(t, err)

	// Two legs, one per bundle: the first bundle is start bracket + swap
	// + tip, the second stays inside the token until the first one lands.
	// The swap batch is already at the instruction budget, so the tip
	// rides in a batch of its own.
	assert.Equal(t, StateAwaitingSignature, res.State)
	assert.Equal(t, uint64(5), res.BasketID)
	assert.Equal(t, planner.IntentRebalance, res.Intent)
	assert.Len(t, res.ToSignTxs, 3)
	require.NotEmpty(t, res.Token)

	payload, err := c.codec.decode(res.Token)
	require.NoError(t, err)
	assert.Len(t, payload.Pending, 1)
	assert.Equal(t, 3, payload.EmittedTxCount)
	assert.Equal(t, 1, payload.EmittedLegCount)
}

func TestSession_RunsToCompletion(t *testing.T) {
	reader := &stubReader{basket: &basket.Basket{ID: 5}}
	exec := &stubExecutor{
		execResults: []*bundle.LandingResult{landed("b1"), landed("b2")},
		execErrs:    []error{nil, nil},
	}
	c := newTestController(t, reader, exec)

	ctx := context.Background()
	res, err := c.Begin(ctx, testPlan(2), BeginOptions{Payer: sessionKey(77)})
	require.NoError(t, err)

	rounds := 0
	for res.State == StateAwaitingSignature {
		rounds++
		require.Less(t, rounds, 10, "session did not terminate")

		// The stub executor ignores signatures, so the unsigned emission
		// stands in for the caller's signed transactions.
		res, err = c.Advance(ctx, res.Token, res.ToSignTxs)
		require.NoError(t, err)
	}

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, planner.IntentRebalance, res.Intent)
	assert.Equal(t, 2, exec.execCalls)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "b1", res.Outcomes[0].BundleID)
	assert.Equal(t, "b2", res.Outcomes[1].BundleID)
	for _, o := range res.Outcomes {
		assert.Equal(t, bundle.StatusLanded, o.Status)
		assert.Equal(t, uint64(777), o.LandedSlot)
		assert.Equal(t, 1, o.Legs)
	}
}

func TestAdvance_WrongSignedCount(t *testing.T) {
	reader := &stubReader{basket: &basket.Basket{ID: 5}}
	c := newTestController(t, reader, &stubExecutor{})

	res, err := c.Begin(context.Background(), testPlan(1), BeginOptions{Payer: sessionKey(77)})
	require.NoError(t, err)

	_, err = c.Advance(context.Background(), res.Token, res.ToSignTxs[:1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signed transactions")
}

func TestAdvance_SimulationFailureIsTerminal(t *testing.T) {
	reader := &stubReader{basket: &basket.Basket{ID: 5}}
	exec := &stubExecutor{
		execResults: []*bundle.LandingResult{{Status: bundle.StatusFailed}},
		execErrs:    []error{bundle.ErrSimulationFailed},
	}
	c := newTestController(t, reader, exec)

	ctx := context.Background()
	res, err := c.Begin(ctx, testPlan(1), BeginOptions{Payer: sessionKey(77)})
	require.NoError(t, err)

	res, err = c.Advance(ctx, res.Token, res.ToSignTxs)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)

	// A failed session keeps its token decodable but refuses to resume.
	_, err = c.Advance(ctx, res.Token, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestAdvance_LandingTimeoutIsResumable(t *testing.T) {
	reader := &stubReader{basket: &basket.Basket{ID: 5}}
	exec := &stubExecutor{
		execResults: []*bundle.LandingResult{{BundleID: "slow", Status: bundle.StatusPending}},
		execErrs:    []error{bundle.ErrLandingTimeout},
		pollResult:  landed("slow"),
	}
	c := newTestController(t, reader, exec)

	ctx := context.Background()
	res, err := c.Begin(ctx, testPlan(1), BeginOptions{Payer: sessionKey(77)})
	require.NoError(t, err)

	// Submission times out: status unknown, not failed.
	res, err = c.Advance(ctx, res.Token, res.ToSignTxs)
	require.Error(t, err)
	require.True(t, errors.Is(err, bundle.ErrLandingTimeout))
	require.NotNil(t, res)
	assert.Equal(t, StateAwaitingLanding, res.State)
	require.NotEmpty(t, res.Token)

	// Re-poll with the same token; the bundle landed late.
	res, err = c.Advance(ctx, res.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, exec.pollCalls)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, bundle.StatusLanded, res.Outcomes[0].Status)
	assert.Empty(t, res.Outcomes[0].Error)
}

func TestAdvance_UnknownStateRejected(t *testing.T) {
	c := newTestController(t, &stubReader{}, &stubExecutor{})

	payload := &tokenPayload{
		Version:  1,
		BasketID: 5,
		Payer:    sessionKey(77).String(),
		State:    State("submitting"),
	}
	token, err := c.codec.encode(payload)
	require.NoError(t, err)

	_, err = c.Advance(context.Background(), token, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected session state")
}

func TestAdvance_GarbageTokenRejected(t *testing.T) {
	c := newTestController(t, &stubReader{}, &stubExecutor{})

	_, err := c.Advance(context.Background(), "not-a-token", nil)
	require.Error(t, err)
}

func TestBegin_EmptyPlanWithoutBracketIsDone(t *testing.T) {
	reader := &stubReader{basket: &basket.Basket{ID: 5}}
	c := newTestController(t, reader, &stubExecutor{})

	plan := &planner.RebalancePlan{BasketID: 5}
	res, err := c.Begin(context.Background(), plan, BeginOptions{Payer: sessionKey(77)})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, res.ToSignTxs)
}
