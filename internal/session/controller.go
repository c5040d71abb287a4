package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/bundle"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
)

var (
	// ErrAlreadyRebalancing means the basket's on-chain flag is set. The
	// flag is a distributed lock with no off-chain equivalent; a conflict
	// here is fatal, never waited out.
	ErrAlreadyRebalancing = errors.New("basket is already rebalancing")

	// ErrNotResumable means the token's session reached a terminal state.
	// The token stays decodable for inspection.
	ErrNotResumable = errors.New("session is not resumable")
)

// LedgerReader is the slice of basket state the controller needs.
type LedgerReader interface {
	GetBasket(ctx context.Context, id uint64) (*basket.Basket, error)
}

// BundleExecutor runs one signed bundle through simulate, submit, and poll.
type BundleExecutor interface {
	Execute(ctx context.Context, txs []*solana.Transaction) (*bundle.LandingResult, error)
	Poll(ctx context.Context, bundleID string) (*bundle.LandingResult, error)
}

// BlockhashProvider supplies the shared recent-blockhash snapshot each
// bundle's transactions are built against.
type BlockhashProvider interface {
	GetLatestBlockhash(ctx context.Context, commitment string) (string, uint64, error)
}

// Result is one round of the multi-round protocol. A non-empty ToSignTxs
// means more work is pending: sign them and call Advance with the token.
type Result struct {
	BasketID  uint64
	Intent    string // buy | redeem | rebalance
	State     State
	ToSignTxs []string // base64 unsigned transactions
	Token     string   // continuation token; empty once terminal
	Outcomes  []BundleOutcome
}

// Config bounds the controller's bundle emission.
type Config struct {
	ProgramID      solana.PublicKey
	SwapsPerBundle int
	TipLamports    uint64
}

// Controller drives the build -> sign -> submit -> confirm saga. Each call
// is stateless except for the continuation token; the token is single-owner
// state, and concurrent advancement of the same token is the caller's fault
// to prevent.
type Controller struct {
	reader    LedgerReader
	executor  BundleExecutor
	blockhash BlockhashProvider
	packer    *txpacker.Packer
	assembler *bundle.Assembler
	codec     *TokenCodec
	cfg       Config
	logger    *logrus.Logger
}

func NewController(
	reader LedgerReader,
	executor BundleExecutor,
	blockhash BlockhashProvider,
	packer *txpacker.Packer,
	codec *TokenCodec,
	cfg Config,
	logger *logrus.Logger,
) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.SwapsPerBundle < 1 {
		cfg.SwapsPerBundle = 4
	}
	return &Controller{
		reader:    reader,
		executor:  executor,
		blockhash: blockhash,
		packer:    packer,
		assembler: bundle.NewAssembler(logger),
		codec:     codec,
		cfg:       cfg,
		logger:    logger,
	}
}

// BeginOptions carries the caller's signing identity and account context.
type BeginOptions struct {
	Payer       solana.PublicKey
	PackOptions txpacker.Options
}

// Begin packs and bundles a plan, emits the first bundle's unsigned
// transactions, and returns a continuation token carrying the remainder.
// When the plan opens a rebalancing bracket, the on-chain flag is checked
// first; a set flag aborts with ErrAlreadyRebalancing.
func (c *Controller) Begin(ctx context.Context, plan *planner.RebalancePlan, opts BeginOptions) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}

	if plan.Bracket.WithStart {
		b, err := c.reader.GetBasket(ctx, plan.BasketID)
		if err != nil {
			return nil, fmt.Errorf("failed to verify rebalancing flag: %w", err)
		}
		if b == nil {
			return nil, fmt.Errorf("basket %d does not exist", plan.BasketID)
		}
		if b.IsRebalancing {
			return nil, fmt.Errorf("%w: basket %d", ErrAlreadyRebalancing, plan.BasketID)
		}
	}

	packOpts := opts.PackOptions
	if packOpts.Payer.IsZero() {
		packOpts.Payer = opts.Payer
	}

	batches, err := c.packer.Pack(plan, packOpts)
	if err != nil {
		return nil, err
	}

	budget := c.packer.Budget()
	asmOpts := bundle.AssembleOptions{
		SwapsPerBundle:  c.cfg.SwapsPerBundle,
		Bracket:         plan.Bracket,
		TipPayer:        opts.Payer,
		TipLamports:     c.cfg.TipLamports,
		MaxInstructions: budget.MaxInstructions,
		MaxAccounts:     budget.MaxAccounts,
	}
	if plan.Bracket.WithStart || plan.Bracket.WithStop {
		pda, err := basket.DeriveBasketPDA(c.cfg.ProgramID, plan.BasketID)
		if err != nil {
			return nil, err
		}
		asmOpts.StartIx = basket.NewStartRebalancingIx(c.cfg.ProgramID, pda, opts.Payer)
		asmOpts.StopIx = basket.NewStopRebalancingIx(c.cfg.ProgramID, pda, opts.Payer)
	}

	bundles, err := c.assembler.Assemble(batches, asmOpts)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return &Result{BasketID: plan.BasketID, Intent: plan.Intent, State: StateDone}, nil
	}

	payload := &tokenPayload{
		Version:  1,
		BasketID: plan.BasketID,
		Intent:   plan.Intent,
		Payer:    opts.Payer.String(),
		State:    StateAwaitingSignature,
		IssuedAt: time.Now().UTC(),
	}
	for _, b := range bundles[1:] {
		payload.Pending = append(payload.Pending, bundleToWire(b))
	}

	return c.emit(ctx, payload, bundles[0])
}

// Advance accepts the caller's signed transactions for the previously
// emitted bundle, lands them, and either emits the next bundle or returns
// the terminal aggregated result. Each bundle is separately atomic; the
// overall session is not, and earlier landed bundles are never rolled back.
func (c *Controller) Advance(ctx context.Context, token string, signedTxs []string) (*Result, error) {
	payload, err := c.codec.decode(token)
	if err != nil {
		return nil, err
	}

	switch payload.State {
	case StateAwaitingSignature:
		return c.advanceSigned(ctx, payload, signedTxs)
	case StateAwaitingLanding:
		return c.advanceLanding(ctx, payload)
	case StateDone, StateFailed:
		return nil, fmt.Errorf("%w: session is %s", ErrNotResumable, payload.State)
	default:
		return nil, fmt.Errorf("unexpected session state %q", payload.State)
	}
}

func (c *Controller) advanceSigned(ctx context.Context, payload *tokenPayload, signedTxs []string) (*Result, error) {
	if len(signedTxs) != payload.EmittedTxCount {
		return nil, fmt.Errorf("expected %d signed transactions, got %d",
			payload.EmittedTxCount, len(signedTxs))
	}

	txs, err := decodeTransactions(signedTxs)
	if err != nil {
		return nil, err
	}

	res, execErr := c.executor.Execute(ctx, txs)

	outcome := BundleOutcome{Batches: len(txs), Legs: payload.EmittedLegCount}
	if res != nil {
		outcome.BundleID = res.BundleID
		outcome.Status = res.Status
		outcome.LandedSlot = res.LandedSlot
	}

	if execErr != nil {
		outcome.Error = execErr.Error()
		payload.Outcomes = append(payload.Outcomes, outcome)
		return c.failOrWait(payload, execErr)
	}

	payload.Outcomes = append(payload.Outcomes, outcome)
	return c.next(ctx, payload)
}

// advanceLanding re-polls a bundle whose landing status timed out. Timeout
// is not failure: the bundle may have landed after the previous deadline.
func (c *Controller) advanceLanding(ctx context.Context, payload *tokenPayload) (*Result, error) {
	if len(payload.Outcomes) == 0 || payload.Outcomes[len(payload.Outcomes)-1].BundleID == "" {
		return nil, fmt.Errorf("no in-flight bundle to re-poll")
	}
	last := &payload.Outcomes[len(payload.Outcomes)-1]

	res, err := c.executor.Poll(ctx, last.BundleID)
	if res != nil {
		last.Status = res.Status
		last.LandedSlot = res.LandedSlot
	}
	if err != nil {
		last.Error = err.Error()
		return c.failOrWait(payload, err)
	}

	last.Error = ""
	return c.next(ctx, payload)
}

// next emits the next pending bundle, or closes the session.
func (c *Controller) next(ctx context.Context, payload *tokenPayload) (*Result, error) {
	if len(payload.Pending) == 0 {
		payload.State = StateDone
		token, err := c.codec.encode(payload)
		if err != nil {
			return nil, err
		}
		c.logger.WithFields(logrus.Fields{
			"basket":  payload.BasketID,
			"bundles": len(payload.Outcomes),
		}).Info("session complete")
		return &Result{BasketID: payload.BasketID, Intent: payload.Intent, State: StateDone, Token: token, Outcomes: payload.Outcomes}, nil
	}

	nextWire := payload.Pending[0]
	payload.Pending = payload.Pending[1:]

	nextBundle, err := wireToBundle(nextWire)
	if err != nil {
		return nil, fmt.Errorf("corrupt pending bundle: %w", err)
	}

	payload.State = StateAwaitingSignature
	return c.emit(ctx, payload, nextBundle)
}

// failOrWait distinguishes a landing timeout (status unknown, resumable by
// re-poll) from a terminal failure (token kept for inspection only).
func (c *Controller) failOrWait(payload *tokenPayload, execErr error) (*Result, error) {
	if errors.Is(execErr, bundle.ErrLandingTimeout) {
		payload.State = StateAwaitingLanding
	} else {
		payload.State = StateFailed
	}

	token, err := c.codec.encode(payload)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"basket": payload.BasketID,
		"state":  payload.State,
	}).Warn("bundle did not land cleanly")

	return &Result{BasketID: payload.BasketID, Intent: payload.Intent, State: payload.State, Token: token, Outcomes: payload.Outcomes}, execErr
}

// emit builds one bundle's unsigned transactions against a single shared
// blockhash snapshot, stamps the payload, and signs the token.
func (c *Controller) emit(ctx context.Context, payload *tokenPayload, b bundle.Bundle) (*Result, error) {
	payer, err := solana.PublicKeyFromBase58(payload.Payer)
	if err != nil {
		return nil, fmt.Errorf("invalid payer in session payload: %w", err)
	}

	hashStr, _, err := c.blockhash.GetLatestBlockhash(ctx, "confirmed")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blockhash: %w", err)
	}
	hash, err := solana.HashFromBase58(hashStr)
	if err != nil {
		return nil, fmt.Errorf("invalid blockhash: %w", err)
	}

	toSign := make([]string, 0, len(b.Batches))
	legs := 0
	for i, batch := range b.Batches {
		legs += batch.LegCount
		tx, err := solana.NewTransaction(
			batch.Instructions,
			hash,
			solana.TransactionPayer(payer),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build transaction %d: %w", i, err)
		}

		// Zero-filled signature slots so the unsigned wire form
		// round-trips through the standard codec.
		tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize transaction %d: %w", i, err)
		}
		toSign = append(toSign, base64.StdEncoding.EncodeToString(raw))
	}

	payload.EmittedTxCount = len(toSign)
	payload.EmittedLegCount = legs
	token, err := c.codec.encode(payload)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"basket":    payload.BasketID,
		"toSign":    len(toSign),
		"remaining": len(payload.Pending),
	}).Info("emitted bundle for signing")

	return &Result{
		BasketID:  payload.BasketID,
		Intent:    payload.Intent,
		State:     payload.State,
		ToSignTxs: toSign,
		Token:     token,
		Outcomes:  payload.Outcomes,
	}, nil
}

func decodeTransactions(encoded []string) ([]*solana.Transaction, error) {
	txs := make([]*solana.Transaction, len(encoded))
	for i, e := range encoded {
		raw, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: invalid base64: %w", i, err)
		}
		tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
		if err != nil {
			return nil, fmt.Errorf("transaction %d: failed to decode: %w", i, err)
		}
		txs[i] = tx
	}
	return txs, nil
}
