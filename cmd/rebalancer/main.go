package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/bundle"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/config"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/quote"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/rpc"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/session"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/wallet"
)

// intentFile is the operator-authored rebalance description: the target
// weights in basket units and the pool to route each mint through.
type intentFile struct {
	BasketSupply uint64 `json:"basketSupply,string"`
	SlippageBps  uint16 `json:"slippageBps"`
	Targets      []struct {
		Mint     string `json:"mint"`
		Quantity uint64 `json:"quantity,string"`
	} `json:"targets"`
	Pools map[string]struct {
		PoolID   string `json:"poolId"`
		PoolType string `json:"poolType"`
	} `json:"pools"`
}

func loadEnv(logger *logrus.Logger) {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	envPath := filepath.Join(projectRoot, ".env")

	if err := godotenv.Load(envPath); err != nil {
		logger.Warnf("no .env file found at %s, using system environment variables", envPath)
	}
}

func poolType(s string) (quote.PoolType, error) {
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

func parseIntent(path string) (*intentFile, []basket.Component, map[solana.PublicKey]planner.PoolRef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read intent file: %w", err)
	}
	var in intentFile
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse intent file: %w", err)
	}

	targets := make([]basket.Component, 0, len(in.Targets))
	for _, t := range in.Targets {
		mint, err := solana.PublicKeyFromBase58(t.Mint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid target mint %q: %w", t.Mint, err)
		}
		targets = append(targets, basket.Component{Mint: mint, Quantity: t.Quantity})
	}

	pools := make(map[solana.PublicKey]planner.PoolRef, len(in.Pools))
	for mintStr, p := range in.Pools {
		mint, err := solana.PublicKeyFromBase58(mintStr)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid pool mint %q: %w", mintStr, err)
		}
		id, err := solana.PublicKeyFromBase58(p.PoolID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid pool id %q: %w", p.PoolID, err)
		}
		pt, err := poolType(p.PoolType)
		if err != nil {
			return nil, nil, nil, err
		}
		pools[mint] = planner.PoolRef{ID: id, Type: pt}
	}

	return &in, targets, pools, nil
}

// main plans a rebalance for one basket and drives the session to a
// terminal state, signing each emitted bundle with the local keypair.
func main() {
	basketID := flag.Uint64("basket", 0, "basket id to rebalance")
	intentPath := flag.String("intent", "rebalance.json", "path to the rebalance intent file")
	maxLandingRetries := flag.Int("landing-retries", 5, "re-poll attempts after a landing timeout")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	loadEnv(logger)

	if *basketID == 0 {
		logger.Fatal("-basket is required")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		logger.WithError(err).Fatal("invalid BASKET_PROGRAM_ID")
	}

	signer, err := wallet.NewSigner(os.Getenv("REBALANCER_PRIVATE_KEY"))
	if err != nil {
		logger.WithError(err).Fatal("REBALANCER_PRIVATE_KEY is missing or malformed")
	}

	in, targets, pools, err := parseIntent(*intentPath)
	if err != nil {
		logger.WithError(err).Fatal("bad intent file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("interrupted, cancelling")
		cancel()
	}()

	rpcClient := rpc.NewClient(rpc.ClientConfig{
		BaseURL:      cfg.RPCUrl,
		Timeout:      cfg.HTTPTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       logger,
	})
	reader := basket.NewLedgerReader(rpcClient, programID, logger)

	b, err := reader.GetBasket(ctx, *basketID)
	if err != nil {
		logger.WithError(err).Fatal("failed to load basket")
	}
	if b == nil {
		logger.Fatalf("basket %d does not exist", *basketID)
	}
	if !b.Rebalancer.Equals(signer.PublicKey()) {
		logger.Fatalf("key %s is not the rebalancer of basket %d", signer.PublicKey(), *basketID)
	}

	balances, err := reader.VaultBalances(ctx, b)
	if err != nil {
		logger.WithError(err).Fatal("failed to read vault balances")
	}

	plans := planner.NewPlanner(quote.NewHTTPAdapter(cfg.QuoteServiceURL, cfg.QuoteAPIKey), logger)
	plan, err := plans.PlanRebalance(ctx, planner.RebalanceIntent{
		Basket:       b,
		Targets:      targets,
		BasketSupply: in.BasketSupply,
		SlippageBps:  in.SlippageBps,
		Pools:        pools,
		VaultBalance: balances,
	})
	if err != nil {
		logger.WithError(err).Fatal("planning failed")
	}
	for _, w := range plan.Warnings {
		logger.Warn(w)
	}
	logger.WithField("legs", len(plan.Legs)).Info("plan ready")

	packer := txpacker.NewPacker(txpacker.Config{
		MaxInstructions:  cfg.MaxInstructionsPerTx,
		MaxAccounts:      cfg.MaxAccountsPerTx,
		ComputeUnitLimit: 600_000,
	}, logger)

	submitter := bundle.NewSubmitter(bundle.SubmitterConfig{
		BlockEngineURL: cfg.BlockEngineURL,
		HTTPTimeout:    cfg.HTTPTimeout,
		MaxRetries:     cfg.MaxRetries,
		RetryBackoff:   cfg.RetryBackoff,
		PollInterval:   cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		Logger:         logger,
	})

	codec, err := session.NewTokenCodec(cfg.SessionTokenKey)
	if err != nil {
		logger.WithError(err).Fatal("invalid SESSION_TOKEN_KEY")
	}

	controller := session.NewController(reader, submitter, rpcClient, packer, codec, session.Config{
		ProgramID:      programID,
		SwapsPerBundle: cfg.SwapsPerBundle,
		TipLamports:    cfg.TipFloorLamports,
	}, logger)

	res, err := controller.Begin(ctx, plan, session.BeginOptions{Payer: signer.PublicKey()})
	if err != nil {
		logger.WithError(err).Fatal("failed to begin session")
	}

	landingRetries := 0
	for res.State != session.StateDone && res.State != session.StateFailed {
		var signed []string

		switch res.State {
		case session.StateAwaitingSignature:
			signed, err = signer.SignBase64(res.ToSignTxs)
			if err != nil {
				logger.WithError(err).Fatal("signing failed")
			}
			landingRetries = 0
		case session.StateAwaitingLanding:
			// Timeout is not failure. Give the bundle a beat, then re-poll.
			landingRetries++
			if landingRetries > *maxLandingRetries {
				logger.WithField("token", res.Token).
					Fatal("bundle still in flight, resume later with the printed token")
			}
			time.Sleep(cfg.PollInterval)
		default:
			logger.Fatalf("unexpected session state %q", res.State)
		}

		next, err := controller.Advance(ctx, res.Token, signed)
		if err != nil && next == nil {
			logger.WithError(err).Fatal("session aborted")
		}
		if err != nil && !errors.Is(err, bundle.ErrLandingTimeout) {
			logger.WithError(err).Error("bundle failed")
		}
		res = next
	}

	for _, o := range res.Outcomes {
		logger.WithFields(logrus.Fields{
			"bundle": o.BundleID,
			"status": o.Status,
			"slot":   o.LandedSlot,
		}).Info("bundle outcome")
	}

	if res.State == session.StateFailed {
		logger.Fatal("rebalance failed")
	}
	logger.Info("rebalance complete")
}
