package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/basket"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/bundle"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/config"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/history"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/planner"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/quote"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/rpc"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/server"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/session"
	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
)

// env bootstrap function
func loadEnv(logger *logrus.Logger) {
	// Get the project root directory (where go.mod is)
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "../..")
	envPath := filepath.Join(projectRoot, ".env")

	if err := godotenv.Load(envPath); err != nil {
		logger.Warnf("no .env file found at %s, using system environment variables", envPath)
	} else {
		logger.Infof("loaded .env from %s", envPath)
	}
}

// main wires the planner, session controller, and history recorder behind
// the HTTP API and runs it with graceful shutdown.
func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)

	// load .env BEFORE anything reads os.Getenv
	loadEnv(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		logger.WithError(err).Fatal("invalid BASKET_PROGRAM_ID")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	rpcClient := rpc.NewClient(rpc.ClientConfig{
		BaseURL:      cfg.RPCUrl,
		Timeout:      cfg.HTTPTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       logger,
	})

	reader := basket.NewLedgerReader(rpcClient, programID, logger)
	quotes := quote.NewHTTPAdapter(cfg.QuoteServiceURL, cfg.QuoteAPIKey)
	plans := planner.NewPlanner(quotes, logger)

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

	// Recorder sinks are optional; with no addresses configured it is a no-op.
	recorder, err := history.NewRecorder(ctx, history.Config{
		RedisAddr:          cfg.RedisAddr,
		ClickHouseAddr:     cfg.ClickHouseAddr,
		ClickHouseDatabase: cfg.ClickHouseDatabase,
		ClickHouseUsername: cfg.ClickHouseUsername,
		ClickHousePassword: cfg.ClickHousePassword,
		Logger:             logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize execution recorder")
	}
	defer recorder.Close()

	h := &server.Handlers{
		Reader:     reader,
		Planner:    plans,
		Controller: controller,
		Recorder:   recorder,
		DevMode:    cfg.DevMode,
		Logger:     logger,
	}

	srv, err := server.NewServer(server.ServerDeps{
		Handlers: h,
		Config: server.ServerConfig{
			Addr:    cfg.ListenAddr,
			DevMode: cfg.DevMode,
			APIKey:  cfg.APIKey,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create http server")
	}

	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		_ = srv.Shutdown(context.Background())
	}()

	logger.WithField("addr", cfg.ListenAddr).Info("api server starting")
	if err := srv.Start(); err != nil {
		// "http: Server closed" is expected during graceful shutdown
		if err.Error() == "http: Server closed" {
			return
		}
		logger.WithError(err).Fatal("api server failed")
	}

	if err := srv.WaitClosed(context.Background()); err != nil {
		fmt.Println(err)
	}
}
