package bundle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/rpc"
)

// Submitter simulates, submits, and polls bundles against the block-builder
// network. A bundle is only ever submitted after its simulation summary
// comes back "succeeded".
type Submitter struct {
	engine       *rpc.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *logrus.Logger
}

// SubmitterConfig configures the block-engine endpoint and polling bounds.
type SubmitterConfig struct {
	BlockEngineURL string
	HTTPTimeout    time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	Logger         *logrus.Logger
}

func NewSubmitter(cfg SubmitterConfig) *Submitter {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 60 * time.Second
	}

	engine := rpc.NewClient(rpc.ClientConfig{
		BaseURL:      cfg.BlockEngineURL,
		Timeout:      cfg.HTTPTimeout,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       cfg.Logger,
	})

	return &Submitter{
		engine:       engine,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		logger:       cfg.Logger,
	}
}

// EncodeTransactions serializes signed transactions to base64 for the wire.
func EncodeTransactions(txs []*solana.Transaction) ([]string, error) {
	encoded := make([]string, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize transaction %d: %w", i, err)
		}
		encoded[i] = base64.StdEncoding.EncodeToString(raw)
	}
	return encoded, nil
}

// TransactionResult is one transaction's simulation outcome.
type TransactionResult struct {
	Err  json.RawMessage `json:"err"`
	Logs []string        `json:"logs"`
}

// SimulationSummary is the bundle-level simulation verdict.
type SimulationSummary struct {
	Succeeded bool
	Detail    string
	Results   []TransactionResult
}

// Simulate dry-runs all batches of a bundle against current chain state.
// Any summary other than "succeeded" is fatal for the bundle.
func (s *Submitter) Simulate(ctx context.Context, encodedTxs []string) (*SimulationSummary, error) {
	params := []interface{}{
		map[string]interface{}{
			"encodedTransactions": encodedTxs,
		},
	}

	var resp struct {
		Result struct {
			Value struct {
				Summary            json.RawMessage     `json:"summary"`
				TransactionResults []TransactionResult `json:"transactionResults"`
			} `json:"value"`
		} `json:"result"`
		Error *rpc.RPCError `json:"error"`
	}

	if err := s.engine.Call(ctx, "simulateBundle", params, &resp); err != nil {
		return nil, fmt.Errorf("simulateBundle failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("simulateBundle error: %s", resp.Error.Message)
	}

	summary := &SimulationSummary{Results: resp.Result.Value.TransactionResults}

	if bytes.Equal(bytes.Trim(resp.Result.Value.Summary, `"`), []byte("succeeded")) {
		summary.Succeeded = true
		return summary, nil
	}

	summary.Detail = string(resp.Result.Value.Summary)
	return summary, fmt.Errorf("%w: %s", ErrSimulationFailed, summary.Detail)
}

// Submit sends a signed, simulated bundle and returns its bundle id.
func (s *Submitter) Submit(ctx context.Context, encodedTxs []string) (string, error) {
	params := []interface{}{
		encodedTxs,
		map[string]interface{}{"encoding": "base64"},
	}

	var resp struct {
		Result string        `json:"result"`
		Error  *rpc.RPCError `json:"error"`
	}

	if err := s.engine.Call(ctx, "sendBundle", params, &resp); err != nil {
		return "", fmt.Errorf("sendBundle failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("sendBundle error: %s", resp.Error.Message)
	}

	s.logger.WithField("bundleId", resp.Result).Info("bundle submitted")
	return resp.Result, nil
}

// inflightStatus is one entry of a getInflightBundleStatuses response.
type inflightStatus struct {
	BundleID   string `json:"bundle_id"`
	Status     string `json:"status"` // Invalid | Pending | Failed | Landed
	LandedSlot uint64 `json:"landed_slot"`
}

// Poll queries inflight status until the bundle reaches a terminal state or
// the timeout elapses. A timeout is reported as ErrLandingTimeout, distinct
// from failure: the bundle may still land late and callers must re-poll.
// Cancelling ctx is likewise not a failure verdict.
func (s *Submitter) Poll(ctx context.Context, bundleID string) (*LandingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(s.pollInterval), 1)
	result := &LandingResult{BundleID: bundleID, Status: StatusPending}

	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("%w: bundle %s", ErrLandingTimeout, bundleID)
			}
			return result, err
		}

		status, err := s.inflight(ctx, bundleID)
		if err != nil {
			// Transient lookup errors are absorbed by the deadline.
			s.logger.WithError(err).WithField("bundleId", bundleID).Debug("inflight status lookup failed")
			continue
		}

		switch status.Status {
		case "Landed":
			result.Status = StatusLanded
			result.LandedSlot = status.LandedSlot
			return result, nil
		case "Failed":
			result.Status = StatusFailed
			return result, fmt.Errorf("%w: bundle %s", ErrLandingFailed, bundleID)
		case "Invalid":
			result.Status = StatusInvalid
			return result, fmt.Errorf("%w: bundle %s marked invalid", ErrLandingFailed, bundleID)
		default:
			// Pending; keep polling.
		}
	}
}

func (s *Submitter) inflight(ctx context.Context, bundleID string) (*inflightStatus, error) {
	params := []interface{}{[]string{bundleID}}

	var resp struct {
		Result struct {
			Value []inflightStatus `json:"value"`
		} `json:"result"`
		Error *rpc.RPCError `json:"error"`
	}

	if err := s.engine.Call(ctx, "getInflightBundleStatuses", params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("getInflightBundleStatuses error: %s", resp.Error.Message)
	}
	if len(resp.Result.Value) == 0 {
		return &inflightStatus{BundleID: bundleID, Status: "Pending"}, nil
	}
	return &resp.Result.Value[0], nil
}

// Execute runs the full simulate -> submit -> poll pipeline for one signed
// bundle.
func (s *Submitter) Execute(ctx context.Context, txs []*solana.Transaction) (*LandingResult, error) {
	encoded, err := EncodeTransactions(txs)
	if err != nil {
		return nil, err
	}

	if _, err := s.Simulate(ctx, encoded); err != nil {
		return nil, err
	}

	bundleID, err := s.Submit(ctx, encoded)
	if err != nil {
		return nil, err
	}

	return s.Poll(ctx, bundleID)
}
