package bundle

import (
	"errors"

	"github.com/plutohan/pie-dot-fun-solana-sub001/internal/txpacker"
)

// Status is a bundle's lifecycle state against the block-builder network.
type Status string

const (
	StatusBuilt     Status = "built"
	StatusSigned    Status = "signed"
	StatusSimulated Status = "simulated"
	StatusSubmitted Status = "submitted"
	StatusPending   Status = "pending"
	StatusLanded    Status = "landed"
	StatusFailed    Status = "failed"
	StatusInvalid   Status = "invalid"
)

var (
	// ErrSimulationFailed means a dry run reported a failing transaction.
	// The bundle is never submitted after this.
	ErrSimulationFailed = errors.New("bundle simulation failed")

	// ErrLandingFailed means the network reported a terminal non-landed
	// state for a submitted bundle.
	ErrLandingFailed = errors.New("bundle failed to land")

	// ErrLandingTimeout means polling exhausted its deadline with the
	// bundle still in flight. The bundle may still land late; callers must
	// re-poll rather than assume failure.
	ErrLandingTimeout = errors.New("bundle landing status unknown: poll timeout")
)

// Bundle is an ordered group of batches with an all-or-nothing landing
// guarantee. Every batch in a bundle is signed against the same recent
// blockhash; different bundles may use different ones.
type Bundle struct {
	Batches []txpacker.Batch

	// TipIndex is the batch carrying the tip-payment instruction.
	TipIndex int
}

// LandingResult is the terminal outcome of one submitted bundle.
type LandingResult struct {
	BundleID   string
	Status     Status
	LandedSlot uint64
}
