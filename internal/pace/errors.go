package pace

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", err) and
// test them with errors.Is.
var (
	// ErrInsufficientData means a tier's eligibility threshold is not met.
	// The orchestrator downgrades silently when it sees it.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrTrainingFailed means the optimiser or the ensemble fit could not
	// produce a usable artifact. Prior artifacts stay authoritative.
	ErrTrainingFailed = errors.New("training failed")

	// ErrModelNotFound means no artifact is stored for the requested tier.
	ErrModelNotFound = errors.New("model not found")

	// ErrInvalidParameters means input segments or streams are malformed
	// and were rejected before any processing.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrResidualCollection means a raw activity stream could not be turned
	// into a residual record. Batch collection skips the activity.
	ErrResidualCollection = errors.New("residual collection failed")
)
