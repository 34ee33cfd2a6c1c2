// Package zerrors defines the error taxonomy shared by every calibration
// component (spec §7): sentinel values checked with errors.Is, wrapped with
// fmt.Errorf("...: %w", err) at each boundary crossing.
package zerrors

import "errors"

var (
	// ErrTimeout: adapter unresponsive.
	ErrTimeout = errors.New("photometer: timeout")
	// ErrTransport: adapter I/O error.
	ErrTransport = errors.New("photometer: transport error")
	// ErrStatistics: insufficient or degenerate samples in a round.
	ErrStatistics = errors.New("ring: statistics error")
	// ErrDomain: freq <= freq_offset.
	ErrDomain = errors.New("calibrator: freq below offset")
	// ErrBatchState: opening while open, or closing while none is open.
	ErrBatchState = errors.New("batch: invalid state transition")
	// ErrPersistence: storage error during commit.
	ErrPersistence = errors.New("persistence: commit failed")
	// ErrVerifyMismatch: write-back read-verify disagreement (not an abort condition).
	ErrVerifyMismatch = errors.New("writer: verify mismatch")
)
