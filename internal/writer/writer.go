// Package writer implements C7 (spec §4.7): the ZP write-back with
// read-verify. It issues save_zero_point then re-queries get_info to
// confirm the device actually stored what was sent, classifying the
// outcome as ok/timeout/mismatch rather than trusting the write call alone.
package writer

import (
	"context"
	"errors"
	"fmt"

	"zptess/engine/telemetry/logging"
	"zptess/engine/telemetry/tracing"
	"zptess/internal/message"
	"zptess/internal/photometer"
	"zptess/internal/zerrors"
)

// Result is the WRITE_ZP event payload (spec §6.2).
type Result struct {
	Role      message.Role
	ZeroPoint float64 // the value requested
	Stored    float64 // the value read back after the write
	Timeout   bool
	OK        bool // true iff Stored == ZeroPoint exactly
}

// Comment renders the text persisted into the TEST summary's comment field
// on anything other than a clean ok (spec §4.6 write_zp: "on failure records
// the error message in the summary's comment").
func (r Result) Comment() string {
	switch {
	case r.Timeout:
		return "write_zp: adapter timeout during save or read-verify"
	case !r.OK:
		return fmt.Sprintf("write_zp: verify mismatch, requested %.6f stored %.6f", r.ZeroPoint, r.Stored)
	default:
		return ""
	}
}

// Observer receives the WRITE_ZP event. Implementations must not block
// (same synchronous-delivery contract as calibrator.Observer).
type Observer interface {
	OnWriteZP(ctx context.Context, res Result)
}

// NoopObserver discards the event.
type NoopObserver struct{}

func (NoopObserver) OnWriteZP(ctx context.Context, res Result) {}

// Writer writes a Zero Point to the TEST photometer and verifies it stuck.
type Writer struct {
	log    logging.Logger
	tracer tracing.Tracer
}

// New constructs a Writer. tracer may be nil (falls back to a noop tracer).
func New(log logging.Logger, tracer tracing.Tracer) *Writer {
	if tracer == nil {
		tracer = tracing.NewTracer(false)
	}
	return &Writer{log: log, tracer: tracer}
}

// WriteZP calls adapter.SaveZeroPoint(zp), then adapter.GetInfo to read the
// value back, and returns the stored value along with the classification
// (spec §4.7). It never returns zerrors.ErrVerifyMismatch as an error — a
// mismatch is recorded in the returned Result, not thrown (spec §7 taxonomy
// (g): "does not throw; it records upd_flag=false").
func (w *Writer) WriteZP(ctx context.Context, adapter photometer.Adapter, zp float64, observer Observer) (Result, error) {
	if observer == nil {
		observer = NoopObserver{}
	}
	ctx, span := w.tracer.StartSpan(ctx, "write_zp")
	defer span.End()

	res := Result{Role: message.RoleTest, ZeroPoint: zp}

	if err := adapter.SaveZeroPoint(ctx, zp); err != nil {
		if errors.Is(err, zerrors.ErrTimeout) {
			res.Timeout = true
			observer.OnWriteZP(ctx, res)
			return res, nil
		}
		return Result{}, fmt.Errorf("writer: save_zero_point: %w", err)
	}

	info, err := adapter.GetInfo(ctx)
	if err != nil {
		if errors.Is(err, zerrors.ErrTimeout) {
			res.Timeout = true
			observer.OnWriteZP(ctx, res)
			return res, nil
		}
		return Result{}, fmt.Errorf("writer: read-verify get_info: %w", err)
	}

	res.Stored = info.ZP
	res.OK = res.Stored == zp
	if w.log != nil && !res.OK {
		w.log.WarnCtx(ctx, "writer: zero point verify mismatch", "requested", zp, "stored", res.Stored)
	}
	observer.OnWriteZP(ctx, res)
	return res, nil
}
