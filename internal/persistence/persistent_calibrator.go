package persistence

import (
	"context"

	"zptess/engine/telemetry/logging"
	"zptess/internal/calibrator"
	"zptess/internal/message"
	"zptess/internal/photometer"
	"zptess/internal/ring"
	"zptess/internal/writer"
)

type dbEventKind int

const (
	dbEventRound dbEventKind = iota
	dbEventSummary
	dbEventEnd
)

// dbEvent is the copy enqueued by forwardingObserver for the single
// persistence consumer task (spec §4.6). RoundEvent and SummaryEvent are
// themselves already snapshot copies (calibrator builds a fresh map and
// calls RingBuffer.Snapshot per round), so no further copying is needed
// here.
type dbEvent struct {
	kind    dbEventKind
	round   calibrator.RoundEvent
	summary calibrator.SummaryEvent
}

// forwardingObserver relays every lifecycle event synchronously to the
// caller-supplied observer (unchanged behavior) while also pushing a copy
// onto the persistence queue, keeping the ops-visibility/CLI observer path
// completely decoupled from the commit path.
type forwardingObserver struct {
	inner calibrator.Observer
	queue *photometer.Queue[dbEvent]
}

func (o *forwardingObserver) OnCalStart(ctx context.Context) { o.inner.OnCalStart(ctx) }

func (o *forwardingObserver) OnReading(ctx context.Context, role message.Role, remaining int) {
	o.inner.OnReading(ctx, role, remaining)
}

func (o *forwardingObserver) OnRound(ctx context.Context, ev calibrator.RoundEvent) {
	o.inner.OnRound(ctx, ev)
	o.queue.Push(dbEvent{kind: dbEventRound, round: ev})
}

func (o *forwardingObserver) OnSummary(ctx context.Context, ev calibrator.SummaryEvent) {
	o.inner.OnSummary(ctx, ev)
	o.queue.Push(dbEvent{kind: dbEventSummary, summary: ev})
}

func (o *forwardingObserver) OnCalEnd(ctx context.Context) {
	o.queue.Push(dbEvent{kind: dbEventEnd})
	o.inner.OnCalEnd(ctx)
}

// PersistentCalibrator is C6 (spec §4.6): it wraps a Calibrator, commits
// the complete entity graph to a Repository when a run reaches CAL_END,
// and then applies the post-commit write_zp step through a writer.Writer.
// Writer may be nil, modeling the CLI's "-update=false" dry-run mode: the
// calibration record is still persisted, just never written back to the
// device.
type PersistentCalibrator struct {
	*calibrator.Calibrator
	repo          *Repository
	writer        *writer.Writer
	writeObserver writer.Observer
	log           logging.Logger
}

// New constructs a PersistentCalibrator. w and writeObserver may both be
// nil.
func New(c *calibrator.Calibrator, repo *Repository, w *writer.Writer, writeObserver writer.Observer, log logging.Logger) *PersistentCalibrator {
	return &PersistentCalibrator{Calibrator: c, repo: repo, writer: w, writeObserver: writeObserver, log: log}
}

// Calibrate runs the wrapped Calibrator, persisting the complete entity
// graph on success (spec §4.6) and applying the write-back step. On any
// abort from the underlying Calibrator (adapter timeout/transport, or no
// round survived to summary) nothing is persisted, matching spec §5
// ("the persistence task must not commit on cancellation").
func (pc *PersistentCalibrator) Calibrate(ctx context.Context, args calibrator.CalibrateArgs, observer calibrator.Observer) (float64, error) {
	if observer == nil {
		observer = calibrator.NoopObserver{}
	}
	queue := photometer.NewQueue[dbEvent]()
	commitErr := make(chan error, 1)
	var testSummaryID int64
	go pc.consume(ctx, queue, commitErr, &testSummaryID)

	finalZP, err := pc.Calibrator.Calibrate(ctx, args, &forwardingObserver{inner: observer, queue: queue})
	queue.Close()
	if dbErr := <-commitErr; dbErr != nil {
		return finalZP, dbErr
	}
	if err != nil {
		return finalZP, err
	}

	if pc.writer != nil && testSummaryID != 0 {
		if werr := pc.applyWriteZP(ctx, finalZP, testSummaryID); werr != nil {
			return finalZP, werr
		}
	}
	return finalZP, nil
}

// consume is the single-consumer database task (spec §4.6): it drains the
// queue in FIFO order, accumulating ROUND copies and the SUMMARY, and
// commits only upon CAL_END. If the queue closes without ever producing
// CAL_END (the calibration aborted), the accumulated record is discarded.
func (pc *PersistentCalibrator) consume(ctx context.Context, queue *photometer.Queue[dbEvent], result chan<- error, testSummaryID *int64) {
	var rounds []calibrator.RoundEvent
	var summary *calibrator.SummaryEvent
	for {
		ev, ok := queue.Get()
		if !ok {
			result <- nil
			return
		}
		switch ev.kind {
		case dbEventRound:
			rounds = append(rounds, ev.round)
		case dbEventSummary:
			s := ev.summary
			summary = &s
		case dbEventEnd:
			if summary == nil {
				result <- nil
				return
			}
			central := map[message.Role]ring.Central{
				message.RoleRef:  pc.Params(message.RoleRef).Central,
				message.RoleTest: pc.Params(message.RoleTest).Central,
			}
			zpAbs := pc.Params(message.RoleRef).ZPAbs
			cr, err := pc.repo.CommitCalibration(ctx, summary.Infos, zpAbs, rounds, *summary, central)
			if err != nil {
				result <- err
				return
			}
			*testSummaryID = cr.TestSummaryID
			result <- nil
			return
		}
	}
}

func (pc *PersistentCalibrator) applyWriteZP(ctx context.Context, zp float64, summaryID int64) error {
	adapter := pc.Adapter(message.RoleTest)
	res, err := pc.writer.WriteZP(ctx, adapter, zp, pc.writeObserver)
	if err != nil {
		return err
	}
	if pc.log != nil && !res.OK {
		pc.log.WarnCtx(ctx, "persistence: write_zp did not verify", "timeout", res.Timeout, "stored", res.Stored)
	}
	return pc.repo.SetSummaryWriteResult(ctx, summaryID, res.OK, res.Comment())
}
