// Package calibrator implements C5 (spec §4.5): the round-based calibration
// protocol layered on top of Reader. It fills per-role rings to capacity,
// runs nrounds snapshot-and-compute cycles while background producers keep
// the rings fresh, and finishes with a summary phase that selects the final
// Zero Point. Lifecycle events are delivered synchronously to an Observer
// (spec §9 DESIGN NOTES: prefer a typed handler interface over a topic bus —
// the ops-visibility bus in engine/telemetry/events is a separate, optional
// side channel, not the calibration protocol itself).
package calibrator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"zptess/engine/telemetry/logging"
	"zptess/engine/telemetry/tracing"
	"zptess/internal/configstore"
	"zptess/internal/message"
	"zptess/internal/photometer"
	"zptess/internal/reader"
	"zptess/internal/ring"
	"zptess/internal/zerrors"
)

// Type distinguishes an operator-triggered calibration from one run by
// automation (spec §3 Summary.calibration).
type Type string

const (
	TypeAuto   Type = "auto"
	TypeManual Type = "manual"
)

// producerPollInterval bounds how long a round producer blocks on one
// queue read before re-checking its stop signal and the parent context.
const producerPollInterval = 2 * time.Second

// CalibrateArgs carries the explicit (possibly nil) overrides for the
// "calibration" config section (spec §4.3), resolved with the same
// arg-wins-iff-non-nil rule used by Reader.
type CalibrateArgs struct {
	ZPFict  *float64
	Rounds  *int
	Offset  *float64
	Author  *string
	Kind    Type   // not config-resolved; spec §4.3 lists no config key for it
	Version string // calversion; likewise caller-supplied
}

// resolvedParams is CalibrateArgs after precedence resolution.
type resolvedParams struct {
	ZPFict float64
	Rounds int
	Offset float64
	Author string
}

func resolveCalibrateParams(store configstore.Store, args CalibrateArgs) (resolvedParams, error) {
	var p resolvedParams
	var err error
	if p.ZPFict, err = configstore.Resolve(args.ZPFict, store, "calibration", "zp_fict", configstore.ParseFloat); err != nil {
		return resolvedParams{}, err
	}
	if p.Rounds, err = configstore.Resolve(args.Rounds, store, "calibration", "rounds", configstore.ParseInt); err != nil {
		return resolvedParams{}, err
	}
	if p.Offset, err = configstore.Resolve(args.Offset, store, "calibration", "offset", configstore.ParseFloat); err != nil {
		return resolvedParams{}, err
	}
	if p.Author, err = configstore.Resolve(args.Author, store, "calibration", "author", configstore.ParseString); err != nil {
		return resolvedParams{}, err
	}
	return p, nil
}

// RoleSample is one role's per-round snapshot result (spec §3 Round record).
// Freq/Stdev/Mag are null (FreqOK/MagOK false) when the round hit an edge
// case: freq-freq_offset <= 0, or a ring statistics failure (degenerate or
// too-short sample, non-unique mode).
type RoleSample struct {
	Freq        float64
	FreqOK      bool
	Stdev       float64
	Mag         float64
	MagOK       bool
	NSamples    int
	BeginTstamp time.Time
	EndTstamp   time.Time
}

// RoundEvent is the payload of the ROUND event (spec §6.2).
type RoundEvent struct {
	Current     int
	MagDiff     float64
	MagDiffOK   bool
	ZeroPoint   float64
	ZeroPointOK bool
	Stats       map[message.Role]RoleSample
	// Snapshots carries the full ring contents at this round, mandatory for
	// PersistentCalibrator since the rings are overwritten concurrently by
	// producers (spec §4.6, §9 snapshotting note).
	Snapshots map[message.Role][]message.Message
}

// SummaryEvent is the payload of the SUMMARY event (spec §6.2).
type SummaryEvent struct {
	ZeroPointSeq []float64
	RefFreqSeq   []float64
	TestFreqSeq  []float64

	BestRefFreq       float64
	BestRefFreqMethod ring.Central
	BestRefMag        float64

	BestTestFreq       float64
	BestTestFreqMethod ring.Central
	BestTestMag        float64

	MagDiff float64

	BestZeroPoint       float64
	BestZeroPointMethod ring.Central
	FinalZeroPoint      float64

	// Echoed run parameters a PersistentCalibrator needs to build Summary
	// rows (spec §3) without re-deriving them.
	ZPFict  float64
	Offset  float64
	Kind    Type
	Version string
	Author  string
	Rounds  int
	Session time.Time
	Infos   map[message.Role]photometer.Info
}

// Observer receives calibration lifecycle events synchronously from the
// calibrating goroutine; implementations must not block (spec §5: "Event
// subscribers are invoked synchronously from the publisher's task; they
// must not block").
type Observer interface {
	OnCalStart(ctx context.Context)
	OnReading(ctx context.Context, role message.Role, remaining int)
	OnRound(ctx context.Context, ev RoundEvent)
	OnSummary(ctx context.Context, ev SummaryEvent)
	OnCalEnd(ctx context.Context)
}

// NoopObserver implements Observer with no-ops; used when the caller only
// wants the returned final Zero Point and no lifecycle notifications.
type NoopObserver struct{}

func (NoopObserver) OnCalStart(ctx context.Context)                   {}
func (NoopObserver) OnReading(ctx context.Context, _ message.Role, _ int) {}
func (NoopObserver) OnRound(ctx context.Context, ev RoundEvent)       {}
func (NoopObserver) OnSummary(ctx context.Context, ev SummaryEvent)   {}
func (NoopObserver) OnCalEnd(ctx context.Context)                     {}

// Calibrator runs the round-based protocol on top of a Reader (spec §4.5:
// "Derived from Reader").
type Calibrator struct {
	*reader.Reader
	store  configstore.Store
	log    logging.Logger
	tracer tracing.Tracer
}

// New constructs a Calibrator. store resolves the "calibration" config
// section; r must already have been Init'd for both roles. tracer may be
// nil (falls back to a noop tracer).
func New(r *reader.Reader, store configstore.Store, log logging.Logger, tracer tracing.Tracer) *Calibrator {
	if tracer == nil {
		tracer = tracing.NewTracer(false)
	}
	return &Calibrator{Reader: r, store: store, log: log, tracer: tracer}
}

// Calibrate runs the full protocol (spec §4.5) and returns the final Zero
// Point. observer may be nil (treated as NoopObserver). On any abort
// (adapter timeout/transport during prefill or rounds, or no usable round
// survives to the summary phase) the error is returned and no terminal
// events (SUMMARY/CAL_END) are emitted — callers such as PersistentCalibrator
// must not persist anything in that case.
func (c *Calibrator) Calibrate(ctx context.Context, args CalibrateArgs, observer Observer) (float64, error) {
	if observer == nil {
		observer = NoopObserver{}
	}
	return c.calibrate(ctx, args, observer)
}

func (c *Calibrator) calibrate(ctx context.Context, args CalibrateArgs, observer Observer) (float64, error) {
	ctx, span := c.tracer.StartSpan(ctx, "calibrate")
	defer span.End()

	params, err := resolveCalibrateParams(c.store, args)
	if err != nil {
		return 0, fmt.Errorf("calibrator: resolving calibration params: %w", err)
	}

	roles := []message.Role{message.RoleRef, message.RoleTest}
	infos := make(map[message.Role]photometer.Info, 2)
	rings := make(map[message.Role]*ring.RingBuffer[message.Message], 2)
	for _, role := range roles {
		info, err := c.Info(ctx, role)
		if err != nil {
			return 0, fmt.Errorf("calibrator: role %s info: %w", role, err)
		}
		infos[role] = info
		rp := c.Params(role)
		rings[role] = ring.New[message.Message](rp.Samples, rp.Central, func(m message.Message) float64 { return m.Freq })
	}

	observer.OnCalStart(ctx)

	if err := c.prefill(ctx, roles, rings, observer); err != nil {
		return 0, err
	}

	stop := make(chan struct{})
	var producersWG sync.WaitGroup
	for _, role := range roles {
		producersWG.Add(1)
		go func(role message.Role) {
			defer producersWG.Done()
			c.runProducer(ctx, role, rings[role], stop)
		}(role)
	}
	stopProducers := func() {
		close(stop)
		producersWG.Wait()
	}

	var zpSeq, refFreqSeq, testFreqSeq []float64
	// Both ref-stats and test-stats carry a period (spec §4.3); the round
	// cadence itself is one clock shared by both producers, so the TEST
	// role's resolved period governs it — TEST is the device being
	// calibrated and its period is the one operators tune.
	roundPeriod := c.Params(message.RoleTest).Period
	// zp_abs is the reference anchor from ref-device config (spec §3), not
	// the adapter's currently-reported ZP (that is PhotometerInfo.ZP, used
	// separately for Summary.prev_zp).
	zpAbs := c.Params(message.RoleRef).ZPAbs

	for i := 1; i <= params.Rounds; i++ {
		select {
		case <-ctx.Done():
			stopProducers()
			return 0, ctx.Err()
		default:
		}

		roundCtx, roundSpan := c.tracer.StartSpan(ctx, "round")
		ev := RoundEvent{
			Current:   i,
			Stats:     make(map[message.Role]RoleSample, 2),
			Snapshots: make(map[message.Role][]message.Message, 2),
		}
		var refMag, testMag *float64
		for _, role := range roles {
			sample, freq, mag, ok := c.snapshotRound(roundCtx, role, rings[role], infos[role].FreqOffset, params.ZPFict)
			ev.Stats[role] = sample
			ev.Snapshots[role] = rings[role].Snapshot()
			if ok {
				if role == message.RoleRef {
					refMag = &mag
					refFreqSeq = append(refFreqSeq, freq)
				} else {
					testMag = &mag
					testFreqSeq = append(testFreqSeq, freq)
				}
			}
		}
		if refMag != nil && testMag != nil {
			magDiff := *refMag - *testMag
			zp := zpAbs + magDiff
			ev.MagDiff = magDiff
			ev.MagDiffOK = true
			ev.ZeroPoint = zp
			ev.ZeroPointOK = true
			zpSeq = append(zpSeq, zp)
		}
		observer.OnRound(roundCtx, ev)
		roundSpan.End()

		if i < params.Rounds {
			select {
			case <-time.After(roundPeriod):
			case <-ctx.Done():
				stopProducers()
				return 0, ctx.Err()
			}
		}
	}

	stopProducers()

	if len(zpSeq) == 0 || len(refFreqSeq) == 0 || len(testFreqSeq) == 0 {
		return 0, fmt.Errorf("calibrator: no usable rounds survived to summary: %w", zerrors.ErrStatistics)
	}

	bestZP, zpMethod := ring.Best(zpSeq)
	bestRefFreq, refMethod := ring.Best(refFreqSeq)
	bestTestFreq, testMethod := ring.Best(testFreqSeq)
	bestRefMag := params.ZPFict - 2.5*math.Log10(bestRefFreq)
	bestTestMag := params.ZPFict - 2.5*math.Log10(bestTestFreq)
	magDiff := -2.5 * math.Log10(bestRefFreq/bestTestFreq)
	finalZP := bestZP + params.Offset

	summary := SummaryEvent{
		ZeroPointSeq:        zpSeq,
		RefFreqSeq:          refFreqSeq,
		TestFreqSeq:         testFreqSeq,
		BestRefFreq:         bestRefFreq,
		BestRefFreqMethod:   refMethod,
		BestRefMag:          bestRefMag,
		BestTestFreq:        bestTestFreq,
		BestTestFreqMethod:  testMethod,
		BestTestMag:         bestTestMag,
		MagDiff:             magDiff,
		BestZeroPoint:       bestZP,
		BestZeroPointMethod: zpMethod,
		FinalZeroPoint:      finalZP,
		ZPFict:              params.ZPFict,
		Offset:              params.Offset,
		Kind:                args.Kind,
		Version:             args.Version,
		Author:              params.Author,
		Rounds:              params.Rounds,
		Session:             time.Now().UTC(),
		Infos:               infos,
	}
	observer.OnSummary(ctx, summary)
	observer.OnCalEnd(ctx)

	return finalZP, nil
}

// snapshotRound computes one role's per-round statistics, applying the
// degenerate-round edge-case policy (spec §4.5 edge cases, §7 taxonomy (c)/(d)):
// ring statistics failure or freq-freq_offset <= 0 nullify that role's
// metrics for the round but never abort the calibration.
func (c *Calibrator) snapshotRound(ctx context.Context, role message.Role, rb *ring.RingBuffer[message.Message], freqOffset, zpFict float64) (sample RoleSample, freq, mag float64, ok bool) {
	snap := rb.Snapshot()
	sample.NSamples = len(snap)
	if len(snap) > 0 {
		sample.BeginTstamp = snap[0].Tstamp
		sample.EndTstamp = snap[len(snap)-1].Tstamp
	}
	stats, err := rb.Statistics()
	if err != nil {
		if c.log != nil {
			c.log.WarnCtx(ctx, "calibrator: round statistics failed", "role", role.String(), "err", err)
		}
		return sample, 0, 0, false
	}
	if stats.Central-freqOffset <= 0 {
		if c.log != nil {
			c.log.WarnCtx(ctx, "calibrator: freq at or below offset", "role", role.String(), "freq", stats.Central, "freq_offset", freqOffset)
		}
		return sample, 0, 0, false
	}
	sample.Freq = stats.Central
	sample.FreqOK = true
	sample.Stdev = stats.Stdev
	mag = zpFict - 2.5*math.Log10(stats.Central-freqOffset)
	sample.Mag = mag
	sample.MagOK = true
	return sample, stats.Central, mag, true
}

// prefill drains each role's adapter queue into its ring until full,
// concurrently, emitting a READING event per sample (spec §4.5 step 1).
// Both prefills must complete before rounds start; errgroup.Group carries
// the first error and cancels the other prefill's context.
func (c *Calibrator) prefill(ctx context.Context, roles []message.Role, rings map[message.Role]*ring.RingBuffer[message.Message], observer Observer) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		role := role
		g.Go(func() error {
			return c.prefillRole(gctx, role, rings[role], observer)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("calibrator: prefill: %w", err)
	}
	return nil
}

func (c *Calibrator) prefillRole(ctx context.Context, role message.Role, rb *ring.RingBuffer[message.Message], observer Observer) error {
	adapter := c.Adapter(role)
	queue := adapter.Readings(ctx)
	capacity := rb.Capacity()
	for rb.Len() < capacity {
		readCtx, cancel := context.WithTimeout(ctx, producerPollInterval)
		msg, ok := queue.GetContext(readCtx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("role %s: %w", role, zerrors.ErrTimeout)
		}
		rb.Append(msg)
		observer.OnReading(ctx, role, capacity-rb.Len())
	}
	return nil
}

// runProducer keeps draining the adapter queue into rb, overwriting the
// oldest sample on each append, until stop is closed or ctx is done (spec
// §4.5 step 2/3: "producers observe [the termination flag] before each
// queue read and exit").
func (c *Calibrator) runProducer(ctx context.Context, role message.Role, rb *ring.RingBuffer[message.Message], stop <-chan struct{}) {
	adapter := c.Adapter(role)
	queue := adapter.Readings(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		readCtx, cancel := context.WithTimeout(ctx, producerPollInterval)
		msg, ok := queue.GetContext(readCtx)
		cancel()
		if !ok {
			continue // poll timeout or queue closed; re-check stop/ctx above
		}
		rb.Append(msg)
	}
}
