package engine

import (
	"context"

	"zptess/engine/telemetry/events"
	"zptess/engine/telemetry/metrics"
	"zptess/internal/calibrator"
	"zptess/internal/message"
	"zptess/internal/writer"
)

// calMetrics holds the counters emitted for one Engine's lifetime, built
// once in New from whichever metrics.Provider was selected (noop/
// Prometheus/OTel) and shared by every calibration run. Grounded on the
// same provider.NewCounter call shape events.Bus already uses for its
// published/dropped counters.
type calMetrics struct {
	rounds    metrics.Counter // no labels: one round covers both roles at once
	summaries metrics.Counter // labels: role
	writeZP   metrics.Counter // labels: outcome (ok|timeout|mismatch)
}

func newCalMetrics(provider metrics.Provider) *calMetrics {
	if provider == nil {
		return nil
	}
	return &calMetrics{
		rounds: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "zptess", Subsystem: "calibration", Name: "rounds_total",
			Help: "Total calibration rounds completed (one per round, covering both roles)",
		}}),
		summaries: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "zptess", Subsystem: "calibration", Name: "summaries_total",
			Help: "Total calibration summaries emitted", Labels: []string{"role"},
		}}),
		writeZP: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "zptess", Subsystem: "writer", Name: "write_zp_total",
			Help: "Total write_zp outcomes by result", Labels: []string{"outcome"},
		}}),
	}
}

// busObserver relays every calibration lifecycle event to the ops-
// visibility bus (so a CLI can subscribe for progress bars/dashboards
// without touching the calibration state machine, spec §9 DESIGN NOTES)
// while also forwarding to the caller-supplied Observer, which may be nil,
// and incrementing the round/summary counters for whichever backend the
// Engine selected.
type busObserver struct {
	inner   calibrator.Observer
	bus     events.Bus
	metrics *calMetrics
}

func (o *busObserver) publish(ctx context.Context, category, typ string, fields map[string]interface{}) {
	if o.bus == nil {
		return
	}
	_ = o.bus.PublishCtx(ctx, events.Event{Category: category, Type: typ, Severity: "info", Fields: fields})
}

func (o *busObserver) OnCalStart(ctx context.Context) {
	o.publish(ctx, events.CategoryRound, "cal_start", nil)
	if o.inner != nil {
		o.inner.OnCalStart(ctx)
	}
}

func (o *busObserver) OnReading(ctx context.Context, role message.Role, remaining int) {
	o.publish(ctx, events.CategoryReading, "reading", map[string]interface{}{"role": role.String(), "remaining": remaining})
	if o.inner != nil {
		o.inner.OnReading(ctx, role, remaining)
	}
}

func (o *busObserver) OnRound(ctx context.Context, ev calibrator.RoundEvent) {
	o.publish(ctx, events.CategoryRound, "round", map[string]interface{}{
		"current": ev.Current, "zero_point": ev.ZeroPoint, "zero_point_ok": ev.ZeroPointOK,
	})
	if o.metrics != nil {
		o.metrics.rounds.Inc(1)
	}
	if o.inner != nil {
		o.inner.OnRound(ctx, ev)
	}
}

func (o *busObserver) OnSummary(ctx context.Context, ev calibrator.SummaryEvent) {
	o.publish(ctx, events.CategorySummary, "summary", map[string]interface{}{
		"final_zero_point": ev.FinalZeroPoint, "session": ev.Session,
	})
	if o.metrics != nil {
		o.metrics.summaries.Inc(1, message.RoleRef.String())
		o.metrics.summaries.Inc(1, message.RoleTest.String())
	}
	if o.inner != nil {
		o.inner.OnSummary(ctx, ev)
	}
}

func (o *busObserver) OnCalEnd(ctx context.Context) {
	o.publish(ctx, events.CategoryRound, "cal_end", nil)
	if o.inner != nil {
		o.inner.OnCalEnd(ctx)
	}
}

// busWriteObserver relays WRITE_ZP events to the ops-visibility bus and
// increments the write_zp outcome counter.
type busWriteObserver struct {
	bus     events.Bus
	metrics *calMetrics
}

func (o *busWriteObserver) OnWriteZP(ctx context.Context, res writer.Result) {
	outcome := "ok"
	switch {
	case res.Timeout:
		outcome = "timeout"
	case !res.OK:
		outcome = "mismatch"
	}
	if o.metrics != nil {
		o.metrics.writeZP.Inc(1, outcome)
	}
	if o.bus == nil {
		return
	}
	severity := "info"
	if res.Timeout || !res.OK {
		severity = "warn"
	}
	_ = o.bus.PublishCtx(ctx, events.Event{
		Category: events.CategoryWriteZP,
		Type:     "write_zp",
		Severity: severity,
		Fields: map[string]interface{}{
			"zero_point": res.ZeroPoint, "stored": res.Stored, "timeout": res.Timeout, "ok": res.OK,
		},
	})
}
