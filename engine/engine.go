// Package engine assembles C1-C9 behind one Engine facade: Reader,
// Calibrator/PersistentCalibrator, Writer, Repository, BatchController,
// and Exporter, plus the ops-visibility telemetry subsystems (logging,
// tracing, metrics, events). cmd/zptess is the only consumer; the CLI
// itself carries no business logic beyond flag parsing and dispatch.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"zptess/engine/telemetry/events"
	"zptess/engine/telemetry/logging"
	"zptess/engine/telemetry/metrics"
	"zptess/engine/telemetry/tracing"
	"zptess/internal/batch"
	"zptess/internal/calibrator"
	"zptess/internal/configstore"
	"zptess/internal/export"
	"zptess/internal/message"
	"zptess/internal/persistence"
	"zptess/internal/photometer"
	"zptess/internal/reader"
	"zptess/internal/writer"
)

// Engine composes every component behind a single facade.
type Engine struct {
	cfg     Config
	log     logging.Logger
	tracer  tracing.Tracer
	metrics metrics.Provider
	bus     events.Bus

	calMetrics *calMetrics

	reader        *reader.Reader
	calibrator    *calibrator.Calibrator
	persistentCal *persistence.PersistentCalibrator
	writer        *writer.Writer
	repo          *persistence.Repository
	batchCtrl     *batch.Controller
	exporter      *export.Exporter
}

// New constructs an Engine. store resolves the configuration sections
// (spec §4.3); builder constructs the two per-role adapters — the real
// photometer transport is out of scope for the core (spec §1), so the
// caller (cmd/zptess) supplies it.
func New(cfg Config, store configstore.Store, builder photometer.Builder) (*Engine, error) {
	log := logging.New(nil)
	tracer := tracing.NewTracer(cfg.TracingEnabled)
	provider := selectMetricsProvider(cfg)
	bus := events.NewBus(provider)

	e := &Engine{cfg: cfg, log: log, tracer: tracer, metrics: provider, bus: bus, calMetrics: newCalMetrics(provider)}

	r := reader.New(store, builder, log)
	e.reader = r
	e.calibrator = calibrator.New(r, store, log, tracer)
	e.writer = writer.New(log, tracer)

	if cfg.Persist {
		repo, err := persistence.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("engine: opening database: %w", err)
		}
		e.repo = repo
		e.batchCtrl = batch.New(repo)
		e.exporter = export.New(repo)

		var w *writer.Writer
		if cfg.Update {
			w = e.writer
		}
		e.persistentCal = persistence.New(e.calibrator, repo, w, &busWriteObserver{bus: bus, metrics: e.calMetrics}, log)
	}

	return e, nil
}

func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch normalizeBackend(cfg.MetricsBackend) {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only; nil otherwise).
func (e *Engine) MetricsHandler() http.Handler {
	if e.metrics == nil {
		return nil
	}
	if hp, ok := e.metrics.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// EventBus exposes the ops-visibility telemetry bus so a CLI can subscribe
// and render progress independent of the calibration Observer protocol.
func (e *Engine) EventBus() events.Bus { return e.bus }

// Init resolves effective parameters for the requested roles and starts
// their background producers (spec §4.4). Must be called once before Read
// or Calibrate.
func (e *Engine) Init(ctx context.Context, roles []message.Role) error {
	args := map[message.Role]reader.RoleArgs{
		message.RoleRef:  e.cfg.Ref.toRoleArgs(),
		message.RoleTest: e.cfg.Test.toRoleArgs(),
	}
	return e.reader.Init(ctx, roles, args)
}

// SetRawLogger wires the reader's raw-wire-text debug hook (SPEC_FULL.md
// SUPPLEMENTED feature 2, the CLI's "-raw-message" flag). Must be called
// before Init; fn may be nil to disable it again.
func (e *Engine) SetRawLogger(fn func(role message.Role, raw string)) {
	e.reader.RawLogger = fn
}

// Read streams n (or unbounded if n<=0) raw samples for role — the "read
// {ref|test|both}" CLI subcommand (spec §6.5), bypassing the calibration
// protocol entirely.
func (e *Engine) Read(ctx context.Context, role message.Role, n int) <-chan message.Message {
	return e.reader.Receive(ctx, role, n)
}

// Calibrate runs the calibration protocol (spec §4.5), persisting the
// complete entity graph and optionally writing the ZP back to the device
// when cfg.Persist/cfg.Update are set (spec §4.6). observer receives
// lifecycle events for caller-side progress reporting (e.g. a CLI
// progress bar); it may be nil.
func (e *Engine) Calibrate(ctx context.Context, observer calibrator.Observer) (float64, error) {
	args := calibrator.CalibrateArgs{
		ZPFict:  e.cfg.ZPFict,
		Rounds:  e.cfg.Rounds,
		Offset:  e.cfg.Offset,
		Author:  e.cfg.Author,
		Kind:    calibrator.TypeManual,
		Version: version,
	}
	wrapped := &busObserver{inner: observer, bus: e.bus, metrics: e.calMetrics}
	if e.persistentCal != nil {
		return e.persistentCal.Calibrate(ctx, args, wrapped)
	}
	return e.calibrator.Calibrate(ctx, args, wrapped)
}

// WriteZP issues a standalone write-zp against the TEST adapter (the
// "write zp" CLI subcommand, spec §6.5) — independent of a calibration run.
func (e *Engine) WriteZP(ctx context.Context, zp float64) (writer.Result, error) {
	adapter := e.reader.Adapter(message.RoleTest)
	if adapter == nil {
		return writer.Result{}, fmt.Errorf("engine: write_zp: role test not initialized")
	}
	return e.writer.WriteZP(ctx, adapter, zp, &busWriteObserver{bus: e.bus, metrics: e.calMetrics})
}

// requirePersistence returns an error when persistence was disabled, for
// the batch/export operations that have no meaning otherwise.
func (e *Engine) requirePersistence() error {
	if e.repo == nil {
		return fmt.Errorf("engine: database not enabled (-dry-run)")
	}
	return nil
}

// BatchOpen, BatchClose, BatchPurge, BatchView, BatchOrphan implement the
// "batch {begin|end|purge|view|orphan}" CLI subcommands (spec §4.8, §6.5).
func (e *Engine) BatchOpen(ctx context.Context, comment *string) (time.Time, error) {
	if err := e.requirePersistence(); err != nil {
		return time.Time{}, err
	}
	return e.batchCtrl.Open(ctx, comment)
}

func (e *Engine) BatchClose(ctx context.Context) (begin, end time.Time, count int, err error) {
	if err := e.requirePersistence(); err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	return e.batchCtrl.Close(ctx)
}

func (e *Engine) BatchPurge(ctx context.Context) (int, error) {
	if err := e.requirePersistence(); err != nil {
		return 0, err
	}
	return e.batchCtrl.Purge(ctx)
}

func (e *Engine) BatchView(ctx context.Context, limit int) ([]batch.Batch, error) {
	if err := e.requirePersistence(); err != nil {
		return nil, err
	}
	return e.batchCtrl.View(ctx, limit)
}

func (e *Engine) BatchOrphan(ctx context.Context) ([]time.Time, error) {
	if err := e.requirePersistence(); err != nil {
		return nil, err
	}
	return e.batchCtrl.Orphan(ctx)
}

// Export implements the "batch export" CLI subcommand (spec §4.9, §6.4).
// from/to both nil means "all".
func (e *Engine) Export(ctx context.Context, from, to *time.Time, prefix string) (string, error) {
	if err := e.requirePersistence(); err != nil {
		return "", err
	}
	return e.exporter.Export(ctx, from, to, e.cfg.ExportDir, prefix)
}

// Close releases the reader's adapters and, if persistence is enabled,
// the database connection.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.reader.Close(); err != nil {
		firstErr = err
	}
	if e.repo != nil {
		if err := e.repo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// version is the calversion echoed into every Summary row (spec §3). It
// has no release process of its own yet, so it stays a constant here
// rather than threading a build-time ldflags value through Config.
const version = "zptess-engine/1"
