package engine

import (
	"strings"
	"time"

	"zptess/internal/reader"
	"zptess/internal/ring"
)

// RoleConfig carries the explicit per-role CLI overrides that get resolved
// against ConfigStore through reader.RoleArgs (spec §4.3, §6.5). Nil fields
// fall back to configuration; only Model/Sensor/OldProtocol/Endpoint/Samples/
// Period/Central apply to every role, ZPAbs only matters for ref-device.
type RoleConfig struct {
	Model       *string
	Sensor      *string
	OldProtocol *bool
	Endpoint    *string
	ZPAbs       *float64
	Samples     *int
	Period      *time.Duration
	Central     *ring.Central
}

func (r RoleConfig) toRoleArgs() reader.RoleArgs {
	return reader.RoleArgs{
		Model:       r.Model,
		Sensor:      r.Sensor,
		OldProtocol: r.OldProtocol,
		Endpoint:    r.Endpoint,
		ZPAbs:       r.ZPAbs,
		Samples:     r.Samples,
		Period:      r.Period,
		Central:     r.Central,
	}
}

// Config is the public configuration surface for the Engine facade (spec
// §6.5: CLI flags map 1-to-1 onto these fields). It narrows the underlying
// component configs (Reader.RoleArgs, calibrator.CalibrateArgs) behind one
// struct, the way the teacher's facade Config narrows pipeline/ratelimit/
// resources config behind one struct.
type Config struct {
	// Database is the sqlite DSN passed to persistence.Open (e.g.
	// "file:zptess.db" or ":memory:").
	Database string

	// Persist enables C6 (PersistentCalibrator); when false, Calibrate runs
	// the bare calibrator.Calibrator and nothing is written to storage —
	// models the CLI's "-dry-run" flag.
	Persist bool

	// Update enables the post-commit write_zp step (spec §4.6 last
	// bullet); false models "-update=false": the calibration record is
	// still persisted, the device is just never written to.
	Update bool

	Ref  RoleConfig
	Test RoleConfig

	// Calibration section overrides (spec §4.3 "calibration").
	ZPFict *float64
	Rounds *int
	Offset *float64
	Author *string

	// MetricsEnabled/MetricsBackend select the ops-visibility metrics
	// provider (ambient concern, not part of the core per spec §1's
	// "logging configuration" out-of-scope note — but still wired the way
	// the teacher always carries a metrics provider regardless of domain
	// Non-goals).
	MetricsEnabled bool
	MetricsBackend string

	// TracingEnabled toggles the lightweight internal span tracer used to
	// correlate log lines across one run.
	TracingEnabled bool

	// ExportDir is the filesystem root Exporter writes into. Batch state
	// lives entirely in the database and needs no directory.
	ExportDir string
}

// Defaults returns a Config with reasonable defaults (spec §6.5: dry-run
// and update both default conservatively; persistence defaults on since
// the core's whole point is the persisted record).
func Defaults() Config {
	return Config{
		Database:       "file:zptess.db",
		Persist:        true,
		Update:         false,
		MetricsEnabled: false,
		MetricsBackend: "prom",
		TracingEnabled: false,
		ExportDir:      "./exports",
	}
}

func normalizeBackend(s string) string {
	switch strings.ToLower(s) {
	case "otel", "opentelemetry":
		return "otel"
	case "noop":
		return "noop"
	default:
		return "prom"
	}
}
