// Package photometer defines the external collaborator contract consumed
// by the calibration core (spec §4.2, §6.1): an opaque producer of
// timestamped samples for one role, queried once for identity and written
// to once for zero-point calibration. The core makes no assumption about
// the underlying wire protocol (UDP/TCP/serial) — that lives entirely
// behind this interface, out of scope per spec §1.
package photometer

import (
	"context"

	"zptess/internal/message"
)

// Info is queried once per role at Reader.init (spec §3). Endpoint is not
// part of the adapter's own report; Reader.Info overlays the resolved
// config/arg endpoint onto it (spec §4.4).
type Info struct {
	Name       string
	MAC        string
	Model      string
	Sensor     string
	Firmware   string
	Endpoint   string
	ZP         float64
	FreqOffset float64

	// Model-dependent descriptors; nil when the model doesn't report them.
	Filter    *string
	Plug      *string
	Box       *string
	Collector *string
}

// Key returns the unique (name, mac) identity pair used for Photometer
// upserts during persistence (spec §3, §4.6).
func (i Info) Key() (name, mac string) { return i.Name, i.MAC }

// Adapter is the opaque per-role photometer collaborator. Implementations
// own their own transport and framing; the core only ever sees Info,
// Message, and zero-point writes.
type Adapter interface {
	// GetInfo queries photometer identity once. May fail with a
	// zerrors.ErrTimeout- or zerrors.ErrTransport-wrapped error.
	GetInfo(ctx context.Context) (Info, error)

	// Readings launches the adapter's background sampling task (if not
	// already running) and returns the queue samples are pushed onto.
	// Calling Readings more than once returns the same queue.
	Readings(ctx context.Context) *Queue[message.Message]

	// SaveZeroPoint writes zp to the device. May fail with
	// zerrors.ErrTimeout or zerrors.ErrTransport.
	SaveZeroPoint(ctx context.Context, zp float64) error

	// Close releases adapter resources and stops the background task.
	Close() error
}

// BuilderOptions carries per-role construction parameters resolved from
// config/args (spec §4.3 device sections).
type BuilderOptions struct {
	Sensor      string
	OldProtocol bool // opaque hint threaded to the transport, never branched on by the core (see SPEC_FULL.md §SUPPLEMENTED)
}

// Builder constructs an Adapter for one role. The real transport
// implementation is out of scope (spec §1); this module only depends on
// the Builder function type so tests can supply FakeAdapter.
type Builder func(model string, role message.Role, endpoint string, opts BuilderOptions) (Adapter, error)
