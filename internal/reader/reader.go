// Package reader implements C4: it binds two photometer adapters, resolves
// effective per-role parameters (explicit argument beats config, spec
// §4.3), starts their background producers, and exposes per-role message
// iteration (spec §4.4). Calibrator embeds Reader and layers the
// round-based protocol on top (spec §4.5: "Derived from Reader").
package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zptess/engine/telemetry/logging"
	"zptess/internal/configstore"
	"zptess/internal/message"
	"zptess/internal/photometer"
	"zptess/internal/ring"
)

// RoleArgs carries the explicit (possibly nil) CLI/caller overrides for one
// role's device parameters; nil fields fall back to ConfigStore per the
// arg-wins-iff-non-nil rule (spec §4.3, §9 DESIGN NOTES).
type RoleArgs struct {
	Model       *string
	Sensor      *string
	OldProtocol *bool
	Endpoint    *string
	ZPAbs       *float64 // ref-device only; the reference anchor ZP
	Samples     *int     // ring capacity (ref-stats/test-stats)
	Period      *time.Duration
	Central     *ring.Central
}

// Params is the fully-resolved set of parameters for one role, after
// applying the precedence rule.
type Params struct {
	Model       string
	Sensor      string
	OldProtocol bool
	Endpoint    string
	ZPAbs       float64 // meaningful for RoleRef only
	Samples     int
	Period      time.Duration
	Central     ring.Central
}

func deviceSection(role message.Role) string {
	if role == message.RoleRef {
		return "ref-device"
	}
	return "test-device"
}

func statsSection(role message.Role) string {
	if role == message.RoleRef {
		return "ref-stats"
	}
	return "test-stats"
}

func parseCentral(s string) (ring.Central, error) {
	v, err := configstore.ParseCentral(s)
	return ring.Central(v), err
}

// resolveParams applies the precedence rule to every field of RoleArgs
// against the device/stats sections for role.
func resolveParams(store configstore.Store, role message.Role, args RoleArgs) (Params, error) {
	dev := deviceSection(role)
	stats := statsSection(role)
	var p Params
	var err error

	if p.Model, err = configstore.Resolve(args.Model, store, dev, "model", configstore.ParseString); err != nil {
		return Params{}, err
	}
	if p.Sensor, err = configstore.Resolve(args.Sensor, store, dev, "sensor", configstore.ParseString); err != nil {
		return Params{}, err
	}
	if p.OldProtocol, err = configstore.Resolve(args.OldProtocol, store, dev, "old-proto", configstore.ParseBool); err != nil {
		return Params{}, err
	}
	if p.Endpoint, err = configstore.Resolve(args.Endpoint, store, dev, "endpoint", configstore.ParseString); err != nil {
		return Params{}, err
	}
	if role == message.RoleRef {
		if p.ZPAbs, err = configstore.Resolve(args.ZPAbs, store, dev, "zp", configstore.ParseFloat); err != nil {
			return Params{}, err
		}
	}
	if p.Samples, err = configstore.Resolve(args.Samples, store, stats, "samples", configstore.ParseInt); err != nil {
		return Params{}, err
	}
	periodSeconds := (*int)(nil)
	if args.Period != nil {
		s := int(args.Period.Seconds())
		periodSeconds = &s
	}
	secs, err := configstore.Resolve(periodSeconds, store, stats, "period", configstore.ParseInt)
	if err != nil {
		return Params{}, err
	}
	p.Period = time.Duration(secs) * time.Second

	if p.Central, err = configstore.Resolve(args.Central, store, stats, "central", parseCentral); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Reader binds the REF/TEST adapters for one run.
type Reader struct {
	store   configstore.Store
	builder photometer.Builder
	log     logging.Logger

	// RawLogger holds the "-raw-message" debug hook for raw wire text
	// (SPEC_FULL.md SUPPLEMENTED feature 2). Reader only stores it: it does
	// not invoke it and does not pass it to the adapters, and the default
	// FakeAdapter has no raw text, so setting it logs nothing by itself.
	RawLogger func(role message.Role, raw string)

	mu       sync.Mutex
	params   map[message.Role]Params
	adapters map[message.Role]photometer.Adapter
	infos    map[message.Role]photometer.Info
	buffers  map[message.Role]*ring.RingBuffer[message.Message]
}

// New constructs a Reader. logger may be nil, in which case Reader logs
// nothing.
func New(store configstore.Store, builder photometer.Builder, logger logging.Logger) *Reader {
	return &Reader{
		store:    store,
		builder:  builder,
		log:      logger,
		params:   make(map[message.Role]Params),
		adapters: make(map[message.Role]photometer.Adapter),
		infos:    make(map[message.Role]photometer.Info),
		buffers:  make(map[message.Role]*ring.RingBuffer[message.Message]),
	}
}

func freqOf(m message.Message) float64 { return m.Freq }

// Init resolves effective parameters for each requested role, builds its
// adapter, creates a capacity-1 RingBuffer (non-calibrating reads use
// this; Calibrator allocates its own capacity-sized rings separately),
// and launches the adapter's background reading task (spec §4.4).
func (r *Reader) Init(ctx context.Context, roles []message.Role, args map[message.Role]RoleArgs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range roles {
		params, err := resolveParams(r.store, role, args[role])
		if err != nil {
			return fmt.Errorf("reader: resolving params for role %s: %w", role, err)
		}
		adapter, err := r.builder(params.Model, role, params.Endpoint, photometer.BuilderOptions{
			Sensor:      params.Sensor,
			OldProtocol: params.OldProtocol,
		})
		if err != nil {
			return fmt.Errorf("reader: building adapter for role %s: %w", role, err)
		}
		r.params[role] = params
		r.adapters[role] = adapter
		r.buffers[role] = ring.New[message.Message](1, params.Central, freqOf)
		adapter.Readings(ctx) // launches the background producer
		if r.log != nil {
			r.log.InfoCtx(ctx, "reader: role initialized", "role", string(role), "model", params.Model, "endpoint", params.Endpoint)
		}
	}
	return nil
}

// Params returns the resolved parameters for role (must be called after Init).
func (r *Reader) Params(role message.Role) Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[role]
}

// Adapter returns the role's underlying adapter (used by Calibrator to
// drain the shared queue and by Writer to issue save_zero_point).
func (r *Reader) Adapter(role message.Role) photometer.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapters[role]
}

// Buffer returns the role's RingBuffer (capacity 1 outside calibration).
func (r *Reader) Buffer(role message.Role) *ring.RingBuffer[message.Message] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers[role]
}

// Info queries the adapter once, overlays the resolved endpoint, defaults
// FreqOffset to 0.0, caches, and returns (spec §4.4). Failures propagate.
func (r *Reader) Info(ctx context.Context, role message.Role) (photometer.Info, error) {
	r.mu.Lock()
	cached, ok := r.infos[role]
	adapter := r.adapters[role]
	params := r.params[role]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}
	info, err := adapter.GetInfo(ctx)
	if err != nil {
		return photometer.Info{}, fmt.Errorf("reader: get_info role %s: %w", role, err)
	}
	// FreqOffset already defaults to 0.0 as the Go zero value when the
	// adapter doesn't report one. The overlay is endpoint only (spec:
	// "overlays endpoint"); identity fields otherwise come verbatim from
	// the adapter.
	info.Endpoint = params.Endpoint

	r.mu.Lock()
	r.infos[role] = info
	r.mu.Unlock()
	return info, nil
}

// Receive is pure async iteration over role's adapter queue: it does not
// buffer (spec §4.4). If n > 0, the returned channel closes after n
// messages; if n <= 0 it iterates until ctx is cancelled.
func (r *Reader) Receive(ctx context.Context, role message.Role, n int) <-chan message.Message {
	r.mu.Lock()
	adapter := r.adapters[role]
	r.mu.Unlock()

	out := make(chan message.Message)
	go func() {
		defer close(out)
		queue := adapter.Readings(ctx)
		count := 0
		for {
			if n > 0 && count >= n {
				return
			}
			msg, ok := queue.Get()
			if !ok {
				return
			}
			select {
			case out <- msg:
				count++
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close releases every role's adapter.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
