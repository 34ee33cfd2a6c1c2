// Command zptess is the CLI boundary described in spec §6.5: its flags
// map 1-to-1 onto engine.Config/reader.RoleArgs/calibrator.CalibrateArgs,
// and it carries no calibration logic of its own — everything below
// flag parsing and dispatch lives in the engine package.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"zptess/engine"
	"zptess/internal/configstore"
	"zptess/internal/message"
	"zptess/internal/photometer"
	"zptess/internal/ring"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "read":
		err = cmdRead(os.Args[2:])
	case "calibrate":
		err = cmdCalibrate(os.Args[2:])
	case "write":
		err = cmdWrite(os.Args[2:])
	case "batch":
		err = cmdBatch(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Printf("critical: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  zptess read {ref|test|both} [flags]
  zptess calibrate test [flags]
  zptess write zp <value> [flags]
  zptess batch {begin|end|purge|view|orphan|export} [flags]`)
}

// commonFlags holds every flag shared across subcommands (spec §6.5).
type commonFlags struct {
	db       *string
	config   *string
	dryRun   *bool
	update   *bool
	author   *string
	zpFict   *float64
	zpOffset *float64
	rounds   *int
	period   *int

	refCentral  *string
	testCentral *string
	refSamples  *int
	testSamples *int

	refEndpoint *string
	refModel    *string
	refSensor   *string
	refOldProto *bool
	refZPAbs    *float64

	testEndpoint *string
	testModel    *string
	testSensor   *string
	testOldProto *bool

	rawMessage *bool
}

func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	c.db = fs.String("db", "file:zptess.db", "sqlite database DSN")
	c.config = fs.String("config", "", "ConfigStore YAML file (fallback for any flag left unset)")
	c.dryRun = fs.Bool("dry-run", false, "skip persistence entirely")
	c.update = fs.Bool("update", false, "write the computed ZP back to the TEST device after persisting")
	c.author = fs.String("author", "", "calibration author")
	c.zpFict = fs.Float64("zp_fict", 0, "fictitious zero point used for magnitude conversion")
	c.zpOffset = fs.Float64("zp_offset", 0, "offset added to the best zero point")
	c.rounds = fs.Int("rounds", 0, "number of calibration rounds")
	c.period = fs.Int("period", 0, "seconds between rounds")

	c.refCentral = fs.String("ref-central", "", "REF central tendency: median|mean|mode")
	c.testCentral = fs.String("test-central", "", "TEST central tendency: median|mean|mode")
	c.refSamples = fs.Int("ref-buffer", 0, "REF ring buffer capacity")
	c.testSamples = fs.Int("test-buffer", 0, "TEST ring buffer capacity")

	c.refEndpoint = fs.String("ref-endpoint", "", "REF photometer endpoint")
	c.refModel = fs.String("ref-model", "", "REF photometer model")
	c.refSensor = fs.String("ref-sensor", "", "REF photometer sensor")
	c.refOldProto = fs.Bool("ref-old-proto", false, "REF photometer uses the old wire protocol")
	c.refZPAbs = fs.Float64("zp_abs", 0, "REF absolute zero point (the calibration anchor)")

	c.testEndpoint = fs.String("test-endpoint", "", "TEST photometer endpoint")
	c.testModel = fs.String("test-model", "", "TEST photometer model")
	c.testSensor = fs.String("test-sensor", "", "TEST photometer sensor")
	c.testOldProto = fs.Bool("test-old-proto", false, "TEST photometer uses the old wire protocol")

	c.rawMessage = fs.Bool("raw-message", false, "install the raw wire text hook (no bundled adapter calls it)")
	return c
}

// loadStore opens the YAML ConfigStore at path, or an empty MemoryStore if
// path is empty — flags alone must then cover every required key.
func loadStore(path string) (configstore.Store, error) {
	if path == "" {
		return configstore.MemoryStore{}, nil
	}
	return configstore.LoadYAMLFile(path)
}

// buildConfig turns common flags into engine.Config, using fs.Visit to
// distinguish "flag left at its zero value" from "flag not provided at
// all" — only the latter falls back to ConfigStore (spec §4.3, §9 DESIGN
// NOTES: "explicit argument wins iff non-null").
func buildConfig(fs *flag.FlagSet, c *commonFlags) engine.Config {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := engine.Defaults()
	cfg.Database = *c.db
	cfg.Persist = !*c.dryRun
	cfg.Update = *c.update

	if set["author"] {
		cfg.Author = c.author
	}
	if set["zp_fict"] {
		cfg.ZPFict = c.zpFict
	}
	if set["zp_offset"] {
		cfg.Offset = c.zpOffset
	}
	if set["rounds"] {
		cfg.Rounds = c.rounds
	}

	if set["period"] {
		d := time.Duration(*c.period) * time.Second
		cfg.Ref.Period = &d
		cfg.Test.Period = &d
	}
	if set["ref-central"] {
		if ctr, err := configstore.ParseCentral(*c.refCentral); err == nil {
			rc := ring.Central(ctr)
			cfg.Ref.Central = &rc
		}
	}
	if set["test-central"] {
		if ctr, err := configstore.ParseCentral(*c.testCentral); err == nil {
			rc := ring.Central(ctr)
			cfg.Test.Central = &rc
		}
	}
	if set["ref-buffer"] {
		cfg.Ref.Samples = c.refSamples
	}
	if set["test-buffer"] {
		cfg.Test.Samples = c.testSamples
	}
	if set["ref-endpoint"] {
		cfg.Ref.Endpoint = c.refEndpoint
	}
	if set["ref-model"] {
		cfg.Ref.Model = c.refModel
	}
	if set["ref-sensor"] {
		cfg.Ref.Sensor = c.refSensor
	}
	if set["ref-old-proto"] {
		cfg.Ref.OldProtocol = c.refOldProto
	}
	if set["zp_abs"] {
		cfg.Ref.ZPAbs = c.refZPAbs
	}
	if set["test-endpoint"] {
		cfg.Test.Endpoint = c.testEndpoint
	}
	if set["test-model"] {
		cfg.Test.Model = c.testModel
	}
	if set["test-sensor"] {
		cfg.Test.Sensor = c.testSensor
	}
	if set["test-old-proto"] {
		cfg.Test.OldProtocol = c.testOldProto
	}
	return cfg
}

// signalContext returns a context cancelled on SIGINT.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; cancelling")
		cancel()
	}()
	return ctx, cancel
}

func rolesOf(which string) ([]message.Role, error) {
	switch which {
	case "ref":
		return []message.Role{message.RoleRef}, nil
	case "test":
		return []message.Role{message.RoleTest}, nil
	case "both":
		return []message.Role{message.RoleRef, message.RoleTest}, nil
	default:
		return nil, fmt.Errorf("read: unknown role %q (want ref|test|both)", which)
	}
}

func cmdRead(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("read: missing role argument (ref|test|both)")
	}
	which := args[0]
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	c := registerCommonFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	roles, err := rolesOf(which)
	if err != nil {
		return err
	}
	store, err := loadStore(*c.config)
	if err != nil {
		return err
	}
	cfg := buildConfig(fs, c)
	cfg.Persist = false // spec §4.4: plain reads never touch storage

	eng, err := engine.New(cfg, store, defaultBuilder())
	if err != nil {
		return err
	}
	defer eng.Close()
	if *c.rawMessage {
		eng.SetRawLogger(logRawMessage)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := eng.Init(ctx, roles); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, role := range roles {
		role := role
		for msg := range eng.Read(ctx, role, 0) {
			_ = enc.Encode(struct {
				Role string    `json:"role"`
				Freq float64   `json:"freq"`
				Time time.Time `json:"tstamp"`
			}{role.String(), msg.Freq, msg.Tstamp})
		}
	}
	return nil
}

func cmdCalibrate(args []string) error {
	if len(args) < 1 || args[0] != "test" {
		return fmt.Errorf("calibrate: expected subcommand %q", "test")
	}
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	c := registerCommonFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	store, err := loadStore(*c.config)
	if err != nil {
		return err
	}
	cfg := buildConfig(fs, c)

	eng, err := engine.New(cfg, store, defaultBuilder())
	if err != nil {
		return err
	}
	defer eng.Close()
	if *c.rawMessage {
		eng.SetRawLogger(logRawMessage)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := eng.Init(ctx, []message.Role{message.RoleRef, message.RoleTest}); err != nil {
		return err
	}

	zp, err := eng.Calibrate(ctx, nil)
	if err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	fmt.Printf("final zero point: %.6f\n", zp)
	return nil
}

func cmdWrite(args []string) error {
	if len(args) < 2 || args[0] != "zp" {
		return fmt.Errorf("write: expected %q <value>", "zp")
	}
	zp, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("write: parsing zp value %q: %w", args[1], err)
	}
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	c := registerCommonFlags(fs)
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	store, err := loadStore(*c.config)
	if err != nil {
		return err
	}
	cfg := buildConfig(fs, c)
	cfg.Persist = false

	eng, err := engine.New(cfg, store, defaultBuilder())
	if err != nil {
		return err
	}
	defer eng.Close()
	if *c.rawMessage {
		eng.SetRawLogger(logRawMessage)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := eng.Init(ctx, []message.Role{message.RoleTest}); err != nil {
		return err
	}
	res, err := eng.WriteZP(ctx, zp)
	if err != nil {
		return err
	}
	fmt.Printf("stored=%.6f timeout=%v ok=%v\n", res.Stored, res.Timeout, res.OK)
	return nil
}

func cmdBatch(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("batch: missing subcommand (begin|end|purge|view|orphan|export)")
	}
	sub := args[0]
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	c := registerCommonFlags(fs)
	var comment string
	var limit int
	var from, to string
	var prefix string
	fs.StringVar(&comment, "comment", "", "free-text note stored on batch begin")
	fs.IntVar(&limit, "limit", 0, "max rows for batch view (0 = unlimited)")
	fs.StringVar(&from, "from", "", "export window start, YYYYMMDD (omit for \"all\")")
	fs.StringVar(&to, "to", "", "export window end, YYYYMMDD (omit for \"all\")")
	fs.StringVar(&prefix, "prefix", "zptess", "export file name prefix")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	store, err := loadStore(*c.config)
	if err != nil {
		return err
	}
	cfg := buildConfig(fs, c)

	eng, err := engine.New(cfg, store, defaultBuilder())
	if err != nil {
		return err
	}
	defer eng.Close()
	ctx := context.Background()

	switch sub {
	case "begin":
		var cp *string
		if comment != "" {
			cp = &comment
		}
		begin, err := eng.BatchOpen(ctx, cp)
		if err != nil {
			return err
		}
		fmt.Printf("batch opened at %s\n", begin.UTC().Format(time.RFC3339))
	case "end":
		begin, end, count, err := eng.BatchClose(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("batch %s..%s closed with %d calibrations\n", begin.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), count)
	case "purge":
		n, err := eng.BatchPurge(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d empty batches\n", n)
	case "view":
		rows, err := eng.BatchView(ctx, limit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, b := range rows {
			_ = enc.Encode(b)
		}
	case "orphan":
		sessions, err := eng.BatchOrphan(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(sessions)
	case "export":
		fromT, toT, err := parseWindow(from, to)
		if err != nil {
			return err
		}
		dir, err := eng.Export(ctx, fromT, toT, prefix)
		if err != nil {
			return err
		}
		fmt.Printf("exported to %s\n", dir)
	default:
		return fmt.Errorf("batch: unknown subcommand %q (want begin|end|purge|view|orphan|export)", sub)
	}
	return nil
}

func parseWindow(from, to string) (*time.Time, *time.Time, error) {
	if from == "" && to == "" {
		return nil, nil, nil
	}
	if from == "" || to == "" {
		return nil, nil, fmt.Errorf("export: -from and -to must both be set, or both omitted for \"all\"")
	}
	f, err := time.Parse("20060102", from)
	if err != nil {
		return nil, nil, fmt.Errorf("export: parsing -from: %w", err)
	}
	t, err := time.Parse("20060102", to)
	if err != nil {
		return nil, nil, fmt.Errorf("export: parsing -to: %w", err)
	}
	return &f, &t, nil
}

// logRawMessage is the "-raw-message" debug hook (SPEC_FULL.md SUPPLEMENTED
// feature 2): it writes the raw wire text it is given to stderr. It is
// installed as Reader.RawLogger, which neither Reader nor the bundled
// FakeAdapter invokes, so with the default builder nothing is printed.
func logRawMessage(role message.Role, raw string) {
	fmt.Fprintf(os.Stderr, "[raw %s] %s\n", role, raw)
}

// defaultBuilder constructs a photometer.Builder. The concrete wire
// transport (UDP/TCP/serial) is explicitly out of scope for this module
// (spec §1); until one is wired in, every role is served by a
// FakeAdapter replaying a short demo frequency series, so the CLI itself
// stays runnable end to end.
func defaultBuilder() photometer.Builder {
	return func(model string, role message.Role, endpoint string, opts photometer.BuilderOptions) (photometer.Adapter, error) {
		info := photometer.Info{Model: model, Sensor: opts.Sensor, Endpoint: endpoint}
		if role == message.RoleRef {
			info.Name, info.MAC = "ref-"+model, "00:00:00:00:00:01"
			return photometer.NewFakeAdapter(info, []float64{1000, 1000, 1000, 1000, 1000}), nil
		}
		info.Name, info.MAC = "test-"+model, "00:00:00:00:00:02"
		return photometer.NewFakeAdapter(info, []float64{500, 500, 500, 500, 500}), nil
	}
}
