// Package export implements C9 (spec §4.9, §6.4): streaming the persisted
// summaries, rounds, and samples of a time window (or "all") to three
// delimited text files. Column order and counts are fixed by spec §6.4;
// this package only decides how to query them out of the Repository.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"zptess/internal/persistence"
)

// Exporter is C9.
type Exporter struct {
	repo *persistence.Repository
}

// New constructs an Exporter bound to repo.
func New(repo *persistence.Repository) *Exporter { return &Exporter{repo: repo} }

var summaryHeader = []string{
	"model", "name", "mac", "firmware", "sensor", "session", "calibration", "calversion",
	"ref_mag", "ref_freq", "test_mag", "test_freq", "mag_diff", "raw_zero_point", "offset",
	"zero_point", "prev_zp", "filter", "plug", "box", "collector", "author", "comment",
}

var roundsHeader = []string{
	"Model", "Name", "MAC", "Session (UTC)", "Role", "Round", "Freq (Hz)", "σ (Hz)", "Mag", "ZP", "# Samples", "ΔT (s.)",
}

var samplesHeader = []string{
	"Model", "Name", "MAC", "Session (UTC)", "Role", "Round", "Timestamp", "Freq (Hz)", "Box Temp (℃)", "Sequence #",
}

type summaryRow struct {
	Model        string          `db:"model"`
	Name         string          `db:"name"`
	MAC          string          `db:"mac"`
	Firmware     *string         `db:"firmware"`
	Sensor       string          `db:"sensor"`
	Session      time.Time       `db:"session"`
	Calibration  string          `db:"calibration"`
	Calversion   *string         `db:"calversion"`
	RefMag       float64         `db:"ref_mag"`
	RefFreq      float64         `db:"ref_freq"`
	TestMag      float64         `db:"test_mag"`
	TestFreq     float64         `db:"test_freq"`
	MagDiff      float64         `db:"mag_diff"`
	RawZeroPoint float64         `db:"raw_zero_point"`
	Offset       float64         `db:"offset"`
	ZeroPoint    float64         `db:"zero_point"`
	PrevZP       float64         `db:"prev_zp"`
	Filter       *string         `db:"filter"`
	Plug         *string         `db:"plug"`
	Box          *string         `db:"box"`
	Collector    *string         `db:"collector"`
	Author       *string         `db:"author"`
	Comment      *string         `db:"comment"`
}

const summaryQuery = `
SELECT
	p.model AS model, p.name AS name, p.mac AS mac, p.firmware AS firmware, p.sensor AS sensor,
	t.session AS session, t.calibration AS calibration, t.calversion AS calversion,
	r.mag AS ref_mag, r.freq AS ref_freq,
	t.mag AS test_mag, t.freq AS test_freq,
	(r.mag - t.mag) AS mag_diff,
	(t.zero_point - t.zp_offset) AS raw_zero_point,
	t.zp_offset AS offset,
	t.zero_point AS zero_point,
	t.prev_zp AS prev_zp,
	p.filter AS filter, p.plug AS plug, p.box AS box, p.collector AS collector,
	t.author AS author, t.comment AS comment
FROM summary_t t
JOIN summary_t r ON r.session = t.session AND r.role = 'ref'
JOIN photometer_t p ON p.id = t.phot_id
WHERE t.role = 'test' AND t.upd_flag = 1
`

// exportSummaries implements spec §4.9: filtered to upd_flag=true, and
// (in "all" mode, both from and to nil) de-duplicated to the latest
// session per photometer name (SUPPLEMENTED feature 4).
func (e *Exporter) exportSummaries(ctx context.Context, from, to *time.Time, path string) error {
	query := summaryQuery
	var args []interface{}
	if from != nil && to != nil {
		query += ` AND t.session >= ? AND t.session <= ?`
		args = append(args, from.UTC(), to.UTC())
	}
	query += ` ORDER BY t.session DESC`

	var rows []summaryRow
	if err := e.repo.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("export: querying summaries: %w", err)
	}

	if from == nil && to == nil {
		rows = latestPerName(rows)
	}

	return writeCSV(path, summaryHeader, func(w *csv.Writer) error {
		for _, r := range rows {
			if err := w.Write([]string{
				r.Model, r.Name, r.MAC, str(r.Firmware), r.Sensor,
				r.Session.UTC().Format(time.RFC3339), r.Calibration, str(r.Calversion),
				f(r.RefMag), f(r.RefFreq), f(r.TestMag), f(r.TestFreq), f(r.MagDiff),
				f(r.RawZeroPoint), f(r.Offset), f(r.ZeroPoint), f(r.PrevZP),
				str(r.Filter), str(r.Plug), str(r.Box), str(r.Collector), str(r.Author), str(r.Comment),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// latestPerName keeps, for each photometer name, only the row with the
// greatest session (rows are already ordered by session descending, so
// the first occurrence per name wins).
func latestPerName(rows []summaryRow) []summaryRow {
	seen := make(map[string]bool, len(rows))
	out := make([]summaryRow, 0, len(rows))
	for _, r := range rows {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out
}

type roundRow struct {
	Model       string          `db:"model"`
	Name        string          `db:"name"`
	MAC         string          `db:"mac"`
	Session     time.Time       `db:"session"`
	Role        string          `db:"role"`
	Seq         int             `db:"seq"`
	Freq        *float64        `db:"freq"`
	Stddev      *float64        `db:"stddev"`
	Mag         *float64        `db:"mag"`
	ZeroPoint   *float64        `db:"zero_point"`
	NSamples    int             `db:"nsamples"`
	DurationSec *float64        `db:"duration_sec"`
}

// roundsAndSamplesFilter is the well-known-reference-photometer exception
// (spec §4.9): REF rows are always included regardless of upd_flag (which
// is always false for REF, spec §3), TEST rows only when upd_flag=true.
const roundsAndSamplesFilter = `(s.role = 'ref' OR (s.role = 'test' AND s.upd_flag = 1))`

func (e *Exporter) exportRounds(ctx context.Context, from, to *time.Time, path string) error {
	query := `
		SELECT p.model AS model, p.name AS name, p.mac AS mac, s.session AS session, rd.role AS role,
		       rd.seq AS seq, rd.freq AS freq, rd.stddev AS stddev, rd.mag AS mag, rd.zero_point AS zero_point,
		       rd.nsamples AS nsamples, rd.duration_sec AS duration_sec
		FROM rounds_t rd
		JOIN summary_t s ON s.id = rd.summ_id
		JOIN photometer_t p ON p.id = s.phot_id
		WHERE ` + roundsAndSamplesFilter
	var args []interface{}
	if from != nil && to != nil {
		query += ` AND s.session >= ? AND s.session <= ?`
		args = append(args, from.UTC(), to.UTC())
	}
	query += ` ORDER BY s.session, rd.role, rd.seq`

	var rows []roundRow
	if err := e.repo.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("export: querying rounds: %w", err)
	}

	return writeCSV(path, roundsHeader, func(w *csv.Writer) error {
		for _, r := range rows {
			if err := w.Write([]string{
				r.Model, r.Name, r.MAC, r.Session.UTC().Format(time.RFC3339), r.Role,
				fmt.Sprintf("%d", r.Seq), fp(r.Freq), fp(r.Stddev), fp(r.Mag), fp(r.ZeroPoint),
				fmt.Sprintf("%d", r.NSamples), fp(r.DurationSec),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

type sampleRow struct {
	Model   string    `db:"model"`
	Name    string    `db:"name"`
	MAC     string    `db:"mac"`
	Session time.Time `db:"session"`
	Role    string    `db:"role"`
	Round   int       `db:"round_seq"`
	Tstamp  time.Time `db:"tstamp"`
	Freq    float64   `db:"freq"`
	Tamb    *float64  `db:"tamb"`
	Seq     uint64    `db:"seq"`
}

func (e *Exporter) exportSamples(ctx context.Context, from, to *time.Time, path string) error {
	query := `
		SELECT p.model AS model, p.name AS name, p.mac AS mac, s.session AS session, sm.role AS role,
		       rd.seq AS round_seq, sm.tstamp AS tstamp, sm.freq AS freq, sm.tamb AS tamb, sm.seq AS seq
		FROM samples_rounds_t sr
		JOIN rounds_t rd ON rd.id = sr.round_id
		JOIN samples_t sm ON sm.id = sr.sample_id
		JOIN summary_t s ON s.id = sm.summ_id
		JOIN photometer_t p ON p.id = s.phot_id
		WHERE ` + roundsAndSamplesFilter
	var args []interface{}
	if from != nil && to != nil {
		query += ` AND s.session >= ? AND s.session <= ?`
		args = append(args, from.UTC(), to.UTC())
	}
	query += ` ORDER BY s.session, sm.role, rd.seq, sm.tstamp`

	var rows []sampleRow
	if err := e.repo.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("export: querying samples: %w", err)
	}

	return writeCSV(path, samplesHeader, func(w *csv.Writer) error {
		for _, r := range rows {
			if err := w.Write([]string{
				r.Model, r.Name, r.MAC, r.Session.UTC().Format(time.RFC3339), r.Role,
				fmt.Sprintf("%d", r.Round), r.Tstamp.UTC().Format(time.RFC3339Nano), f(r.Freq), fp(r.Tamb),
				fmt.Sprintf("%d", r.Seq),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Export streams the three delimited files for the given window (from/to
// both nil means "all") into baseDir/from_<YYYYMMDD>_to_<YYYYMMDD>/, named
// {summary,rounds,samples}_<prefix>.csv (spec §6.4). Returns the directory
// written.
func (e *Exporter) Export(ctx context.Context, from, to *time.Time, baseDir, prefix string) (string, error) {
	dir := filepath.Join(baseDir, directoryName(from, to))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: creating %s: %w", dir, err)
	}
	if err := e.exportSummaries(ctx, from, to, filepath.Join(dir, fmt.Sprintf("summary_%s.csv", prefix))); err != nil {
		return "", err
	}
	if err := e.exportRounds(ctx, from, to, filepath.Join(dir, fmt.Sprintf("rounds_%s.csv", prefix))); err != nil {
		return "", err
	}
	if err := e.exportSamples(ctx, from, to, filepath.Join(dir, fmt.Sprintf("samples_%s.csv", prefix))); err != nil {
		return "", err
	}
	return dir, nil
}

func directoryName(from, to *time.Time) string {
	fromStr, toStr := "all", "all"
	if from != nil {
		fromStr = from.UTC().Format("20060102")
	}
	if to != nil {
		toStr = to.UTC().Format("20060102")
	}
	return fmt.Sprintf("from_%s_to_%s", fromStr, toStr)
}

func writeCSV(path string, header []string, body func(w *csv.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.Write(header); err != nil {
		return fmt.Errorf("export: writing header to %s: %w", path, err)
	}
	if err := body(w); err != nil {
		return fmt.Errorf("export: writing rows to %s: %w", path, err)
	}
	w.Flush()
	return w.Error()
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func f(v float64) string { return fmt.Sprintf("%.6f", v) }

func fp(v *float64) string {
	if v == nil {
		return ""
	}
	return f(*v)
}
