package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"zptess/internal/message"
	"zptess/internal/ring"
	"zptess/internal/zerrors"
)

// Repository owns the database connection and the schema (spec §6.3). It
// is deliberately thin over database/sql/sqlx — no ORM, the schema is
// small and fixed, grounded the way other_examples' cdc-sink resolver
// keeps its schema as an inline SQL string executed once.
type Repository struct {
	db *sqlx.DB
}

// Open connects to a sqlite database at dsn (e.g. "file:zptess.db" or
// ":memory:") using the pure-Go modernc.org/sqlite driver and applies the
// schema idempotently.
func Open(dsn string) (*Repository, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect: %w", err)
	}
	// Database access is serialised through a single session per commit
	// (spec §5); a single connection also keeps a ":memory:" dsn from
	// silently fanning out into multiple independent in-memory databases.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: applying schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close releases the underlying connection.
func (r *Repository) Close() error { return r.db.Close() }

// DB exposes the underlying *sqlx.DB for Exporter's read-only queries and
// BatchController's batch_t reads and writes, which need direct SQL access
// beyond the commit path.
func (r *Repository) DB() *sqlx.DB { return r.db }

type photometerRow struct {
	ID         int64          `db:"id"`
	Name       string         `db:"name"`
	MAC        string         `db:"mac"`
	Model      string         `db:"model"`
	Sensor     string         `db:"sensor"`
	FreqOffset float64        `db:"freq_offset"`
	Firmware   sql.NullString `db:"firmware"`
	Filter     sql.NullString `db:"filter"`
	Plug       sql.NullString `db:"plug"`
	Box        sql.NullString `db:"box"`
	Collector  sql.NullString `db:"collector"`
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// findOrCreatePhotometer implements spec §4.6 step 1: existing rows are
// returned unchanged; a new row takes model/sensor/freq_offset/firmware
// from info.
func findOrCreatePhotometer(ctx context.Context, tx *sqlx.Tx, name, mac string, rest photometerRow) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM photometer_t WHERE name=? AND mac=?`, name, mac)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("persistence: lookup photometer: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO photometer_t (name, mac, model, sensor, freq_offset, firmware, filter, plug, box, collector)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		name, mac, rest.Model, rest.Sensor, rest.FreqOffset, rest.Firmware, rest.Filter, rest.Plug, rest.Box, rest.Collector)
	if err != nil {
		return 0, fmt.Errorf("persistence: insert photometer: %w", err)
	}
	return res.LastInsertId()
}

type summaryRow struct {
	Session         time.Time
	Role            message.Role
	PhotID          int64
	Calibration     string
	Calversion      string
	Author          string
	NRounds         int
	ZPOffset        float64
	PrevZP          float64
	ZeroPoint       float64
	ZeroPointMethod sql.NullString
	Freq            float64
	FreqMethod      ring.Central
	Mag             float64
}

func insertSummary(ctx context.Context, tx *sqlx.Tx, row summaryRow) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO summary_t
			(session, role, phot_id, calibration, calversion, author, nrounds,
			 zp_offset, prev_zp, zero_point, zero_point_method, freq, freq_method, mag,
			 upd_flag, comment)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,NULL)`,
		row.Session.UTC(), string(row.Role), row.PhotID, row.Calibration, row.Calversion, row.Author, row.NRounds,
		row.ZPOffset, row.PrevZP, row.ZeroPoint, row.ZeroPointMethod, row.Freq, string(row.FreqMethod), row.Mag)
	if err != nil {
		return 0, fmt.Errorf("persistence: insert summary: %w", err)
	}
	return res.LastInsertId()
}

type roundRow struct {
	SummID      int64
	Seq         int
	Role        message.Role
	Freq        sql.NullFloat64
	Stddev      sql.NullFloat64
	Mag         sql.NullFloat64
	Central     ring.Central
	ZeroPoint   sql.NullFloat64
	NSamples    int
	BeginTstamp sql.NullTime
	EndTstamp   sql.NullTime
	DurationSec sql.NullFloat64
}

func insertRound(ctx context.Context, tx *sqlx.Tx, row roundRow) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO rounds_t
			(summ_id, seq, role, freq, stddev, mag, central, zero_point,
			 nsamples, begin_tstamp, end_tstamp, duration_sec)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.SummID, row.Seq, string(row.Role), row.Freq, row.Stddev, row.Mag, string(row.Central), row.ZeroPoint,
		row.NSamples, row.BeginTstamp, row.EndTstamp, row.DurationSec)
	if err != nil {
		return 0, fmt.Errorf("persistence: insert round: %w", err)
	}
	return res.LastInsertId()
}

type sampleRow struct {
	SummID int64
	Tstamp time.Time
	Role   message.Role
	Freq   float64
	Tamb   sql.NullFloat64
	Tsky   sql.NullFloat64
	Seq    uint64
}

// findOrCreateSample inserts a sample row, or returns the id of the
// existing row sharing its (tstamp, role) key — samples are deduplicated
// across round snapshots by that key (spec §3 Relationships, §4.6 step 4).
func findOrCreateSample(ctx context.Context, tx *sqlx.Tx, row sampleRow) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM samples_t WHERE tstamp=? AND role=?`, row.Tstamp.UTC(), string(row.Role))
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("persistence: lookup sample: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO samples_t (summ_id, tstamp, role, freq, tamb, tsky, seq)
		 VALUES (?,?,?,?,?,?,?)`,
		row.SummID, row.Tstamp.UTC(), string(row.Role), row.Freq, row.Tamb, row.Tsky, row.Seq)
	if err != nil {
		return 0, fmt.Errorf("persistence: insert sample: %w", err)
	}
	return res.LastInsertId()
}

func linkRoundSample(ctx context.Context, tx *sqlx.Tx, roundID, sampleID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO samples_rounds_t (round_id, sample_id) VALUES (?,?)`, roundID, sampleID)
	if err != nil {
		return fmt.Errorf("persistence: link round/sample: %w", err)
	}
	return nil
}

// withTx runs fn inside one transaction, committing on success and always
// rolling back on error or panic (spec §4.6: "all steps occur inside one
// transaction; on any error the entire calibration record is rolled back").
func (r *Repository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", zerrors.ErrPersistence, err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return fmt.Errorf("%w: %v", zerrors.ErrPersistence, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", zerrors.ErrPersistence, err)
	}
	return nil
}

// SetSummaryWriteResult updates upd_flag/comment on the TEST summary row
// after the post-commit write_zp step (spec §4.6 last bullet). REF's
// upd_flag/comment are never touched (always false/empty).
func (r *Repository) SetSummaryWriteResult(ctx context.Context, summaryID int64, ok bool, comment string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE summary_t SET upd_flag=?, comment=? WHERE id=?`, ok, nullableComment(comment), summaryID)
	if err != nil {
		return fmt.Errorf("persistence: updating write_zp result: %w", err)
	}
	return nil
}

func nullableComment(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
