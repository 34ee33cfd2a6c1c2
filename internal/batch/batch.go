// Package batch implements C8 (spec §4.8): the lifecycle manager for
// calibration batches, a named time interval grouping many sessions for
// bulk reporting/export. It operates directly on the persistence
// Repository's database handle, independent of any in-flight calibration.
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zptess/internal/persistence"
	"zptess/internal/zerrors"
)

// Batch mirrors one batch_t row (spec §3).
type Batch struct {
	BeginTstamp  time.Time  `db:"begin_tstamp"`
	EndTstamp    *time.Time `db:"end_tstamp"`
	EmailSent    bool       `db:"email_sent"`
	Calibrations int        `db:"calibrations"`
	Comment      *string    `db:"comment"`
}

// Controller is C8.
type Controller struct {
	repo *persistence.Repository
}

// New constructs a Controller bound to repo.
func New(repo *persistence.Repository) *Controller { return &Controller{repo: repo} }

// IsOpen reports whether any batch row has a null end_tstamp.
func (c *Controller) IsOpen(ctx context.Context) (bool, error) {
	var n int
	if err := c.repo.DB().GetContext(ctx, &n, `SELECT COUNT(*) FROM batch_t WHERE end_tstamp IS NULL`); err != nil {
		return false, fmt.Errorf("batch: is_open: %w", err)
	}
	return n > 0, nil
}

// Open creates a new batch row with a null end_tstamp, failing if one is
// already open (spec §4.8, §7 taxonomy (e)). comment is the SUPPLEMENTED
// optional free-text note (SPEC_FULL.md item 3); nil omits it.
func (c *Controller) Open(ctx context.Context, comment *string) (time.Time, error) {
	open, err := c.IsOpen(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if open {
		return time.Time{}, fmt.Errorf("batch: open while a batch is already open: %w", zerrors.ErrBatchState)
	}
	begin := time.Now().UTC()
	if _, err := c.repo.DB().ExecContext(ctx,
		`INSERT INTO batch_t (begin_tstamp, email_sent, calibrations, comment) VALUES (?,0,0,?)`,
		begin, comment); err != nil {
		return time.Time{}, fmt.Errorf("batch: open: %w", err)
	}
	return begin, nil
}

// Close ends the currently open batch, counting distinct calibration
// sessions falling in [begin, end] regardless of upd_flag (spec §4.8, §8
// invariant 6). A session always has both a ref and a test summary_t row
// (spec §3), so this counts sessions, not rows.
func (c *Controller) Close(ctx context.Context) (begin, end time.Time, count int, err error) {
	var b sql.NullTime
	if err = c.repo.DB().GetContext(ctx, &b, `SELECT begin_tstamp FROM batch_t WHERE end_tstamp IS NULL`); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, time.Time{}, 0, fmt.Errorf("batch: close with none open: %w", zerrors.ErrBatchState)
		}
		return time.Time{}, time.Time{}, 0, fmt.Errorf("batch: close: %w", err)
	}
	begin = b.Time
	end = time.Now().UTC()
	if err = c.repo.DB().GetContext(ctx, &count,
		`SELECT COUNT(DISTINCT session) FROM summary_t WHERE session >= ? AND session <= ?`, begin, end); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("batch: counting summaries: %w", err)
	}
	if _, err = c.repo.DB().ExecContext(ctx,
		`UPDATE batch_t SET end_tstamp=?, calibrations=?, email_sent=0 WHERE begin_tstamp=?`,
		end, count, begin); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("batch: close: %w", err)
	}
	return begin, end, count, nil
}

// Purge deletes closed batches that grouped zero calibrations.
func (c *Controller) Purge(ctx context.Context) (int, error) {
	res, err := c.repo.DB().ExecContext(ctx, `DELETE FROM batch_t WHERE end_tstamp IS NOT NULL AND calibrations=0`)
	if err != nil {
		return 0, fmt.Errorf("batch: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("batch: purge: %w", err)
	}
	return int(n), nil
}

// Orphan returns every Summary session not contained in any closed
// batch's [begin, end] interval (spec §8 invariant 7).
func (c *Controller) Orphan(ctx context.Context) ([]time.Time, error) {
	var sessions []time.Time
	err := c.repo.DB().SelectContext(ctx, &sessions, `
		SELECT DISTINCT session FROM summary_t s
		WHERE NOT EXISTS (
			SELECT 1 FROM batch_t b
			WHERE b.end_tstamp IS NOT NULL
			  AND s.session >= b.begin_tstamp AND s.session <= b.end_tstamp
		)
		ORDER BY session`)
	if err != nil {
		return nil, fmt.Errorf("batch: orphan: %w", err)
	}
	return sessions, nil
}

// View returns batches ordered by begin_tstamp descending. limit <= 0
// means no limit (SUPPLEMENTED feature 5: original_source's CLI paginates
// batch listings; exposed here as a plain limit rather than interactive
// paging, CLI interactivity being out of scope).
func (c *Controller) View(ctx context.Context, limit int) ([]Batch, error) {
	query := `SELECT begin_tstamp, end_tstamp, email_sent, calibrations, comment FROM batch_t ORDER BY begin_tstamp DESC`
	var rows []Batch
	var err error
	if limit > 0 {
		err = c.repo.DB().SelectContext(ctx, &rows, query+` LIMIT ?`, limit)
	} else {
		err = c.repo.DB().SelectContext(ctx, &rows, query)
	}
	if err != nil {
		return nil, fmt.Errorf("batch: view: %w", err)
	}
	return rows, nil
}

// Latest returns the most recently closed batch, or the currently open
// one if no closed batch exists yet (spec §4.8: "for persistence
// binding"). ok is false only when no batch row exists at all.
func (c *Controller) Latest(ctx context.Context) (b Batch, ok bool, err error) {
	const cols = `begin_tstamp, end_tstamp, email_sent, calibrations, comment`
	err = c.repo.DB().GetContext(ctx, &b, `SELECT `+cols+` FROM batch_t WHERE end_tstamp IS NOT NULL ORDER BY begin_tstamp DESC LIMIT 1`)
	if err == nil {
		return b, true, nil
	}
	if err != sql.ErrNoRows {
		return Batch{}, false, fmt.Errorf("batch: latest: %w", err)
	}
	err = c.repo.DB().GetContext(ctx, &b, `SELECT `+cols+` FROM batch_t WHERE end_tstamp IS NULL LIMIT 1`)
	if err == nil {
		return b, true, nil
	}
	if err == sql.ErrNoRows {
		return Batch{}, false, nil
	}
	return Batch{}, false, fmt.Errorf("batch: latest: %w", err)
}
