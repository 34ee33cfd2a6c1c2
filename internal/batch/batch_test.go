package batch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zptess/internal/batch"
	"zptess/internal/persistence"
)

func newRepo(t *testing.T) *persistence.Repository {
	t.Helper()
	repo, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// insertSummary inserts the pair of rows a real calibration commit always
// produces for one session (spec §3: one ref row, one test row), so tests
// exercise the same per-session doubling persistence.CommitCalibration does.
func insertSummary(t *testing.T, repo *persistence.Repository, session time.Time) {
	t.Helper()
	for _, role := range []string{"ref", "test"} {
		_, err := repo.DB().Exec(`
			INSERT INTO summary_t (session, role, phot_id, calibration, nrounds, zp_offset, prev_zp, zero_point, freq, freq_method, mag)
			VALUES (?, ?, 1, 'manual', 1, 0, 20, 19.6, 500, 'median', 13.7)`, session.UTC(), role)
		require.NoError(t, err)
	}
}

// S6: batch lifecycle (spec §8 S6).
func TestBatchLifecycle(t *testing.T) {
	repo := newRepo(t)
	c := batch.New(repo)
	ctx := context.Background()

	open, err := c.IsOpen(ctx)
	require.NoError(t, err)
	assert.False(t, open)

	begin, err := c.Open(ctx, nil)
	require.NoError(t, err)

	_, err = c.Open(ctx, nil)
	require.Error(t, err, "opening while open must fail with BatchState")

	insertSummary(t, repo, begin.Add(time.Millisecond))

	_, end, count, err := c.Close(ctx)
	require.NoError(t, err)
	assert.True(t, end.After(begin))
	assert.Equal(t, 1, count)

	_, err = c.Close(ctx)
	require.Error(t, err, "closing while none open must fail with BatchState")
}

func TestBatchPurgeDeletesOnlyEmptyClosedBatches(t *testing.T) {
	repo := newRepo(t)
	c := batch.New(repo)
	ctx := context.Background()

	_, err := c.Open(ctx, nil)
	require.NoError(t, err)
	_, _, count, err := c.Close(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	n, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := c.View(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBatchOrphan(t *testing.T) {
	repo := newRepo(t)
	c := batch.New(repo)
	ctx := context.Background()

	inBatch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	outOfBatch := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	insertSummary(t, repo, inBatch)
	insertSummary(t, repo, outOfBatch)

	_, err := repo.DB().Exec(`INSERT INTO batch_t (begin_tstamp, end_tstamp, email_sent, calibrations) VALUES (?,?,0,1)`,
		inBatch.Add(-time.Hour), inBatch.Add(time.Hour))
	require.NoError(t, err)

	orphans, err := c.Orphan(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.True(t, orphans[0].Equal(outOfBatch))
}

func TestBatchLatestFallsBackToOpenBatch(t *testing.T) {
	repo := newRepo(t)
	c := batch.New(repo)
	ctx := context.Background()

	_, ok, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	begin, err := c.Open(ctx, nil)
	require.NoError(t, err)

	b, ok, err := c.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, b.BeginTstamp.Equal(begin))
	assert.Nil(t, b.EndTstamp)
}
