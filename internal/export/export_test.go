package export_test

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zptess/internal/export"
	"zptess/internal/persistence"
)

func seedCalibration(t *testing.T, repo *persistence.Repository, session time.Time) {
	t.Helper()
	db := repo.DB()
	_, err := db.Exec(`INSERT INTO photometer_t (name, mac, model, sensor, freq_offset) VALUES ('stars1', 'aa:aa', 'TESS-W', 'TSL237', 0)`)
	require.NoError(t, err)
	var photID int64
	require.NoError(t, db.Get(&photID, `SELECT id FROM photometer_t WHERE name='stars1'`))

	_, err = db.Exec(`
		INSERT INTO summary_t (session, role, phot_id, calibration, nrounds, zp_offset, prev_zp, zero_point, zero_point_method, freq, freq_method, mag, upd_flag)
		VALUES (?, 'ref', ?, 'manual', 1, 0, 20.37, 20.37, NULL, 1000, 'median', 13.0, 0)`, session, photID)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO summary_t (session, role, phot_id, calibration, nrounds, zp_offset, prev_zp, zero_point, zero_point_method, freq, freq_method, mag, upd_flag)
		VALUES (?, 'test', ?, 'manual', 1, 0, 20.0, 19.6174, 'mode', 500, 'median', 13.7526, 1)`, session, photID)
	require.NoError(t, err)

	var refSummID, testSummID int64
	require.NoError(t, db.Get(&refSummID, `SELECT id FROM summary_t WHERE session=? AND role='ref'`, session))
	require.NoError(t, db.Get(&testSummID, `SELECT id FROM summary_t WHERE session=? AND role='test'`, session))

	res, err := db.Exec(`
		INSERT INTO rounds_t (summ_id, seq, role, freq, stddev, mag, central, zero_point, nsamples, begin_tstamp, end_tstamp, duration_sec)
		VALUES (?, 1, 'test', 500, 0, 13.7526, 'median', 19.6174, 3, ?, ?, 0)`, testSummID, session, session)
	require.NoError(t, err)
	roundID, err := res.LastInsertId()
	require.NoError(t, err)

	res, err = db.Exec(`INSERT INTO samples_t (summ_id, tstamp, role, freq, seq) VALUES (?, ?, 'test', 500, 1)`, testSummID, session)
	require.NoError(t, err)
	sampleID, err := res.LastInsertId()
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO samples_rounds_t (round_id, sample_id) VALUES (?, ?)`, roundID, sampleID)
	require.NoError(t, err)
}

func TestExportWritesThreeFilesWithFixedHeaders(t *testing.T) {
	repo, err := persistence.Open(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	session := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedCalibration(t, repo, session)

	e := export.New(repo)
	dir, err := e.Export(context.Background(), nil, nil, t.TempDir(), "stars1")
	require.NoError(t, err)

	assert.Equal(t, "from_all_to_all", filepath.Base(dir))

	summaryRows := readCSV(t, filepath.Join(dir, "summary_stars1.csv"))
	require.Len(t, summaryRows, 2) // header + 1 data row
	assert.Len(t, summaryRows[0], 23)

	roundsRows := readCSV(t, filepath.Join(dir, "rounds_stars1.csv"))
	require.Len(t, roundsRows, 2)
	assert.Len(t, roundsRows[0], 12)

	samplesRows := readCSV(t, filepath.Join(dir, "samples_stars1.csv"))
	require.Len(t, samplesRows, 2)
	assert.Len(t, samplesRows[0], 10)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = ';'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}
