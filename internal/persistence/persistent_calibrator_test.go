package persistence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zptess/internal/calibrator"
	"zptess/internal/configstore"
	"zptess/internal/message"
	"zptess/internal/persistence"
	"zptess/internal/photometer"
	"zptess/internal/reader"
	"zptess/internal/ring"
	"zptess/internal/writer"
)

func ptr[T any](v T) *T { return &v }

func newTestCalibrator(t *testing.T, refFreqs, testFreqs []float64, capacity int, zpAbs float64) *calibrator.Calibrator {
	t.Helper()
	adapters := map[message.Role]*photometer.FakeAdapter{
		message.RoleRef:  photometer.NewFakeAdapter(photometer.Info{Name: "ref-phot", MAC: "aa:aa", Model: "TESS-W", Sensor: "TSL237", ZP: zpAbs}, refFreqs),
		message.RoleTest: photometer.NewFakeAdapter(photometer.Info{Name: "test-phot", MAC: "bb:bb", Model: "TESS-W", Sensor: "TSL237", ZP: 20.0}, testFreqs),
	}
	for _, a := range adapters {
		a.Tick = time.Millisecond
	}
	builder := photometer.Builder(func(model string, role message.Role, endpoint string, opts photometer.BuilderOptions) (photometer.Adapter, error) {
		return adapters[role], nil
	})
	store := configstore.MemoryStore{
		"ref-device":  {"model": "TESS-W", "sensor": "TSL237", "old-proto": "false", "endpoint": "udp://ref", "zp": fmt.Sprintf("%v", zpAbs)},
		"test-device": {"model": "TESS-W", "sensor": "TSL237", "old-proto": "false", "endpoint": "udp://test"},
		"ref-stats":   {"samples": fmt.Sprintf("%d", capacity), "period": "0", "central": string(ring.CentralMedian)},
		"test-stats":  {"samples": fmt.Sprintf("%d", capacity), "period": "0", "central": string(ring.CentralMedian)},
		"calibration": {"zp_fict": "20.5", "rounds": "1", "offset": "0.0", "author": "tester"},
	}
	r := reader.New(store, builder, nil)
	args := map[message.Role]reader.RoleArgs{
		message.RoleRef:  {Samples: ptr(capacity)},
		message.RoleTest: {Samples: ptr(capacity)},
	}
	require.NoError(t, r.Init(context.Background(), []message.Role{message.RoleRef, message.RoleTest}, args))
	return calibrator.New(r, store, nil, nil)
}

// TestPersistentCalibratorCommitsFullGraph exercises spec §8 invariant 5:
// after CAL_END, sample rows equal the union of per-round snapshots and
// round/sample link counts equal the sum of per-round containment counts.
func TestPersistentCalibratorCommitsFullGraph(t *testing.T) {
	repo, err := persistence.Open(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	c := newTestCalibrator(t, []float64{1000, 1000, 1000}, []float64{500, 500, 500}, 3, 20.37)
	w := writer.New(nil, nil)
	pc := persistence.New(c, repo, w, nil, nil)

	finalZP, err := pc.Calibrate(context.Background(), calibrator.CalibrateArgs{Kind: calibrator.TypeManual, Version: "v1"}, nil)
	require.NoError(t, err)
	require.InDelta(t, 19.6174, finalZP, 1e-3)

	var summaryCount int
	require.NoError(t, repo.DB().Get(&summaryCount, `SELECT COUNT(*) FROM summary_t`))
	require.Equal(t, 2, summaryCount)

	var testUpdFlag bool
	require.NoError(t, repo.DB().Get(&testUpdFlag, `SELECT upd_flag FROM summary_t WHERE role='test'`))
	require.True(t, testUpdFlag)

	var refSampleCount int
	require.NoError(t, repo.DB().Get(&refSampleCount, `SELECT COUNT(*) FROM samples_t WHERE role='ref'`))
	require.Equal(t, 3, refSampleCount) // single round, 3 distinct tstamps

	var linkCount int
	require.NoError(t, repo.DB().Get(&linkCount, `SELECT COUNT(*) FROM samples_rounds_t`))
	require.Equal(t, 6, linkCount) // 3 ref samples + 3 test samples, one round each

	var photCount int
	require.NoError(t, repo.DB().Get(&photCount, `SELECT COUNT(*) FROM photometer_t`))
	require.Equal(t, 2, photCount)
}

// TestPersistentCalibratorAbortPersistsNothing covers spec §5: a
// calibration that never reaches CAL_END must leave no trace.
func TestPersistentCalibratorAbortPersistsNothing(t *testing.T) {
	repo, err := persistence.Open(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	// REF feed of zeros degenerates every round (freq - freq_offset <= 0),
	// so no round ever produces a usable zero point and the summary phase
	// never fires.
	c := newTestCalibrator(t, []float64{0, 0, 0}, []float64{500, 500, 500}, 3, 20.37)
	pc := persistence.New(c, repo, nil, nil, nil)

	_, err = pc.Calibrate(context.Background(), calibrator.CalibrateArgs{}, nil)
	require.Error(t, err)

	var summaryCount int
	require.NoError(t, repo.DB().Get(&summaryCount, `SELECT COUNT(*) FROM summary_t`))
	require.Equal(t, 0, summaryCount)

	var photCount int
	require.NoError(t, repo.DB().Get(&photCount, `SELECT COUNT(*) FROM photometer_t`))
	require.Equal(t, 0, photCount)
}
