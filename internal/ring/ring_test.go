package ring

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zptess/internal/zerrors"
)

func extractFloat(v float64) float64 { return v }

func TestAppendEvictsOldest(t *testing.T) {
	r := New[float64](3, CentralMean, extractFloat)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		r.Append(v)
	}
	require.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{3, 4, 5}, r.Frequencies())
}

func TestLenNeverExceedsCapacityForAnyN(t *testing.T) {
	for _, c := range []int{1, 2, 5} {
		for _, n := range []int{0, 1, c, c + 1, c * 3} {
			r := New[float64](c, CentralMean, extractFloat)
			for i := 0; i < n; i++ {
				r.Append(float64(i))
			}
			want := n
			if want > c {
				want = c
			}
			require.Equalf(t, want, r.Len(), "capacity=%d n=%d", c, n)
		}
	}
}

func TestStatisticsConstantStream(t *testing.T) {
	for _, central := range []Central{CentralMedian, CentralMean, CentralMode} {
		r := New[float64](4, central, extractFloat)
		r.Append(7)
		r.Append(7)
		r.Append(7)
		stats, err := r.Statistics()
		require.NoError(t, err)
		assert.Equal(t, 7.0, stats.Central)
		assert.Equal(t, 0.0, stats.Stdev)
	}
}

func TestStatisticsTwoDistinctValues(t *testing.T) {
	a, b := 10.0, 20.0
	want := math.Abs(a-b) / math.Sqrt2

	r := New[float64](2, CentralMedian, extractFloat)
	r.Append(a)
	r.Append(b)
	stats, err := r.Statistics()
	require.NoError(t, err)
	assert.Equal(t, math.Min(a, b), stats.Central)
	assert.InDelta(t, want, stats.Stdev, 1e-9)

	r2 := New[float64](2, CentralMean, extractFloat)
	r2.Append(a)
	r2.Append(b)
	stats2, err := r2.Statistics()
	require.NoError(t, err)
	assert.Equal(t, (a+b)/2, stats2.Central)
	assert.InDelta(t, want, stats2.Stdev, 1e-9)

	r3 := New[float64](2, CentralMode, extractFloat)
	r3.Append(a)
	r3.Append(b)
	_, err = r3.Statistics()
	require.Error(t, err)
	assert.True(t, errors.Is(err, zerrors.ErrStatistics))
}

func TestStatisticsRequiresTwoSamples(t *testing.T) {
	r := New[float64](4, CentralMean, extractFloat)
	r.Append(1)
	_, err := r.Statistics()
	require.Error(t, err)
	assert.True(t, errors.Is(err, zerrors.ErrStatistics))
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New[float64](3, CentralMean, extractFloat)
	r.Append(1)
	r.Append(2)
	snap := r.Snapshot()
	r.Append(3)
	r.Append(4)
	assert.Equal(t, []float64{1, 2}, snap)
	assert.Equal(t, []float64{2, 3, 4}, r.Frequencies())
}

func TestAtIndexingSupportsNegative(t *testing.T) {
	r := New[float64](3, CentralMean, extractFloat)
	r.Append(1)
	r.Append(2)
	r.Append(3)
	assert.Equal(t, 1.0, r.At(0))
	assert.Equal(t, 3.0, r.At(-1))
}

func TestBestUniqueModeWins(t *testing.T) {
	v, method := Best([]float64{19.60, 19.62, 19.60})
	assert.Equal(t, 19.60, v)
	assert.Equal(t, CentralMode, method)
}

func TestBestFallsBackToMedianLow(t *testing.T) {
	v, method := Best([]float64{19.60, 19.62, 19.64})
	assert.Equal(t, 19.62, v)
	assert.Equal(t, CentralMedian, method)
}

func TestPopFront(t *testing.T) {
	r := New[float64](2, CentralMean, extractFloat)
	r.Append(1)
	r.Append(2)
	v, ok := r.PopFront()
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, 1, r.Len())
}
