package photometer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdapterReplaysFrequencies(t *testing.T) {
	a := NewFakeAdapter(Info{Name: "test", MAC: "aa:bb"}, []float64{1000, 1000, 1000})
	a.Tick = time.Millisecond
	defer a.Close()

	q := a.Readings(context.Background())
	for i := 0; i < 3; i++ {
		msg, ok := q.Get()
		require.True(t, ok)
		assert.Equal(t, 1000.0, msg.Freq)
	}
}

func TestFakeAdapterGetInfoTimeout(t *testing.T) {
	a := NewFakeAdapter(Info{}, nil)
	a.TimeoutOnGetInfo = true
	_, err := a.GetInfo(context.Background())
	require.Error(t, err)
}

func TestFakeAdapterSaveZeroPointThenReadBack(t *testing.T) {
	a := NewFakeAdapter(Info{Name: "test", MAC: "aa:bb", ZP: 20.0}, nil)
	require.NoError(t, a.SaveZeroPoint(context.Background(), 19.6))
	info, err := a.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 19.6, info.ZP)
}
