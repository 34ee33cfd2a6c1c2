package writer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zptess/internal/photometer"
	"zptess/internal/writer"
)

type recordingObserver struct{ results []writer.Result }

func (o *recordingObserver) OnWriteZP(ctx context.Context, res writer.Result) {
	o.results = append(o.results, res)
}

func TestWriteZPOk(t *testing.T) {
	a := photometer.NewFakeAdapter(photometer.Info{Name: "test", MAC: "bb:bb", ZP: 20.0}, nil)
	w := writer.New(nil, nil)
	obs := &recordingObserver{}

	res, err := w.WriteZP(context.Background(), a, 19.60, obs)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Timeout)
	assert.Equal(t, 19.60, res.Stored)
	assert.Empty(t, res.Comment())
	require.Len(t, obs.results, 1)
}

// S5: verify-mismatch (spec §8 S5).
func TestWriteZPVerifyMismatch(t *testing.T) {
	stored := 19.50
	a := photometer.NewFakeAdapter(photometer.Info{Name: "test", MAC: "bb:bb", ZP: 20.0}, nil)
	a.StoredZPOverride = &stored
	w := writer.New(nil, nil)

	res, err := w.WriteZP(context.Background(), a, 19.60, nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.False(t, res.Timeout)
	assert.Equal(t, 19.50, res.Stored)
	assert.Contains(t, res.Comment(), "mismatch")
}

func TestWriteZPTimeout(t *testing.T) {
	a := photometer.NewFakeAdapter(photometer.Info{Name: "test", MAC: "bb:bb"}, nil)
	a.TimeoutOnSaveZP = true
	w := writer.New(nil, nil)

	res, err := w.WriteZP(context.Background(), a, 19.60, nil)
	require.NoError(t, err)
	assert.True(t, res.Timeout)
	assert.False(t, res.OK)
	assert.Contains(t, res.Comment(), "timeout")
}
