package configstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveArgWinsEvenWhenZero(t *testing.T) {
	store := MemoryStore{"calibration": {"rounds": "5"}}
	zero := 0
	v, err := Resolve(&zero, store, "calibration", "rounds", ParseInt)
	require.NoError(t, err)
	assert.Equal(t, 0, v, "explicit zero argument must win over config, not be treated as unset")
}

func TestResolveFallsBackToConfig(t *testing.T) {
	store := MemoryStore{"calibration": {"rounds": "5"}}
	v, err := Resolve[int](nil, store, "calibration", "rounds", ParseInt)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestResolveMissingKeyErrors(t *testing.T) {
	store := MemoryStore{}
	_, err := Resolve[int](nil, store, "calibration", "rounds", ParseInt)
	require.Error(t, err)
}

func TestResolveBoolFalseArgWins(t *testing.T) {
	store := MemoryStore{"test-device": {"old-proto": "true"}}
	f := false
	v, err := Resolve(&f, store, "test-device", "old-proto", ParseBool)
	require.NoError(t, err)
	assert.False(t, v)
}

func TestYAMLStoreRoundTrip(t *testing.T) {
	doc := []byte(`
ref-device:
  model: TESS-W
  endpoint: "udp://127.0.0.1:2255"
ref-stats:
  samples: 75
  period: 5
`)
	store, err := ParseYAML(doc)
	require.NoError(t, err)
	v, ok := store.Load("ref-device", "model")
	require.True(t, ok)
	assert.Equal(t, "TESS-W", v)
	v, ok = store.Load("ref-stats", "samples")
	require.True(t, ok)
	assert.Equal(t, "75", v)
	_, ok = store.Load("missing", "key")
	assert.False(t, ok)
}
