package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAndStripsWhitespace(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"zeta":  1,
		"alpha": map[string]interface{}{"b": 2, "a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":1,"b":2},"zeta":1}`, string(out))
}

func TestMarshalShortestNumberForm(t *testing.T) {
	out, err := Marshal(map[string]interface{}{"risk": 0.6, "count": 3.0})
	require.NoError(t, err)
	assert.Equal(t, `{"count":3,"risk":0.6}`, string(out))
}

func TestBytesRoundTripIsIdempotent(t *testing.T) {
	noisy := []byte("{\n  \"b\": 1,\t\"a\": \"x\"\n}")
	once, err := Bytes(noisy)
	require.NoError(t, err)
	twice, err := Bytes(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
	assert.Equal(t, `{"a":"x","b":1}`, string(once))
}

func TestTimestampFixedPrecision(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	got := Timestamp(at)
	assert.Equal(t, "2026-03-14T09:26:53.589793Z", got)

	back, err := ParseTimestamp(got)
	require.NoError(t, err)
	assert.Equal(t, got, Timestamp(back))
}

func TestTimestampNormalisesZone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, loc)
	assert.Equal(t, "2026-01-01T10:00:00.000000Z", Timestamp(at))
}
