package timegrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestParseInterval(t *testing.T) {
	t.Run("valid tokens", func(t *testing.T) {
		for _, iv := range Intervals {
			got, err := ParseInterval(string(iv))
			require.NoError(t, err)
			assert.Equal(t, iv, got)
		}
	})

	t.Run("case sensitive month", func(t *testing.T) {
		month, err := ParseInterval("1M")
		require.NoError(t, err)
		assert.Equal(t, Month1, month)

		minute, err := ParseInterval("1m")
		require.NoError(t, err)
		assert.Equal(t, Minute1, minute)
	})

	t.Run("invalid tokens", func(t *testing.T) {
		for _, token := range []string{"", "2s", "90m", "1y", "1W", "1D", "monthly"} {
			_, err := ParseInterval(token)
			assert.ErrorIs(t, err, ErrInvalidInterval, "token %q", token)
		}
	})
}

func TestFloorCeil(t *testing.T) {
	cases := []struct {
		name  string
		iv    Interval
		in    string
		floor string
		ceil  string
	}{
		{"hour mid", Hour1, "2024-03-15T14:37:22Z", "2024-03-15T14:00:00Z", "2024-03-15T15:00:00Z"},
		{"hour exact", Hour1, "2024-03-15T14:00:00Z", "2024-03-15T14:00:00Z", "2024-03-15T14:00:00Z"},
		{"minute", Minute5, "2024-03-15T14:37:22Z", "2024-03-15T14:35:00Z", "2024-03-15T14:40:00Z"},
		{"day", Day1, "2024-03-15T14:37:22Z", "2024-03-15T00:00:00Z", "2024-03-16T00:00:00Z"},
		// The 3d grid counts from the Unix epoch: 2024-03-15 is day 19797,
		// divisible by 3, so it is a grid instant while 2024-03-16 is not.
		{"three day", Day3, "2024-03-16T10:00:00Z", "2024-03-15T00:00:00Z", "2024-03-18T00:00:00Z"},
		// Weeks anchor on Monday UTC. 2024-03-15 is a Friday.
		{"week", Week1, "2024-03-15T14:37:22Z", "2024-03-11T00:00:00Z", "2024-03-18T00:00:00Z"},
		{"week exact monday", Week1, "2024-03-11T00:00:00Z", "2024-03-11T00:00:00Z", "2024-03-11T00:00:00Z"},
		{"month", Month1, "2024-03-15T14:37:22Z", "2024-03-01T00:00:00Z", "2024-04-01T00:00:00Z"},
		{"month exact", Month1, "2024-03-01T00:00:00Z", "2024-03-01T00:00:00Z", "2024-03-01T00:00:00Z"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, ts(tc.floor), Floor(ts(tc.in), tc.iv))
			assert.Equal(t, ts(tc.ceil), Ceil(ts(tc.in), tc.iv))
		})
	}
}

func TestFloorIdempotent(t *testing.T) {
	in := ts("2024-03-15T14:37:22Z")
	for _, iv := range Intervals {
		once := Floor(in, iv)
		assert.Equal(t, once, Floor(once, iv), "interval %s", iv)
		assert.True(t, Aligned(once, iv), "interval %s", iv)
	}
}

func TestGridCount(t *testing.T) {
	t.Run("hour week", func(t *testing.T) {
		n := GridCount(ts("2024-01-01T00:00:00Z"), ts("2024-01-08T00:00:00Z"), Hour1)
		assert.Equal(t, 168, n)
	})

	t.Run("half open", func(t *testing.T) {
		n := GridCount(ts("2024-01-01T00:00:00Z"), ts("2024-01-01T01:00:00Z"), Hour1)
		assert.Equal(t, 1, n)
	})

	t.Run("unaligned start", func(t *testing.T) {
		n := GridCount(ts("2024-01-01T00:30:00Z"), ts("2024-01-01T03:00:00Z"), Hour1)
		assert.Equal(t, 2, n)
	})

	t.Run("empty window", func(t *testing.T) {
		assert.Equal(t, 0, GridCount(ts("2024-01-01T00:10:00Z"), ts("2024-01-01T00:20:00Z"), Hour1))
		assert.Equal(t, 0, GridCount(ts("2024-01-02T00:00:00Z"), ts("2024-01-01T00:00:00Z"), Hour1))
	})

	t.Run("months", func(t *testing.T) {
		n := GridCount(ts("2024-01-01T00:00:00Z"), ts("2025-01-01T00:00:00Z"), Month1)
		assert.Equal(t, 12, n)
	})
}

func TestMonthStepCaps(t *testing.T) {
	assert.Equal(t, ts("2024-02-29T00:00:00Z"), Month1.Step(ts("2024-01-31T00:00:00Z")))
	assert.Equal(t, ts("2023-02-28T00:00:00Z"), Month1.Step(ts("2023-01-31T00:00:00Z")))
	assert.Equal(t, ts("2024-04-30T00:00:00Z"), Month1.Step(ts("2024-03-31T00:00:00Z")))
	assert.Equal(t, ts("2024-02-15T00:00:00Z"), Month1.Step(ts("2024-01-15T00:00:00Z")))
}

func TestCloseTime(t *testing.T) {
	open := ts("2024-03-15T14:00:00Z")
	want := ts("2024-03-15T15:00:00Z").Add(-time.Microsecond)
	assert.Equal(t, want, CloseTime(open, Hour1))

	monthOpen := ts("2024-02-01T00:00:00Z")
	wantMonth := ts("2024-03-01T00:00:00Z").Add(-time.Microsecond)
	assert.Equal(t, wantMonth, CloseTime(monthOpen, Month1))
}

func TestIsBarComplete(t *testing.T) {
	open := ts("2024-03-15T14:00:00Z")

	assert.False(t, IsBarComplete(open, Hour1, ts("2024-03-15T14:30:00Z")))
	assert.True(t, IsBarComplete(open, Hour1, ts("2024-03-15T15:00:00Z")))
	assert.True(t, IsBarComplete(open, Hour1, ts("2024-03-15T16:00:00Z")))
}

func TestDetectUnit(t *testing.T) {
	t.Run("milliseconds", func(t *testing.T) {
		unit, err := DetectUnit(1704067200000) // 13 digits
		require.NoError(t, err)
		assert.Equal(t, UnitMillis, unit)
		assert.Equal(t, ts("2024-01-01T00:00:00Z"), FromRaw(1704067200000, unit))
	})

	t.Run("microseconds", func(t *testing.T) {
		unit, err := DetectUnit(1704067200000000) // 16 digits
		require.NoError(t, err)
		assert.Equal(t, UnitMicros, unit)
		assert.Equal(t, ts("2024-01-01T00:00:00Z"), FromRaw(1704067200000000, unit))
	})

	t.Run("unrecognised widths", func(t *testing.T) {
		for _, raw := range []int64{1704067200, 17040672000000, 1, 170406720000000000} {
			_, err := DetectUnit(raw)
			assert.ErrorIs(t, err, ErrUnrecognisedTimestampUnit, "raw %d", raw)
		}
	})
}
