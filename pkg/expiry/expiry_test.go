package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var stableTime = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func TestResolveKnownKeys(t *testing.T) {
	p := Default()
	tests := []struct {
		key  string
		want time.Duration
	}{
		{"10min", 10 * time.Minute},
		{"1hour", time.Hour},
		{"1day", 24 * time.Hour},
		{"1week", 7 * 24 * time.Hour},
		{"1month", 30 * 24 * time.Hour},
		{"never", 36500 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := p.Resolve(tt.key, stableTime)
			require.Equal(t, stableTime.Add(tt.want), got)
			require.True(t, got.After(stableTime))
		})
	}
}

func TestResolveUnknownFallsBackToDefault(t *testing.T) {
	p := Default()
	for _, key := range []string{"", "2hours", "NEVER", "1 day", "-1h"} {
		require.Equal(t, stableTime.Add(24*time.Hour), p.Resolve(key, stableTime), "key %q", key)
		require.Equal(t, Key1Day, p.Normalize(key))
		require.False(t, p.Valid(key))
	}
}

func TestCustomDefault(t *testing.T) {
	p, err := New(Key1Hour)
	require.NoError(t, err)
	require.Equal(t, stableTime.Add(time.Hour), p.Resolve("bogus", stableTime))

	_, err = New("3days")
	require.Error(t, err)
}

func TestChoicesOrderAndIsolation(t *testing.T) {
	p := Default()
	c := p.Choices()
	require.Len(t, c, 6)
	require.Equal(t, Key10Min, c[0].Key)
	require.Equal(t, KeyNever, c[5].Key)

	c[0].Key = "mutated"
	require.Equal(t, Key10Min, p.Choices()[0].Key)
}
