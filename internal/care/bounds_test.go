package care

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrFloat(v float64) *float64 { return &v }

func TestComputeBounds(t *testing.T) {
	tests := []struct {
		name          string
		value         *float64
		min, max      float64
		wantAvailable bool
		wantOut       bool
		wantDeviation float64
	}{
		{name: "temperature above max", value: ptrFloat(35), min: 10, max: 30, wantAvailable: true, wantOut: true, wantDeviation: 5},
		{name: "below min", value: ptrFloat(12.5), min: 20, max: 60, wantAvailable: true, wantOut: true, wantDeviation: 7.5},
		{name: "inside range", value: ptrFloat(45), min: 20, max: 60, wantAvailable: true},
		{name: "equal to min is in range", value: ptrFloat(20), min: 20, max: 60, wantAvailable: true},
		{name: "equal to max is in range", value: ptrFloat(60), min: 20, max: 60, wantAvailable: true},
		{name: "negative readings", value: ptrFloat(-4), min: -2, max: 5, wantAvailable: true, wantOut: true, wantDeviation: 2},
		{name: "no reading", value: nil, min: 0, max: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := ComputeBounds(tt.value, tt.min, tt.max)

			assert.Equal(t, tt.min, status.Min)
			assert.Equal(t, tt.max, status.Max)
			assert.Equal(t, tt.wantAvailable, status.Available())

			if !tt.wantAvailable {
				assert.Nil(t, status.Value)
				assert.Nil(t, status.OutOfRange)
				assert.Nil(t, status.Deviation)
				return
			}

			require.NotNil(t, status.Value)
			require.NotNil(t, status.OutOfRange)
			require.NotNil(t, status.Deviation)
			assert.Equal(t, *tt.value, *status.Value)
			assert.Equal(t, tt.wantOut, *status.OutOfRange)
			assert.InDelta(t, tt.wantDeviation, *status.Deviation, 1e-9)
		})
	}
}

func TestComputeBounds_InRangeIffWithinInterval(t *testing.T) {
	min, max := -10.0, 40.0
	for v := -30.0; v <= 60.0; v += 0.5 {
		status := ComputeBounds(ptrFloat(v), min, max)
		inside := min <= v && v <= max

		require.NotNil(t, status.OutOfRange)
		assert.Equal(t, !inside, *status.OutOfRange, "value %v", v)
		if inside {
			assert.Zero(t, *status.Deviation)
		} else {
			assert.Greater(t, *status.Deviation, 0.0)
		}
	}
}

func TestComputeBounds_DoesNotAliasInput(t *testing.T) {
	v := 50.0
	status := ComputeBounds(&v, 0, 100)
	v = 200

	require.NotNil(t, status.Value)
	assert.Equal(t, 50.0, *status.Value)
}

func TestSnapshot_Counts(t *testing.T) {
	var snap Snapshot
	snap.Tasks.Set(TaskWatering, TaskStatus{IsDue: true})
	snap.Env.Set(MetricMoisture, ComputeBounds(ptrFloat(5), 20, 60))
	snap.Env.Set(MetricTemperature, ComputeBounds(ptrFloat(21), 10, 30))
	snap.Env.Set(MetricHumidity, ComputeBounds(nil, 0, 100))

	assert.Equal(t, 1, snap.DueCount())
	assert.Equal(t, 1, snap.OutOfRangeCount())

	status, ok := snap.Env.Get(MetricMoisture)
	require.True(t, ok)
	assert.Equal(t, 15.0, *status.Deviation)

	_, ok = snap.Tasks.Get(TaskKind("pruning"))
	assert.False(t, ok)
}
