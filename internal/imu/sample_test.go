package imu

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccelerometerMagnitude(t *testing.T) {
	a := NewAccelerometer(0.1, 0.2, 0.98)
	assert.True(t, a.Valid)
	assert.InDelta(t, 1.00519, a.MagnitudeG, 1e-4)

	zero := NewAccelerometer(0, 0, 0)
	assert.Equal(t, float32(0), zero.MagnitudeG)
}

func TestSnapshotInvalidateKeepsVector(t *testing.T) {
	s := Snapshot{TimestampUS: 10, Accelerometer: NewAccelerometer(0, 0, 1)}
	s.Invalidate()
	assert.False(t, s.Accelerometer.Valid)
	assert.Equal(t, float32(1), s.Accelerometer.ZG)
	assert.Equal(t, float32(1), s.Accelerometer.MagnitudeG)
}

func TestSnapshotJSONLayout(t *testing.T) {
	s := Snapshot{
		TimestampUS:   1000,
		Accelerometer: NewAccelerometer(0, 0, 1),
		Stats:         Stats{FIFOLevel: 3, SamplesRead: 64, ODRHz: 26667, BatchIntervalUS: 2400, SamplesPerSecond: 26666.7},
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "timestamp_us")
	acc := m["accelerometer"].(map[string]any)
	for _, k := range []string{"x_g", "y_g", "z_g", "magnitude_g", "valid"} {
		assert.Contains(t, acc, k)
	}
	stats := m["stats"].(map[string]any)
	for _, k := range []string{"fifo_level", "samples_read", "odr_hz", "batch_interval_us", "samples_per_second"} {
		assert.Contains(t, stats, k)
	}
}

func TestMetersPerSecond2(t *testing.T) {
	x, y, z := NewAccelerometer(1, -0.5, 0).MetersPerSecond2()
	assert.InDelta(t, 9.80665, x, 1e-6)
	assert.InDelta(t, -4.903325, y, 1e-6)
	assert.Equal(t, 0.0, z)
}

func TestFullScale(t *testing.T) {
	cases := []struct {
		g    int
		sens float32
	}{
		{2, 0.061},
		{4, 0.122},
		{8, 0.244},
		{16, 0.488},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%dg", tc.g), func(t *testing.T) {
			fs, err := ParseFullScale(tc.g)
			require.NoError(t, err)
			assert.Equal(t, tc.sens, fs.Sensitivity())
		})
	}

	for _, bad := range []int{0, 3, 32, -2, 258} {
		_, err := ParseFullScale(bad)
		assert.ErrorIs(t, err, ErrConfigInvalid, "g=%d", bad)
	}

	// 16384 counts at ±2g is 0.999424 g
	assert.InDelta(t, 0.999424, FullScale2G.ToG(16384), 1e-5)
	assert.Equal(t, "±8g", FullScale8G.String())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("iis3dwb: read status: %w", ErrSensorComm)))
	assert.True(t, Retryable(ErrTimeout))
	assert.True(t, Retryable(ErrSensorNotReady))
	assert.False(t, Retryable(ErrConfigInvalid))
	assert.False(t, Retryable(ErrClosed))
	assert.False(t, Retryable(nil))
}

func TestMagnitudeFloat64Precision(t *testing.T) {
	m := Magnitude(3, 4, 12)
	assert.Equal(t, float32(13), m)
	assert.False(t, math.IsNaN(float64(Magnitude(0, 0, 0))))
}
