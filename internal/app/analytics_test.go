package app

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/buffer"
	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

func TestComputeVibrationStatsEmpty(t *testing.T) {
	assert.Equal(t, VibrationStats{}, ComputeVibrationStats(nil))
}

func TestComputeVibrationStatsConstant(t *testing.T) {
	vs := ComputeVibrationStats(testSamples(1, 0, 16, 0, 0, 1))
	assert.Equal(t, 16, vs.Samples)
	assert.Equal(t, uint64(15000), vs.TimestampUS)
	assert.InDelta(t, 1.0, vs.MeanG, 1e-9)
	assert.InDelta(t, 0.0, vs.StdDevG, 1e-9)
	assert.InDelta(t, 1.0, vs.RMSG, 1e-9)
	assert.InDelta(t, 1.0, vs.PeakG, 1e-9)
	assert.InDelta(t, 0.0, vs.PeakToPeakG, 1e-9)
}

func TestComputeVibrationStatsAlternating(t *testing.T) {
	samples := testSamples(1, 0, 4, 0, 0, 0.9)
	samples[1].ZG = 1.1
	samples[3].ZG = 1.1

	vs := ComputeVibrationStats(samples)
	assert.InDelta(t, 1.0, vs.MeanG, 1e-6)
	assert.InDelta(t, math.Sqrt(1.01), vs.RMSG, 1e-6)
	assert.InDelta(t, 1.1, vs.PeakG, 1e-6)
	assert.InDelta(t, 0.2, vs.PeakToPeakG, 1e-6)
	// sample standard deviation of ±0.1 over four points
	assert.InDelta(t, math.Sqrt(0.04/3), vs.StdDevG, 1e-6)
	assert.InDelta(t, math.Sqrt(0.04/3), vs.AxisStdDevG[2], 1e-6)
	assert.InDelta(t, 0.0, vs.AxisStdDevG[0], 1e-9)
}

func TestComputeVibrationStatsSingleSample(t *testing.T) {
	vs := ComputeVibrationStats(testSamples(1, 0, 1, 0, 0, 1))
	assert.Equal(t, 1, vs.Samples)
	assert.InDelta(t, 1.0, vs.MeanG, 1e-9)
	assert.Zero(t, vs.StdDevG)
}

func TestAnalyticsRun(t *testing.T) {
	b := buffer.New()
	a := NewAnalytics(b, 5*time.Millisecond, zap.NewNop())

	_, ok := a.Latest()
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Empty buffer: nothing processed.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, a.Processed())

	publish(b, 1, 32)
	require.Eventually(t, func() bool { return a.Processed() == 1 }, time.Second, time.Millisecond)

	vs, ok := a.Latest()
	require.True(t, ok)
	assert.Equal(t, 32, vs.Samples)
	assert.InDelta(t, imu.Magnitude(0.1, 0.2, 0.98), vs.MeanG, 1e-6)

	// Unchanged snapshot is not processed twice.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(1), a.Processed())

	publish(b, 33, 32)
	require.Eventually(t, func() bool { return a.Processed() == 2 }, time.Second, time.Millisecond)

	// Closing the buffer ends the task.
	require.NoError(t, b.Deinit(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("analytics did not stop after buffer deinit")
	}
}

func TestAnalyticsStopsOnContext(t *testing.T) {
	b := buffer.New()
	a := NewAnalytics(b, time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("analytics did not stop on cancel")
	}
}
