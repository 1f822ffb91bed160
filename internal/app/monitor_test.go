package app

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/config"
	"github.com/relabs-tech/vibration_monitor/internal/imu"
	"github.com/relabs-tech/vibration_monitor/internal/sensors"
)

func testMonitorConfig() *config.Config {
	cfg := config.Default()
	cfg.SensorSource = "mock"
	cfg.IMUODRHz = 1000
	cfg.IMUFIFOWatermark = 16
	cfg.WebServerPort = 0
	cfg.WebStaticDir = ""
	cfg.AnalyticsIntervalMS = 10
	return cfg
}

func TestMonitorEndToEnd(t *testing.T) {
	cfg := testMonitorConfig()
	m, err := NewMonitor(cfg, sensors.NewMockSource(sensors.MockOptions{}), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, m.MQTT)
	assert.Nil(t, m.Display)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Analytics.Processed() > 0 }, 3*time.Second, 5*time.Millisecond)

	rec := get(t, m.Web.Handler(), "/api/data")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap imu.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.Accelerometer.Valid)
	assert.InDelta(t, 1.0, snap.Accelerometer.MagnitudeG, 0.2)
	assert.NotEmpty(t, m.Buffer.CopyRecent(imu.MaxSamples))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not stop")
	}

	var out imu.Snapshot
	assert.ErrorIs(t, m.Buffer.GetLatest(&out), imu.ErrClosed)
	assert.Positive(t, m.Loop.Published())
}

func TestNewMonitorRejectsUnsupportedODR(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.IMUODRHz = 12345
	_, err := NewMonitor(cfg, sensors.NewMockSource(sensors.MockOptions{}), zap.NewNop())
	assert.ErrorIs(t, err, imu.ErrConfigInvalid)
}
