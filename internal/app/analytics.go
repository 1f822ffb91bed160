package app

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// SnapshotSource is the read side of the publish buffer.
type SnapshotSource interface {
	GetLatest(out *imu.Snapshot) error
	CopyRecent(max int) []imu.RawSample
	Changed() <-chan struct{}
}

// VibrationStats summarizes the recent history window. All values are in g.
type VibrationStats struct {
	TimestampUS uint64     `json:"timestamp_us"`
	Samples     int        `json:"samples"`
	MeanG       float64    `json:"mean_g"`
	StdDevG     float64    `json:"stddev_g"`
	RMSG        float64    `json:"rms_g"`
	PeakG       float64    `json:"peak_g"`
	PeakToPeakG float64    `json:"peak_to_peak_g"`
	AxisStdDevG [3]float64 `json:"axis_stddev_g"`
}

// ComputeVibrationStats computes magnitude statistics over samples.
// The per-axis standard deviation is the dynamic (gravity-free) component.
func ComputeVibrationStats(samples []imu.RawSample) VibrationStats {
	n := len(samples)
	if n == 0 {
		return VibrationStats{}
	}
	mag := make([]float64, n)
	axes := [3][]float64{make([]float64, n), make([]float64, n), make([]float64, n)}
	for i, s := range samples {
		mag[i] = float64(s.Accelerometer().MagnitudeG)
		axes[0][i] = float64(s.XG)
		axes[1][i] = float64(s.YG)
		axes[2][i] = float64(s.ZG)
	}

	vs := VibrationStats{
		TimestampUS: samples[n-1].TimestampUS,
		Samples:     n,
		RMSG:        math.Sqrt(floats.Dot(mag, mag) / float64(n)),
		PeakG:       floats.Max(mag),
		PeakToPeakG: floats.Max(mag) - floats.Min(mag),
	}
	if n > 1 {
		vs.MeanG, vs.StdDevG = stat.MeanStdDev(mag, nil)
		for i := range axes {
			vs.AxisStdDevG[i] = stat.StdDev(axes[i], nil)
		}
	} else {
		vs.MeanG = mag[0]
	}
	return vs
}

// Analytics periodically reads the latest snapshot and the history ring and
// keeps the most recent VibrationStats.
type Analytics struct {
	src      SnapshotSource
	interval time.Duration
	idle     time.Duration
	logEvery uint64
	logger   *zap.Logger

	processed atomic.Uint64
	latest    atomic.Pointer[VibrationStats]
}

// NewAnalytics returns an analytics task polling src every interval.
func NewAnalytics(src SnapshotSource, interval time.Duration, logger *zap.Logger) *Analytics {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Analytics{
		src:      src,
		interval: interval,
		idle:     10 * time.Millisecond,
		logEvery: 1000,
		logger:   logger,
	}
}

// Processed returns how many distinct snapshots have been analysed.
func (a *Analytics) Processed() uint64 { return a.processed.Load() }

// Latest returns the most recent statistics.
func (a *Analytics) Latest() (VibrationStats, bool) {
	p := a.latest.Load()
	if p == nil {
		return VibrationStats{}, false
	}
	return *p, true
}

// Run polls until ctx is done or the buffer is closed.
func (a *Analytics) Run(ctx context.Context) error {
	var lastTS uint64
	for {
		changed := a.src.Changed()

		var snap imu.Snapshot
		err := a.src.GetLatest(&snap)
		wait := a.interval
		switch {
		case errors.Is(err, imu.ErrClosed):
			a.logger.Info("buffer closed, analytics stopping", zap.Uint64("processed", a.processed.Load()))
			return nil
		case errors.Is(err, imu.ErrEmpty), err == nil && snap.TimestampUS == lastTS:
			wait = a.idle
		case err != nil:
			return err
		default:
			lastTS = snap.TimestampUS
			a.process(snap)
			changed = nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-changed:
			t.Stop()
		case <-t.C:
		}
	}
}

func (a *Analytics) process(snap imu.Snapshot) {
	vs := ComputeVibrationStats(a.src.CopyRecent(imu.MaxSamples))
	if vs.Samples == 0 {
		return
	}
	a.latest.Store(&vs)

	n := a.processed.Add(1)
	if n == 1 || n%a.logEvery == 0 {
		a.logger.Info("vibration",
			zap.Uint64("processed", n),
			zap.Float32("magnitude_g", snap.Accelerometer.MagnitudeG),
			zap.Float64("rms_g", vs.RMSG),
			zap.Float64("stddev_g", vs.StdDevG),
			zap.Float64("peak_g", vs.PeakG),
			zap.Float32("sps", snap.Stats.SamplesPerSecond),
		)
	}
}
