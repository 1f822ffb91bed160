// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
	"github.com/relabs-tech/vibration_monitor/internal/sensors"
)

const (
	defaultPollInterval = 200 * time.Microsecond
	overflowLogEvery    = 100
	highLevelLogEvery   = 1000
)

// ReaderConfig is validated by NewReader.
type ReaderConfig struct {
	ODRHz        float64
	Watermark    uint16
	FullScale    imu.FullScale
	ReadTimeout  time.Duration // bound on the watermark wait
	PollInterval time.Duration // status polling step for sources without an interrupt
}

// Batch is the result of one FIFO drain. Samples is shared with
// CopyRecentSamples and must not be modified.
type Batch struct {
	Snapshot imu.Snapshot
	Samples  []imu.RawSample
}

// Reader drains a Source and turns raw FIFO entries into snapshots.
// ReadBatch, ReadAll, ReadAccelerometer and Deinit must be called from the
// goroutine that owns the reader; the accessors, CopyRecentSamples and
// SetFullScale are safe from any goroutine.
type Reader struct {
	src    sensors.Source
	waiter sensors.WatermarkWaiter
	caps   sensors.Capabilities
	cfg    ReaderConfig
	log    *zap.Logger

	scale        imu.FullScale
	activeScale  atomic.Uint32
	pendingScale atomic.Uint32 // 0 when nothing is pending

	raw     [imu.MaxSamples]sensors.RawReading
	nextSeq uint32
	lastUS  uint64
	hasLast bool
	lastVec imu.Accelerometer

	recent    atomic.Pointer[[]imu.RawSample]
	overflows atomic.Uint64
	highLevel uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewReader identifies and configures src.
func NewReader(src sensors.Source, cfg ReaderConfig, logger *zap.Logger) (*Reader, error) {
	caps := src.Capabilities()
	if !caps.SupportsODR(cfg.ODRHz) {
		return nil, fmt.Errorf("%w: ODR %.1f Hz not supported by %s (supported: %v)", imu.ErrConfigInvalid, cfg.ODRHz, caps.Name, caps.ODRs)
	}
	if cfg.Watermark == 0 || cfg.Watermark > caps.FIFODepth {
		return nil, fmt.Errorf("%w: watermark %d outside 1..%d", imu.ErrConfigInvalid, cfg.Watermark, caps.FIFODepth)
	}
	if cfg.FullScale == 0 {
		cfg.FullScale = imu.FullScale2G
	}
	if !cfg.FullScale.Valid() {
		return nil, fmt.Errorf("%w: full scale %d g", imu.ErrConfigInvalid, cfg.FullScale)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 20 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	if err := src.Identify(); err != nil {
		if !errors.Is(err, imu.ErrSensorNotReady) {
			err = fmt.Errorf("%w: %w", imu.ErrSensorNotReady, err)
		}
		return nil, err
	}
	if err := src.Configure(sensors.SourceConfig{ODRHz: cfg.ODRHz, Watermark: cfg.Watermark, FullScale: cfg.FullScale}); err != nil {
		if !errors.Is(err, imu.ErrConfigInvalid) && !errors.Is(err, imu.ErrSensorComm) {
			err = fmt.Errorf("%w: %w", imu.ErrSensorComm, err)
		}
		return nil, err
	}

	r := &Reader{
		src:   src,
		caps:  caps,
		cfg:   cfg,
		log:   logger,
		scale: cfg.FullScale,
	}
	r.activeScale.Store(uint32(cfg.FullScale))
	if w, ok := src.(sensors.WatermarkWaiter); ok {
		r.waiter = w
	}
	logger.Info("batch reader ready",
		zap.String("source", caps.Name),
		zap.Float64("odr_hz", cfg.ODRHz),
		zap.Uint16("watermark", cfg.Watermark),
		zap.Stringer("full_scale", cfg.FullScale),
		zap.Bool("interrupt", r.waiter != nil))
	return r, nil
}

// ConfiguredODR returns the ODR validated at init.
func (r *Reader) ConfiguredODR() float64 { return r.cfg.ODRHz }

// FIFOWatermark returns the watermark validated at init.
func (r *Reader) FIFOWatermark() uint16 { return r.cfg.Watermark }

// FullScale returns the range currently applied to the sensor.
func (r *Reader) FullScale() imu.FullScale { return imu.FullScale(r.activeScale.Load()) }

// Overflows returns how many drains found the FIFO overrun flag set.
func (r *Reader) Overflows() uint64 { return r.overflows.Load() }

// SetFullScale schedules a range change. It is applied by the owning
// goroutine at the start of the next ReadBatch.
func (r *Reader) SetFullScale(fs imu.FullScale) error {
	if !fs.Valid() {
		return fmt.Errorf("%w: full scale %d g", imu.ErrConfigInvalid, fs)
	}
	r.pendingScale.Store(uint32(fs))
	return nil
}

func (r *Reader) applyPendingScale() error {
	fs := imu.FullScale(r.pendingScale.Swap(0))
	if fs == 0 || fs == r.scale {
		return nil
	}
	err := r.src.Configure(sensors.SourceConfig{ODRHz: r.cfg.ODRHz, Watermark: r.cfg.Watermark, FullScale: fs})
	if err != nil {
		r.pendingScale.CompareAndSwap(0, uint32(fs))
		return fmt.Errorf("%w: apply full scale %v: %w", imu.ErrSensorComm, fs, err)
	}
	r.log.Info("full scale changed", zap.Stringer("from", r.scale), zap.Stringer("to", fs))
	r.scale = fs
	r.activeScale.Store(uint32(fs))
	return nil
}

func asComm(err error) error {
	if imu.Retryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", imu.ErrSensorComm, err)
}

// waitWatermark polls the FIFO until it holds at least the watermark or
// ReadTimeout elapses.
func (r *Reader) waitWatermark(ctx context.Context) (sensors.FIFOStatus, error) {
	deadline := time.Now().Add(r.cfg.ReadTimeout)
	for {
		st, err := r.src.FIFOStatus()
		if err != nil {
			return st, asComm(err)
		}
		if st.Level >= r.cfg.Watermark || (st.Watermark && st.Level > 0) {
			return st, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return st, fmt.Errorf("%w: FIFO level %d below watermark %d after %v", imu.ErrTimeout, st.Level, r.cfg.Watermark, r.cfg.ReadTimeout)
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}

		if r.waiter != nil {
			r.waiter.WaitWatermark(remaining)
			continue
		}
		wait := min(r.cfg.PollInterval, remaining)
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ReadAll drains one batch and returns its snapshot.
func (r *Reader) ReadAll(ctx context.Context) (imu.Snapshot, error) {
	b, err := r.ReadBatch(ctx)
	return b.Snapshot, err
}

// ReadBatch waits for the watermark, drains up to imu.MaxSamples entries and
// derives the snapshot. The accelerometer fields come from the newest drained
// sample; SamplesRead counts the whole drain.
func (r *Reader) ReadBatch(ctx context.Context) (Batch, error) {
	if r.closed.Load() {
		return Batch{}, imu.ErrClosed
	}
	if err := r.applyPendingScale(); err != nil {
		return Batch{}, err
	}

	st, err := r.waitWatermark(ctx)
	if err != nil {
		return Batch{}, err
	}
	if st.Overrun {
		r.noteOverflow(st)
	}

	want := min(int(st.Level), imu.MaxSamples)
	got, err := r.src.Drain(r.raw[:want])
	if err != nil {
		return Batch{}, asComm(err)
	}
	postLevel := st.Level - uint16(want)
	r.noteLevel(postLevel)

	if got == 0 {
		// entries were present but none carried accelerometer data
		snap := imu.Snapshot{
			TimestampUS:   r.lastUS,
			Accelerometer: r.lastVec,
			Stats:         imu.Stats{FIFOLevel: postLevel, ODRHz: float32(r.cfg.ODRHz)},
		}
		snap.Invalidate()
		return Batch{Snapshot: snap}, nil
	}

	samples := make([]imu.RawSample, got)
	for i := range samples {
		raw := r.raw[i]
		samples[i] = imu.RawSample{
			XG:          r.scale.ToG(raw.X),
			YG:          r.scale.ToG(raw.Y),
			ZG:          r.scale.ToG(raw.Z),
			TimestampUS: raw.TimestampUS,
			FIFOLevel:   postLevel,
			SequenceID:  r.nextSeq,
		}
		r.nextSeq++
	}
	newest := samples[got-1]

	intervalUS := r.intervalUS(newest.TimestampUS, got)
	var sps float32
	if intervalUS > 0 {
		sps = float32(float64(got) * 1e6 / float64(intervalUS))
	}

	snap := imu.Snapshot{
		TimestampUS:   newest.TimestampUS,
		Accelerometer: newest.Accelerometer(),
		Stats: imu.Stats{
			FIFOLevel:        postLevel,
			SamplesRead:      uint16(got),
			ODRHz:            float32(r.cfg.ODRHz),
			BatchIntervalUS:  intervalUS,
			SamplesPerSecond: sps,
		},
	}
	r.lastUS, r.hasLast = newest.TimestampUS, true
	r.lastVec = snap.Accelerometer
	r.recent.Store(&samples)
	return Batch{Snapshot: snap, Samples: samples}, nil
}

// intervalUS is the sensor time elapsed since the previous successful batch.
// The first batch has no predecessor and uses the nominal duration of its
// samples at the configured ODR.
func (r *Reader) intervalUS(nowUS uint64, samples int) uint32 {
	var d uint64
	if r.hasLast && nowUS > r.lastUS {
		d = nowUS - r.lastUS
	} else if !r.hasLast {
		d = uint64(float64(samples) * 1e6 / r.cfg.ODRHz)
	}
	if d > uint64(^uint32(0)) {
		d = uint64(^uint32(0))
	}
	return uint32(d)
}

func (r *Reader) noteOverflow(st sensors.FIFOStatus) {
	n := r.overflows.Add(1)
	if n == 1 || n%overflowLogEvery == 0 {
		r.log.Warn("FIFO overflow, samples lost",
			zap.Uint64("overflows", n),
			zap.Uint16("fifo_level", st.Level),
			zap.Bool("full", st.Full))
	}
}

func (r *Reader) noteLevel(level uint16) {
	if r.caps.FIFODepth <= 1 || uint32(level)*4 <= uint32(r.caps.FIFODepth)*3 {
		return
	}
	r.highLevel++
	if r.highLevel == 1 || r.highLevel%highLevelLogEvery == 0 {
		r.log.Warn("FIFO level high after drain, reader falling behind",
			zap.Uint16("fifo_level", level),
			zap.Uint16("depth", r.caps.FIFODepth),
			zap.Uint64("occurrences", r.highLevel))
	}
}

// ReadAccelerometer reads the output registers once without draining the
// FIFO or touching history or interval bookkeeping.
func (r *Reader) ReadAccelerometer(ctx context.Context) (imu.Snapshot, error) {
	if r.closed.Load() {
		return imu.Snapshot{}, imu.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return imu.Snapshot{}, err
	}
	raw, err := r.src.ReadLatest()
	if err != nil {
		return imu.Snapshot{}, asComm(err)
	}
	return imu.Snapshot{
		TimestampUS:   raw.TimestampUS,
		Accelerometer: imu.NewAccelerometer(r.scale.ToG(raw.X), r.scale.ToG(raw.Y), r.scale.ToG(raw.Z)),
		Stats:         imu.Stats{ODRHz: float32(r.cfg.ODRHz)},
	}, nil
}

// CopyRecentSamples returns up to max samples of the last drained batch,
// oldest first. The batch is immutable once stored, so the copy never mixes
// two drains.
func (r *Reader) CopyRecentSamples(max int) []imu.RawSample {
	p := r.recent.Load()
	if p == nil || max <= 0 {
		return nil
	}
	last := *p
	if len(last) > max {
		last = last[len(last)-max:]
	}
	out := make([]imu.RawSample, len(last))
	copy(out, last)
	return out
}

// Deinit releases the source. Later calls return the first result.
func (r *Reader) Deinit() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.src.Close()
		r.log.Info("batch reader closed", zap.Uint64("overflows", r.overflows.Load()))
	})
	return r.closeErr
}
