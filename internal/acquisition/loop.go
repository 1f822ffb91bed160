// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package acquisition

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// State is the acquisition cycle state.
type State int32

const (
	StateIdle State = iota
	StateReading
	StatePublished
	StateBackoffWait
	StateDeinit
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StatePublished:
		return "published"
	case StateBackoffWait:
		return "backoff"
	case StateDeinit:
		return "deinit"
	}
	return "unknown"
}

// BatchReader is what the loop needs from a Reader.
type BatchReader interface {
	ReadBatch(ctx context.Context) (Batch, error)
	ConfiguredODR() float64
	Deinit() error
}

// Publisher is the writer side of the publish buffer.
type Publisher interface {
	Add(s imu.Snapshot, samples []imu.RawSample)
	Deinit(ctx context.Context) error
}

// LoopConfig tunes the acquisition cadence.
type LoopConfig struct {
	Period          time.Duration // default 1ms
	Backoff         time.Duration // default 5ms
	FailureLogEvery uint64        // log every Nth consecutive failure after the first
	DeinitTimeout   time.Duration // bound on waiting for buffer readers at shutdown
	OnRates         func(RateReport)
}

// Loop is the only writer of the publish buffer and the only user of the
// batch reader.
type Loop struct {
	reader BatchReader
	pub    Publisher
	cfg    LoopConfig
	log    *zap.Logger

	state     atomic.Int32
	rates     atomic.Pointer[RateReport]
	published atomic.Uint64
	failures  atomic.Uint64
}

// loopState is owned by Run and passed to each step.
type loopState struct {
	consecutiveFailures uint64
	window              RateWindow
	lastErr             error
}

func NewLoop(reader BatchReader, pub Publisher, cfg LoopConfig, logger *zap.Logger) *Loop {
	if cfg.Period <= 0 {
		cfg.Period = time.Millisecond
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Millisecond
	}
	if cfg.FailureLogEvery == 0 {
		cfg.FailureLogEvery = 1000
	}
	if cfg.DeinitTimeout <= 0 {
		cfg.DeinitTimeout = time.Second
	}
	return &Loop{reader: reader, pub: pub, cfg: cfg, log: logger}
}

// State returns the current cycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Rates returns the last completed rate window, if any.
func (l *Loop) Rates() (RateReport, bool) {
	p := l.rates.Load()
	if p == nil {
		return RateReport{}, false
	}
	return *p, true
}

// Published returns the number of snapshots handed to the buffer.
func (l *Loop) Published() uint64 { return l.published.Load() }

// Failures returns the total number of failed reads.
func (l *Loop) Failures() uint64 { return l.failures.Load() }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run cycles until ctx is cancelled, then tears down the reader and the
// buffer in that order. Sensor errors never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	st := &loopState{}
	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()

	l.log.Info("acquisition loop started",
		zap.Duration("period", l.cfg.Period),
		zap.Duration("backoff", l.cfg.Backoff))

	for {
		l.setState(StateIdle)
		select {
		case <-ctx.Done():
			return l.shutdown(st)
		case <-ticker.C:
		}

		l.setState(StateReading)
		batch, err := l.reader.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.onFailure(st, err)
			l.setState(StateBackoffWait)
			select {
			case <-ctx.Done():
			case <-time.After(l.cfg.Backoff):
			}
			continue
		}

		l.onSuccess(st, batch)
		l.setState(StatePublished)
	}
}

func (l *Loop) onFailure(st *loopState, err error) {
	st.consecutiveFailures++
	st.lastErr = err
	l.failures.Add(1)

	n := st.consecutiveFailures
	if n != 1 && n%l.cfg.FailureLogEvery != 0 {
		return
	}
	fields := []zap.Field{zap.Error(err), zap.Uint64("consecutive_failures", n)}
	switch {
	case errors.Is(err, imu.ErrTimeout):
		l.log.Warn("watermark not reached, backing off", fields...)
	case imu.Retryable(err):
		l.log.Warn("sensor read failed, backing off", fields...)
	default:
		l.log.Error("unexpected read error, backing off", fields...)
	}
}

func (l *Loop) onSuccess(st *loopState, b Batch) {
	if st.consecutiveFailures > 0 {
		l.log.Info("sensor read recovered",
			zap.Uint64("failed_attempts", st.consecutiveFailures),
			zap.NamedError("last_error", st.lastErr))
		st.consecutiveFailures = 0
		st.lastErr = nil
	}

	snap := b.Snapshot
	if !snap.Accelerometer.Valid {
		l.log.Debug("batch without accelerometer data, previous snapshot kept",
			zap.Uint16("fifo_level", snap.Stats.FIFOLevel))
		return
	}
	l.pub.Add(snap, b.Samples)
	l.published.Add(1)

	if rep, done := st.window.Add(snap.TimestampUS, int(snap.Stats.SamplesRead), snap.Stats.BatchIntervalUS); done {
		l.reportRates(rep)
	}
}

func (l *Loop) reportRates(rep RateReport) {
	l.rates.Store(&rep)
	l.log.Info("acquisition rates",
		zap.Float64("samples_per_second", rep.SamplesPerSecond),
		zap.Float64("messages_per_second", rep.MessagesPerSecond),
		zap.Uint64("window_us", rep.WindowUS))

	odr := l.reader.ConfiguredODR()
	if rep.SamplesPerSecond > odr*1.1 || rep.SamplesPerSecond < odr*0.1 {
		l.log.Warn("throughput far from configured ODR",
			zap.Float64("samples_per_second", rep.SamplesPerSecond),
			zap.Float64("odr_hz", odr))
	}
	if l.cfg.OnRates != nil {
		l.cfg.OnRates(rep)
	}
}

func (l *Loop) shutdown(st *loopState) error {
	l.setState(StateDeinit)
	readerErr := l.reader.Deinit()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.DeinitTimeout)
	defer cancel()
	bufErr := l.pub.Deinit(ctx)

	l.log.Info("acquisition loop stopped",
		zap.Uint64("published", l.published.Load()),
		zap.Uint64("failures", l.failures.Load()),
		zap.Uint64("pending_failures", st.consecutiveFailures))
	return errors.Join(readerErr, bufErr)
}
