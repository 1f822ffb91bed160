// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"math"
	"time"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// RawReading is one hardware FIFO entry in raw counts.
type RawReading struct {
	X, Y, Z     int16
	TimestampUS uint64 // sensor time
}

// FIFOStatus is the decoded FIFO status of a source.
type FIFOStatus struct {
	Level     uint16
	Watermark bool // level reached the configured watermark
	Overrun   bool // entries were lost since the previous status read
	Full      bool
}

// SourceConfig is what the batch reader asks a source to run with.
type SourceConfig struct {
	ODRHz     float64
	Watermark uint16
	FullScale imu.FullScale
}

// Capabilities describes what a source can be configured to.
type Capabilities struct {
	Name      string
	ODRs      []float64
	FIFODepth uint16
}

// SupportsODR reports whether odr matches one of the supported rates within 1%.
func (c Capabilities) SupportsODR(odr float64) bool {
	for _, supported := range c.ODRs {
		if math.Abs(odr-supported) <= supported*0.01 {
			return true
		}
	}
	return false
}

// Source is a sensor with a hardware (or emulated) FIFO. It is owned by a
// single goroutine and is not safe for concurrent use unless stated.
type Source interface {
	// Identify checks that the device answers with the expected identity.
	Identify() error
	// Configure applies ODR, watermark and full scale. It may be called again
	// to change the full scale while running.
	Configure(cfg SourceConfig) error
	FIFOStatus() (FIFOStatus, error)
	// Drain pops up to len(dst) entries, oldest first, and returns how many
	// were written.
	Drain(dst []RawReading) (int, error)
	// ReadLatest reads the output registers without touching the FIFO.
	ReadLatest() (RawReading, error)
	Capabilities() Capabilities
	Close() error
}

// WatermarkWaiter is implemented by sources that can block until the FIFO
// watermark is reached. WaitWatermark returns false on timeout.
type WatermarkWaiter interface {
	WaitWatermark(timeout time.Duration) bool
}

// sensorClock returns microseconds since the source was opened.
type sensorClock struct {
	start time.Time
}

func newSensorClock() sensorClock {
	return sensorClock{start: time.Now()}
}

func (c sensorClock) nowUS() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

// backdate assigns timestamps to n readings drained at nowUS, assuming they
// were sampled one ODR period apart with the newest at nowUS.
func backdate(readings []RawReading, nowUS uint64, odrHz float64) {
	if odrHz <= 0 {
		return
	}
	periodUS := 1e6 / odrHz
	n := len(readings)
	for i := range readings {
		back := uint64(float64(n-1-i) * periodUS)
		if back > nowUS {
			back = nowUS
		}
		readings[i].TimestampUS = nowUS - back
	}
}
