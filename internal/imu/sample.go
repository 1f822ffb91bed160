// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "math"

// MaxSamples bounds both a single FIFO drain and the history ring.
const MaxSamples = 128

// StandardGravity converts g to m/s².
const StandardGravity = 9.80665

// RawSample is one physical accelerometer reading in g.
// SequenceID is assigned at capture time; a gap between two consecutive
// entries means samples were overwritten or dropped.
type RawSample struct {
	XG          float32 `json:"x_g"`
	YG          float32 `json:"y_g"`
	ZG          float32 `json:"z_g"`
	TimestampUS uint64  `json:"timestamp_us"`
	FIFOLevel   uint16  `json:"fifo_level"`
	SequenceID  uint32  `json:"sequence_id"`
}

// Accelerometer is the latest vector of a batch.
type Accelerometer struct {
	XG         float32 `json:"x_g"`
	YG         float32 `json:"y_g"`
	ZG         float32 `json:"z_g"`
	MagnitudeG float32 `json:"magnitude_g"`
	Valid      bool    `json:"valid"`
}

// Stats describes the batch that produced a snapshot.
type Stats struct {
	FIFOLevel        uint16  `json:"fifo_level"`
	SamplesRead      uint16  `json:"samples_read"`
	ODRHz            float32 `json:"odr_hz"`
	BatchIntervalUS  uint32  `json:"batch_interval_us"`
	SamplesPerSecond float32 `json:"samples_per_second"`
}

// Snapshot is the unit published to consumers.
type Snapshot struct {
	TimestampUS   uint64        `json:"timestamp_us"`
	Accelerometer Accelerometer `json:"accelerometer"`
	Stats         Stats         `json:"stats"`
}

// NewAccelerometer builds a valid vector with its magnitude filled in.
func NewAccelerometer(x, y, z float32) Accelerometer {
	return Accelerometer{
		XG:         x,
		YG:         y,
		ZG:         z,
		MagnitudeG: Magnitude(x, y, z),
		Valid:      true,
	}
}

// Magnitude returns the Euclidean norm of the vector, computed in float64.
func Magnitude(x, y, z float32) float32 {
	fx, fy, fz := float64(x), float64(y), float64(z)
	return float32(math.Sqrt(fx*fx + fy*fy + fz*fz))
}

// Accelerometer returns the vector of a single raw sample.
func (s RawSample) Accelerometer() Accelerometer {
	return NewAccelerometer(s.XG, s.YG, s.ZG)
}

// Invalidate marks the snapshot as not backed by a fresh sample while
// keeping the previous vector fields.
func (s *Snapshot) Invalidate() {
	s.Accelerometer.Valid = false
}

// MetersPerSecond2 returns the accelerometer vector converted to m/s².
func (a Accelerometer) MetersPerSecond2() (x, y, z float64) {
	return float64(a.XG) * StandardGravity, float64(a.YG) * StandardGravity, float64(a.ZG) * StandardGravity
}
