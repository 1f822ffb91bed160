package app

import (
	"github.com/relabs-tech/vibration_monitor/internal/buffer"
	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// testSamples returns n samples 1 ms apart with a fixed vector.
func testSamples(startSeq uint32, startTS uint64, n int, x, y, z float32) []imu.RawSample {
	out := make([]imu.RawSample, n)
	for i := range out {
		out[i] = imu.RawSample{
			XG:          x,
			YG:          y,
			ZG:          z,
			TimestampUS: startTS + uint64(i)*1000,
			FIFOLevel:   3,
			SequenceID:  startSeq + uint32(i),
		}
	}
	return out
}

func testSnapshot(samples []imu.RawSample) imu.Snapshot {
	last := samples[len(samples)-1]
	return imu.Snapshot{
		TimestampUS:   last.TimestampUS,
		Accelerometer: last.Accelerometer(),
		Stats: imu.Stats{
			FIFOLevel:        3,
			SamplesRead:      uint16(len(samples)),
			ODRHz:            1000,
			BatchIntervalUS:  uint32(len(samples)) * 1000,
			SamplesPerSecond: 1000,
		},
	}
}

// publish adds one batch of n samples and returns it.
func publish(b *buffer.Buffer, startSeq uint32, n int) []imu.RawSample {
	samples := testSamples(startSeq, uint64(startSeq)*1000, n, 0.1, 0.2, 0.98)
	b.Add(testSnapshot(samples), samples)
	return samples
}
