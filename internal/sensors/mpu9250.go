// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"
)

// mpu9250ODRHz is the accelerometer output rate with the default DLPF.
const mpu9250ODRHz = 1000

// accelRegs is the subset of *mpu9250.MPU9250 the source uses.
type accelRegs interface {
	Init() error
	SetAccelRange(value byte) error
	GetAccelerationX() (int16, error)
	GetAccelerationY() (int16, error)
	GetAccelerationZ() (int16, error)
}

// MPU9250 exposes a polled MPU9250 as a Source with a one-entry FIFO.
// Every status read reports one fresh sample.
type MPU9250 struct {
	dev   accelRegs
	clock sensorClock
}

// OpenMPU9250 initializes an MPU9250 over SPI.
func OpenMPU9250(spiDev, csPin string) (Source, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("mpu9250: periph host init: %w", err)
	}

	cs := gpioreg.ByName(csPin)
	if cs == nil {
		return nil, fmt.Errorf("mpu9250: CS pin %q not found: %w", csPin, imu.ErrConfigInvalid)
	}

	tr, err := mpu9250.NewSpiTransport(spiDev, cs)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: SPI transport (%s): %w: %w", spiDev, imu.ErrSensorNotReady, err)
	}

	dev, err := mpu9250.New(tr)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: device creation: %w: %w", imu.ErrSensorNotReady, err)
	}
	return newMPU9250(dev), nil
}

func newMPU9250(dev accelRegs) *MPU9250 {
	return &MPU9250{dev: dev, clock: newSensorClock()}
}

func (m *MPU9250) Identify() error {
	if err := m.dev.Init(); err != nil {
		return fmt.Errorf("mpu9250: initialization: %w: %w", imu.ErrSensorNotReady, err)
	}
	return nil
}

// accelRangeCode maps a full scale to ACCEL_FS_SEL (0=±2g .. 3=±16g).
func accelRangeCode(fs imu.FullScale) (byte, error) {
	switch fs {
	case imu.FullScale2G:
		return 0, nil
	case imu.FullScale4G:
		return 1, nil
	case imu.FullScale8G:
		return 2, nil
	case imu.FullScale16G:
		return 3, nil
	}
	return 0, fmt.Errorf("mpu9250: full scale %d g: %w", fs, imu.ErrConfigInvalid)
}

func (m *MPU9250) Configure(cfg SourceConfig) error {
	if !m.Capabilities().SupportsODR(cfg.ODRHz) {
		return fmt.Errorf("mpu9250: ODR %.1f Hz: %w", cfg.ODRHz, imu.ErrConfigInvalid)
	}
	if cfg.Watermark != 1 {
		return fmt.Errorf("mpu9250: watermark %d, polled source only supports 1: %w", cfg.Watermark, imu.ErrConfigInvalid)
	}
	code, err := accelRangeCode(cfg.FullScale)
	if err != nil {
		return err
	}
	if err := m.dev.SetAccelRange(code); err != nil {
		return fmt.Errorf("mpu9250: set accel range: %w: %w", imu.ErrSensorComm, err)
	}
	return nil
}

func (m *MPU9250) FIFOStatus() (FIFOStatus, error) {
	return FIFOStatus{Level: 1, Watermark: true}, nil
}

func (m *MPU9250) Drain(dst []RawReading) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	r, err := m.ReadLatest()
	if err != nil {
		return 0, err
	}
	dst[0] = r
	return 1, nil
}

func (m *MPU9250) ReadLatest() (RawReading, error) {
	x, err := m.dev.GetAccelerationX()
	if err != nil {
		return RawReading{}, fmt.Errorf("mpu9250: read accel X: %w: %w", imu.ErrSensorComm, err)
	}
	y, err := m.dev.GetAccelerationY()
	if err != nil {
		return RawReading{}, fmt.Errorf("mpu9250: read accel Y: %w: %w", imu.ErrSensorComm, err)
	}
	z, err := m.dev.GetAccelerationZ()
	if err != nil {
		return RawReading{}, fmt.Errorf("mpu9250: read accel Z: %w: %w", imu.ErrSensorComm, err)
	}
	return RawReading{X: x, Y: y, Z: z, TimestampUS: m.clock.nowUS()}, nil
}

func (m *MPU9250) Capabilities() Capabilities {
	return Capabilities{Name: "mpu9250", ODRs: []float64{mpu9250ODRHz}, FIFODepth: 1}
}

func (m *MPU9250) Close() error { return nil }
