// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"time"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// IIS3DWB register addresses.
const (
	regFIFOCtrl1    = 0x07
	regFIFOCtrl2    = 0x08
	regFIFOCtrl3    = 0x09
	regFIFOCtrl4    = 0x0A
	regInt1Ctrl     = 0x0D
	regWhoAmI       = 0x0F
	regCtrl1XL      = 0x10
	regCtrl3C       = 0x12
	regOutXLA       = 0x28
	regFIFOStatus1  = 0x3A
	regFIFOStatus2  = 0x3B
	regFIFODataTag  = 0x78
	iis3dwbWhoAmI   = 0x7B
	iis3dwbODRHz    = 26667
	iis3dwbFIFODeep = 512
	fifoEntryBytes  = 7
	fifoTagXL       = 0x02
	spiReadBit      = 0x80
)

// CTRL3_C bits
const (
	ctrl3BDU    = 1 << 6
	ctrl3IFInc  = 1 << 2
	ctrl3SWRst  = 1 << 0
	ctrl1XLOn   = 0xA0 // XL_EN = 101, 26.667 kHz
	bdrXL26667  = 0x0A
	fifoBypass  = 0x00
	fifoStream  = 0x06
	int1FIFOTh  = 1 << 3
	status2WTM  = 1 << 7
	status2OVR  = 1 << 6
	status2Full = 1 << 5
)

// txer is the part of spi.Conn the driver needs.
type txer interface {
	Tx(w, r []byte) error
}

// IIS3DWBOptions selects the bus the sensor is wired to.
type IIS3DWBOptions struct {
	SPIDevice string
	SpeedHz   int64
	INTPin    string // optional INT1 pin routed to FIFO_TH
}

// IIS3DWB drives an ST IIS3DWB vibration sensor over SPI.
type IIS3DWB struct {
	bus   txer
	port  spi.PortCloser
	clock sensorClock
	odrHz float64
	scale imu.FullScale

	wbuf []byte
	rbuf []byte
	fifo []byte
}

type iis3dwbWithIRQ struct {
	*IIS3DWB
	pin gpio.PinIO
}

// WaitWatermark blocks on the INT1 rising edge.
func (d iis3dwbWithIRQ) WaitWatermark(timeout time.Duration) bool {
	return d.pin.WaitForEdge(timeout)
}

// OpenIIS3DWB opens the SPI port and, when configured, the INT1 pin.
func OpenIIS3DWB(opts IIS3DWBOptions) (Source, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("iis3dwb: periph host init: %w", err)
	}

	port, err := spireg.Open(opts.SPIDevice)
	if err != nil {
		return nil, fmt.Errorf("iis3dwb: open SPI %q: %w: %w", opts.SPIDevice, imu.ErrSensorNotReady, err)
	}

	speed := opts.SpeedHz
	if speed <= 0 {
		speed = 8000000
	}
	conn, err := port.Connect(physic.Frequency(speed)*physic.Hertz, spi.Mode3, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("iis3dwb: SPI connect (%s): %w: %w", opts.SPIDevice, imu.ErrSensorNotReady, err)
	}

	dev := newIIS3DWB(conn)
	dev.port = port

	if opts.INTPin == "" {
		return dev, nil
	}
	pin := gpioreg.ByName(opts.INTPin)
	if pin == nil {
		port.Close()
		return nil, fmt.Errorf("iis3dwb: INT pin %q not found", opts.INTPin)
	}
	if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		port.Close()
		return nil, fmt.Errorf("iis3dwb: INT pin %q edge setup: %w", opts.INTPin, err)
	}
	return iis3dwbWithIRQ{IIS3DWB: dev, pin: pin}, nil
}

func newIIS3DWB(bus txer) *IIS3DWB {
	size := 1 + MaxDrain*fifoEntryBytes
	return &IIS3DWB{
		bus:   bus,
		clock: newSensorClock(),
		odrHz: iis3dwbODRHz,
		scale: imu.FullScale2G,
		wbuf:  make([]byte, size),
		rbuf:  make([]byte, size),
		fifo:  make([]byte, MaxDrain*fifoEntryBytes),
	}
}

// MaxDrain is the largest burst a single Drain call performs.
const MaxDrain = imu.MaxSamples

func commErr(op string, err error) error {
	return fmt.Errorf("iis3dwb: %s: %w: %w", op, imu.ErrSensorComm, err)
}

// ReadRegisters reads len(dst) consecutive registers starting at reg.
func (d *IIS3DWB) ReadRegisters(reg byte, dst []byte) error {
	n := len(dst) + 1
	w, r := d.wbuf[:n], d.rbuf[:n]
	clear(w)
	w[0] = reg | spiReadBit
	if err := d.bus.Tx(w, r); err != nil {
		return commErr(fmt.Sprintf("read 0x%02X", reg), err)
	}
	copy(dst, r[1:])
	return nil
}

// ReadRegister reads a single register.
func (d *IIS3DWB) ReadRegister(reg byte) (byte, error) {
	var v [1]byte
	err := d.ReadRegisters(reg, v[:])
	return v[0], err
}

// WriteRegister writes a single register.
func (d *IIS3DWB) WriteRegister(reg, value byte) error {
	w, r := d.wbuf[:2], d.rbuf[:2]
	w[0], w[1] = reg&^spiReadBit, value
	if err := d.bus.Tx(w, r); err != nil {
		return commErr(fmt.Sprintf("write 0x%02X", reg), err)
	}
	return nil
}

// Identify checks WHO_AM_I and performs a software reset.
func (d *IIS3DWB) Identify() error {
	id, err := d.ReadRegister(regWhoAmI)
	if err != nil {
		return fmt.Errorf("%w: %w", imu.ErrSensorNotReady, err)
	}
	if id != iis3dwbWhoAmI {
		return fmt.Errorf("iis3dwb: WHO_AM_I 0x%02X, want 0x%02X: %w", id, iis3dwbWhoAmI, imu.ErrSensorNotReady)
	}
	if err := d.WriteRegister(regCtrl3C, ctrl3SWRst); err != nil {
		return err
	}
	deadline := time.Now().Add(50 * time.Millisecond)
	for {
		v, err := d.ReadRegister(regCtrl3C)
		if err != nil {
			return err
		}
		if v&ctrl3SWRst == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("iis3dwb: software reset did not complete: %w", imu.ErrSensorNotReady)
		}
		time.Sleep(time.Millisecond)
	}
}

// fullScaleBits maps a range to CTRL1_XL FS[1:0] (bits 3:2).
func fullScaleBits(fs imu.FullScale) (byte, error) {
	switch fs {
	case imu.FullScale2G:
		return 0x00, nil
	case imu.FullScale16G:
		return 0x04, nil
	case imu.FullScale4G:
		return 0x08, nil
	case imu.FullScale8G:
		return 0x0C, nil
	}
	return 0, fmt.Errorf("iis3dwb: full scale %d g: %w", fs, imu.ErrConfigInvalid)
}

// Configure sets up stream-mode FIFO batching at the only ODR the part has.
// The FIFO is flushed through bypass mode.
func (d *IIS3DWB) Configure(cfg SourceConfig) error {
	if !d.Capabilities().SupportsODR(cfg.ODRHz) {
		return fmt.Errorf("iis3dwb: ODR %.1f Hz: %w", cfg.ODRHz, imu.ErrConfigInvalid)
	}
	if cfg.Watermark == 0 || cfg.Watermark >= iis3dwbFIFODeep {
		return fmt.Errorf("iis3dwb: watermark %d: %w", cfg.Watermark, imu.ErrConfigInvalid)
	}
	fsBits, err := fullScaleBits(cfg.FullScale)
	if err != nil {
		return err
	}

	writes := []struct{ reg, val byte }{
		{regCtrl1XL, 0x00},
		{regCtrl3C, ctrl3BDU | ctrl3IFInc},
		{regFIFOCtrl4, fifoBypass},
		{regFIFOCtrl1, byte(cfg.Watermark & 0xFF)},
		{regFIFOCtrl2, byte(cfg.Watermark>>8) & 0x01},
		{regFIFOCtrl3, bdrXL26667},
		{regInt1Ctrl, int1FIFOTh},
		{regFIFOCtrl4, fifoStream},
		{regCtrl1XL, ctrl1XLOn | fsBits},
	}
	for _, w := range writes {
		if err := d.WriteRegister(w.reg, w.val); err != nil {
			return err
		}
	}
	d.scale = cfg.FullScale
	return nil
}

func (d *IIS3DWB) FIFOStatus() (FIFOStatus, error) {
	var b [2]byte
	if err := d.ReadRegisters(regFIFOStatus1, b[:]); err != nil {
		return FIFOStatus{}, err
	}
	return FIFOStatus{
		Level:     uint16(b[0]) | uint16(b[1]&0x03)<<8,
		Watermark: b[1]&status2WTM != 0,
		Overrun:   b[1]&status2OVR != 0,
		Full:      b[1]&status2Full != 0,
	}, nil
}

// Drain burst-reads tagged FIFO words. Entries whose tag is not the
// accelerometer are skipped.
func (d *IIS3DWB) Drain(dst []RawReading) (int, error) {
	n := min(len(dst), MaxDrain)
	if n == 0 {
		return 0, nil
	}
	raw := d.fifo[:n*fifoEntryBytes]
	if err := d.ReadRegisters(regFIFODataTag, raw); err != nil {
		return 0, err
	}
	now := d.clock.nowUS()

	kept := 0
	for i := 0; i < n; i++ {
		e := raw[i*fifoEntryBytes : (i+1)*fifoEntryBytes]
		if e[0]>>3 != fifoTagXL {
			continue
		}
		dst[kept] = RawReading{
			X: int16(uint16(e[1]) | uint16(e[2])<<8),
			Y: int16(uint16(e[3]) | uint16(e[4])<<8),
			Z: int16(uint16(e[5]) | uint16(e[6])<<8),
		}
		kept++
	}
	backdate(dst[:kept], now, d.odrHz)
	return kept, nil
}

func (d *IIS3DWB) ReadLatest() (RawReading, error) {
	var b [6]byte
	if err := d.ReadRegisters(regOutXLA, b[:]); err != nil {
		return RawReading{}, err
	}
	return RawReading{
		X:           int16(uint16(b[0]) | uint16(b[1])<<8),
		Y:           int16(uint16(b[2]) | uint16(b[3])<<8),
		Z:           int16(uint16(b[4]) | uint16(b[5])<<8),
		TimestampUS: d.clock.nowUS(),
	}, nil
}

func (d *IIS3DWB) Capabilities() Capabilities {
	return Capabilities{Name: "iis3dwb", ODRs: []float64{iis3dwbODRHz}, FIFODepth: iis3dwbFIFODeep}
}

// Close powers the accelerometer down and releases the SPI port.
func (d *IIS3DWB) Close() error {
	err := d.WriteRegister(regCtrl1XL, 0x00)
	if d.port != nil {
		if cerr := d.port.Close(); cerr != nil && err == nil {
			err = cerr
		}
		d.port = nil
	}
	return err
}
