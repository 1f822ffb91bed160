// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// Waveform returns an acceleration vector in g at sensor time tUS.
type Waveform func(tUS uint64) (x, y, z float64)

// VibrationWaveform is gravity on Z plus a 120 Hz vibration on X and a
// slower 35 Hz component on Y.
func VibrationWaveform(tUS uint64) (x, y, z float64) {
	t := float64(tUS) / 1e6
	x = 0.05 * math.Sin(2*math.Pi*120*t)
	y = 0.02 * math.Cos(2*math.Pi*35*t)
	z = 1 + 0.01*math.Sin(2*math.Pi*120*t)
	return x, y, z
}

// MockOptions configures a MockSource.
type MockOptions struct {
	ODRs      []float64
	FIFODepth uint16
	Waveform  Waveform
	// Clock returns sensor time in µs. Defaults to wall time since creation.
	Clock func() uint64
	// Manual disables synthesis: only injected readings reach the FIFO.
	Manual bool
}

// MockSource synthesizes samples at the configured ODR from a waveform, so
// the pipeline can run without hardware. It is safe for concurrent use.
type MockSource struct {
	mu   sync.Mutex
	opts MockOptions
	cfg  SourceConfig

	configured bool
	nextUS     uint64 // timestamp of the next synthesized sample
	fifo       []RawReading
	overrun    bool
	failures   int
	failErr    error
	identifyOK bool
	closed     bool
}

// NewMockSource creates a mock source with sensible defaults.
func NewMockSource(opts MockOptions) *MockSource {
	if len(opts.ODRs) == 0 {
		opts.ODRs = []float64{26667, 6667, 3333, 1667, 1000}
	}
	if opts.FIFODepth == 0 {
		opts.FIFODepth = 512
	}
	if opts.Waveform == nil {
		opts.Waveform = VibrationWaveform
	}
	if opts.Clock == nil {
		start := time.Now()
		opts.Clock = func() uint64 { return uint64(time.Since(start).Microseconds()) }
	}
	return &MockSource{opts: opts, identifyOK: true}
}

// SetPresent controls whether Identify succeeds.
func (m *MockSource) SetPresent(ok bool) {
	m.mu.Lock()
	m.identifyOK = ok
	m.mu.Unlock()
}

// FailNext makes the next n FIFO accesses fail with err (ErrSensorComm when nil).
func (m *MockSource) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = imu.ErrSensorComm
	}
	m.failures = n
	m.failErr = err
}

// Inject queues readings as if the hardware had sampled them.
func (m *MockSource) Inject(readings ...RawReading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range readings {
		m.enqueue(r)
	}
}

// Config returns the last applied configuration.
func (m *MockSource) Config() SourceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *MockSource) enqueue(r RawReading) {
	if len(m.fifo) >= int(m.opts.FIFODepth) {
		m.fifo = m.fifo[1:]
		m.overrun = true
	}
	m.fifo = append(m.fifo, r)
}

func (m *MockSource) toCounts(g float64) int16 {
	sens := m.cfg.FullScale.Sensitivity()
	if sens == 0 {
		sens = imu.FullScale2G.Sensitivity()
	}
	counts := g * 1000 / float64(sens)
	return clampInt16(int64(math.Round(counts)))
}

// synthesize fills the FIFO up to the current sensor time.
func (m *MockSource) synthesize() {
	if m.opts.Manual || !m.configured {
		return
	}
	now := m.opts.Clock()
	periodUS := 1e6 / m.cfg.ODRHz
	// past a full FIFO of backlog only the newest samples survive anyway
	if backlog := uint64(float64(m.opts.FIFODepth) * periodUS); now > m.nextUS+backlog {
		m.nextUS = now - backlog
		m.overrun = true
	}
	for m.nextUS <= now {
		x, y, z := m.opts.Waveform(m.nextUS)
		m.enqueue(RawReading{X: m.toCounts(x), Y: m.toCounts(y), Z: m.toCounts(z), TimestampUS: m.nextUS})
		step := uint64(periodUS)
		if step == 0 {
			step = 1
		}
		m.nextUS += step
	}
}

func (m *MockSource) fail() error {
	if m.closed {
		return fmt.Errorf("mock: %w: source closed", imu.ErrSensorComm)
	}
	if m.failures > 0 {
		m.failures--
		return fmt.Errorf("mock: injected failure: %w", m.failErr)
	}
	return nil
}

func (m *MockSource) Identify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.identifyOK {
		return fmt.Errorf("mock: device absent: %w", imu.ErrSensorNotReady)
	}
	return nil
}

func (m *MockSource) Configure(cfg SourceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Capabilities().SupportsODR(cfg.ODRHz) {
		return fmt.Errorf("mock: ODR %.1f Hz: %w", cfg.ODRHz, imu.ErrConfigInvalid)
	}
	if cfg.Watermark == 0 || cfg.Watermark > m.opts.FIFODepth {
		return fmt.Errorf("mock: watermark %d: %w", cfg.Watermark, imu.ErrConfigInvalid)
	}
	if !cfg.FullScale.Valid() {
		return fmt.Errorf("mock: full scale %d g: %w", cfg.FullScale, imu.ErrConfigInvalid)
	}
	if !m.configured {
		m.nextUS = m.opts.Clock()
	}
	m.cfg = cfg
	m.configured = true
	return nil
}

func (m *MockSource) FIFOStatus() (FIFOStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return FIFOStatus{}, err
	}
	m.synthesize()
	level := uint16(len(m.fifo))
	st := FIFOStatus{
		Level:     level,
		Watermark: m.cfg.Watermark > 0 && level >= m.cfg.Watermark,
		Overrun:   m.overrun,
		Full:      level >= m.opts.FIFODepth,
	}
	m.overrun = false
	return st, nil
}

func (m *MockSource) Drain(dst []RawReading) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return 0, err
	}
	n := copy(dst, m.fifo)
	m.fifo = append(m.fifo[:0], m.fifo[n:]...)
	return n, nil
}

func (m *MockSource) ReadLatest() (RawReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return RawReading{}, err
	}
	m.synthesize()
	if len(m.fifo) > 0 {
		return m.fifo[len(m.fifo)-1], nil
	}
	if m.opts.Manual {
		return RawReading{}, fmt.Errorf("mock: no sample available: %w", imu.ErrTimeout)
	}
	now := m.opts.Clock()
	x, y, z := m.opts.Waveform(now)
	return RawReading{X: m.toCounts(x), Y: m.toCounts(y), Z: m.toCounts(z), TimestampUS: now}, nil
}

func (m *MockSource) Capabilities() Capabilities {
	return Capabilities{Name: "mock", ODRs: m.opts.ODRs, FIFODepth: m.opts.FIFODepth}
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.fifo = nil
	return nil
}
