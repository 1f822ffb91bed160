package sensors

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// The bridge firmware streams one sentence per sample:
//
//	$VMACC,<t_us>,<x>,<y>,<z>*CS
//
// with raw signed 16-bit counts, and accepts configuration as
//
//	$VMCFG,<odr_hz>,<watermark>,<full_scale_g>*CS
const (
	TypeACC          = "ACC"
	bridgeTalker     = "VM"
	bridgeFIFODepth  = 512
	bridgeIdentifyTO = 2 * time.Second
)

// ACC is a single accelerometer sample sentence.
type ACC struct {
	nmea.BaseSentence
	TimestampUS int64
	X, Y, Z     int64
}

func parseACC(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := ACC{
		BaseSentence: s,
		TimestampUS:  p.Int64(0, "timestamp"),
		X:            p.Int64(1, "x"),
		Y:            p.Int64(2, "y"),
		Z:            p.Int64(3, "z"),
	}
	return m, p.Err()
}

// FormatSentence builds a checksummed sentence from talker+type and fields.
func FormatSentence(prefix string, fields ...string) string {
	body := prefix
	if len(fields) > 0 {
		body += "," + strings.Join(fields, ",")
	}
	return "$" + body + "*" + nmea.Checksum(body)
}

func clampInt16(v int64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// readingQueue is a fixed-depth FIFO that overwrites its oldest entry when
// full.
type readingQueue struct {
	buf  [bridgeFIFODepth]RawReading
	head int
	size int
}

// push appends r and reports whether the oldest entry was dropped.
func (q *readingQueue) push(r RawReading) bool {
	q.buf[(q.head+q.size)%bridgeFIFODepth] = r
	if q.size == bridgeFIFODepth {
		q.head = (q.head + 1) % bridgeFIFODepth
		return true
	}
	q.size++
	return false
}

func (q *readingQueue) drain(dst []RawReading) int {
	n := min(len(dst), q.size)
	for i := 0; i < n; i++ {
		dst[i] = q.buf[(q.head+i)%bridgeFIFODepth]
	}
	q.head = (q.head + n) % bridgeFIFODepth
	q.size -= n
	return n
}

func (q *readingQueue) newest() RawReading {
	return q.buf[(q.head+q.size-1)%bridgeFIFODepth]
}

// SerialBridge reads samples streamed by a microcontroller over a serial
// line and queues them in a bounded FIFO that behaves like a hardware one:
// when full, the oldest entry is dropped and the overrun flag is raised.
type SerialBridge struct {
	port   io.ReadWriteCloser
	parser nmea.SentenceParser
	log    *zap.Logger

	mu        sync.Mutex
	fifo      readingQueue
	overrun   bool
	watermark uint16
	readErr   error
	parseErrs uint64

	notify    chan struct{}
	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSerialBridge opens the serial port and starts the reader goroutine.
func OpenSerialBridge(portName string, baud int, logger *zap.Logger) (Source, error) {
	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}

	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("serial bridge: open %s: %w: %w", portName, imu.ErrSensorNotReady, err)
	}
	logger.Info("serial port opened", zap.String("port", portName), zap.Int("baud", baud))
	return newSerialBridge(port, logger), nil
}

func newSerialBridge(port io.ReadWriteCloser, logger *zap.Logger) *SerialBridge {
	b := &SerialBridge{
		port: port,
		parser: nmea.SentenceParser{
			CustomParsers: map[string]nmea.ParserFunc{
				TypeACC:                parseACC,
				bridgeTalker + TypeACC: parseACC,
			},
		},
		log:       logger,
		watermark: 1,
		notify:    make(chan struct{}, 1),
		first:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.readLoop()
	return b
}

func (b *SerialBridge) readLoop() {
	defer close(b.done)
	scanner := bufio.NewScanner(b.port)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}

		sentence, err := b.parser.Parse(line)
		if err != nil {
			b.mu.Lock()
			b.parseErrs++
			n := b.parseErrs
			b.mu.Unlock()
			if n == 1 || n%1000 == 0 {
				b.log.Debug("serial bridge: parse error", zap.Error(err), zap.Uint64("count", n))
			}
			continue
		}

		acc, ok := sentence.(ACC)
		if !ok {
			continue
		}
		b.push(RawReading{
			X:           clampInt16(acc.X),
			Y:           clampInt16(acc.Y),
			Z:           clampInt16(acc.Z),
			TimestampUS: uint64(max(acc.TimestampUS, 0)),
		})
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	b.readErr = err
	b.mu.Unlock()
	b.signal()
}

func (b *SerialBridge) push(r RawReading) {
	b.mu.Lock()
	if b.fifo.push(r) {
		b.overrun = true
	}
	reached := uint16(b.fifo.size) >= b.watermark
	b.mu.Unlock()

	b.firstOnce.Do(func() { close(b.first) })
	if reached {
		b.signal()
	}
}

func (b *SerialBridge) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Identify waits for the first sample sentence.
func (b *SerialBridge) Identify() error {
	select {
	case <-b.first:
		return nil
	case <-b.done:
		return fmt.Errorf("serial bridge: stream ended before first sample: %w", imu.ErrSensorNotReady)
	case <-time.After(bridgeIdentifyTO):
		return fmt.Errorf("serial bridge: no sample within %v: %w", bridgeIdentifyTO, imu.ErrSensorNotReady)
	}
}

func (b *SerialBridge) Configure(cfg SourceConfig) error {
	if !b.Capabilities().SupportsODR(cfg.ODRHz) {
		return fmt.Errorf("serial bridge: ODR %.1f Hz: %w", cfg.ODRHz, imu.ErrConfigInvalid)
	}
	if cfg.Watermark == 0 || cfg.Watermark >= bridgeFIFODepth {
		return fmt.Errorf("serial bridge: watermark %d: %w", cfg.Watermark, imu.ErrConfigInvalid)
	}
	if !cfg.FullScale.Valid() {
		return fmt.Errorf("serial bridge: full scale %d g: %w", cfg.FullScale, imu.ErrConfigInvalid)
	}

	cmd := FormatSentence(bridgeTalker+"CFG",
		fmt.Sprintf("%.0f", cfg.ODRHz),
		fmt.Sprintf("%d", cfg.Watermark),
		fmt.Sprintf("%d", cfg.FullScale),
	) + "\r\n"
	if _, err := io.WriteString(b.port, cmd); err != nil {
		return fmt.Errorf("serial bridge: write config: %w: %w", imu.ErrSensorComm, err)
	}

	b.mu.Lock()
	b.watermark = cfg.Watermark
	b.mu.Unlock()
	return nil
}

func (b *SerialBridge) FIFOStatus() (FIFOStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil && b.fifo.size == 0 {
		return FIFOStatus{}, fmt.Errorf("serial bridge: %w: %w", imu.ErrSensorComm, b.readErr)
	}
	level := uint16(b.fifo.size)
	st := FIFOStatus{
		Level:     level,
		Watermark: level >= b.watermark,
		Overrun:   b.overrun,
		Full:      level == bridgeFIFODepth,
	}
	b.overrun = false
	return st, nil
}

func (b *SerialBridge) Drain(dst []RawReading) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fifo.drain(dst), nil
}

// ReadLatest returns the newest queued sample without removing it.
func (b *SerialBridge) ReadLatest() (RawReading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fifo.size == 0 {
		if b.readErr != nil {
			return RawReading{}, fmt.Errorf("serial bridge: %w: %w", imu.ErrSensorComm, b.readErr)
		}
		return RawReading{}, fmt.Errorf("serial bridge: no sample queued: %w", imu.ErrTimeout)
	}
	return b.fifo.newest(), nil
}

// WaitWatermark blocks until the queue reaches the watermark, the stream
// ends, or the timeout elapses.
func (b *SerialBridge) WaitWatermark(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		b.mu.Lock()
		reached := uint16(b.fifo.size) >= b.watermark
		failed := b.readErr != nil
		b.mu.Unlock()
		if reached {
			return true
		}
		if failed {
			return false
		}
		select {
		case <-b.notify:
		case <-timer.C:
			return false
		}
	}
}

func (b *SerialBridge) Capabilities() Capabilities {
	return Capabilities{
		Name:      "serial",
		ODRs:      []float64{26667, 6667, 3333, 1667, 1000},
		FIFODepth: bridgeFIFODepth,
	}
}

func (b *SerialBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.port.Close()
		select {
		case <-b.done:
		case <-time.After(time.Second):
			err = errors.Join(err, errors.New("serial bridge: reader did not stop"))
		}
	})
	return err
}
