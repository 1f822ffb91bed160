package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

const (
	displayWidth          = 128
	displayHeight         = 64
	displayLineHeight     = 13
	displayUpdateInterval = 250 * time.Millisecond
)

// FrameDrawer is the part of *ssd1306.Dev the display loop uses.
type FrameDrawer interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
	Halt() error
}

// Display renders the latest snapshot and vibration statistics on a
// 128x64 monochrome panel.
type Display struct {
	dev       FrameDrawer
	bus       i2c.BusCloser
	src       SnapshotSource
	analytics *Analytics
	logger    *zap.Logger
}

// OpenDisplay initializes periph, opens the I2C bus and the SSD1306 panel at
// its default address.
func OpenDisplay(busName string, src SnapshotSource, analytics *Analytics, logger *zap.Logger) (*Display, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("display: initialize periph: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("display: open I2C bus %q: %w", busName, err)
	}
	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("display: initialize ssd1306: %w", err)
	}
	logger.Info("display initialized", zap.String("bus", bus.String()))

	d := NewDisplay(dev, src, analytics, logger)
	d.bus = bus
	return d, nil
}

// NewDisplay wraps an already opened panel.
func NewDisplay(dev FrameDrawer, src SnapshotSource, analytics *Analytics, logger *zap.Logger) *Display {
	return &Display{dev: dev, src: src, analytics: analytics, logger: logger}
}

// DisplayLines returns the text shown for a snapshot.
func DisplayLines(snap imu.Snapshot, vs VibrationStats, haveStats bool) []string {
	lines := []string{
		fmt.Sprintf("|a| %7.4f g", snap.Accelerometer.MagnitudeG),
		fmt.Sprintf("sps %8.0f", snap.Stats.SamplesPerSecond),
		fmt.Sprintf("fifo %3d b %3d", snap.Stats.FIFOLevel, snap.Stats.SamplesRead),
	}
	if haveStats {
		lines = append(lines, fmt.Sprintf("rms %.3f sd %.3f", vs.RMSG, vs.StdDevG))
	}
	if !snap.Accelerometer.Valid {
		lines[0] += " !"
	}
	return lines
}

// RenderLines draws up to four lines of text into a blank frame.
func RenderLines(lines []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, displayWidth, displayHeight))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		if i >= displayHeight/displayLineHeight {
			break
		}
		drawer.Dot = fixed.P(0, (i+1)*displayLineHeight)
		drawer.DrawString(line)
	}
	return img
}

func (d *Display) show(lines []string) error {
	return d.dev.Draw(d.dev.Bounds(), RenderLines(lines), image.Point{})
}

// Update draws one frame from the current buffer contents.
func (d *Display) Update() error {
	var snap imu.Snapshot
	if err := d.src.GetLatest(&snap); err != nil {
		if errors.Is(err, imu.ErrEmpty) {
			return d.show([]string{"Vibration", "Waiting..."})
		}
		return err
	}
	var vs VibrationStats
	ok := false
	if d.analytics != nil {
		vs, ok = d.analytics.Latest()
	}
	return d.show(DisplayLines(snap, vs, ok))
}

// Run refreshes the panel until ctx is done or the buffer is closed, then
// blanks it.
func (d *Display) Run(ctx context.Context) error {
	defer func() {
		if err := d.dev.Halt(); err != nil {
			d.logger.Warn("display halt error", zap.Error(err))
		}
		if d.bus != nil {
			d.bus.Close()
		}
	}()

	if err := d.show([]string{"Vibration", "Monitor", "starting..."}); err != nil {
		d.logger.Warn("display splash error", zap.Error(err))
	}

	ticker := time.NewTicker(displayUpdateInterval)
	defer ticker.Stop()

	var failures uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := d.Update()
			if errors.Is(err, imu.ErrClosed) {
				return nil
			}
			if err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					d.logger.Warn("display update error", zap.Uint64("failures", failures), zap.Error(err))
				}
			}
		}
	}
}
