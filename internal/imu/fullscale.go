package imu

import (
	"fmt"
	"strconv"
)

// FullScale is the accelerometer measurement range in g.
type FullScale uint8

const (
	FullScale2G  FullScale = 2
	FullScale4G  FullScale = 4
	FullScale8G  FullScale = 8
	FullScale16G FullScale = 16
)

// Sensitivity returns the conversion factor in mg/LSB for a 16-bit output.
func (fs FullScale) Sensitivity() float32 {
	switch fs {
	case FullScale2G:
		return 0.061
	case FullScale4G:
		return 0.122
	case FullScale8G:
		return 0.244
	case FullScale16G:
		return 0.488
	default:
		return 0
	}
}

// Valid reports whether fs is one of the supported ranges.
func (fs FullScale) Valid() bool {
	return fs.Sensitivity() != 0
}

// ToG converts a raw 16-bit count to g.
func (fs FullScale) ToG(raw int16) float32 {
	return float32(raw) * fs.Sensitivity() / 1000
}

func (fs FullScale) String() string {
	return "±" + strconv.Itoa(int(fs)) + "g"
}

// ParseFullScale accepts 2, 4, 8 or 16.
func ParseFullScale(g int) (FullScale, error) {
	fs := FullScale(g)
	if g < 0 || g > 255 || !fs.Valid() {
		return 0, fmt.Errorf("%w: full scale must be 2, 4, 8 or 16 g, got %d", ErrConfigInvalid, g)
	}
	return fs, nil
}
