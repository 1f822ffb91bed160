package imu

import "errors"

var (
	// ErrConfigInvalid rejects an unsupported ODR, watermark or range. Not retried.
	ErrConfigInvalid = errors.New("invalid sensor configuration")
	// ErrSensorNotReady means the device did not respond or identify correctly.
	ErrSensorNotReady = errors.New("sensor not ready")
	// ErrSensorComm is a bus or transport failure.
	ErrSensorComm = errors.New("sensor communication error")
	// ErrTimeout means the FIFO watermark was not reached in time.
	ErrTimeout = errors.New("watermark timeout")
	// ErrEmpty means nothing has been published yet.
	ErrEmpty = errors.New("no data yet")
	// ErrClosed is returned after deinit.
	ErrClosed = errors.New("closed")
)

// Retryable reports whether the acquisition loop should back off and try again.
func Retryable(err error) bool {
	return errors.Is(err, ErrSensorNotReady) ||
		errors.Is(err, ErrSensorComm) ||
		errors.Is(err, ErrTimeout)
}
