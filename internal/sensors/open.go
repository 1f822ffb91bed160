package sensors

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/config"
)

// Open creates the source selected by SENSOR_SOURCE.
func Open(cfg *config.Config, logger *zap.Logger) (Source, error) {
	switch cfg.SensorSource {
	case "iis3dwb":
		return OpenIIS3DWB(IIS3DWBOptions{
			SPIDevice: cfg.IMUSPIDevice,
			SpeedHz:   cfg.IMUSPISpeedHz,
			INTPin:    cfg.IMUINTPin,
		})
	case "mpu9250":
		return OpenMPU9250(cfg.IMUSPIDevice, cfg.IMUCSPin)
	case "serial":
		return OpenSerialBridge(cfg.SerialPort, cfg.SerialBaudRate, logger)
	case "mock":
		logger.Info("using mock sample source")
		return NewMockSource(MockOptions{}), nil
	default:
		return nil, fmt.Errorf("unknown sensor source %q", cfg.SensorSource)
	}
}
