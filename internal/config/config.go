package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds all application configuration values.
type Config struct {
	// Sensor selection: "iis3dwb", "mpu9250", "serial" or "mock"
	SensorSource string

	// Acquisition
	IMUODRHz         float64
	IMUFIFOWatermark uint16
	IMUFullScaleG    int

	// IMU Hardware
	IMUSPIDevice  string
	IMUSPISpeedHz int64
	IMUCSPin      string
	IMUINTPin     string // empty disables interrupt-driven watermark waits

	// Serial bridge
	SerialPort     string
	SerialBaudRate int

	// Timing (milliseconds)
	AcqPeriodMS           int
	AcqBackoffMS          int
	AcqReadTimeoutMS      int
	AnalyticsIntervalMS   int
	WSBroadcastIntervalMS int
	WSChunkSamples        int

	// Web Server
	WebServerPort int
	WebStaticDir  string

	// MQTT
	MQTTEnabled           bool
	MQTTBroker            string
	MQTTClientID          string
	TopicSnapshot         string
	TopicRates            string
	MQTTPublishIntervalMS int

	// Display
	DisplayEnabled bool
	DisplayI2CBus  string // empty selects the first bus

	// Logging
	LogLevel  string
	LogFormat string
}

// Package-level singleton: InitGlobal sets it once, Get reads it under RLock.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the baseline configuration. A config file only needs to
// list the keys it overrides.
func Default() *Config {
	return &Config{
		SensorSource:          "iis3dwb",
		IMUODRHz:              26667,
		IMUFIFOWatermark:      64,
		IMUFullScaleG:         2,
		IMUSPIDevice:          "/dev/spidev0.0",
		IMUSPISpeedHz:         8000000,
		IMUCSPin:              "",
		IMUINTPin:             "",
		SerialPort:            "/dev/ttyUSB0",
		SerialBaudRate:        921600,
		AcqPeriodMS:           1,
		AcqBackoffMS:          5,
		AcqReadTimeoutMS:      20,
		AnalyticsIntervalMS:   100,
		WSBroadcastIntervalMS: 10,
		WSChunkSamples:        10,
		WebServerPort:         8080,
		WebStaticDir:          "web",
		MQTTEnabled:           false,
		MQTTBroker:            "tcp://localhost:1883",
		TopicSnapshot:         "vibration/snapshot",
		TopicRates:            "vibration/rates",
		MQTTPublishIntervalMS: 100,
		DisplayEnabled:        false,
		DisplayI2CBus:         "",
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads KEY=VALUE lines on top of Default.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseInt(key, value string, min, max int) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, min, max, v)
	}
	return v, nil
}

func parseBool(key, value string) (bool, error) {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	case "SENSOR_SOURCE":
		switch value {
		case "iis3dwb", "mpu9250", "serial", "mock":
			c.SensorSource = value
		default:
			return fmt.Errorf("SENSOR_SOURCE must be iis3dwb, mpu9250, serial or mock, got %q", value)
		}

	// Acquisition
	case "IMU_ODR_HZ":
		odr, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			return fmt.Errorf("invalid IMU_ODR_HZ %q: %w", value, perr)
		}
		c.IMUODRHz = odr
	case "IMU_FIFO_WATERMARK":
		wm, perr := parseInt(key, value, 1, 511)
		if perr != nil {
			return perr
		}
		c.IMUFIFOWatermark = uint16(wm)
	case "IMU_FULL_SCALE_G":
		c.IMUFullScaleG, err = parseInt(key, value, 2, 16)

	// IMU Hardware
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_SPI_SPEED_HZ":
		hz, perr := strconv.ParseInt(value, 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid IMU_SPI_SPEED_HZ %q: %w", value, perr)
		}
		c.IMUSPISpeedHz = hz
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "IMU_INT_PIN":
		c.IMUINTPin = value

	// Serial bridge
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		c.SerialBaudRate, err = parseInt(key, value, 1200, 4000000)

	// Timing
	case "ACQ_PERIOD_MS":
		c.AcqPeriodMS, err = parseInt(key, value, 1, 1000)
	case "ACQ_BACKOFF_MS":
		c.AcqBackoffMS, err = parseInt(key, value, 1, 10000)
	case "ACQ_READ_TIMEOUT_MS":
		c.AcqReadTimeoutMS, err = parseInt(key, value, 1, 10000)
	case "ANALYTICS_INTERVAL_MS":
		c.AnalyticsIntervalMS, err = parseInt(key, value, 1, 60000)
	case "WS_BROADCAST_INTERVAL_MS":
		c.WSBroadcastIntervalMS, err = parseInt(key, value, 1, 10000)
	case "WS_CHUNK_SAMPLES":
		c.WSChunkSamples, err = parseInt(key, value, 1, 128)

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value, 0, 65535)
	case "WEB_STATIC_DIR":
		c.WebStaticDir = value

	// MQTT
	case "MQTT_ENABLED":
		c.MQTTEnabled, err = parseBool(key, value)
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_SNAPSHOT":
		c.TopicSnapshot = value
	case "TOPIC_RATES":
		c.TopicRates = value
	case "MQTT_PUBLISH_INTERVAL_MS":
		c.MQTTPublishIntervalMS, err = parseInt(key, value, 1, 60000)

	// Display
	case "DISPLAY_ENABLED":
		c.DisplayEnabled, err = parseBool(key, value)
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value

	// Logging
	case "LOG_LEVEL":
		c.LogLevel = strings.ToLower(value)
	case "LOG_FORMAT":
		c.LogFormat = strings.ToLower(value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks cross-field constraints.
func (c *Config) validate() error {
	if c.IMUODRHz <= 0 {
		return fmt.Errorf("IMU_ODR_HZ must be positive")
	}
	switch c.IMUFullScaleG {
	case 2, 4, 8, 16:
	default:
		return fmt.Errorf("IMU_FULL_SCALE_G must be 2, 4, 8 or 16, got %d", c.IMUFullScaleG)
	}
	switch c.SensorSource {
	case "iis3dwb", "mpu9250":
		if c.IMUSPIDevice == "" {
			return fmt.Errorf("IMU_SPI_DEVICE is required for SENSOR_SOURCE=%s", c.SensorSource)
		}
	case "serial":
		if c.SerialPort == "" {
			return fmt.Errorf("SERIAL_PORT is required for SENSOR_SOURCE=serial")
		}
	}
	if c.MQTTEnabled && c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required when MQTT_ENABLED=true")
	}
	if c.AcqReadTimeoutMS < c.AcqPeriodMS {
		return fmt.Errorf("ACQ_READ_TIMEOUT_MS (%d) must not be shorter than ACQ_PERIOD_MS (%d)", c.AcqReadTimeoutMS, c.AcqPeriodMS)
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Only the first call has any effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
