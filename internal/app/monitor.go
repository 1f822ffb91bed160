package app

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/vibration_monitor/internal/acquisition"
	"github.com/relabs-tech/vibration_monitor/internal/buffer"
	"github.com/relabs-tech/vibration_monitor/internal/config"
	"github.com/relabs-tech/vibration_monitor/internal/imu"
	"github.com/relabs-tech/vibration_monitor/internal/sensors"
)

// Monitor is the assembled pipeline: acquisition loop, publish buffer and
// every consumer enabled in the configuration.
type Monitor struct {
	cfg    *config.Config
	logger *zap.Logger

	Reader      *acquisition.Reader
	Buffer      *buffer.Buffer
	Loop        *acquisition.Loop
	Analytics   *Analytics
	Broadcaster *Broadcaster
	Web         *WebServer
	MQTT        *MQTTPublisher
	Display     *Display

	mqttClient mqtt.Client
}

// NewMonitor configures src and builds the pipeline around it. src is
// closed if the reader cannot be initialized.
func NewMonitor(cfg *config.Config, src sensors.Source, logger *zap.Logger) (*Monitor, error) {
	fs, err := imu.ParseFullScale(cfg.IMUFullScaleG)
	if err != nil {
		src.Close()
		return nil, err
	}
	reader, err := acquisition.NewReader(src, acquisition.ReaderConfig{
		ODRHz:       cfg.IMUODRHz,
		Watermark:   cfg.IMUFIFOWatermark,
		FullScale:   fs,
		ReadTimeout: time.Duration(cfg.AcqReadTimeoutMS) * time.Millisecond,
	}, logger.Named("reader"))
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("init reader: %w", err)
	}

	m := &Monitor{cfg: cfg, logger: logger, Reader: reader, Buffer: buffer.New()}

	loopCfg := acquisition.LoopConfig{
		Period:        time.Duration(cfg.AcqPeriodMS) * time.Millisecond,
		Backoff:       time.Duration(cfg.AcqBackoffMS) * time.Millisecond,
		DeinitTimeout: time.Second,
	}
	if cfg.MQTTEnabled {
		client, err := ConnectMQTT(cfg, ClientID(cfg.MQTTClientID, "vibration-monitor"), logger.Named("mqtt"))
		if err != nil {
			reader.Deinit()
			return nil, err
		}
		m.mqttClient = client
		m.MQTT = NewMQTTPublisher(client, m.Buffer, cfg, logger.Named("mqtt"))
		loopCfg.OnRates = m.MQTT.OnRates
	}
	m.Loop = acquisition.NewLoop(reader, m.Buffer, loopCfg, logger.Named("acquisition"))

	m.Analytics = NewAnalytics(m.Buffer, time.Duration(cfg.AnalyticsIntervalMS)*time.Millisecond, logger.Named("analytics"))
	m.Broadcaster = NewBroadcaster(m.Buffer, time.Duration(cfg.WSBroadcastIntervalMS)*time.Millisecond, cfg.WSChunkSamples, logger.Named("ws"))
	m.Web = NewWebServer(m.Buffer, reader, m.Loop, m.Analytics, m.Broadcaster, cfg.WebStaticDir, logger.Named("web"))

	if cfg.DisplayEnabled {
		d, err := OpenDisplay(cfg.DisplayI2CBus, m.Buffer, m.Analytics, logger.Named("display"))
		if err != nil {
			logger.Warn("display unavailable, continuing without it", zap.Error(err))
		} else {
			m.Display = d
		}
	}
	return m, nil
}

// Run starts every task and blocks until ctx is done or a task fails.
// The acquisition loop deinitializes the reader and the buffer on exit;
// consumers stop on ctx or when they observe the closed buffer.
func (m *Monitor) Run(ctx context.Context) error {
	if m.mqttClient != nil {
		defer m.mqttClient.Disconnect(250)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Loop.Run(ctx) })
	g.Go(func() error { return m.Analytics.Run(ctx) })
	g.Go(func() error { return m.Broadcaster.Run(ctx) })
	g.Go(func() error {
		return m.Web.Run(ctx, fmt.Sprintf(":%d", m.cfg.WebServerPort))
	})
	if m.MQTT != nil {
		g.Go(func() error { return m.MQTT.Run(ctx) })
	}
	if m.Display != nil {
		g.Go(func() error { return m.Display.Run(ctx) })
	}

	m.logger.Info("vibration monitor running",
		zap.String("source", m.cfg.SensorSource),
		zap.Float64("odr_hz", m.Reader.ConfiguredODR()),
		zap.Int("web_port", m.cfg.WebServerPort),
		zap.Bool("mqtt", m.MQTT != nil),
		zap.Bool("display", m.Display != nil))

	err := g.Wait()
	m.logger.Info("vibration monitor stopped",
		zap.Uint64("published", m.Loop.Published()),
		zap.Uint64("failures", m.Loop.Failures()))
	return err
}

// RunMonitor opens the configured sensor and runs the pipeline until ctx is
// done.
func RunMonitor(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	src, err := sensors.Open(cfg, logger.Named("sensor"))
	if err != nil {
		return err
	}
	m, err := NewMonitor(cfg, src, logger)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}
