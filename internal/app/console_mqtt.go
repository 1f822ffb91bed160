package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/acquisition"
	"github.com/relabs-tech/vibration_monitor/internal/config"
	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// FormatSnapshotLine renders a snapshot for the console.
func FormatSnapshotLine(s imu.Snapshot) string {
	valid := "ok"
	if !s.Accelerometer.Valid {
		valid = "stale"
	}
	return fmt.Sprintf(
		"[ACC ] t=%d x=%+8.4f y=%+8.4f z=%+8.4f |a|=%7.4f g  fifo=%3d batch=%3d sps=%8.1f %s",
		s.TimestampUS,
		s.Accelerometer.XG, s.Accelerometer.YG, s.Accelerometer.ZG, s.Accelerometer.MagnitudeG,
		s.Stats.FIFOLevel, s.Stats.SamplesRead, s.Stats.SamplesPerSecond, valid,
	)
}

// FormatRatesLine renders a rate report for the console.
func FormatRatesLine(r acquisition.RateReport) string {
	return fmt.Sprintf(
		"[RATE] %.1f samples/s  %.2f msg/s  (%d samples, %d batches in %.3f s)",
		r.SamplesPerSecond, r.MessagesPerSecond, r.Samples, r.Batches, float64(r.WindowUS)/1e6,
	)
}

// RunConsoleMQTT subscribes to the snapshot and rate topics and prints every
// message to out until ctx is done.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, out io.Writer, logger *zap.Logger) error {
	client, err := ConnectMQTT(cfg, ClientID("", "vibration-console"), logger)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	snapToken := client.Subscribe(cfg.TopicSnapshot, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s imu.Snapshot
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			logger.Warn("snapshot unmarshal error", zap.Error(err))
			return
		}
		fmt.Fprintln(out, FormatSnapshotLine(s))
	})
	if snapToken.Wait() && snapToken.Error() != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", cfg.TopicSnapshot, snapToken.Error())
	}
	logger.Info("subscribed", zap.String("topic", cfg.TopicSnapshot))

	ratesToken := client.Subscribe(cfg.TopicRates, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r acquisition.RateReport
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			logger.Warn("rates unmarshal error", zap.Error(err))
			return
		}
		fmt.Fprintln(out, FormatRatesLine(r))
	})
	if ratesToken.Wait() && ratesToken.Error() != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", cfg.TopicRates, ratesToken.Error())
	}
	logger.Info("subscribed", zap.String("topic", cfg.TopicRates))

	<-ctx.Done()
	logger.Info("console shutting down")
	return nil
}
