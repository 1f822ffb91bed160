package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relabs-tech/vibration_monitor/internal/acquisition"
	"github.com/relabs-tech/vibration_monitor/internal/config"
	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// MessagePublisher is the part of mqtt.Client the publisher needs.
type MessagePublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ClientID returns id, or prefix plus a short random suffix when id is empty.
func ClientID(id, prefix string) string {
	if id != "" {
		return id
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// ConnectMQTT connects to the configured broker.
func ConnectMQTT(cfg *config.Config, clientID string, logger *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.MQTTBroker, token.Error())
	}
	logger.Info("connected to MQTT broker", zap.String("broker", cfg.MQTTBroker), zap.String("client_id", clientID))
	return client, nil
}

// MQTTPublisher publishes the latest snapshot periodically and every rate
// report as a retained message.
type MQTTPublisher struct {
	client        MessagePublisher
	src           SnapshotSource
	topicSnapshot string
	topicRates    string
	interval      time.Duration
	timeout       time.Duration
	logger        *zap.Logger

	rates     chan acquisition.RateReport
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewMQTTPublisher builds a publisher for the configured topics.
func NewMQTTPublisher(client MessagePublisher, src SnapshotSource, cfg *config.Config, logger *zap.Logger) *MQTTPublisher {
	interval := time.Duration(cfg.MQTTPublishIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &MQTTPublisher{
		client:        client,
		src:           src,
		topicSnapshot: cfg.TopicSnapshot,
		topicRates:    cfg.TopicRates,
		interval:      interval,
		timeout:       time.Second,
		logger:        logger,
		rates:         make(chan acquisition.RateReport, 1),
	}
}

// Published returns the number of messages acknowledged by the client.
func (p *MQTTPublisher) Published() uint64 { return p.published.Load() }

// OnRates queues a rate report. Only the newest pending report is kept, so
// the acquisition loop never waits on the broker.
func (p *MQTTPublisher) OnRates(rep acquisition.RateReport) {
	for {
		select {
		case p.rates <- rep:
			return
		default:
		}
		select {
		case <-p.rates:
		default:
		}
	}
}

func (p *MQTTPublisher) publish(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("json marshal error", zap.String("topic", topic), zap.Error(err))
		return
	}
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		p.failed.Add(1)
		p.logger.Warn("MQTT publish timeout", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		if n := p.failed.Add(1); n == 1 || n%100 == 0 {
			p.logger.Warn("MQTT publish error", zap.String("topic", topic), zap.Uint64("errors", n), zap.Error(err))
		}
		return
	}
	p.published.Add(1)
}

// Run publishes until ctx is done or the buffer is closed.
func (p *MQTTPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastTS uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case rep := <-p.rates:
			p.publish(p.topicRates, true, rep)
		case <-ticker.C:
			var snap imu.Snapshot
			err := p.src.GetLatest(&snap)
			switch {
			case errors.Is(err, imu.ErrClosed):
				return nil
			case err != nil:
				continue
			case snap.TimestampUS == lastTS:
				continue
			}
			lastTS = snap.TimestampUS
			p.publish(p.topicSnapshot, false, snap)
		}
	}
}
