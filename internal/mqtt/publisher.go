package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"metersim/config"
	"metersim/internal/simulation"
)

// Publisher mirrors tick snapshots to an MQTT broker, one topic per field
// plus a retained JSON snapshot topic. Disabled publishers are inert.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
	logger      *zap.Logger
}

func NewPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false, logger: logger}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("mqtt connected")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		enabled:     true,
		logger:      logger,
	}, nil
}

// BroadcastSnapshot implements simulation.Broadcaster.
func (p *Publisher) BroadcastSnapshot(snap simulation.Snapshot) {
	if err := p.Publish(snap); err != nil {
		p.logger.Warn("mqtt publish failed", zap.Error(err))
	}
}

func (p *Publisher) Publish(snap simulation.Snapshot) error {
	if !p.enabled {
		return nil
	}

	sample := snap.Sample
	topics := map[string]any{
		"voltage":      sample.Voltage,
		"current":      sample.Current,
		"power_factor": sample.PowerFactor,
		"active_power": sample.ActivePower,
		"frequency":    sample.Frequency,
		"energy":       sample.EnergyConsumed,
		"balance":      snap.Balance,
	}

	for name, value := range topics {
		topic := fmt.Sprintf("%s/%s/%s", p.topicPrefix, sample.MeterID, name)
		token := p.client.Publish(topic, 0, false, fmt.Sprintf("%v", value))
		token.Wait()
		if token.Error() != nil {
			p.logger.Warn("failed to publish topic", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}

	statusJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	statusTopic := fmt.Sprintf("%s/%s/status", p.topicPrefix, sample.MeterID)
	token := p.client.Publish(statusTopic, 0, true, statusJSON)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish status: %w", token.Error())
	}

	return nil
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(250)
	}
}
