// Package mqttpub mirrors plant snapshots to an MQTT broker as retained
// JSON messages.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"plantcare/internal/care"
	"plantcare/internal/plant"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Client is the part of mqtt.Client used for publishing
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Connect dials broker and returns a connected client
func Connect(broker, clientID string, logger *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("Connected to MQTT broker", zap.String("broker", broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		// ConnectRetry keeps trying in the background
		logger.Warn("MQTT broker not reachable yet, retrying in background", zap.String("broker", broker))
		return client, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, err)
	}
	return client, nil
}

// Message is the JSON document published for every snapshot
type Message struct {
	EntryID string `json:"entry_id"`
	PlantID string `json:"plant_id"`
	*care.Snapshot
}

// Publisher publishes snapshots to <prefix>/<plant_id>/state
type Publisher struct {
	client Client
	prefix string
	qos    byte
	logger *zap.Logger
}

func NewPublisher(client Client, prefix string, logger *zap.Logger) *Publisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "plant_care"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    1,
		logger: logger.Named("mqtt"),
	}
}

// Topic returns the state topic of a plant
func (p *Publisher) Topic(plantID string) string {
	return p.prefix + "/" + plantID + "/state"
}

// Publish sends the snapshot as a retained message. Failures are logged;
// MQTT is a best-effort mirror.
func (p *Publisher) Publish(entry plant.Entry, snap *care.Snapshot) {
	payload, err := json.Marshal(Message{EntryID: entry.EntryID, PlantID: entry.PlantID, Snapshot: snap})
	if err != nil {
		p.logger.Error("Failed to encode snapshot", zap.String("plant_id", entry.PlantID), zap.Error(err))
		return
	}

	if err := p.send(p.Topic(entry.PlantID), payload); err != nil {
		p.logger.Warn("Failed to publish snapshot", zap.String("plant_id", entry.PlantID), zap.Error(err))
		return
	}
	p.logger.Debug("Published snapshot", zap.String("topic", p.Topic(entry.PlantID)))
}

// Clear removes the retained message of a plant
func (p *Publisher) Clear(plantID string) error {
	return p.send(p.Topic(plantID), []byte{})
}

func (p *Publisher) send(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout publishing to %s", topic)
	}
	return token.Error()
}
