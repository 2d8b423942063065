// Package monitor subscribes to a device's MQTT telemetry and relays
// the readings it publishes.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho's own unit
)

// Handler receives one telemetry message.
type Handler func(topic string, payload []byte)

// Monitor watches the telemetry topics of one device.
type Monitor struct {
	brokerURL   string
	topicPrefix string
	deviceID    string
}

// New creates a Monitor for the device on the given broker.
func New(brokerURL, topicPrefix, deviceID string) *Monitor {
	return &Monitor{
		brokerURL:   brokerURL,
		topicPrefix: topicPrefix,
		deviceID:    deviceID,
	}
}

// clientID derives a stable MQTT client identifier from the local
// machine so parallel observers on different hosts do not clash.
func clientID() string {
	id, err := machineid.ID()
	if err != nil {
		host, hostErr := os.Hostname()
		if hostErr != nil {
			host = "unknown"
		}
		slog.Debug("machine ID unavailable, falling back to hostname", "error", err)
		return "mpsync-" + host
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return "mpsync-" + id
}

// topic returns the subscription filter covering all of the device's
// telemetry channels.
func (m *Monitor) topic() string {
	if m.topicPrefix == "" {
		return m.deviceID + "/#"
	}
	return m.topicPrefix + "/" + m.deviceID + "/#"
}

// Run connects, subscribes, and invokes handler for every message until
// the context is cancelled.
func (m *Monitor) Run(ctx context.Context, handler Handler) error {
	opts := paho.NewClientOptions().
		AddBroker(m.brokerURL).
		SetClientID(clientID()).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("timeout connecting to broker " + m.brokerURL)
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "connect "+m.brokerURL)
	}
	defer client.Disconnect(disconnectQuiesce)

	filter := m.topic()
	subToken := client.Subscribe(filter, 0, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !subToken.WaitTimeout(connectTimeout) {
		return errors.New("timeout subscribing to " + filter)
	}
	if err := subToken.Error(); err != nil {
		return errors.Wrap(err, "subscribe "+filter)
	}

	slog.Info("watching telemetry", "broker", m.brokerURL, "topic", filter)
	<-ctx.Done()
	return ctx.Err()
}

// Print is a Handler that writes messages to stdout with a timestamp.
func Print(topic string, payload []byte) {
	fmt.Printf("%s  %s  %s\n", time.Now().Format(time.RFC3339), topic, payload)
}
