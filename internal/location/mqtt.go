package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttPublisher is the part of mqtt.Client the backend uses.
type mqttPublisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTBackend publishes retained fixes to <prefix>/<provider> and provider
// events to <prefix>/<provider>/status.
type MQTTBackend struct {
	client  mqttPublisher
	closer  func()
	prefix  string
	timeout time.Duration
	reg     *registry
}

func NewMQTTBackend(broker, clientID, prefix string) (*MQTTBackend, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	log.Printf("mqtt connected to %s", broker)
	b := newMQTTBackend(client, prefix)
	b.closer = func() { client.Disconnect(250) }
	return b, nil
}

func newMQTTBackend(client mqttPublisher, prefix string) *MQTTBackend {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = "geoforge/location"
	}
	return &MQTTBackend{client: client, prefix: prefix, timeout: 5 * time.Second, reg: newRegistry()}
}

func (b *MQTTBackend) Close() {
	if b.closer != nil {
		b.closer()
	}
}

func (b *MQTTBackend) AddTestProvider(_ context.Context, name string, req Requirements) error {
	if !b.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	if err := b.reg.add(name); err != nil {
		return err
	}
	if err := b.publish(b.statusTopic(name), true, providerEvent{Provider: name, Event: "added", Requirements: &req}); err != nil {
		_ = b.reg.remove(name)
		return err
	}
	return nil
}

func (b *MQTTBackend) SetTestProviderEnabled(_ context.Context, name string, enabled bool) error {
	if err := b.reg.setEnabled(name, enabled); err != nil {
		return err
	}
	event := "disabled"
	if enabled {
		event = "enabled"
	}
	return b.publish(b.statusTopic(name), true, providerEvent{Provider: name, Event: event})
}

func (b *MQTTBackend) SetTestProviderLocation(_ context.Context, name string, fix Fix) error {
	if err := b.reg.checkEnabled(name); err != nil {
		return err
	}
	return b.publish(b.prefix+"/"+name, true, fix)
}

func (b *MQTTBackend) RemoveTestProvider(_ context.Context, name string) error {
	if err := b.reg.remove(name); err != nil {
		return err
	}
	return b.publish(b.statusTopic(name), true, providerEvent{Provider: name, Event: "removed"})
}

func (b *MQTTBackend) statusTopic(name string) string { return b.prefix + "/" + name + "/status" }

func (b *MQTTBackend) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := b.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}
