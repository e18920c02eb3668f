package bus

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/mqtt"
)

// mqttClient is the subset of *mqtt.Client the bus needs, so tests can
// substitute a fake without a real broker.
type mqttClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// MQTT is a Bus backed by the MQTT broker connection the rest of the
// ambient stack uses (internal/infrastructure/mqtt). It lets the API driver
// run in a separate process/binary from the device driver: status reports
// and error publications cross the broker instead of an in-process channel.
type MQTT struct {
	client mqttClient
	qos    byte
}

// NewMQTT wraps client as a Bus, publishing and subscribing at qos.
func NewMQTT(client mqttClient, qos byte) *MQTT {
	return &MQTT{client: client, qos: qos}
}

// Publish JSON-encodes v and publishes it, unretained, to topic.
func (b *MQTT) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling payload for %q: %w", topic, err)
	}
	return b.client.Publish(topic, payload, b.qos, false)
}

// Subscribe JSON-decodes each message on topic into a fresh value of
// sample's concrete type and invokes handler with that value, so a
// subscriber's type assertion (e.g. v.(driverevents.StatusReport)) matches
// exactly as it would over bus.Local. Malformed payloads are reported to
// the MQTT client's own subscribe-handler error path rather than silently
// dropped.
func (b *MQTT) Subscribe(topic string, sample any, handler func(v any)) error {
	elemType := reflect.TypeOf(sample)
	for elemType.Kind() == reflect.Ptr {
		elemType = elemType.Elem()
	}
	return b.client.Subscribe(topic, b.qos, func(_ string, payload []byte) error {
		dst := reflect.New(elemType)
		if err := json.Unmarshal(payload, dst.Interface()); err != nil {
			return fmt.Errorf("unmarshalling payload for %q: %w", topic, err)
		}
		handler(dst.Elem().Interface())
		return nil
	})
}
