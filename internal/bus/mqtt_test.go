package bus

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/mqtt"
)

type fakeMQTTClient struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return nil
}

func (f *fakeMQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTTClient) deliver(t *testing.T, topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered for %q", topic)
	}
	if err := h(topic, payload); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestMQTTSubscribeDecodesIntoSampleType(t *testing.T) {
	client := newFakeMQTTClient()
	b := NewMQTT(client, 1)

	var got driverevents.StatusReport
	var mu sync.Mutex
	if err := b.Subscribe("i2c/dev/status", driverevents.StatusReport{}, func(v any) {
		mu.Lock()
		got = v.(driverevents.StatusReport)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload, err := json.Marshal(driverevents.StatusReport{Status: driverevents.StatusEnabled})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	client.deliver(t, "i2c/dev/status", payload)

	mu.Lock()
	defer mu.Unlock()
	if got.Status != driverevents.StatusEnabled {
		t.Fatalf("got status %v, want %v", got.Status, driverevents.StatusEnabled)
	}
}

func TestMQTTSubscribeMalformedPayloadReturnsError(t *testing.T) {
	client := newFakeMQTTClient()
	b := NewMQTT(client, 1)

	called := false
	if err := b.Subscribe("i2c/dev/status", driverevents.StatusReport{}, func(v any) {
		called = true
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	client.mu.Lock()
	handler := client.handlers["i2c/dev/status"]
	client.mu.Unlock()

	if err := handler("i2c/dev/status", []byte("not json")); err == nil {
		t.Fatalf("expected an error for malformed payload")
	}
	if called {
		t.Fatalf("handler should not be invoked on decode failure")
	}
}
