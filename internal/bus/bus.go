// Package bus defines the publish/subscribe contract the device and API
// active objects depend on for status and error announcements, and ships
// two implementations: Local, an in-process bus used in production for a
// single-binary deployment and in all driver tests, and MQTT, backed by
// internal/infrastructure/mqtt for deployments where the device and API
// drivers run in separate processes.
package bus

// Publisher announces a value under a topic to every current subscriber.
// Device/API status reports and GenericError publications go through this.
type Publisher interface {
	Publish(topic string, v any) error
}

// Subscriber registers handler to be invoked for every value published
// under topic from the moment Subscribe returns. Delivery to a given
// subscriber is FIFO; delivery ordering across distinct subscribers of the
// same topic is not guaranteed.
//
// sample is a value of the concrete type published under topic (e.g.
// driverevents.StatusReport{}). Local ignores it, since it hands the
// publisher's original value straight to handler with no encoding step in
// between; MQTT needs it to know what type to decode each topic's JSON
// payload into before handler ever sees it.
type Subscriber interface {
	Subscribe(topic string, sample any, handler func(v any)) error
}

// Bus is the full contract a driver depends on.
type Bus interface {
	Publisher
	Subscriber
}
