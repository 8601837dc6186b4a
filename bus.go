package rosserial

// Publisher bridges payloads received from a device onto the host
// message bus. One publisher exists per announced device topic; it is
// owned by the session that created it.
type Publisher interface {
	// Handle consumes one validated frame payload. The byte slice is
	// only valid for the duration of the call; implementations copy it
	// if delivery is deferred. A decode or overrun failure is reported
	// as an error and never terminates the connection.
	Handle(payload []byte) error

	// Close releases the bus-side resources of this publisher.
	Close() error
}

// Subscriber represents a host-bus subscription whose messages are
// forwarded to the device. Delivery happens through the callback given
// at creation and may originate on an arbitrary goroutine.
type Subscriber interface {
	// Close cancels the subscription.
	Close() error
}

// SubscriberFunc delivers an outbound bus message bound for the device
// topic it was registered with.
type SubscriberFunc func(topicID uint16, payload []byte)

// MessageBus creates the bus-side collaborators for topics a device
// announces. Implementations adapt announced topics onto a concrete
// publish/subscribe system.
type MessageBus interface {
	// Advertise creates a publisher for a topic the device will publish
	// to.
	Advertise(info TopicInfo) (Publisher, error)

	// Subscribe subscribes to a bus topic the device wants to receive,
	// delivering each message through fn.
	Subscribe(info TopicInfo, fn SubscriberFunc) (Subscriber, error)
}
