package rosserial

import (
	"errors"

	evbus "github.com/asaskevich/EventBus"
)

// ErrEmptyTopicName is returned when a topic descriptor carries no name.
var ErrEmptyTopicName = errors.New("topic descriptor has an empty name")

// LocalBus is an in-process MessageBus backed by an event bus. Device
// payloads pass through opaque, keyed by topic name. Subscriber delivery
// runs on the event bus's own goroutines, which exercises the session's
// cross-goroutine send path.
type LocalBus struct {
	bus evbus.Bus
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{bus: evbus.New()}
}

// Advertise creates a publisher forwarding device payloads to bus
// subscribers of the topic name.
func (b *LocalBus) Advertise(info TopicInfo) (Publisher, error) {
	if info.TopicName == "" {
		return nil, ErrEmptyTopicName
	}
	return &localPublisher{bus: b.bus, topic: info.TopicName}, nil
}

// Subscribe registers fn for every payload published on the topic name.
func (b *LocalBus) Subscribe(info TopicInfo, fn SubscriberFunc) (Subscriber, error) {
	if info.TopicName == "" {
		return nil, ErrEmptyTopicName
	}

	sub := &localSubscriber{bus: b.bus, topic: info.TopicName}
	sub.handler = func(payload []byte) {
		fn(info.TopicID, payload)
	}
	if err := b.bus.SubscribeAsync(sub.topic, sub.handler, false); err != nil {
		return nil, err
	}
	return sub, nil
}

// Publish injects a payload on a named topic from the host side, as any
// other bus participant would.
func (b *LocalBus) Publish(topicName string, payload []byte) {
	b.bus.Publish(topicName, payload)
}

// SubscribeRaw registers a host-side handler for payloads that device
// publishers put on a named topic.
func (b *LocalBus) SubscribeRaw(topicName string, fn func(payload []byte)) error {
	return b.bus.SubscribeAsync(topicName, fn, false)
}

// UnsubscribeRaw removes a handler registered with SubscribeRaw.
func (b *LocalBus) UnsubscribeRaw(topicName string, fn func(payload []byte)) error {
	return b.bus.Unsubscribe(topicName, fn)
}

type localPublisher struct {
	bus   evbus.Bus
	topic string
}

func (p *localPublisher) Handle(payload []byte) error {
	// Delivery is asynchronous; the frame buffer is reused as soon as
	// Handle returns.
	data := make([]byte, len(payload))
	copy(data, payload)
	p.bus.Publish(p.topic, data)
	return nil
}

func (p *localPublisher) Close() error {
	return nil
}

type localSubscriber struct {
	bus     evbus.Bus
	topic   string
	handler func([]byte)
}

func (s *localSubscriber) Close() error {
	return s.bus.Unsubscribe(s.topic, s.handler)
}
