package rosserial

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBus is a MessageBus capturing every collaborator it creates.
type recordingBus struct {
	mu          sync.Mutex
	publishers  []*recordPublisher
	subscribers []*recordSubscriber
}

func newRecordingBus() *recordingBus {
	return &recordingBus{}
}

func (b *recordingBus) Advertise(info TopicInfo) (Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pub := &recordPublisher{info: info}
	b.publishers = append(b.publishers, pub)
	return pub, nil
}

func (b *recordingBus) Subscribe(info TopicInfo, fn SubscriberFunc) (Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &recordSubscriber{info: info, deliver: fn}
	b.subscribers = append(b.subscribers, sub)
	return sub, nil
}

func (b *recordingBus) publisherCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.publishers)
}

func (b *recordingBus) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *recordingBus) publisher(i int) *recordPublisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishers[i]
}

func (b *recordingBus) subscriber(i int) *recordSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers[i]
}

type recordPublisher struct {
	mu       sync.Mutex
	info     TopicInfo
	payloads [][]byte
	closed   bool
}

func (p *recordPublisher) Handle(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, append([]byte{}, payload...))
	return nil
}

func (p *recordPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordPublisher) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.payloads))
	copy(out, p.payloads)
	return out
}

func (p *recordPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type recordSubscriber struct {
	mu      sync.Mutex
	info    TopicInfo
	deliver SubscriberFunc
	closed  bool
}

func (s *recordSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// wireFrame is one parsed frame as seen by the device side.
type wireFrame struct {
	version Version
	topicID uint16
	payload []byte
}

// collectFrames drains and parses every frame the bridge writes to the
// device end of the pipe. It also keeps the pipe from blocking the
// session's writer.
func collectFrames(conn net.Conn) <-chan wireFrame {
	ch := make(chan wireFrame, 64)
	go func() {
		defer close(ch)
		r := bufio.NewReader(conn)
		for {
			b, err := r.ReadByte()
			if err != nil {
				return
			}
			if b != SyncFirst {
				continue
			}
			b2, err := r.ReadByte()
			if err != nil {
				return
			}

			var version Version
			switch b2 {
			case SyncSecondV2:
				version = VersionV2
			case SyncSecondV1:
				version = VersionV1
			default:
				continue
			}

			hdr := make([]byte, 4)
			if _, err := io.ReadFull(r, hdr); err != nil {
				return
			}
			topicID := binary.LittleEndian.Uint16(hdr)
			length := binary.LittleEndian.Uint16(hdr[2:])

			if version == VersionV2 {
				if _, err := r.ReadByte(); err != nil {
					return
				}
			}

			body := make([]byte, int(length)+1)
			if _, err := io.ReadFull(r, body); err != nil {
				return
			}

			ch <- wireFrame{
				version: version,
				topicID: topicID,
				payload: body[:length],
			}
		}
	}()
	return ch
}

func startTestSession(t *testing.T, bus MessageBus, opts ...ServerOption) (*Session, net.Conn) {
	t.Helper()

	device, bridge := net.Pipe()
	options := append([]ServerOption{
		WithBus(bus),
		WithAttemptInterval(50 * time.Millisecond),
		WithTimeoutInterval(400 * time.Millisecond),
	}, opts...)

	sess := Attach(bridge, options...)
	t.Cleanup(func() {
		sess.Close()
		device.Close()
	})
	return sess, device
}

func writeFrame(t *testing.T, conn net.Conn, topicID uint16, payload []byte, version Version) {
	t.Helper()

	frame, err := EncodeFrame(topicID, payload, version)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func waitFrame(t *testing.T, frames <-chan wireFrame, match func(wireFrame) bool) wireFrame {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatal("connection closed before expected frame")
			}
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestSessionSendsProbeUntilDeviceResponds(t *testing.T) {
	_, device := startTestSession(t, newRecordingBus())
	frames := collectFrames(device)

	// One probe per attempt interval, indefinitely, until a response.
	for i := 0; i < 3; i++ {
		f := waitFrame(t, frames, func(f wireFrame) bool {
			return f.topicID == TopicIDPublisher
		})
		assert.Equal(t, VersionV1, f.version)
		assert.Empty(t, f.payload)
	}
}

func TestSessionPublisherRegistrationAndDispatch(t *testing.T) {
	bus := newRecordingBus()
	sess, device := startTestSession(t, bus)
	frames := collectFrames(device)
	_ = frames

	info := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV1)

	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, VersionV1, sess.Version())
	assert.Equal(t, info, bus.publisher(0).info)

	writeFrame(t, device, 101, []byte("hello"), VersionV1)

	require.Eventually(t, func() bool {
		return len(bus.publisher(0).received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("hello"), bus.publisher(0).received()[0])
}

func TestSessionVersionLocksToV2AfterGarbage(t *testing.T) {
	bus := newRecordingBus()
	sess, device := startTestSession(t, bus)
	frames := collectFrames(device)
	_ = frames

	// Leading noise is skipped one byte at a time before the valid V2
	// sync pair locks the version.
	_, err := device.Write([]byte{0x12})
	require.NoError(t, err)

	info := TopicInfo{TopicID: 110, TopicName: "imu", MessageType: "sensor_msgs/Imu"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV2)

	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, VersionV2, sess.Version())

	writeFrame(t, device, 110, []byte{9, 8, 7}, VersionV2)
	require.Eventually(t, func() bool {
		return len(bus.publisher(0).received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionTimeSyncReply(t *testing.T) {
	_, device := startTestSession(t, newRecordingBus())
	frames := collectFrames(device)

	writeFrame(t, device, TopicIDTime, nil, VersionV1)

	reply := waitFrame(t, frames, func(f wireFrame) bool {
		return f.topicID == TopicIDTime
	})
	assert.Len(t, reply.payload, 8)

	secs := binary.LittleEndian.Uint32(reply.payload)
	assert.InDelta(t, time.Now().Unix(), int64(secs), 5)
}

func TestSessionSubscriberForwarding(t *testing.T) {
	bus := newRecordingBus()
	_, device := startTestSession(t, bus)
	frames := collectFrames(device)

	info := TopicInfo{TopicID: 102, TopicName: "cmd_vel", MessageType: "geometry_msgs/Twist"}
	writeFrame(t, device, TopicIDSubscriber, info.Marshal(), VersionV1)

	require.Eventually(t, func() bool {
		return bus.subscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Deliver from a foreign goroutine, as a bus would.
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	go bus.subscriber(0).deliver(102, payload)

	f := waitFrame(t, frames, func(f wireFrame) bool {
		return f.topicID == 102
	})
	assert.Equal(t, payload, f.payload)
	assert.Equal(t, VersionV1, f.version)
}

func TestSessionBadChecksumNotDispatched(t *testing.T) {
	bus := newRecordingBus()
	_, device := startTestSession(t, bus)
	frames := collectFrames(device)
	_ = frames

	info := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV1)
	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	frame, err := EncodeFrame(101, []byte("corrupt me"), VersionV1)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01
	_, err = device.Write(frame)
	require.NoError(t, err)

	// The corrupted frame is dropped; the connection keeps going.
	writeFrame(t, device, 101, []byte("clean"), VersionV1)
	require.Eventually(t, func() bool {
		return len(bus.publisher(0).received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("clean"), bus.publisher(0).received()[0])
}

func TestSessionOversizedLengthRejectedWithoutRead(t *testing.T) {
	bus := newRecordingBus()
	_, device := startTestSession(t, bus)
	frames := collectFrames(device)
	_ = frames

	info := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV1)
	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Header declaring 40000 bytes. No body follows: the engine must
	// reject it on the header alone, or the next frame would be eaten.
	hdr := []byte{0xFF, 0xFF}
	hdr = binary.LittleEndian.AppendUint16(hdr, 101)
	hdr = binary.LittleEndian.AppendUint16(hdr, 40000)
	_, err := device.Write(hdr)
	require.NoError(t, err)

	writeFrame(t, device, 101, []byte("after"), VersionV1)
	require.Eventually(t, func() bool {
		return len(bus.publisher(0).received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("after"), bus.publisher(0).received()[0])
}

func TestSessionV2LengthChecksumRejectedBeforeBody(t *testing.T) {
	bus := newRecordingBus()
	_, device := startTestSession(t, bus)
	frames := collectFrames(device)
	_ = frames

	info := TopicInfo{TopicID: 110, TopicName: "imu", MessageType: "sensor_msgs/Imu"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV2)
	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// V2 header with a corrupted length checksum and no body. If the
	// body were requested anyway, the following frame would be consumed
	// as body bytes.
	hdr := []byte{0xFF, 0xFE}
	hdr = binary.LittleEndian.AppendUint16(hdr, 110)
	hdr = binary.LittleEndian.AppendUint16(hdr, 5)
	hdr = append(hdr, LengthChecksum(5)^0xFF)
	_, err := device.Write(hdr)
	require.NoError(t, err)

	writeFrame(t, device, 110, []byte("ok"), VersionV2)
	require.Eventually(t, func() bool {
		return len(bus.publisher(0).received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("ok"), bus.publisher(0).received()[0])
}

func TestSessionUnknownTopicIgnored(t *testing.T) {
	bus := newRecordingBus()
	_, device := startTestSession(t, bus)
	frames := collectFrames(device)
	_ = frames

	writeFrame(t, device, 150, []byte("nobody home"), VersionV1)

	info := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV1)
	writeFrame(t, device, 101, []byte("later"), VersionV1)

	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1 && len(bus.publisher(0).received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionEmptyControlPayloadKeepsConnection(t *testing.T) {
	bus := newRecordingBus()
	_, device := startTestSession(t, bus)
	frames := collectFrames(device)
	_ = frames

	// Registration with an empty payload: the descriptor decode fails,
	// the failure is absorbed, the connection continues.
	_, err := device.Write([]byte{0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF})
	require.NoError(t, err)

	info := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV1)
	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionByteAtATimeEquivalence(t *testing.T) {
	info := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}

	var stream []byte
	reg, err := EncodeFrame(TopicIDPublisher, info.Marshal(), VersionV1)
	require.NoError(t, err)
	data, err := EncodeFrame(101, []byte("drip"), VersionV1)
	require.NoError(t, err)
	stream = append(stream, reg...)
	stream = append(stream, data...)

	run := func(t *testing.T, write func(conn net.Conn)) [][]byte {
		bus := newRecordingBus()
		_, device := startTestSession(t, bus)
		frames := collectFrames(device)
		_ = frames

		write(device)

		require.Eventually(t, func() bool {
			return bus.publisherCount() == 1 && len(bus.publisher(0).received()) == 1
		}, 2*time.Second, 10*time.Millisecond)
		return bus.publisher(0).received()
	}

	allAtOnce := run(t, func(conn net.Conn) {
		_, err := conn.Write(stream)
		require.NoError(t, err)
	})

	byteAtATime := run(t, func(conn net.Conn) {
		for _, b := range stream {
			_, err := conn.Write([]byte{b})
			require.NoError(t, err)
		}
	})

	assert.Equal(t, allAtOnce, byteAtATime)
}

func TestSessionWatchdogBacksOffAfterActivity(t *testing.T) {
	bus := newRecordingBus()
	_, device := startTestSession(t, bus)
	frames := collectFrames(device)

	info := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV1)
	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Flush probes sent before the registration landed.
	flush := time.After(100 * time.Millisecond)
flushing:
	for {
		select {
		case <-frames:
		case <-flush:
			break flushing
		}
	}

	// The liveness interval (400ms) is now armed; no probe may arrive
	// within a window well short of it.
	select {
	case f := <-frames:
		t.Fatalf("unexpected frame on topic %d during liveness window", f.topicID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionTeardownReleasesCollaborators(t *testing.T) {
	bus := newRecordingBus()
	closed := make(chan *Session, 1)
	sess, device := startTestSession(t, bus, OnSessionClose(func(s *Session) {
		closed <- s
	}))
	frames := collectFrames(device)
	_ = frames

	pubInfo := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}
	subInfo := TopicInfo{TopicID: 102, TopicName: "cmd_vel", MessageType: "geometry_msgs/Twist"}
	writeFrame(t, device, TopicIDPublisher, pubInfo.Marshal(), VersionV1)
	writeFrame(t, device, TopicIDSubscriber, subInfo.Marshal(), VersionV1)
	require.Eventually(t, func() bool {
		return bus.publisherCount() == 1 && bus.subscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A dead transport is fatal: everything goes down as a unit.
	device.Close()

	select {
	case s := <-closed:
		assert.Same(t, sess, s)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not report close")
	}

	assert.True(t, bus.publisher(0).isClosed())
	assert.True(t, bus.subscriber(0).isClosed())

	select {
	case <-sess.Done():
	default:
		t.Fatal("Done not closed after teardown")
	}
}

func TestSessionSendRefusedBeforeVersionKnown(t *testing.T) {
	sess, device := startTestSession(t, newRecordingBus())
	frames := collectFrames(device)
	_ = frames

	err := sess.Send(101, []byte("too early"))
	assert.ErrorIs(t, err, ErrVersionUnknown)
}

func TestSessionCloseIdempotent(t *testing.T) {
	sess, device := startTestSession(t, newRecordingBus())
	frames := collectFrames(device)
	_ = frames

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	err := sess.Send(101, nil)
	assert.Error(t, err)
}

func TestSessionMetrics(t *testing.T) {
	metrics := NewMemoryMetrics()
	bus := newRecordingBus()
	_, device := startTestSession(t, bus, WithMetrics(metrics))
	frames := collectFrames(device)
	_ = frames

	info := TopicInfo{TopicID: 101, TopicName: "chatter", MessageType: "std_msgs/String"}
	writeFrame(t, device, TopicIDPublisher, info.Marshal(), VersionV1)

	frame, err := EncodeFrame(101, []byte("x"), VersionV1)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01
	_, err = device.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return metrics.Counter(MetricChecksumErrors, nil).Value() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, metrics.Counter(MetricFramesReceived, nil).Value(), 1.0)
	assert.GreaterOrEqual(t, metrics.Counter(MetricFramesSent, nil).Value(), 1.0)
}
