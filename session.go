package rosserial

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Watchdog defaults: probe once a second until the device responds, then
// expect some sign of life at least every five seconds.
const (
	DefaultAttemptInterval = 1000 * time.Millisecond
	DefaultTimeoutInterval = 5000 * time.Millisecond
)

const writeQueueDepth = 16

// ErrSessionClosed is returned by Send after the session has been torn
// down.
var ErrSessionClosed = errors.New("session closed")

// handlerFunc consumes the payload of one validated frame.
type handlerFunc func(payload []byte) error

// Session is the per-connection protocol engine. It owns the receive
// state machine, the sync watchdog, the send path and the topic dispatch
// table, and it creates bus collaborators as the device announces
// topics.
//
// All receive-side state (dispatch table, collaborator maps, protocol
// version) is mutated only on the session's read goroutine. Send is the
// one entry point callable from any goroutine; frames are handed to a
// single writer goroutine through a queue, so concurrent sends are
// admitted in order and the transport is written by one goroutine only.
type Session struct {
	id  string
	con Conn
	buf *ReadBuffer
	bus MessageBus
	log Logger

	attemptInterval time.Duration
	timeoutInterval time.Duration

	version atomic.Int32

	handlers    map[uint16]handlerFunc
	publishers  map[uint16]Publisher
	subscribers map[uint16]Subscriber

	writeCh   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	timerMu  sync.Mutex
	timer    *time.Timer
	timerGen uint64

	resyncWarn *rate.Limiter

	framesReceived Counter
	framesSent     Counter
	checksumErrors Counter
	resyncs        Counter

	onClose func(*Session)
}

func newSession(id string, conn Conn, cfg *serverConfig, onClose func(*Session)) *Session {
	s := &Session{
		id:              id,
		con:             conn,
		buf:             NewReadBuffer(conn, cfg.readBufferSize),
		bus:             cfg.bus,
		log:             cfg.logger.WithFields(LogFields{LogFieldSessionID: id}),
		attemptInterval: cfg.attemptInterval,
		timeoutInterval: cfg.timeoutInterval,
		handlers:        make(map[uint16]handlerFunc),
		publishers:      make(map[uint16]Publisher),
		subscribers:     make(map[uint16]Subscriber),
		writeCh:         make(chan []byte, writeQueueDepth),
		done:            make(chan struct{}),
		resyncWarn:      rate.NewLimiter(rate.Every(time.Second), 5),
		framesReceived:  cfg.metrics.Counter(MetricFramesReceived, nil),
		framesSent:      cfg.metrics.Counter(MetricFramesSent, nil),
		checksumErrors:  cfg.metrics.Counter(MetricChecksumErrors, nil),
		resyncs:         cfg.metrics.Counter(MetricResyncs, nil),
		onClose:         onClose,
	}

	s.handlers[TopicIDPublisher] = s.setupPublisher
	s.handlers[TopicIDSubscriber] = s.setupSubscriber
	s.handlers[TopicIDTime] = s.handleTimeRequest

	return s
}

// Attach runs a session over an already-established connection, such as
// an opened serial port or a dialed TCP endpoint. The returned session
// is started; Close tears it down.
func Attach(conn Conn, opts ...ServerOption) *Session {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	s := newSession(newSessionID(), conn, cfg, cfg.onSessionClose)
	s.start()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Version returns the negotiated wire-protocol version.
func (s *Session) Version() Version {
	return Version(s.version.Load())
}

func (s *Session) setVersion(v Version) {
	s.version.Store(int32(v))
}

func (s *Session) start() {
	s.log.Info("starting session", LogFields{
		LogFieldRemoteAddr: s.con.RemoteAddr().String(),
	})

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()

	s.attemptSync()
}

// Close tears the session down, releasing every registered collaborator.
func (s *Session) Close() error {
	s.teardown(nil)
	return nil
}

// Done is closed when the session has begun teardown.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) teardown(reason error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stopSyncTimer()
		s.con.Close()
		go s.finalize(reason)
	})
}

// finalize waits for the read and write goroutines to drain, then
// releases all collaborators as a unit and notifies the owner.
func (s *Session) finalize(reason error) {
	s.wg.Wait()

	for id, sub := range s.subscribers {
		if err := sub.Close(); err != nil {
			s.log.Warn("failed to close subscriber", LogFields{
				LogFieldTopicID: id,
				LogFieldError:   err,
			})
		}
	}
	for id, pub := range s.publishers {
		if err := pub.Close(); err != nil {
			s.log.Warn("failed to close publisher", LogFields{
				LogFieldTopicID: id,
				LogFieldError:   err,
			})
		}
	}

	fields := LogFields{}
	if reason != nil {
		fields[LogFieldError] = reason
	}
	s.log.Info("ending session", fields)

	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

//// Receive path. ////

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		err := s.readFrame()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrNoBufferSpace) {
			s.resyncs.Inc()
			s.warnResync("overrun on receive buffer, attempting to regain rx sync", nil)
			continue
		}
		if !s.closed() {
			s.log.Warn("stopping session due to read error", LogFields{
				LogFieldError: err,
			})
			s.teardown(err)
		}
		return
	}
}

// readFrame runs the receive state machine through one complete frame:
// sync byte, sync byte, header, body, dispatch. A recoverable parse
// failure abandons the partial frame and returns nil, so the caller
// resumes hunting for a sync sequence. Only transport failures and
// buffer overruns propagate.
func (s *Session) readFrame() error {
	// Hunt for the first sync byte, one byte at a time. Noise costs at
	// most one byte per attempt and is not worth more than a debug line.
	for {
		b, err := s.buf.Next(1)
		if err != nil {
			return err
		}
		if b[0] == SyncFirst {
			break
		}
		s.log.Debug("skipping byte while seeking sync", LogFields{
			LogFieldBytes: b[0],
		})
	}

	// The second sync byte fixes the protocol generation on first
	// contact and must match it from then on.
	b, err := s.buf.Next(1)
	if err != nil {
		return err
	}
	sync2 := b[0]

	version := s.Version()
	if version == VersionUnknown {
		switch sync2 {
		case SyncSecondV2:
			version = VersionV2
			s.setVersion(version)
			s.log.Info("attached device is using protocol V2", nil)
		case SyncSecondV1:
			version = VersionV1
			s.setVersion(version)
			s.log.Warn("attached device is using legacy protocol V1", nil)
		}
	}

	switch {
	case version == VersionV1 && sync2 == SyncSecondV1:
	case version == VersionV2 && sync2 == SyncSecondV2:
	default:
		// Noise, or a device on the other protocol generation.
		return nil
	}

	headerLen := headerLenV1
	if version == VersionV2 {
		headerLen = headerLenV2
	}
	hdr, err := s.buf.Next(headerLen)
	if err != nil {
		return err
	}
	topicID := binary.LittleEndian.Uint16(hdr)
	length := binary.LittleEndian.Uint16(hdr[2:])

	if version == VersionV2 && hdr[4] != LengthChecksum(length) {
		s.resyncs.Inc()
		s.warnResync("bad message header length checksum, dropping message", LogFields{
			LogFieldTopicID: topicID,
			LogFieldLength:  length,
		})
		return nil
	}

	if length > MaxPayloadLength {
		s.resyncs.Inc()
		s.warnResync("declared length exceeds maximum, dropping message", LogFields{
			LogFieldTopicID: topicID,
			LogFieldLength:  length,
		})
		return nil
	}

	// Payload plus the trailing checksum byte.
	body, err := s.buf.Next(int(length) + 1)
	if err != nil {
		return err
	}
	if Checksum(topicID, body) != 0xFF {
		s.checksumErrors.Inc()
		s.warnResync("dropping message with bad checksum", LogFields{
			LogFieldTopicID: topicID,
			LogFieldLength:  length,
		})
		return nil
	}

	s.framesReceived.Inc()
	s.dispatch(topicID, body[:length])
	return nil
}

// dispatch hands a validated payload to the handler registered for its
// topic id. Handler failures are logged and absorbed; a single malformed
// message never terminates the connection.
func (s *Session) dispatch(topicID uint16, payload []byte) {
	handler, ok := s.handlers[topicID]
	if !ok {
		s.log.Warn("received message with unrecognized topic id", LogFields{
			LogFieldTopicID: topicID,
		})
		return
	}

	if err := handler(payload); err != nil {
		fields := LogFields{
			LogFieldTopicID: topicID,
			LogFieldError:   err,
		}
		if topicID < ReservedTopicLimit {
			// A broken control message usually means incompatible
			// firmware, not line noise.
			s.log.Error("failed to handle control message", fields)
		} else {
			s.log.Warn("failed to handle user message", fields)
		}
	}
}

func (s *Session) warnResync(msg string, fields LogFields) {
	if s.resyncWarn.Allow() {
		s.log.Warn(msg, fields)
	} else {
		s.log.Debug(msg, fields)
	}
}

//// Send path. ////

// Send encodes a frame for topicID with the negotiated version and
// queues it for the device. It is safe to call from any goroutine; the
// queued frames are written strictly in admission order. Sending is
// refused while the protocol version is still unknown.
func (s *Session) Send(topicID uint16, payload []byte) error {
	return s.send(topicID, payload, s.Version())
}

func (s *Session) send(topicID uint16, payload []byte, version Version) error {
	frame, err := EncodeFrame(topicID, payload, version)
	if err != nil {
		s.log.Warn("aborting send", LogFields{
			LogFieldTopicID: topicID,
			LogFieldError:   err,
		})
		return err
	}

	select {
	case s.writeCh <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.writeCh:
			if _, err := s.con.Write(frame); err != nil {
				if !s.closed() {
					s.log.Warn("stopping session due to write error", LogFields{
						LogFieldError: err,
					})
					s.teardown(err)
				}
				return
			}
			s.framesSent.Inc()
		}
	}
}

//// Sync watchdog. ////

// attemptSync sends the topic-request probe and arms the short retry
// interval, so an unresponsive device is probed once per interval until
// it answers.
func (s *Session) attemptSync() {
	s.requestTopics()
	s.setSyncTimeout(s.attemptInterval)
}

// requestTopics sends the topic-negotiation probe. The probe is always
// framed as V1: a V1 device needs it before announcing anything, and it
// is the only frame ever emitted while the version is still unknown; V2
// devices announce proactively and ignore it.
func (s *Session) requestTopics() {
	s.log.Debug("requesting topics from device", nil)
	s.send(TopicIDPublisher, nil, VersionV1)
}

// setSyncTimeout cancels any pending watchdog timer and arms a new one.
// The generation counter lets a timer that fires during rescheduling
// detect that it lost the race and do nothing.
func (s *Session) setSyncTimeout(d time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() {
		s.syncTimeout(gen)
	})
}

func (s *Session) stopSyncTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Session) syncTimeout(gen uint64) {
	s.timerMu.Lock()
	stale := gen != s.timerGen
	s.timerMu.Unlock()
	if stale || s.closed() {
		return
	}

	s.log.Warn("sync with device lost", nil)
	s.attemptSync()
}

//// Control-topic handlers. ////

// setupPublisher handles a publisher announcement: create the bus
// publisher and route future frames on that topic id to it.
func (s *Session) setupPublisher(payload []byte) error {
	info, err := UnmarshalTopicInfo(payload)
	if err != nil {
		return err
	}

	pub, err := s.bus.Advertise(info)
	if err != nil {
		return err
	}

	if prev, ok := s.publishers[info.TopicID]; ok {
		prev.Close()
	}
	s.publishers[info.TopicID] = pub
	s.handlers[info.TopicID] = pub.Handle

	s.log.Info("device announced publisher", LogFields{
		LogFieldTopicID: info.TopicID,
		LogFieldTopic:   info.TopicName,
	})

	s.setSyncTimeout(s.timeoutInterval)
	return nil
}

// setupSubscriber handles a subscriber announcement: subscribe on the
// bus and forward every delivery back to the device.
func (s *Session) setupSubscriber(payload []byte) error {
	info, err := UnmarshalTopicInfo(payload)
	if err != nil {
		return err
	}

	sub, err := s.bus.Subscribe(info, func(topicID uint16, payload []byte) {
		s.Send(topicID, payload)
	})
	if err != nil {
		return err
	}

	if prev, ok := s.subscribers[info.TopicID]; ok {
		prev.Close()
	}
	s.subscribers[info.TopicID] = sub

	s.log.Info("device announced subscriber", LogFields{
		LogFieldTopicID: info.TopicID,
		LogFieldTopic:   info.TopicName,
	})

	s.setSyncTimeout(s.timeoutInterval)
	return nil
}

// handleTimeRequest answers immediately with the host wall clock. The
// device asking for the time doubles as the liveness signal, so the
// watchdog moves to the long interval.
func (s *Session) handleTimeRequest(_ []byte) error {
	err := s.Send(TopicIDTime, marshalTime(time.Now()))
	s.setSyncTimeout(s.timeoutInterval)
	return err
}
