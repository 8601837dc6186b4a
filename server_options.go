package rosserial

import "time"

// ServerOption configures a Server or an attached Session.
type ServerOption func(*serverConfig)

type serverConfig struct {
	bus             MessageBus
	logger          Logger
	metrics         Metrics
	attemptInterval time.Duration
	timeoutInterval time.Duration
	readBufferSize  int
	maxConnections  int
	onSessionStart  func(*Session)
	onSessionClose  func(*Session)
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		bus:             NewLocalBus(),
		logger:          NewNoOpLogger(),
		metrics:         &NoOpMetrics{},
		attemptInterval: DefaultAttemptInterval,
		timeoutInterval: DefaultTimeoutInterval,
		readBufferSize:  DefaultReadBufferSize,
		maxConnections:  0, // unlimited
	}
}

// WithBus sets the message bus that announced topics are bridged onto.
func WithBus(bus MessageBus) ServerOption {
	return func(c *serverConfig) {
		c.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) ServerOption {
	return func(c *serverConfig) {
		c.metrics = metrics
	}
}

// WithAttemptInterval sets the watchdog retry interval used while a
// device has not yet responded to the topic-request probe.
func WithAttemptInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.attemptInterval = d
		}
	}
}

// WithTimeoutInterval sets the liveness interval rescheduled on every
// registration or time request from the device.
func WithTimeoutInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.timeoutInterval = d
		}
	}
}

// WithReadBufferSize sets the per-session receive buffer capacity.
func WithReadBufferSize(n int) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.readBufferSize = n
		}
	}
}

// WithMaxConnections sets the maximum number of concurrent sessions.
// 0 means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxConnections = n
	}
}

// OnSessionStart sets a callback invoked when a session starts.
func OnSessionStart(fn func(*Session)) ServerOption {
	return func(c *serverConfig) {
		c.onSessionStart = fn
	}
}

// OnSessionClose sets a callback invoked after a session has been torn
// down and its collaborators released.
func OnSessionClose(fn func(*Session)) ServerOption {
	return func(c *serverConfig) {
		c.onSessionClose = fn
	}
}
