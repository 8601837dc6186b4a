package rosserial

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Server errors.
var (
	ErrServerClosed  = errors.New("server closed")
	ErrServerRunning = errors.New("server already running")
)

// Server accepts device connections from a Listener and runs one Session
// per connection. The server owns the lifecycle of every session: a
// fatal transport error inside a session signals the server to drop its
// reference, which is what releases the session's collaborators.
type Server struct {
	mu       sync.Mutex
	config   *serverConfig
	listener Listener
	sessions map[string]*Session
	running  atomic.Bool
	done     chan struct{}

	sessionGauge  Gauge
	sessionsTotal Counter
}

// NewServer creates a server over the given listener.
func NewServer(listener Listener, opts ...ServerOption) *Server {
	config := defaultServerConfig()
	for _, opt := range opts {
		opt(config)
	}

	return &Server{
		config:        config,
		listener:      listener,
		sessions:      make(map[string]*Session),
		done:          make(chan struct{}),
		sessionGauge:  config.metrics.Gauge(MetricSessions, nil),
		sessionsTotal: config.metrics.Counter(MetricSessionsTotal, nil),
	}
}

// Serve accepts connections until the server is closed.
func (s *Server) Serve() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	s.config.logger.Info("accepting device connections", LogFields{
		LogFieldRemoteAddr: s.listener.Addr().String(),
	})

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
				// Backoff so a persistent accept error cannot burn CPU.
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}

		if s.config.maxConnections > 0 {
			s.mu.Lock()
			count := len(s.sessions)
			s.mu.Unlock()

			if count >= s.config.maxConnections {
				s.config.logger.Warn("max sessions reached, rejecting connection", LogFields{
					LogFieldRemoteAddr: conn.RemoteAddr().String(),
				})
				conn.Close()
				continue
			}
		}

		s.startSession(conn)
	}
}

// Close stops the server and tears down every active session.
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	close(s.done)
	s.listener.Close()

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	return nil
}

// Sessions returns the ids of the active sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) startSession(conn Conn) {
	session := newSession(newSessionID(), conn, s.config, s.removeSession)

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()

	s.sessionGauge.Inc()
	s.sessionsTotal.Inc()

	session.start()

	if s.config.onSessionStart != nil {
		s.config.onSessionStart(session)
	}
}

// removeSession drops the registry reference of a finished session. It
// runs after the session has released its collaborators.
func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	_, ok := s.sessions[session.ID()]
	delete(s.sessions, session.ID())
	s.mu.Unlock()

	if ok {
		s.sessionGauge.Dec()
	}

	if s.config.onSessionClose != nil {
		s.config.onSessionClose(session)
	}
}

func newSessionID() string {
	return "session-" + uuid.NewString()
}
