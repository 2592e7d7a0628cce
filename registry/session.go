package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TransportKind the framing a session speaks
type TransportKind string

const (
	// TransportBrokerFramed STOMP frames over websocket
	TransportBrokerFramed TransportKind = "broker-framed"
	// TransportNative the order event push framing
	TransportNative TransportKind = "native"
)

// Transport the connection handle of a session
type Transport interface {
	// Probe send a liveness probe to the peer
	Probe() error
	// Close close the underlying connection. Must be safe to call more than once.
	Close() error
}

// ErrSessionClosed the session has been unregistered
var ErrSessionClosed = fmt.Errorf("session closed")

// Session one registered client connection
type Session struct {
	id        string
	userID    string
	kind      TransportKind
	transport Transport
	createdAt time.Time
	lastSeen  atomic.Int64

	lock   sync.Mutex
	closed bool
	topics map[string]bool
}

// newSession define a new session
func newSession(id, userID string, kind TransportKind, transport Transport, now time.Time) *Session {
	s := &Session{
		id:        id,
		userID:    userID,
		kind:      kind,
		transport: transport,
		createdAt: now,
		topics:    map[string]bool{},
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// ID the session identifier
func (s *Session) ID() string {
	return s.id
}

// UserID the authenticated user of the session. Empty for anonymous sessions.
func (s *Session) UserID() string {
	return s.userID
}

// Kind the transport kind
func (s *Session) Kind() TransportKind {
	return s.kind
}

// Transport the connection handle
func (s *Session) Transport() Transport {
	return s.transport
}

// CreatedAt when the session was registered
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastSeen the last time inbound activity was observed
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// Closed whether the session has been unregistered
func (s *Session) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Topics snapshot of the topics the session is subscribed to
func (s *Session) Topics() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		result = append(result, topic)
	}
	return result
}

// Attach record a subscription to topic. attach is run under the session lock so that
// it can never race with teardown of the session.
func (s *Session) Attach(topic string, attach func()) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if attach != nil {
		attach()
	}
	s.topics[topic] = true
	return nil
}

// Detach remove a subscription to topic. Returns false if the session was not subscribed.
func (s *Session) Detach(topic string, detach func()) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.topics[topic] {
		return false
	}
	if detach != nil {
		detach()
	}
	delete(s.topics, topic)
	return true
}
