package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// TeardownReason why a session was unregistered
type TeardownReason string

const (
	// ReasonClientClosed the client went away or asked to disconnect
	ReasonClientClosed TeardownReason = "client-closed"
	// ReasonDeliveryFailed a message could not be delivered to the session
	ReasonDeliveryFailed TeardownReason = "delivery-failed"
	// ReasonHeartbeatTimeout the session missed consecutive heartbeats
	ReasonHeartbeatTimeout TeardownReason = "heartbeat-timeout"
	// ReasonPushTimeout an order event could not be queued in time
	ReasonPushTimeout TeardownReason = "push-timeout"
	// ReasonProtocolError the client violated the framing protocol
	ReasonProtocolError TeardownReason = "protocol-error"
	// ReasonShutdown the server is stopping
	ReasonShutdown TeardownReason = "shutdown"
)

// TeardownHook invoked when a session is unregistered, with the topics it was subscribed
// to. Hooks run under the session lock, before the transport is closed.
type TeardownHook func(session *Session, topics []string, reason TeardownReason)

// ConnectionRegistry tracks every live client session
type ConnectionRegistry interface {
	// Register add a new session for an established transport
	Register(transport Transport, kind TransportKind, userID string) (*Session, error)
	// Unregister remove a session, run the teardown hooks, then close its transport.
	// Returns false if the session was already absent.
	Unregister(sessionID string, reason TeardownReason) bool
	// Touch record inbound activity on a session
	Touch(sessionID string) bool
	// Get fetch a session
	Get(sessionID string) (*Session, bool)
	// Sessions snapshot of all registered sessions
	Sessions() []*Session
	// Count number of registered sessions
	Count() int
	// OnTeardown install a teardown hook. Hooks run in installation order.
	OnTeardown(hook TeardownHook)
	// UnregisterAll remove every session
	UnregisterAll(reason TeardownReason) int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock     sync.RWMutex
	sessions map[string]*Session
	hookLock sync.RWMutex
	hooks    []TeardownHook
	now      func() time.Time
}

// GetConnectionRegistry define a new connection registry
func GetConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		sessions:  map[string]*Session{},
		hooks:     []TeardownHook{},
		now:       time.Now,
	}, nil
}

// Register add a new session for an established transport
func (r *connectionRegistryImpl) Register(
	transport Transport, kind TransportKind, userID string,
) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("no transport provided")
	}
	switch kind {
	case TransportBrokerFramed, TransportNative:
	default:
		return nil, fmt.Errorf("unknown transport kind '%s'", kind)
	}
	session := newSession(uuid.New().String(), userID, kind, transport, r.now())
	r.lock.Lock()
	r.sessions[session.id] = session
	r.lock.Unlock()
	metrics.ActiveSessions.WithLabelValues(string(kind)).Inc()
	log.WithFields(r.LogTags).WithFields(log.Fields{
		"session": session.id, "kind": kind, "user": userID,
	}).Debug("Registered session")
	return session, nil
}

// Unregister remove a session, run the teardown hooks, then close its transport
func (r *connectionRegistryImpl) Unregister(sessionID string, reason TeardownReason) bool {
	r.lock.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.lock.Unlock()
	if !ok {
		return false
	}

	r.hookLock.RLock()
	hooks := make([]TeardownHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookLock.RUnlock()

	session.lock.Lock()
	session.closed = true
	topics := make([]string, 0, len(session.topics))
	for topic := range session.topics {
		topics = append(topics, topic)
	}
	for _, hook := range hooks {
		hook(session, topics, reason)
	}
	session.topics = map[string]bool{}
	session.lock.Unlock()

	if err := session.transport.Close(); err != nil {
		log.WithError(err).WithFields(r.LogTags).WithField("session", sessionID).Debug(
			"Transport close reported error",
		)
	}
	metrics.ActiveSessions.WithLabelValues(string(session.kind)).Dec()
	metrics.SessionsTornDown.WithLabelValues(string(reason)).Inc()
	log.WithFields(r.LogTags).WithFields(log.Fields{
		"session": sessionID, "reason": reason, "topics": len(topics),
	}).Debug("Unregistered session")
	return true
}

// Touch record inbound activity on a session
func (r *connectionRegistryImpl) Touch(sessionID string) bool {
	r.lock.RLock()
	session, ok := r.sessions[sessionID]
	r.lock.RUnlock()
	if !ok {
		return false
	}
	session.touch(r.now())
	return true
}

// Get fetch a session
func (r *connectionRegistryImpl) Get(sessionID string) (*Session, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// Sessions snapshot of all registered sessions
func (r *connectionRegistryImpl) Sessions() []*Session {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		result = append(result, session)
	}
	return result
}

// Count number of registered sessions
func (r *connectionRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// OnTeardown install a teardown hook
func (r *connectionRegistryImpl) OnTeardown(hook TeardownHook) {
	r.hookLock.Lock()
	defer r.hookLock.Unlock()
	r.hooks = append(r.hooks, hook)
}

// UnregisterAll remove every session
func (r *connectionRegistryImpl) UnregisterAll(reason TeardownReason) int {
	removed := 0
	for _, session := range r.Sessions() {
		if r.Unregister(session.id, reason) {
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(r.LogTags).Infof("Unregistered %d sessions", removed)
	}
	return removed
}
