package orderpush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/metrics"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

// OrderReceiver a session transport able to accept order events
type OrderReceiver interface {
	// DeliverOrderEvent queue the event for the session, blocking until there is room
	// or the context expires
	DeliverOrderEvent(ctxt context.Context, event common.OrderEvent) error
}

// OrderEventChannel routes order events to every open session of a user
type OrderEventChannel interface {
	// Attach create the CONNECTING entry for a session
	Attach(session *registry.Session) error
	// Open bind the session to a user and start routing events to it
	Open(sessionID string, userID string) error
	// Close stop routing events to the session
	Close(sessionID string) error
	// State current state of a session's channel
	State(sessionID string) (ChannelState, bool)
	// OpenSessions the sessions currently open for a user
	OpenSessions(userID string) []string
	// Push deliver the event to every open session of the user, returning the delivered count
	Push(ctxt context.Context, userID string, event common.OrderEvent) (int, error)
}

type channelEntry struct {
	state  ChannelState
	userID string
}

// orderEventChannelImpl implements OrderEventChannel
type orderEventChannelImpl struct {
	common.Component
	sessions    registry.ConnectionRegistry
	pushTimeout time.Duration
	parallelism int
	validate    *validator.Validate
	lock        sync.RWMutex
	channels    map[string]*channelEntry
	users       map[string]map[string]bool
}

// GetOrderEventChannel define a new order event channel
func GetOrderEventChannel(
	instance string,
	sessions registry.ConnectionRegistry,
	pushTimeout time.Duration,
	parallelism int,
) (OrderEventChannel, error) {
	logTags := log.Fields{
		"module": "orderpush", "component": "order-event-channel", "instance": instance,
	}
	if pushTimeout <= 0 {
		return nil, fmt.Errorf("push timeout must be positive")
	}
	if parallelism < 1 {
		parallelism = 1
	}
	instanceRef := &orderEventChannelImpl{
		Component:   common.Component{LogTags: logTags},
		sessions:    sessions,
		pushTimeout: pushTimeout,
		parallelism: parallelism,
		validate:    validator.New(),
		channels:    map[string]*channelEntry{},
		users:       map[string]map[string]bool{},
	}
	sessions.OnTeardown(instanceRef.dropSession)
	return instanceRef, nil
}

// Attach create the CONNECTING entry for a session
func (c *orderEventChannelImpl) Attach(session *registry.Session) error {
	if session.Closed() {
		return registry.ErrSessionClosed
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.channels[session.ID()]; ok {
		return fmt.Errorf("session '%s' already attached", session.ID())
	}
	c.channels[session.ID()] = &channelEntry{state: StateConnecting}
	return nil
}

// Open bind the session to a user and start routing events to it
func (c *orderEventChannelImpl) Open(sessionID string, userID string) error {
	if userID == "" {
		return fmt.Errorf("order event channel requires a user")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.channels[sessionID]
	if !ok {
		return fmt.Errorf("session '%s' not attached", sessionID)
	}
	next, err := transition(entry.state, StateOpen)
	if err != nil {
		return err
	}
	entry.state = next
	entry.userID = userID
	if _, ok := c.users[userID]; !ok {
		c.users[userID] = map[string]bool{}
	}
	c.users[userID][sessionID] = true
	log.WithFields(c.LogTags).WithFields(log.Fields{
		"session": sessionID, "user": userID,
	}).Debug("Channel open")
	return nil
}

// removeUserMapping drop the session from its user's routing set. Caller holds the lock.
func (c *orderEventChannelImpl) removeUserMapping(sessionID string, entry *channelEntry) {
	if entry.userID == "" {
		return
	}
	if userSessions, ok := c.users[entry.userID]; ok {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(c.users, entry.userID)
		}
	}
}

// Close stop routing events to the session
func (c *orderEventChannelImpl) Close(sessionID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.channels[sessionID]
	if !ok {
		return nil
	}
	next, err := transition(entry.state, StateClosing)
	if err != nil {
		return err
	}
	entry.state = next
	c.removeUserMapping(sessionID, entry)
	return nil
}

// dropSession teardown hook moving the channel to CLOSED
func (c *orderEventChannelImpl) dropSession(
	session *registry.Session, _ []string, _ registry.TeardownReason,
) {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.channels[session.ID()]
	if !ok {
		return
	}
	if next, err := transition(entry.state, StateClosed); err == nil {
		entry.state = next
	}
	c.removeUserMapping(session.ID(), entry)
	delete(c.channels, session.ID())
}

// State current state of a session's channel
func (c *orderEventChannelImpl) State(sessionID string) (ChannelState, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	entry, ok := c.channels[sessionID]
	if !ok {
		return "", false
	}
	return entry.state, true
}

// OpenSessions the sessions currently open for a user
func (c *orderEventChannelImpl) OpenSessions(userID string) []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	result := make([]string, 0, len(c.users[userID]))
	for sessionID := range c.users[userID] {
		result = append(result, sessionID)
	}
	return result
}

// Push deliver the event to every open session of the user
func (c *orderEventChannelImpl) Push(
	ctxt context.Context, userID string, event common.OrderEvent,
) (int, error) {
	if event.UserID == "" {
		event.UserID = userID
	}
	if event.UserID != userID {
		return 0, fmt.Errorf("event user '%s' does not match target '%s'", event.UserID, userID)
	}
	if err := c.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Invalid order event")
		return 0, err
	}

	targets := c.OpenSessions(userID)
	if len(targets) == 0 {
		log.WithFields(c.LogTags).WithField("user", userID).Debug("No open sessions for user")
		return 0, nil
	}

	delivered := atomic.Int32{}
	group := errgroup.Group{}
	group.SetLimit(c.parallelism)
	for _, sessionID := range targets {
		group.Go(func() error {
			if c.pushToSession(ctxt, sessionID, event) {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := ctxt.Err(); err != nil {
		return int(delivered.Load()), err
	}
	return int(delivered.Load()), nil
}

// pushToSession deliver to one session. A session which can not accept the event in time is
// forcibly closed.
func (c *orderEventChannelImpl) pushToSession(
	ctxt context.Context, sessionID string, event common.OrderEvent,
) bool {
	logTags := c.ExtendLogTags(log.Fields{"session": sessionID, "order": event.OrderID})
	if state, ok := c.State(sessionID); !ok || state != StateOpen {
		log.WithFields(logTags).Debugf("Channel not open (%s), skipping", state)
		return false
	}
	session, ok := c.sessions.Get(sessionID)
	if !ok {
		return false
	}
	receiver, ok := session.Transport().(OrderReceiver)
	if !ok {
		log.WithFields(logTags).Error("Session transport can not receive order events")
		return false
	}

	pushCtxt, cancel := context.WithTimeout(ctxt, c.pushTimeout)
	defer cancel()
	err := receiver.DeliverOrderEvent(pushCtxt, event)
	if err == nil {
		metrics.OrderEventsPushed.WithLabelValues("delivered").Inc()
		return true
	}
	if ctxt.Err() != nil {
		// Caller gave up, the session is not at fault
		metrics.OrderEventsPushed.WithLabelValues("cancelled").Inc()
		return false
	}

	reason := registry.ReasonDeliveryFailed
	if errors.Is(err, context.DeadlineExceeded) {
		reason = registry.ReasonPushTimeout
		metrics.OrderEventsPushed.WithLabelValues("timeout").Inc()
	} else {
		metrics.OrderEventsPushed.WithLabelValues("failed").Inc()
	}
	deliveryErr := &common.DeliveryError{SessionID: sessionID, Err: err}
	log.WithError(deliveryErr).WithFields(logTags).Error("Order event push failed, closing session")
	c.sessions.Unregister(sessionID, reason)
	return false
}
