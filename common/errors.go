package common

import "fmt"

// ConnectionError a handshake / negotiation failure. The connection is rejected before
// it is registered.
type ConnectionError struct {
	Remote string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection from %s rejected: %v", e.Remote, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DeliveryError a write failure towards one session during publish or push
type DeliveryError struct {
	SessionID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to session %s failed: %v", e.SessionID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// SchedulerError a failure while processing one session during a heartbeat cycle
type SchedulerError struct {
	SessionID string
	Err       error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("heartbeat processing of session %s failed: %v", e.SessionID, e.Err)
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// SubscriptionError a malformed topic pattern or invalid destination
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("invalid destination '%s': %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
