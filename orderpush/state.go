package orderpush

import "fmt"

// ChannelState lifecycle state of an order event channel
type ChannelState string

const (
	// StateConnecting session attached, user not yet bound
	StateConnecting ChannelState = "CONNECTING"
	// StateOpen order events are routed to the session
	StateOpen ChannelState = "OPEN"
	// StateClosing close requested, waiting for teardown
	StateClosing ChannelState = "CLOSING"
	// StateClosed terminal
	StateClosed ChannelState = "CLOSED"
)

var allowedTransitions = map[ChannelState]map[ChannelState]bool{
	StateConnecting: {StateOpen: true, StateClosing: true, StateClosed: true},
	StateOpen:       {StateClosing: true, StateClosed: true},
	StateClosing:    {StateClosed: true},
	StateClosed:     {},
}

// CanTransition whether moving from one state to another is legal
func CanTransition(from, to ChannelState) bool {
	return allowedTransitions[from][to]
}

// transition move to the next state, rejecting illegal moves
func transition(from, to ChannelState) (ChannelState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal channel transition %s -> %s", from, to)
	}
	return to, nil
}
