package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start the timer. A timer runs at most one loop at a time.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop the timer loop
	Stop() error
	// Running whether the timer loop is active
	Running() bool
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	rootContext   context.Context
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
	lock          sync.Mutex
	running       bool
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	rootCtxt context.Context, name string, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	if interval <= 0 {
		return fmt.Errorf("invalid timer interval %s", interval)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.running {
		return fmt.Errorf("timer loop already running")
	}
	log.WithFields(t.LogTags).Infof("Starting with int %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel
	t.running = true
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		defer func() {
			t.lock.Lock()
			t.running = false
			t.lock.Unlock()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-ticker.C:
				log.WithFields(t.LogTags).Debug("Calling handler")
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
				if oneShot {
					return
				}
			}
		}
	}()
	return nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
	}
	return nil
}

// Running whether the timer loop is active
func (t *intervalTimerImpl) Running() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.running
}
